package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unsafe"

	"github.com/sliverarmory/guestkit/internal/machotest"
	"github.com/sliverarmory/guestkit/vm"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	noInject, tweakLoader, arch, Verbose = false, "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func requireSystemProtector(t *testing.T) {
	t.Helper()
	buf := make([]byte, 1)
	r := vm.Pages(uintptr(unsafe.Pointer(&buf[0])), 1)
	if _, err := vm.System().Query(r); errors.Is(err, vm.ErrUnsupported) {
		t.Skipf("page protection unavailable: %v", err)
	}
}

func TestEmulate(t *testing.T) {
	out, err := run(t, "emulate", "0x100004000", "0xb0000008", "0x91004108")
	if err != nil {
		t.Fatalf("emulate: %v\n%s", err, out)
	}
	for _, want := range []string{"adrp+add:  0x100005010", "adrp page: 0x100005000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("emulate output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "adrp+ldr") {
		t.Fatalf("emulate resolved an ADRP+LDR pair that is not there:\n%s", out)
	}
}

func TestEmulateRejectsBadWord(t *testing.T) {
	if _, err := run(t, "emulate", "0x1000", "0x1ffffffff"); err == nil {
		t.Fatal("emulate accepted a word wider than 32 bits")
	}
}

func TestUnknownArch(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{})
	if _, err := run(t, "inspect", "--arch", "ppc", path); err == nil {
		t.Fatal("inspect accepted --arch ppc")
	}
}

func TestInspect(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{})
	out, err := run(t, "inspect", path)
	if err != nil {
		t.Fatalf("inspect(%s): %v", path, err)
	}
	for _, want := range []string{"executable", "Load Commands:", "LC_SEGMENT_64"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestPatchThenCheck(t *testing.T) {
	requireSystemProtector(t)
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{Signed: true})

	if _, err := run(t, "check", path); !errors.Is(err, ErrNotLoadable) {
		t.Fatalf("check before patch = %v, want ErrNotLoadable", err)
	}
	if out, err := run(t, "patch", path); err != nil {
		t.Fatalf("patch(%s): %v\n%s", path, err, out)
	}
	out, err := run(t, "check", path)
	if err != nil {
		t.Fatalf("check after patch: %v\n%s", err, out)
	}
	if !strings.Contains(out, "patched:     true") || !strings.HasSuffix(out, "ok\n") {
		t.Fatalf("check output:\n%s", out)
	}

	out, err = run(t, "status", path)
	if err != nil {
		t.Fatalf("status(%s): %v", path, err)
	}
	if !strings.Contains(out, "injected:   true (1 active, 0 disabled)") {
		t.Fatalf("status output:\n%s", out)
	}

	if out, err := run(t, "patch", "--no-inject", path); err != nil {
		t.Fatalf("patch --no-inject(%s): %v\n%s", path, err, out)
	}
	out, _ = run(t, "status", path)
	if !strings.Contains(out, "injected:   false (0 active, 1 disabled)") {
		t.Fatalf("status after --no-inject:\n%s", out)
	}
}
