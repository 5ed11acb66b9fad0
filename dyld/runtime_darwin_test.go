//go:build darwin && (amd64 || arm64) && cgo

package dyld

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sliverarmory/guestkit/symcache"
)

func TestSystemDyldBase(t *testing.T) {
	rt := System()
	base, err := rt.DyldBase()
	if err != nil {
		t.Fatalf("DyldBase(): %v", err)
	}
	infos, err := rt.AllImageInfos()
	if err != nil {
		t.Fatalf("AllImageInfos(): %v", err)
	}
	if len(infos.Images) == 0 {
		t.Fatal("AllImageInfos() listed no images")
	}
	if infos.DyldImageLoadAddress != 0 && infos.DyldImageLoadAddress != base {
		t.Fatalf("DyldBase() = %#x, all_image_infos says %#x", base, infos.DyldImageLoadAddress)
	}
}

func TestSystemLibdyldIdentity(t *testing.T) {
	ref, err := System().Base(ImageLibdyld)
	if err != nil {
		t.Fatalf("Base(%s): %v", ImageLibdyld, err)
	}
	if ref.Header == 0 || ref.UUID == "" {
		t.Fatalf("Base(%s) = %+v", ImageLibdyld, ref)
	}
}

func TestSafeLoaderOpensDylib(t *testing.T) {
	dylib := ensureDarwinTestDylib(t)
	marker := filepath.Join(t.TempDir(), "marker.txt")
	t.Setenv("GUESTKIT_MARKER", marker)

	cache, err := symcache.New()
	if err != nil {
		t.Fatalf("symcache.New(): %v", err)
	}
	l := NewSafeLoader(System(), cache)
	h, err := l.Open(dylib, RTLDNow)
	if errors.Is(err, ErrEntryPointNotFound) && os.Getenv("GITHUB_ACTIONS") == "true" {
		t.Skipf("skipping on GitHub Actions runner: %v", err)
	}
	if err != nil {
		t.Fatalf("Open(%s): %v", dylib, err)
	}
	if h.IsZero() {
		t.Fatalf("Open(%s) returned a zero handle", dylib)
	}
	// Initializers run on load; the Go runtime of the library finishes
	// package init on its own thread.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if got, err := os.ReadFile(marker); err == nil && string(got) == "ok" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("initializers of %s did not run", dylib)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if h.Header == 0 {
		t.Skip("Loader::loadAddress unresolved on this dyld")
	}
	addr, err := l.Symbol(h, "_StartWStatus")
	if err != nil || addr == 0 {
		t.Fatalf("Symbol(_StartWStatus) = %#x, %v", addr, err)
	}
}

func ensureDarwinTestDylib(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not found in PATH")
	}
	outPath := filepath.Join(t.TempDir(), "basic.dylib")
	cmd := exec.Command("go", "build", "-buildmode=c-shared", "-trimpath", "-o", outPath, "../testdata/go/basic")
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=1",
		"GOCACHE="+filepath.Join(os.TempDir(), "guestkit-go-build-cache"),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build darwin test dylib: %v\n%s", err, out)
	}
	return outPath
}
