package patch_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"unsafe"

	"github.com/sliverarmory/guestkit/codesign"
	"github.com/sliverarmory/guestkit/internal/machotest"
	"github.com/sliverarmory/guestkit/macho"
	"github.com/sliverarmory/guestkit/patch"
	"github.com/sliverarmory/guestkit/vm"
)

// recordingProtector tracks protection in a Table and optionally refuses
// every request that adds write access.
type recordingProtector struct {
	*vm.Table
	refuse bool
	calls  []vm.Prot
}

func (p *recordingProtector) Protect(r vm.Region, prot vm.Prot) error {
	if p.refuse && prot&vm.ProtWrite != 0 {
		return errors.New("denied")
	}
	p.calls = append(p.calls, prot)
	return p.Table.Protect(r, prot)
}

func requireSystemProtector(t *testing.T) {
	t.Helper()
	buf := make([]byte, 1)
	r := vm.Pages(uintptr(unsafe.Pointer(&buf[0])), 1)
	if _, err := vm.System().Query(r); errors.Is(err, vm.ErrUnsupported) {
		t.Skipf("page protection unavailable: %v", err)
	}
}

func patchFile(t *testing.T, path string, doInject bool, opts ...patch.Option) int {
	t.Helper()
	f, err := macho.Open(path, macho.ReadWrite)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer f.Close()
	code := patch.StatusOK
	for f.Next() {
		if c := patch.ExecSlice(f.Slice(), doInject, opts...); c != patch.StatusOK {
			code = c
		}
	}
	if err := f.Err(); err != nil {
		t.Fatalf("Next(%s): %v", path, err)
	}
	return code
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func commands(t *testing.T, data []byte) []macho.LoadCommand {
	t.Helper()
	s, err := macho.NewSlice("mem", data, nil)
	if err != nil {
		t.Fatalf("NewSlice(): %v", err)
	}
	cmds, err := s.LoadCommands()
	if err != nil {
		t.Fatalf("LoadCommands(): %v", err)
	}
	return cmds
}

func TestCleanLoadScenario(t *testing.T) {
	requireSystemProtector(t)
	path, layout := machotest.Write(t, t.TempDir(), "guest", machotest.Options{})

	if codesign.Check(path) {
		t.Fatalf("Check(%s) = true before patching", path)
	}
	f, err := macho.Open(path, macho.ReadOnly)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	if !f.Next() {
		t.Fatalf("Next(): %v", f.Err())
	}
	segs, err := f.Slice().Segments()
	if err != nil || len(segs) != 3 {
		t.Fatalf("Segments() = %d, %v", len(segs), err)
	}
	_ = f.Close()

	if code := patchFile(t, path, true); code != patch.StatusOK {
		t.Fatalf("ExecSlice() = %d: %v", code, patch.Error(code))
	}
	if !codesign.Check(path) {
		t.Fatalf("Check(%s) = false after patching", path)
	}

	data := readFile(t, path)
	h, err := macho.DecodeHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.FileType != macho.MHDylib {
		t.Fatalf("filetype = %s", macho.FileTypeName(h.FileType))
	}
	if h.Flags&macho.MHPIE != 0 || h.Flags&macho.MHNoReexportedDylibs == 0 {
		t.Fatalf("flags = %#x", h.Flags)
	}
	if h.NCmds != 7 {
		t.Fatalf("ncmds = %d, want 7", h.NCmds)
	}

	cmds := commands(t, data)
	if cmds[0].Cmd != macho.LCIDDylib || cmds[0].Name != "guest" {
		t.Fatalf("first command = %s %q", cmds[0].Cmd, cmds[0].Name)
	}
	last := cmds[len(cmds)-1]
	if last.Cmd != macho.LCLoadDylib || last.Name != macho.DefaultTweakLoader {
		t.Fatalf("last command = %s %q", last.Cmd, last.Name)
	}
	if pz := cmds[1]; pz.Segment != "__PAGEZERO" || pz.VMAddr != 0xffffc000 || pz.VMSize != 0x4000 {
		t.Fatalf("__PAGEZERO = %#x+%#x", pz.VMAddr, pz.VMSize)
	}
	if end := uint32(macho.HeaderSize) + h.SizeOfCmds; end > layout.TextOffset {
		t.Fatalf("commands end at %#x past __text at %#x", end, layout.TextOffset)
	}
}

func TestIdempotent(t *testing.T) {
	requireSystemProtector(t)
	for _, signed := range []bool{false, true} {
		path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{Signed: signed})

		if code := patchFile(t, path, true); code != patch.StatusOK {
			t.Fatalf("signed=%v: first ExecSlice() = %d", signed, code)
		}
		once := readFile(t, path)
		if code := patchFile(t, path, true); code != patch.StatusOK {
			t.Fatalf("signed=%v: second ExecSlice() = %d", signed, code)
		}
		if twice := readFile(t, path); !bytes.Equal(once, twice) {
			t.Fatalf("signed=%v: second patch changed the file", signed)
		}
	}
}

func TestByteLocality(t *testing.T) {
	requireSystemProtector(t)
	path, layout := machotest.Write(t, t.TempDir(), "guest", machotest.Options{Signed: true})
	before := readFile(t, path)

	if code := patchFile(t, path, true); code != patch.StatusOK {
		t.Fatalf("ExecSlice() = %d", code)
	}
	after := readFile(t, path)
	if len(after) != len(before) {
		t.Fatalf("file size changed from %d to %d", len(before), len(after))
	}

	h, _ := macho.DecodeHeader(after)
	headerEnd := uint32(macho.HeaderSize) + h.SizeOfCmds
	r, err := codesign.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect(%s): %v", path, err)
	}
	slot := r.Directories[0].PageZeroSlot()
	for i := range before {
		if before[i] == after[i] {
			continue
		}
		off := uint32(i)
		if off < headerEnd || (off >= slot && off < slot+32) {
			continue
		}
		t.Fatalf("byte %#x changed outside the header and page-0 hash (text at %#x, signature at %#x)", off, layout.TextOffset, layout.SigOffset)
	}
	if !r.OK() {
		t.Fatalf("Inspect(%s) = %+v after patching", path, r)
	}
}

func TestSignedPageZeroMatchesResign(t *testing.T) {
	requireSystemProtector(t)
	path, layout := machotest.Write(t, t.TempDir(), "guest", machotest.Options{Signed: true})
	if code := patchFile(t, path, true); code != patch.StatusOK {
		t.Fatalf("ExecSlice() = %d", code)
	}
	patched := readFile(t, path)

	resigned := append([]byte(nil), patched...)
	machotest.Sign(resigned, layout.SigOffset)
	if !bytes.Equal(patched, resigned) {
		t.Fatal("patched signature differs from a fresh ad-hoc signature of the patched file")
	}
}

func TestRemoveInjection(t *testing.T) {
	requireSystemProtector(t)
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{})

	if code := patchFile(t, path, true); code != patch.StatusOK {
		t.Fatalf("inject: ExecSlice() = %d", code)
	}
	injected := readFile(t, path)

	if code := patchFile(t, path, false); code != patch.StatusOK {
		t.Fatalf("remove: ExecSlice() = %d", code)
	}
	st, err := macho.Status(path)
	if err != nil {
		t.Fatalf("Status(%s): %v", path, err)
	}
	if st.Injected || st.Disabled != 1 {
		t.Fatalf("Status() after removal = %+v", st)
	}
	removed := readFile(t, path)
	diff := 0
	for i := range injected {
		if injected[i] != removed[i] {
			diff++
		}
	}
	// Only the command tag changes.
	if diff == 0 || diff > 4 {
		t.Fatalf("removal changed %d bytes", diff)
	}

	if code := patchFile(t, path, true); code != patch.StatusOK {
		t.Fatalf("re-inject: ExecSlice() = %d", code)
	}
	if !bytes.Equal(readFile(t, path), injected) {
		t.Fatal("re-enabling injection did not restore the injected bytes")
	}
}

func TestNoInjectLeavesTweakLoaderOut(t *testing.T) {
	requireSystemProtector(t)
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{})
	if code := patchFile(t, path, false); code != patch.StatusOK {
		t.Fatalf("ExecSlice() = %d", code)
	}
	st, err := macho.Status(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 0 || st.Disabled != 0 {
		t.Fatalf("Status() = %+v, want no tweak loader", st)
	}
	if !codesign.Check(path) {
		t.Fatalf("Check(%s) = false", path)
	}
}

func TestNotEnoughSpace(t *testing.T) {
	data, _ := machotest.Build(machotest.Options{TextOffset: 0x1c0})
	orig := append([]byte(nil), data...)
	s, err := macho.NewSlice("cramped", data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := patch.ExecSlice(s, true); code != patch.StatusNotEnoughSpace {
		t.Fatalf("ExecSlice() = %d, want StatusNotEnoughSpace", code)
	}
	if !bytes.Equal(data, orig) {
		t.Fatal("ExecSlice() wrote to a slice without room")
	}
}

func TestProtectionRestored(t *testing.T) {
	data, _ := machotest.Build(machotest.Options{})
	s, err := macho.NewSlice("guest", data, nil)
	if err != nil {
		t.Fatal(err)
	}
	prot := &recordingProtector{Table: vm.NewTable(vm.ProtRead)}

	if code := patch.ExecSlice(s, true, patch.WithProtector(prot)); code != patch.StatusOK {
		t.Fatalf("ExecSlice() = %d", code)
	}
	if len(prot.calls) != 2 || prot.calls[0] != vm.ProtRead|vm.ProtWrite || prot.calls[1] != vm.ProtRead {
		t.Fatalf("protect calls = %v", prot.calls)
	}
	if got, _ := prot.Query(s.Region(0, macho.HeaderSize)); got != vm.ProtRead {
		t.Fatalf("header protection after patch = %s, want r--", got)
	}
}

func TestProtectionRefused(t *testing.T) {
	data, _ := machotest.Build(machotest.Options{Signed: true})
	orig := append([]byte(nil), data...)
	s, err := macho.NewSlice("guest", data, nil)
	if err != nil {
		t.Fatal(err)
	}
	prot := &recordingProtector{Table: vm.NewTable(vm.ProtRead), refuse: true}

	code := patch.ExecSlice(s, true, patch.WithProtector(prot))
	if code != patch.StatusProtect {
		t.Fatalf("ExecSlice() = %d, want StatusProtect", code)
	}
	if !errors.Is(patch.Error(code), vm.ErrProtect) {
		t.Fatalf("Error(%d) = %v", code, patch.Error(code))
	}
	if !bytes.Equal(data, orig) {
		t.Fatal("ExecSlice() wrote without write permission")
	}
	if len(prot.calls) != 0 {
		t.Fatalf("protect calls = %v, want none", prot.calls)
	}
}

func TestBadHeader(t *testing.T) {
	data, _ := machotest.Build(machotest.Options{FileType: macho.MHObject})
	s, err := macho.NewSlice("obj", data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := patch.ExecSlice(s, true); code != patch.StatusBadHeader {
		t.Fatalf("ExecSlice() = %d, want StatusBadHeader", code)
	}

	data, _ = machotest.Build(machotest.Options{})
	binary.LittleEndian.PutUint32(data[macho.HeaderSize+4:], 0xffff)
	s, err = macho.NewSlice("broken", data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := patch.ExecSlice(s, true); code != patch.StatusTruncated {
		t.Fatalf("ExecSlice() = %d, want StatusTruncated", code)
	}
}

func TestExistingDylibKeepsIdentity(t *testing.T) {
	data, _ := machotest.Build(machotest.Options{FileType: macho.MHDylib, IDDylib: "@rpath/Real.dylib"})
	s, err := macho.NewSlice("real", data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code := patch.ExecSlice(s, false, patch.WithIDName("ignored")); code != patch.StatusOK {
		t.Fatalf("ExecSlice() = %d", code)
	}
	cmds := commands(t, data)
	ids := 0
	for _, c := range cmds {
		if c.Cmd == macho.LCIDDylib {
			ids++
			if c.Name != "@rpath/Real.dylib" {
				t.Fatalf("LC_ID_DYLIB = %q", c.Name)
			}
		}
	}
	if ids != 1 {
		t.Fatalf("found %d LC_ID_DYLIB commands", ids)
	}
}

func TestFilePatchesTargetSliceOnly(t *testing.T) {
	requireSystemProtector(t)
	path, layout := machotest.Write(t, t.TempDir(), "fat", machotest.Options{CPU: macho.CPUArm64, Fat: true})
	before := readFile(t, path)

	if err := patch.File(path, true, patch.WithCPU(macho.CPUArm64)); err != nil {
		t.Fatalf("File(%s): %v", path, err)
	}
	after := readFile(t, path)
	if !bytes.Equal(before[:layout.SliceOffset], after[:layout.SliceOffset]) {
		t.Fatal("File() touched bytes outside the arm64 slice")
	}
	if !codesign.Check(path, macho.WithCPU(macho.CPUArm64)) {
		t.Fatalf("Check(%s) = false after File()", path)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{patch.StatusBadHeader, patch.ErrBadHeader},
		{patch.StatusNotEnoughSpace, patch.ErrNotEnoughSpace},
		{patch.StatusProtect, vm.ErrProtect},
		{patch.StatusTruncated, macho.ErrTruncated},
	}
	for _, tt := range tests {
		if err := patch.Error(tt.code); !errors.Is(err, tt.want) {
			t.Fatalf("Error(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
	if err := patch.Error(patch.StatusOK); err != nil {
		t.Fatalf("Error(StatusOK) = %v", err)
	}
	if err := patch.Error(-99); err == nil {
		t.Fatal("Error(-99) = nil")
	}
}
