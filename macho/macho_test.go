package macho_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sliverarmory/guestkit/internal/machotest"
	"github.com/sliverarmory/guestkit/macho"
)

func collectSlices(t *testing.T, path string, opts ...macho.Option) []*macho.Slice {
	t.Helper()
	f, err := macho.Open(path, macho.ReadOnly, opts...)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(func() { _ = f.Close() })

	var out []*macho.Slice
	for f.Next() {
		out = append(out, f.Slice())
	}
	if err := f.Err(); err != nil {
		t.Fatalf("Next(%s): %v", path, err)
	}
	return out
}

func TestWalkThin(t *testing.T) {
	path, layout := machotest.Write(t, t.TempDir(), "guest", machotest.Options{})

	slices := collectSlices(t, path)
	if len(slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(slices))
	}
	s := slices[0]
	if s.Path() != path || s.Offset() != 0 {
		t.Fatalf("slice path/offset = %s/%#x", s.Path(), s.Offset())
	}
	if s.Fd() == 0 {
		t.Fatal("slice has no file descriptor")
	}
	h := s.Header()
	if h.FileType != macho.MHExecute || h.NCmds != 5 {
		t.Fatalf("header = %+v", h)
	}

	segs, err := s.Segments()
	if err != nil {
		t.Fatalf("Segments(): %v", err)
	}
	var names []string
	for _, seg := range segs {
		names = append(names, seg.Segment)
	}
	if got := strings.Join(names, ","); got != "__PAGEZERO,__TEXT,__LINKEDIT" {
		t.Fatalf("segments = %s", got)
	}
	if segs[1].InitProt != 5 || len(segs[1].Sections) != 1 || segs[1].Sections[0].Offset != layout.TextOffset {
		t.Fatalf("__TEXT = %+v", segs[1])
	}

	end, limit, err := s.HeaderSpace()
	if err != nil {
		t.Fatalf("HeaderSpace(): %v", err)
	}
	if end != layout.CmdsEnd || limit != layout.TextOffset {
		t.Fatalf("HeaderSpace() = %#x, %#x, want %#x, %#x", end, limit, layout.CmdsEnd, layout.TextOffset)
	}

	id, ok := s.UUID()
	if !ok || id[0] != 0xa0 || id[15] != 0xaf {
		t.Fatalf("UUID() = %x, %v", id, ok)
	}
}

func TestWalkCommandOffsets(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{Dylibs: []string{"@rpath/Foo.framework/Foo"}})
	s := collectSlices(t, path)[0]

	cmds, err := s.LoadCommands()
	if err != nil {
		t.Fatalf("LoadCommands(): %v", err)
	}
	off := uint32(macho.HeaderSize)
	for _, c := range cmds {
		if c.Offset != off {
			t.Fatalf("%s at %#x, want %#x", c.Cmd, c.Offset, off)
		}
		if got := macho.Cmd(binary.LittleEndian.Uint32(s.Bytes()[c.Offset:])); got != c.Cmd {
			t.Fatalf("bytes at %#x hold %s, want %s", c.Offset, got, c.Cmd)
		}
		off += c.Size
	}
	if cmds[4].Cmd != macho.LCLoadDylib || cmds[4].Name != "@rpath/Foo.framework/Foo" {
		t.Fatalf("cmds[4] = %+v", cmds[4])
	}
}

func TestWalkFatSelectsTargetSlice(t *testing.T) {
	path, layout := machotest.Write(t, t.TempDir(), "fat", machotest.Options{CPU: macho.CPUArm64, Fat: true})

	slices := collectSlices(t, path, macho.WithCPU(macho.CPUArm64))
	if len(slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(slices))
	}
	if slices[0].Offset() != uint64(layout.SliceOffset) {
		t.Fatalf("slice offset = %#x, want %#x", slices[0].Offset(), layout.SliceOffset)
	}
	if slices[0].Header().CPU != macho.CPUArm64 {
		t.Fatalf("slice CPU = %s", macho.CPUName(slices[0].Header().CPU))
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := macho.Open(filepath.Join(dir, "missing"), macho.ReadOnly)
	if !errors.Is(err, macho.ErrOpen) {
		t.Fatalf("Open(missing) = %v, want ErrOpen", err)
	}

	junk := filepath.Join(dir, "junk")
	if err := os.WriteFile(junk, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = macho.Open(junk, macho.ReadOnly)
	if !errors.Is(err, macho.ErrBadMagic) {
		t.Fatalf("Open(junk) = %v, want ErrBadMagic", err)
	}

	tiny := filepath.Join(dir, "tiny")
	if err := os.WriteFile(tiny, []byte{0xcf}, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = macho.Open(tiny, macho.ReadOnly)
	if !errors.Is(err, macho.ErrTruncated) {
		t.Fatalf("Open(tiny) = %v, want ErrTruncated", err)
	}

	wrongArch, _ := machotest.Write(t, dir, "x86", machotest.Options{CPU: macho.CPUAmd64})
	_, err = macho.Open(wrongArch, macho.ReadOnly, macho.WithCPU(macho.CPUArm64))
	if !errors.Is(err, macho.ErrUnsupportedArch) {
		t.Fatalf("Open(x86 as arm64) = %v, want ErrUnsupportedArch", err)
	}

	data, _ := machotest.Build(machotest.Options{CPU: macho.CPUArm64})
	binary.LittleEndian.PutUint32(data[0:], macho.Magic32)
	thirtyTwo := filepath.Join(dir, "thirtytwo")
	if err := os.WriteFile(thirtyTwo, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = macho.Open(thirtyTwo, macho.ReadOnly, macho.WithCPU(macho.CPUArm64))
	if !errors.Is(err, macho.ErrUnsupportedArch) {
		t.Fatalf("Open(32-bit) = %v, want ErrUnsupportedArch", err)
	}
}

func TestTruncatedCommandTable(t *testing.T) {
	dir := t.TempDir()
	data, _ := machotest.Build(machotest.Options{CPU: macho.CPUArm64})

	// sizeofcmds past the end of the slice.
	overlong := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(overlong[20:], uint32(len(overlong)))
	path := filepath.Join(dir, "overlong")
	if err := os.WriteFile(path, overlong, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := macho.Open(path, macho.ReadOnly, macho.WithCPU(macho.CPUArm64))
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer f.Close()
	if f.Next() {
		t.Fatal("Next() yielded a slice with a truncated command table")
	}
	if !errors.Is(f.Err(), macho.ErrTruncated) {
		t.Fatalf("Err() = %v, want ErrTruncated", f.Err())
	}

	// A command whose size runs past sizeofcmds.
	broken := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(broken[macho.HeaderSize+4:], 0x10000)
	path = filepath.Join(dir, "broken")
	if err := os.WriteFile(path, broken, 0o644); err != nil {
		t.Fatal(err)
	}
	msg := macho.Walk(path, macho.ReadOnly, func(s *macho.Slice) error {
		_, err := s.LoadCommands()
		return err
	}, macho.WithCPU(macho.CPUArm64))
	if !strings.Contains(msg, "truncated") {
		t.Fatalf("Walk() = %q, want truncated error", msg)
	}
}

func TestWalkCallback(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{CPU: macho.CPUArm64})

	calls := 0
	msg := macho.Walk(path, macho.ReadOnly, func(s *macho.Slice) error {
		calls++
		if s.Header().CPU != macho.CPUArm64 {
			return errors.New("wrong slice")
		}
		return nil
	}, macho.WithCPU(macho.CPUArm64))
	if msg != "" {
		t.Fatalf("Walk() = %q", msg)
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times", calls)
	}

	if msg := macho.Walk(path+".missing", macho.ReadOnly, func(*macho.Slice) error { return nil }); msg == "" {
		t.Fatal("Walk(missing) returned no error")
	}
}

func TestUnknownCommandsAreSkipped(t *testing.T) {
	data, _ := machotest.Build(machotest.Options{CPU: macho.CPUArm64})
	// Retag LC_UUID with a command type the walker does not know.
	s, err := macho.NewSlice("mem", data, nil)
	if err != nil {
		t.Fatalf("NewSlice(): %v", err)
	}
	cmds, err := s.LoadCommands()
	if err != nil {
		t.Fatal(err)
	}
	var uuidOff uint32
	for _, c := range cmds {
		if c.Cmd == macho.LCUUID {
			uuidOff = c.Offset
		}
	}
	binary.LittleEndian.PutUint32(data[uuidOff:], 0x7777)

	cmds, err = s.LoadCommands()
	if err != nil {
		t.Fatalf("LoadCommands() with unknown command: %v", err)
	}
	if len(cmds) != 5 {
		t.Fatalf("got %d commands, want 5", len(cmds))
	}
	if !strings.Contains(macho.Describe(0x7777), "unknown") {
		t.Fatalf("Describe(0x7777) = %q", macho.Describe(0x7777))
	}
}

func TestStatusCountsInjection(t *testing.T) {
	dir := t.TempDir()
	path, _ := machotest.Write(t, dir, "guest", machotest.Options{
		CPU:    macho.CPUArm64,
		Dylibs: []string{macho.DefaultTweakLoader, "/usr/lib/libellekit.dylib", "/usr/lib/libz.dylib"},
	})

	st, err := macho.Status(path, macho.WithCPU(macho.CPUArm64))
	if err != nil {
		t.Fatalf("Status(%s): %v", path, err)
	}
	if !st.Injected || st.Count != 2 || st.Disabled != 0 {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestCanInject(t *testing.T) {
	dir := t.TempDir()
	path, _ := machotest.Write(t, dir, "guest", machotest.Options{CPU: macho.CPUArm64})
	if ok, reason := macho.CanInject(path, macho.WithCPU(macho.CPUArm64)); !ok {
		t.Fatalf("CanInject(%s) = false: %s", path, reason)
	}

	cramped, _ := machotest.Write(t, dir, "cramped", machotest.Options{CPU: macho.CPUArm64, TextOffset: 0x1c0})
	if ok, _ := macho.CanInject(cramped, macho.WithCPU(macho.CPUArm64)); ok {
		t.Fatalf("CanInject(%s) = true for a header without padding", cramped)
	}

	x86, _ := machotest.Write(t, dir, "x86", machotest.Options{CPU: macho.CPUAmd64})
	if ok, _ := macho.CanInject(x86, macho.WithCPU(macho.CPUAmd64)); ok {
		t.Fatalf("CanInject(%s) = true for x86_64", x86)
	}
}

func TestSummary(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{CPU: macho.CPUArm64})
	out := macho.Summary(path, macho.WithCPU(macho.CPUArm64))
	for _, want := range []string{"executable", "arm64", "free header space"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Summary() = %q, missing %q", out, want)
		}
	}
}

func TestFindSymbol(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "dyld", machotest.Options{
		Symbols: []machotest.Symbol{
			{Name: "__ZN5dyld46Loader15applyFixupsERNS_11DiagnosticsE", Value: machotest.TextVMAddr + 0x4000},
			{Name: "__ZN5dyld46Loader15applyFixupsERNS_11DiagnosticsE.cold.1", Value: machotest.TextVMAddr + 0x4010},
			{Name: "__ZN5dyld46Loader15applyFixupsERNS_11DiagnosticsERNS_12RuntimeStateE", Value: machotest.TextVMAddr + 0x4020},
		},
	})

	sym, ok, err := macho.FindSymbol(path, "__ZN5dyld46Loader15applyFixupsERNS_11DiagnosticsE")
	if err != nil || !ok || sym.Value != machotest.TextVMAddr+0x4000 || sym.Offset != 0x4000 {
		t.Fatalf("FindSymbol() = %+v, %v, %v", sym, ok, err)
	}
	if _, ok, err := macho.FindSymbol(path, "_nope"); err != nil || ok {
		t.Fatalf("FindSymbol(_nope) = %v, %v", ok, err)
	}

	sym, ok, err = macho.MatchSymbol(path, []string{"Loader", "applyFixups"})
	if err != nil || !ok {
		t.Fatalf("MatchSymbol() = %v, %v", ok, err)
	}
	if strings.Contains(sym.Name, ".cold") || sym.Offset != 0x4000 {
		t.Fatalf("MatchSymbol() picked %s at %#x", sym.Name, sym.Offset)
	}
	if _, ok, _ := macho.MatchSymbol(path, []string{"Loader", "RuntimeState", "missing"}); ok {
		t.Fatal("MatchSymbol() matched a missing part")
	}
}

func TestFindSymbolWithoutSymtab(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{})
	if _, ok, err := macho.FindSymbol(path, "_main"); err != nil || ok {
		t.Fatalf("FindSymbol() = %v, %v", ok, err)
	}
}
