package hook

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sliverarmory/guestkit/arm64"
)

type fakeMemory struct {
	bytes  map[uintptr]byte
	next   uintptr
	allocs map[uintptr][]byte
	writes int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		bytes:  make(map[uintptr]byte),
		next:   0x300000000,
		allocs: make(map[uintptr][]byte),
	}
}

func (m *fakeMemory) Read(addr uintptr, p []byte) error {
	for i := range p {
		p[i] = m.bytes[addr+uintptr(i)]
	}
	return nil
}

func (m *fakeMemory) Write(addr uintptr, p []byte) error {
	m.writes++
	for i, b := range p {
		m.bytes[addr+uintptr(i)] = b
	}
	return nil
}

func (m *fakeMemory) Alloc(code []byte) (uintptr, error) {
	addr := m.next
	m.next += 0x4000
	m.allocs[addr] = append([]byte(nil), code...)
	return addr, m.Write(addr, code)
}

func (m *fakeMemory) words(addr uintptr, n int) []uint32 {
	b := make([]byte, 4*n)
	_ = m.Read(addr, b)
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}

const (
	stpFrame   = 0xa9bf7bfd // stp x29, x30, [sp, #-16]!
	movFrame   = 0x910003fd // mov x29, sp
	ldrX8X8    = 0xf9400108 // ldr x8, [x8]
	adrpX8Next = 0xb0000008 // adrp x8, <next page>
	nop        = 0xd503201f
)

func TestInstallAndRemove(t *testing.T) {
	mem := newFakeMemory()
	const target = uintptr(0x180004000)
	prolog := encode(stpFrame, movFrame, nop, nop)
	_ = mem.Write(target, prolog)

	r := NewRegistry(mem)
	h, err := r.Install("open", target, 0x10000)
	if err != nil {
		t.Fatalf("Install(): %v", err)
	}
	got := mem.words(target, 4)
	if got[0] != ldrX16Literal8 || got[1] != brX16 || uint64(got[3])<<32|uint64(got[2]) != 0x10000 {
		t.Fatalf("detour at target = %#x", got)
	}

	tramp, ok := mem.allocs[h.Trampoline]
	if !ok {
		t.Fatalf("trampoline %#x was not allocated", h.Trampoline)
	}
	if string(tramp[:PrologSize]) != string(prolog) {
		t.Fatalf("trampoline does not start with the original prolog")
	}
	if string(tramp[PrologSize:]) != string(Jump(uint64(target)+PrologSize)) {
		t.Fatalf("trampoline does not continue at target+%d", PrologSize)
	}

	if got, ok := r.Lookup(target); !ok || got != h {
		t.Fatalf("Lookup(%#x) = %v, %v", target, got, ok)
	}
	if hooks := r.Hooks(); len(hooks) != 1 || hooks[0] != h {
		t.Fatalf("Hooks() = %v", hooks)
	}

	if err := r.Remove(target); err != nil {
		t.Fatalf("Remove(): %v", err)
	}
	restored := make([]byte, PrologSize)
	_ = mem.Read(target, restored)
	if string(restored) != string(prolog) {
		t.Fatalf("Remove() did not restore the prolog")
	}
	if err := r.Remove(target); !errors.Is(err, ErrHookNotFound) {
		t.Fatalf("second Remove() error = %v, want ErrHookNotFound", err)
	}
}

func TestInstallTwice(t *testing.T) {
	mem := newFakeMemory()
	const target = uintptr(0x180008000)
	_ = mem.Write(target, encode(nop, nop, nop, nop))

	r := NewRegistry(mem)
	if _, err := r.Install("first", target, 0x10000); err != nil {
		t.Fatalf("Install(): %v", err)
	}
	writes := mem.writes
	if _, err := r.Install("second", target, 0x20000); !errors.Is(err, ErrDoubleHook) {
		t.Fatalf("second Install() error = %v, want ErrDoubleHook", err)
	}
	if mem.writes != writes {
		t.Fatalf("rejected Install() still wrote memory")
	}
}

func TestInstallRejectsNil(t *testing.T) {
	r := NewRegistry(newFakeMemory())
	if _, err := r.Install("nil", 0, 0x10000); err == nil {
		t.Fatal("Install() with a nil target succeeded")
	}
	if _, err := r.Install("nil", 0x10000, 0); err == nil {
		t.Fatal("Install() with a nil replacement succeeded")
	}
}

func TestInstallRejectsBranchInProlog(t *testing.T) {
	mem := newFakeMemory()
	const target = uintptr(0x18000c000)
	_ = mem.Write(target, encode(stpFrame, 0x94000010, nop, nop)) // bl #0x40

	r := NewRegistry(mem)
	if _, err := r.Install("branchy", target, 0x10000); !errors.Is(err, ErrRelativeAddr) {
		t.Fatalf("Install() error = %v, want ErrRelativeAddr", err)
	}
	if len(mem.allocs) != 0 {
		t.Fatalf("rejected Install() allocated %d chunks", len(mem.allocs))
	}
}

func TestRelocateADRP(t *testing.T) {
	const pc = 0x100004000
	out, err := Relocate(encode(stpFrame, movFrame, adrpX8Next, ldrX8X8), pc)
	if err != nil {
		t.Fatalf("Relocate(): %v", err)
	}
	words := arm64.Words(out, 0)
	if len(words) != 7 {
		t.Fatalf("Relocate() produced %d words, want 7", len(words))
	}
	if words[0].Raw != stpFrame || words[1].Raw != movFrame || words[6].Raw != ldrX8X8 {
		t.Fatalf("Relocate() changed position-independent instructions: %v", words)
	}
	if words[2].Raw != ldrLiteral64|8 || words[3].Raw != branchOver8 {
		t.Fatalf("ADRP became %s; %s", words[2], words[3])
	}
	want, _ := arm64.ADRP(adrpX8Next, pc+8)
	if got := uint64(words[5].Raw)<<32 | uint64(words[4].Raw); got != want {
		t.Fatalf("relocated page = %#x, want %#x", got, want)
	}
	if want != 0x100005000 {
		t.Fatalf("ADRP(%#x) = %#x", adrpX8Next, want)
	}
}

func TestRelocateRejectsPartialWord(t *testing.T) {
	if _, err := Relocate([]byte{1, 2, 3}, 0x1000); err == nil {
		t.Fatal("Relocate() accepted a partial instruction")
	}
}

func TestInstallGenerated(t *testing.T) {
	mem := newFakeMemory()
	const target = uintptr(0x180010000)
	_ = mem.Write(target, encode(nop, nop, nop, nop))

	r := NewRegistry(mem)
	var seen uintptr
	h, err := r.InstallGenerated("fcntl", target, func(trampoline uintptr) []byte {
		seen = trampoline
		return LibraryValidationFilter(trampoline)
	})
	if err != nil {
		t.Fatalf("InstallGenerated(): %v", err)
	}
	if seen != h.Trampoline {
		t.Fatalf("generator saw trampoline %#x, hook has %#x", seen, h.Trampoline)
	}
	stub := mem.words(h.Replacement, 8)
	if stub[0] != cmpW1Imm(FCheckLV) {
		t.Fatalf("stub does not start with cmp w1, #%d: %#x", FCheckLV, stub[0])
	}
	if got := uint64(stub[7])<<32 | uint64(stub[6]); got != uint64(h.Trampoline) {
		t.Fatalf("stub tail-calls %#x, want trampoline %#x", got, h.Trampoline)
	}
}

func TestLibraryValidationFilter(t *testing.T) {
	words := arm64.Words(LibraryValidationFilter(0x1122334455667788), 0)
	want := []uint32{0x7101883f, 0x54000061, 0xd2800000, 0xd65f03c0, 0x58000050, 0xd61f0200, 0x55667788, 0x11223344}
	if len(words) != len(want) {
		t.Fatalf("filter is %d words, want %d", len(words), len(want))
	}
	for i, w := range words {
		if w.Raw != want[i] {
			t.Fatalf("word %d = %s, want %#08x", i, w, want[i])
		}
	}
	// b.ne skips the early return and lands on the tail call.
	bne := words[1]
	offset := int64((bne.Raw>>5)&0x7ffff) * 4
	if dst := bne.PC + uint64(offset); dst != words[4].PC {
		t.Fatalf("b.ne lands at %#x, want %#x", dst, words[4].PC)
	}
}

func TestConstantStub(t *testing.T) {
	words := arm64.Words(ConstantStub(0x000f0005), 0)
	want := []uint32{0x528000a0, 0x72a001e0, ret}
	for i, w := range words {
		if w.Raw != want[i] {
			t.Fatalf("word %d = %s, want %#08x", i, w, want[i])
		}
	}
}

func TestJump(t *testing.T) {
	words := arm64.Words(Jump(0xfedcba9876543210), 0)
	if words[0].Raw != ldrX16Literal8 || words[1].Raw != brX16 {
		t.Fatalf("Jump() = %v", words)
	}
	if words[2].Raw != 0x76543210 || words[3].Raw != 0xfedcba98 {
		t.Fatalf("Jump() literal = %#x %#x", words[3].Raw, words[2].Raw)
	}
}
