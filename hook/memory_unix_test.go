//go:build linux || darwin

package hook

import (
	"testing"

	"github.com/sliverarmory/guestkit/vm"
)

func TestProcessMemory(t *testing.T) {
	mem := NewProcessMemory(vm.System())
	code := ConstantStub(1)
	addr, err := mem.Alloc(code)
	if err != nil {
		t.Skipf("executable memory unavailable: %v", err)
	}
	got := make([]byte, len(code))
	if err := mem.Read(addr, got); err != nil {
		t.Fatalf("Read(): %v", err)
	}
	if string(got) != string(code) {
		t.Fatalf("Read() = %x, want %x", got, code)
	}

	patched := ConstantStub(2)
	if err := mem.Write(addr, patched); err != nil {
		t.Fatalf("Write(): %v", err)
	}
	_ = mem.Read(addr, got)
	if string(got) != string(patched) {
		t.Fatalf("Read() after Write() = %x, want %x", got, patched)
	}
	prot, err := vm.System().Query(vm.Pages(addr, uintptr(len(code))))
	if err != nil {
		t.Fatalf("Query(): %v", err)
	}
	if prot&vm.ProtWrite != 0 {
		t.Fatalf("code left writable after Write(): %s", prot)
	}
}
