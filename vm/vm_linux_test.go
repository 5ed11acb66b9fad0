//go:build linux

package vm

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestSystemProtectorRoundTrip(t *testing.T) {
	size := int(PageSize())
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Skipf("mmap: %v", err)
	}
	defer unix.Munmap(mem)

	r := Region{Addr: uintptr(unsafe.Pointer(&mem[0])), Size: uintptr(size)}
	p := System()

	got, err := p.Query(r)
	if err != nil {
		t.Fatalf("Query(%s): %v", r, err)
	}
	if got != ProtRead {
		t.Fatalf("Query(%s) = %s, want r--", r, got)
	}

	err = WithWritable(p, r, func() error {
		mem[0] = 0x42
		return nil
	})
	if err != nil {
		t.Fatalf("WithWritable(%s): %v", r, err)
	}
	if mem[0] != 0x42 {
		t.Fatalf("write inside scope was lost")
	}
	if got, _ := p.Query(r); got != ProtRead {
		t.Fatalf("Query(%s) after scope = %s, want r--", r, got)
	}
}
