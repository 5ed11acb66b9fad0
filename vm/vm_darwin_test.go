//go:build darwin && cgo

package vm

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestWithWritableSharedFileMapping(t *testing.T) {
	size := int(PageSize())
	path := filepath.Join(t.TempDir(), "shared")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		t.Skipf("mmap: %v", err)
	}
	r := Region{Addr: uintptr(unsafe.Pointer(&mem[0])), Size: uintptr(size)}
	err = WithWritable(System(), r, func() error {
		mem[0] = 0x42
		return nil
	})
	if err != nil {
		t.Fatalf("WithWritable(%s): %v", r, err)
	}
	if got, _ := System().Query(r); got != ProtRead {
		t.Fatalf("Query(%s) after scope = %s, want r--", r, got)
	}
	if err := unix.Munmap(mem); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0x42 {
		t.Fatalf("write through the shared mapping did not reach %s", path)
	}
}
