package hook

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sliverarmory/guestkit/vm"
)

// Memory is the code memory hooks read and patch.
type Memory interface {
	Read(addr uintptr, p []byte) error
	// Write stores p at addr, relaxing protection for the duration.
	Write(addr uintptr, p []byte) error
	// Alloc places code in new executable memory.
	Alloc(code []byte) (uintptr, error)
}

// ProcessMemory is the Memory of the running process.
type ProcessMemory struct {
	prot vm.Protector

	mu     sync.Mutex
	chunks [][]byte
}

// NewProcessMemory returns process memory patched through prot.
func NewProcessMemory(prot vm.Protector) *ProcessMemory {
	return &ProcessMemory{prot: prot}
}

func (m *ProcessMemory) Read(addr uintptr, p []byte) error {
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)))
	return nil
}

func (m *ProcessMemory) Write(addr uintptr, p []byte) error {
	err := vm.WithWritable(m.prot, vm.Pages(addr, uintptr(len(p))), func() error {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)), p)
		return nil
	})
	if err != nil {
		return err
	}
	flushICache(addr, len(p))
	return nil
}

func (m *ProcessMemory) Alloc(code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, fmt.Errorf("hook: empty code")
	}
	chunk, err := mapCode(len(code))
	if err != nil {
		return 0, err
	}
	copy(chunk, code)
	addr := uintptr(unsafe.Pointer(&chunk[0]))
	if err := m.prot.Protect(vm.Pages(addr, uintptr(len(chunk))), vm.ProtRead|vm.ProtExec); err != nil {
		return 0, fmt.Errorf("%w: seal code at %#x: %v", vm.ErrProtect, addr, err)
	}
	flushICache(addr, len(code))

	m.mu.Lock()
	m.chunks = append(m.chunks, chunk)
	m.mu.Unlock()
	return addr, nil
}
