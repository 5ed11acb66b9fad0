//go:build !unix

package macho

import (
	"fmt"
	"io"
	"os"

	"github.com/sliverarmory/guestkit/vm"
)

// Platforms without mmap get a heap copy. Writes are flushed to the file on
// close in ReadWrite mode.
type mapping struct {
	file  *os.File
	data  []byte
	prot  vm.Protector
	write bool
}

func mapFile(path string, mode Mode) (*mapping, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrMap, path, err)
	}
	if len(data) < minMachOLength {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTruncated, path, len(data))
	}
	return &mapping{file: file, data: data, prot: vm.NewTable(vm.ProtRead), write: mode == ReadWrite}, nil
}

func (m *mapping) fd() uintptr { return m.file.Fd() }

func (m *mapping) close() error {
	var err error
	if m.write && m.data != nil {
		_, err = m.file.WriteAt(m.data, 0)
	}
	m.data = nil
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
