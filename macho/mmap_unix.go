//go:build unix

package macho

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/guestkit/vm"
)

type mapping struct {
	file *os.File
	data []byte
	prot vm.Protector
}

func mapFile(path string, mode Mode) (*mapping, error) {
	flag := os.O_RDONLY
	share := unix.MAP_PRIVATE
	if mode == ReadWrite {
		flag = os.O_RDWR
		share = unix.MAP_SHARED
	}

	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrOpen, path, err)
	}
	if info.Size() < minMachOLength {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTruncated, path, info.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, share)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrMap, path, err)
	}
	return &mapping{file: file, data: data, prot: vm.System()}, nil
}

func (m *mapping) fd() uintptr { return m.file.Fd() }

func (m *mapping) close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
