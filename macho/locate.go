package macho

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	fatHeaderSize  = 8
	fatArchSize    = 20
	fatArch64Size  = 32
	maxFatArchs    = 128
	minMachOLength = 4
)

// Range is the byte range of one slice inside a file.
type Range struct {
	Offset uint64
	Size   uint64
}

// TargetCPU returns the CPU selected by opts, defaulting to the running
// architecture.
func TargetCPU(opts ...Option) (uint32, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.cpu != 0 {
		return o.cpu, nil
	}
	return HostCPU()
}

// Locate returns the ranges of the slices of r that match cpu. A thin image
// yields a single range covering the whole file.
func Locate(r io.ReaderAt, size int64, cpu uint32) ([]Range, error) {
	if size < minMachOLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, size)
	}
	var hdr [HeaderSize]byte
	n, err := r.ReadAt(hdr[:], 0)
	if n < minMachOLength {
		return nil, fmt.Errorf("%w: read magic: %v", ErrTruncated, err)
	}

	switch binary.BigEndian.Uint32(hdr[:]) {
	case MagicFat:
		return locateFat(r, size, cpu, false)
	case MagicFat64:
		return locateFat(r, size, cpu, true)
	}
	switch magic := binary.LittleEndian.Uint32(hdr[:]); magic {
	case Magic64, Cigam64, Magic32, Cigam32:
	default:
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}

	h, err := DecodeHeader(hdr[:n])
	if err != nil {
		return nil, err
	}
	if h.CPU != cpu {
		return nil, fmt.Errorf("%w: image is %s, want %s", ErrUnsupportedArch, CPUName(h.CPU), CPUName(cpu))
	}
	return []Range{{Offset: 0, Size: uint64(size)}}, nil
}

func locateFat(r io.ReaderAt, size int64, cpu uint32, wide bool) ([]Range, error) {
	var fh [fatHeaderSize]byte
	if _, err := r.ReadAt(fh[:], 0); err != nil {
		return nil, fmt.Errorf("%w: universal header: %v", ErrTruncated, err)
	}
	n := binary.BigEndian.Uint32(fh[4:])
	if n == 0 || n > maxFatArchs {
		return nil, fmt.Errorf("%w: universal header lists %d architectures", ErrBadMagic, n)
	}
	entrySize := uint64(fatArchSize)
	if wide {
		entrySize = fatArch64Size
	}
	table := make([]byte, uint64(n)*entrySize)
	if _, err := r.ReadAt(table, fatHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: universal architecture table: %v", ErrTruncated, err)
	}

	var out []Range
	for i := uint64(0); i < uint64(n); i++ {
		entry := table[i*entrySize:]
		if binary.BigEndian.Uint32(entry[0:]) != cpu {
			continue
		}
		var rg Range
		if wide {
			rg.Offset = binary.BigEndian.Uint64(entry[8:])
			rg.Size = binary.BigEndian.Uint64(entry[16:])
		} else {
			rg.Offset = uint64(binary.BigEndian.Uint32(entry[8:]))
			rg.Size = uint64(binary.BigEndian.Uint32(entry[12:]))
		}
		if rg.Offset > uint64(size) || rg.Size > uint64(size)-rg.Offset {
			return nil, fmt.Errorf("%w: %s slice [%#x+%#x) outside file", ErrTruncated, CPUName(cpu), rg.Offset, rg.Size)
		}
		out = append(out, rg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no %s slice", ErrUnsupportedArch, CPUName(cpu))
	}
	return out, nil
}
