package macho

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/sliverarmory/guestkit/vm"
)

// Slice is one architecture image inside a mapped file. It stays valid
// until the File that produced it is closed.
type Slice struct {
	path   string
	mode   Mode
	fd     uintptr
	offset uint64
	data   []byte
	prot   vm.Protector
	header Header
}

func newSlice(f *File, r Range) (*Slice, error) {
	data := f.m.data[r.Offset : r.Offset+r.Size]
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, fmt.Errorf("%s slice at %#x: %w", f.path, r.Offset, err)
	}
	if h.CPU != f.cpu {
		return nil, fmt.Errorf("%w: slice at %#x is %s", ErrUnsupportedArch, r.Offset, CPUName(h.CPU))
	}
	if end := uint64(HeaderSize) + uint64(h.SizeOfCmds); end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %s load commands end at %#x past slice size %#x", ErrTruncated, f.path, end, len(data))
	}
	return &Slice{
		path:   f.path,
		mode:   f.mode,
		fd:     f.m.fd(),
		offset: r.Offset,
		data:   data,
		prot:   f.m.prot,
		header: h,
	}, nil
}

// NewSlice wraps an image already in memory, such as a header the loader
// has mapped. prot controls writes made through the patcher; nil means the
// memory is ordinary writable heap.
func NewSlice(path string, data []byte, prot vm.Protector) (*Slice, error) {
	if prot == nil {
		prot = vm.NewTable(vm.ProtRead | vm.ProtWrite)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if end := uint64(HeaderSize) + uint64(h.SizeOfCmds); end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: load commands end at %#x past image size %#x", ErrTruncated, end, len(data))
	}
	return &Slice{path: path, mode: ReadWrite, data: data, prot: prot, header: h}, nil
}

func (s *Slice) Path() string { return s.path }

func (s *Slice) Mode() Mode { return s.mode }

// Fd returns the descriptor of the open file, or 0 for in-memory slices.
func (s *Slice) Fd() uintptr { return s.fd }

// Offset returns the slice's offset inside a universal file.
func (s *Slice) Offset() uint64 { return s.offset }

// Header returns the header as decoded when the slice was produced. Use
// ReadHeader to observe writes made since.
func (s *Slice) Header() Header { return s.header }

// ReadHeader decodes the header from the current bytes.
func (s *Slice) ReadHeader() (Header, error) { return DecodeHeader(s.data) }

// Bytes returns the mapped slice. The memory is read-only unless the caller
// holds a vm.WithWritable scope over the region it writes.
func (s *Slice) Bytes() []byte { return s.data }

// Base returns the address of the first byte of the slice.
func (s *Slice) Base() uintptr { return uintptr(unsafe.Pointer(&s.data[0])) }

func (s *Slice) Protector() vm.Protector { return s.prot }

// Region returns the page range covering n bytes at off.
func (s *Slice) Region(off, n uint32) vm.Region {
	return vm.Pages(s.Base()+uintptr(off), uintptr(n))
}

// Commands returns a reader over the current load command table.
func (s *Slice) Commands() *CommandReader {
	h, err := s.ReadHeader()
	if err != nil {
		return &CommandReader{err: err}
	}
	return newCommandReader(s.data, h)
}

// LoadCommands collects every load command.
func (s *Slice) LoadCommands() ([]LoadCommand, error) {
	var cmds []LoadCommand
	r := s.Commands()
	for r.Next() {
		cmds = append(cmds, r.Command())
	}
	return cmds, r.Err()
}

// Segments collects the LC_SEGMENT_64 commands.
func (s *Slice) Segments() ([]LoadCommand, error) {
	var segs []LoadCommand
	r := s.Commands()
	for r.Next() {
		if c := r.Command(); c.Cmd == LCSegment64 {
			segs = append(segs, c)
		}
	}
	return segs, r.Err()
}

// UUID returns the LC_UUID payload.
func (s *Slice) UUID() ([16]byte, bool) {
	var id [16]byte
	r := s.Commands()
	for r.Next() {
		c := r.Command()
		if c.Cmd == LCUUID && c.Size >= uuidCommandSize {
			copy(id[:], s.data[c.Offset+8:c.Offset+24])
			return id, true
		}
	}
	return id, false
}

// HeaderSpace returns where the load command table ends and the first
// offset that holds file content. The bytes between them are padding that
// new load commands may use.
func (s *Slice) HeaderSpace() (end, limit uint32, err error) {
	h, err := s.ReadHeader()
	if err != nil {
		return 0, 0, err
	}
	end = HeaderSize + h.SizeOfCmds
	lim := uint64(len(s.data))

	r := newCommandReader(s.data, h)
	for r.Next() {
		c := r.Command()
		if c.Cmd != LCSegment64 {
			continue
		}
		for _, sect := range c.Sections {
			if sect.Offset != 0 && sect.Size != 0 && uint64(sect.Offset) < lim {
				lim = uint64(sect.Offset)
			}
		}
		if c.FileOff != 0 && c.FileSize != 0 && c.FileOff < lim {
			lim = c.FileOff
		}
	}
	if err := r.Err(); err != nil {
		return 0, 0, err
	}
	return end, headerLimit(end, lim), nil
}

// headerLimit clamps the first content offset lim to [end, MaxUint32].
func headerLimit(end uint32, lim uint64) uint32 {
	switch {
	case lim < uint64(end):
		return end
	case lim > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(lim)
}
