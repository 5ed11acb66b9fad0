package macho

import (
	"encoding/binary"
	"fmt"
)

// Section is a section_64 record inside a segment command.
type Section struct {
	Name    string
	Segment string
	Addr    uint64
	Size    uint64
	Offset  uint32
	Flags   uint32
}

// LoadCommand is a view of one load command. Offset is relative to the start
// of the slice.
type LoadCommand struct {
	Offset uint32
	Size   uint32
	Cmd    Cmd

	// Set for LC_SEGMENT_64.
	Segment  string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	Sections []Section

	// Set for dylib, dylinker and rpath commands.
	Name string

	// Set for linkedit data commands such as LC_CODE_SIGNATURE.
	DataOff  uint32
	DataSize uint32
}

// IsDylib reports whether c names a dependency, including a disabled one.
func (c LoadCommand) IsDylib() bool {
	switch c.Cmd {
	case LCLoadDylib, LCLoadWeakDylib, LCIDDylib, LCDisabledLoadDylib:
		return true
	}
	return false
}

// CommandReader yields the load commands of a slice in table order. Unknown
// command types are yielded with only the common fields set.
type CommandReader struct {
	data []byte
	n    uint32
	i    uint32
	off  uint32
	end  uint32
	cur  LoadCommand
	err  error
}

func newCommandReader(data []byte, h Header) *CommandReader {
	r := &CommandReader{data: data, n: h.NCmds, off: HeaderSize}
	end := uint64(HeaderSize) + uint64(h.SizeOfCmds)
	if end > uint64(len(data)) {
		r.err = fmt.Errorf("%w: load commands end at %#x past slice size %#x", ErrTruncated, end, len(data))
		return r
	}
	r.end = uint32(end)
	return r
}

// Next decodes the next command. It returns false at the end of the table
// or on a malformed command.
func (r *CommandReader) Next() bool {
	if r.err != nil || r.i >= r.n {
		return false
	}
	if r.off+loadCommandSize > r.end {
		r.err = fmt.Errorf("%w: load command %d header at %#x", ErrTruncated, r.i, r.off)
		return false
	}
	cmd := Cmd(binary.LittleEndian.Uint32(r.data[r.off:]))
	size := binary.LittleEndian.Uint32(r.data[r.off+4:])
	if size < loadCommandSize || uint64(r.off)+uint64(size) > uint64(r.end) {
		r.err = fmt.Errorf("%w: load command %d (%s) size %#x at %#x", ErrTruncated, r.i, cmd, size, r.off)
		return false
	}

	c, err := decodeCommand(r.data[r.off:r.off+size], r.off, cmd)
	if err != nil {
		r.err = fmt.Errorf("load command %d: %w", r.i, err)
		return false
	}
	r.cur = c
	r.off += size
	r.i++
	return true
}

// Command returns the command decoded by the last call to Next.
func (r *CommandReader) Command() LoadCommand { return r.cur }

// Err returns the error that stopped Next, if any.
func (r *CommandReader) Err() error { return r.err }

func decodeCommand(b []byte, off uint32, cmd Cmd) (LoadCommand, error) {
	c := LoadCommand{Offset: off, Size: uint32(len(b)), Cmd: cmd}
	le := binary.LittleEndian

	switch cmd {
	case LCSegment64:
		if len(b) < segmentCmdSize {
			return c, fmt.Errorf("%w: segment command is %d bytes", ErrTruncated, len(b))
		}
		c.Segment = CString(b[8:24])
		c.VMAddr = le.Uint64(b[24:])
		c.VMSize = le.Uint64(b[32:])
		c.FileOff = le.Uint64(b[40:])
		c.FileSize = le.Uint64(b[48:])
		c.MaxProt = le.Uint32(b[56:])
		c.InitProt = le.Uint32(b[60:])
		nsects := le.Uint32(b[64:])
		if uint64(segmentCmdSize)+uint64(nsects)*sectionSize > uint64(len(b)) {
			return c, fmt.Errorf("%w: segment %s lists %d sections", ErrTruncated, c.Segment, nsects)
		}
		c.Sections = make([]Section, 0, nsects)
		for i := uint32(0); i < nsects; i++ {
			s := b[segmentCmdSize+i*sectionSize:]
			c.Sections = append(c.Sections, Section{
				Name:    CString(s[0:16]),
				Segment: CString(s[16:32]),
				Addr:    le.Uint64(s[32:]),
				Size:    le.Uint64(s[40:]),
				Offset:  le.Uint32(s[48:]),
				Flags:   le.Uint32(s[64:]),
			})
		}
	case LCLoadDylib, LCLoadWeakDylib, LCIDDylib, LCDisabledLoadDylib, LCLoadDylinker, LCRpath:
		if len(b) < 12 {
			return c, fmt.Errorf("%w: %s is %d bytes", ErrTruncated, cmd, len(b))
		}
		if nameOff := le.Uint32(b[8:]); nameOff < uint32(len(b)) {
			c.Name = CString(b[nameOff:])
		}
	case LCCodeSignature, LCFunctionStarts, LCDataInCode, LCDyldExportsTrie, LCDyldChainedFixups:
		if len(b) < linkeditCmdSize {
			return c, fmt.Errorf("%w: %s is %d bytes", ErrTruncated, cmd, len(b))
		}
		c.DataOff = le.Uint32(b[8:])
		c.DataSize = le.Uint32(b[12:])
	}
	return c, nil
}
