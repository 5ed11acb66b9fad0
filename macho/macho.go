// Package macho walks 64-bit Mach-O images at the byte level.
//
// It maps a file, picks the slice for the running architecture out of a
// universal binary and yields the load commands of that slice with their
// exact offsets. Descriptive, read-only views are in analyze.go.
package macho

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

const (
	Magic64    = 0xfeedfacf
	Cigam64    = 0xcffaedfe
	Magic32    = 0xfeedface
	Cigam32    = 0xcefaedfe
	MagicFat   = 0xcafebabe
	MagicFat64 = 0xcafebabf
)

// HeaderSize is the size of mach_header_64.
const HeaderSize = 32

// Cmd is a load command tag.
type Cmd uint32

const (
	LCSegment            Cmd = 0x1
	LCSymtab             Cmd = 0x2
	LCDysymtab           Cmd = 0xb
	LCLoadDylib          Cmd = 0xc
	LCIDDylib            Cmd = 0xd
	LCLoadDylinker       Cmd = 0xe
	LCSegment64          Cmd = 0x19
	LCUUID               Cmd = 0x1b
	LCCodeSignature      Cmd = 0x1d
	LCVersionMinMacOSX   Cmd = 0x24
	LCVersionMinIPhoneOS Cmd = 0x25
	LCFunctionStarts     Cmd = 0x26
	LCDataInCode         Cmd = 0x29
	LCSourceVersion      Cmd = 0x2a
	LCEncryptionInfo64   Cmd = 0x2c
	LCBuildVersion       Cmd = 0x32
	LCLoadWeakDylib      Cmd = 0x80000018
	LCRpath              Cmd = 0x8000001c
	LCDyldInfoOnly       Cmd = 0x80000022
	LCMain               Cmd = 0x80000028
	LCDyldExportsTrie    Cmd = 0x80000033
	LCDyldChainedFixups  Cmd = 0x80000034

	// LCDisabledLoadDylib is an LC_LOAD_DYLIB whose tag was rewritten so
	// the loader skips it. The loader ignores unknown tags below
	// LC_REQ_DYLD.
	LCDisabledLoadDylib Cmd = 0x114514
)

// File types.
const (
	MHObject  = 0x1
	MHExecute = 0x2
	MHDylib   = 0x6
	MHBundle  = 0x8
)

// Header flags.
const (
	MHNoReexportedDylibs = 0x100000
	MHPIE                = 0x200000
)

// CPU types.
const (
	CPUArch64 = 0x01000000
	CPUX86    = 0x7
	CPUArm    = 0xc
	CPUAmd64  = CPUX86 | CPUArch64
	CPUArm64  = CPUArm | CPUArch64
)

// Sizes of fixed load command layouts.
const (
	loadCommandSize  = 8
	segmentCmdSize   = 72
	sectionSize      = 80
	dylibCommandSize = 24
	uuidCommandSize  = 24
	linkeditCmdSize  = 16
)

var (
	ErrOpen            = errors.New("macho: cannot open file")
	ErrBadMagic        = errors.New("macho: unrecognized header magic")
	ErrUnsupportedArch = errors.New("macho: unsupported architecture")
	ErrTruncated       = errors.New("macho: truncated image")
	ErrMap             = errors.New("macho: cannot map file")
)

// Mode selects how a file is mapped.
type Mode int

const (
	// ReadOnly maps the file privately. Writes made under a protection
	// scope stay in memory.
	ReadOnly Mode = iota
	// ReadWrite maps the file shared, so writes reach the file. Pages are
	// still mapped read-only; writers relax protection per region.
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Header is a decoded mach_header_64.
type Header struct {
	Magic      uint32
	CPU        uint32
	SubCPU     uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

// DecodeHeader decodes a little-endian mach_header_64 from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(b))
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint32(b[0:]),
		CPU:        binary.LittleEndian.Uint32(b[4:]),
		SubCPU:     binary.LittleEndian.Uint32(b[8:]),
		FileType:   binary.LittleEndian.Uint32(b[12:]),
		NCmds:      binary.LittleEndian.Uint32(b[16:]),
		SizeOfCmds: binary.LittleEndian.Uint32(b[20:]),
		Flags:      binary.LittleEndian.Uint32(b[24:]),
		Reserved:   binary.LittleEndian.Uint32(b[28:]),
	}
	switch h.Magic {
	case Magic64:
	case Magic32, Cigam32:
		return h, fmt.Errorf("%w: 32-bit image", ErrUnsupportedArch)
	case Cigam64:
		return h, fmt.Errorf("%w: big-endian image", ErrUnsupportedArch)
	default:
		return h, fmt.Errorf("%w: %#08x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

// Put encodes h into b.
func (h Header) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[4:], h.CPU)
	binary.LittleEndian.PutUint32(b[8:], h.SubCPU)
	binary.LittleEndian.PutUint32(b[12:], h.FileType)
	binary.LittleEndian.PutUint32(b[16:], h.NCmds)
	binary.LittleEndian.PutUint32(b[20:], h.SizeOfCmds)
	binary.LittleEndian.PutUint32(b[24:], h.Flags)
	binary.LittleEndian.PutUint32(b[28:], h.Reserved)
}

// HostCPU returns the Mach-O CPU type of the running process.
func HostCPU() (uint32, error) {
	switch runtime.GOARCH {
	case "arm64":
		return CPUArm64, nil
	case "amd64":
		return CPUAmd64, nil
	default:
		return 0, fmt.Errorf("%w: no Mach-O CPU type for %s", ErrUnsupportedArch, runtime.GOARCH)
	}
}

// CString returns the NUL-terminated prefix of b.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
