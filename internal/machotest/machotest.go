// Package machotest builds small, well-formed Mach-O images for tests.
package machotest

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sliverarmory/guestkit/macho"
)

const (
	TextVMAddr  = 0x100000000
	PageZero    = 0x100000000
	segmentSize = 72
	sectionSize = 80
	csPageShift = 12
	csPageSize  = 1 << csPageShift
	cdHeaderLen = 88
	identifier  = "com.example.guest"
	libSystem   = "/usr/lib/libSystem.B.dylib"
)

// Options describes the image to build. The zero value is an unsigned arm64
// (or host CPU) position-independent executable.
type Options struct {
	CPU        uint32
	FileType   uint32
	Flags      uint32
	TextOffset uint32
	Code       []byte
	Dylibs     []string
	IDDylib    string
	Symbols    []Symbol
	Signed     bool
	Fat        bool
}

// Symbol is an external symbol defined in __text.
type Symbol struct {
	Name  string
	Value uint64
}

// Layout records where Build placed things, relative to the slice start.
type Layout struct {
	SliceOffset uint32
	SliceSize   uint32
	CmdsEnd     uint32
	TextOffset  uint32
	LinkOffset  uint32
	SigOffset   uint32
	SigSize     uint32
}

// Build returns the image bytes and their layout.
func Build(o Options) ([]byte, Layout) {
	if o.CPU == 0 {
		o.CPU = defaultCPU()
	}
	if o.FileType == 0 {
		o.FileType = macho.MHExecute
	}
	if o.Flags == 0 {
		o.Flags = 0x85 | macho.MHPIE
	}
	if o.TextOffset == 0 {
		o.TextOffset = 0x4000
	}
	if o.Code == nil {
		o.Code = []byte{0xc0, 0x03, 0x5f, 0xd6} // ret
	}

	slice, layout := buildThin(o)
	if !o.Fat {
		return slice, layout
	}

	decoyCPU := uint32(macho.CPUAmd64)
	if o.CPU == macho.CPUAmd64 {
		decoyCPU = macho.CPUArm64
	}
	decoy, _ := buildThin(Options{CPU: decoyCPU, FileType: o.FileType, Flags: o.Flags, TextOffset: 0x4000, Code: o.Code})

	decoyOff := uint32(0x4000)
	sliceOff := alignUp(decoyOff+uint32(len(decoy)), 0x4000)
	out := make([]byte, int(sliceOff)+len(slice))
	be := binary.BigEndian
	be.PutUint32(out[0:], macho.MagicFat)
	be.PutUint32(out[4:], 2)
	putFatArch(out[8:], decoyCPU, decoyOff, uint32(len(decoy)))
	putFatArch(out[28:], o.CPU, sliceOff, uint32(len(slice)))
	copy(out[decoyOff:], decoy)
	copy(out[sliceOff:], slice)

	layout.SliceOffset = sliceOff
	return out, layout
}

// Write builds an image and stores it under dir, returning its path.
func Write(tb testing.TB, dir, name string, o Options) (string, Layout) {
	tb.Helper()
	data, layout := Build(o)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path, layout
}

// Slice returns the slice bytes of an image built with layout.
func Slice(data []byte, layout Layout) []byte {
	return data[layout.SliceOffset : layout.SliceOffset+layout.SliceSize]
}

func buildThin(o Options) ([]byte, Layout) {
	var cmds [][]byte
	cmds = append(cmds, segment("__PAGEZERO", 0, PageZero, 0, 0, 0, 0, nil))

	textSize := alignUp(o.TextOffset+uint32(len(o.Code)), 0x4000)
	text := section("__text", "__TEXT", TextVMAddr+uint64(o.TextOffset), uint64(len(o.Code)), o.TextOffset)
	cmds = append(cmds, segment("__TEXT", TextVMAddr, uint64(textSize), 0, uint64(textSize), 5, 5, text))

	linkOff := textSize
	syms, strs := symbolTable(o.Symbols)
	symOff := linkOff
	strOff := symOff + uint32(len(syms))
	sigOff := alignUp(strOff+uint32(len(strs)), 16)
	linkSize := max(sigOff-linkOff, 0x100)
	var sigSize uint32
	if o.Signed {
		nSlots := (sigOff + csPageSize - 1) / csPageSize
		sigSize = 12 + 8 + cdHeaderLen + alignUp(uint32(len(identifier))+1, 4) + nSlots*sha256.Size
		linkSize = sigOff - linkOff + alignUp(sigSize, 16)
	}
	cmds = append(cmds, segment("__LINKEDIT", TextVMAddr+uint64(textSize), 0x4000, uint64(linkOff), uint64(linkSize), 1, 1, nil))

	if o.IDDylib != "" {
		cmds = append(cmds, dylib(macho.LCIDDylib, o.IDDylib))
	}
	cmds = append(cmds, dylib(macho.LCLoadDylib, libSystem))
	for _, name := range o.Dylibs {
		cmds = append(cmds, dylib(macho.LCLoadDylib, name))
	}
	cmds = append(cmds, uuid())
	if len(o.Symbols) > 0 {
		cmds = append(cmds, symtab(symOff, uint32(len(o.Symbols)), strOff, uint32(len(strs))))
	}
	if o.Signed {
		cmds = append(cmds, linkedit(macho.LCCodeSignature, sigOff, sigSize))
	}

	var sizeOfCmds uint32
	for _, c := range cmds {
		sizeOfCmds += uint32(len(c))
	}
	cmdsEnd := macho.HeaderSize + sizeOfCmds
	if cmdsEnd > o.TextOffset {
		panic("machotest: load commands overlap __text")
	}

	out := make([]byte, linkOff+linkSize)
	macho.Header{
		Magic:      macho.Magic64,
		CPU:        o.CPU,
		FileType:   o.FileType,
		NCmds:      uint32(len(cmds)),
		SizeOfCmds: sizeOfCmds,
		Flags:      o.Flags,
	}.Put(out)
	off := uint32(macho.HeaderSize)
	for _, c := range cmds {
		copy(out[off:], c)
		off += uint32(len(c))
	}
	copy(out[o.TextOffset:], o.Code)
	copy(out[symOff:], syms)
	copy(out[strOff:], strs)

	layout := Layout{
		SliceSize:  uint32(len(out)),
		CmdsEnd:    cmdsEnd,
		TextOffset: o.TextOffset,
		LinkOffset: linkOff,
	}
	if o.Signed {
		Sign(out, sigOff)
		layout.SigOffset = sigOff
		layout.SigSize = sigSize
	}
	return out, layout
}

// Sign writes an ad-hoc SHA-256 signature at sigOff covering [0, sigOff).
func Sign(slice []byte, sigOff uint32) {
	be := binary.BigEndian
	nSlots := (sigOff + csPageSize - 1) / csPageSize
	identOff := uint32(cdHeaderLen)
	hashOff := identOff + alignUp(uint32(len(identifier))+1, 4)
	cdLen := hashOff + nSlots*sha256.Size
	superLen := 12 + 8 + cdLen

	sb := slice[sigOff:]
	be.PutUint32(sb[0:], 0xfade0cc0)
	be.PutUint32(sb[4:], superLen)
	be.PutUint32(sb[8:], 1)
	be.PutUint32(sb[12:], 0) // CSSLOT_CODEDIRECTORY
	be.PutUint32(sb[16:], 20)

	cd := sb[20:]
	be.PutUint32(cd[0:], 0xfade0c02)
	be.PutUint32(cd[4:], cdLen)
	be.PutUint32(cd[8:], 0x20400)
	be.PutUint32(cd[12:], 0x2) // adhoc
	be.PutUint32(cd[16:], hashOff)
	be.PutUint32(cd[20:], identOff)
	be.PutUint32(cd[24:], 0)
	be.PutUint32(cd[28:], nSlots)
	be.PutUint32(cd[32:], sigOff)
	cd[36] = sha256.Size
	cd[37] = 2 // SHA-256
	cd[38] = 0
	cd[39] = csPageShift
	copy(cd[identOff:], identifier)

	for i := uint32(0); i < nSlots; i++ {
		start := i * csPageSize
		end := start + csPageSize
		if end > sigOff {
			end = sigOff
		}
		sum := sha256.Sum256(slice[start:end])
		copy(cd[hashOff+i*sha256.Size:], sum[:])
	}
}

func defaultCPU() uint32 {
	if cpu, err := macho.HostCPU(); err == nil {
		return cpu
	}
	return macho.CPUArm64
}

func segment(name string, vmaddr, vmsize, fileoff, filesize uint64, maxprot, initprot uint32, sections []byte) []byte {
	nsects := uint32(len(sections) / sectionSize)
	b := make([]byte, segmentSize+len(sections))
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(macho.LCSegment64))
	le.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:24], name)
	le.PutUint64(b[24:], vmaddr)
	le.PutUint64(b[32:], vmsize)
	le.PutUint64(b[40:], fileoff)
	le.PutUint64(b[48:], filesize)
	le.PutUint32(b[56:], maxprot)
	le.PutUint32(b[60:], initprot)
	le.PutUint32(b[64:], nsects)
	copy(b[segmentSize:], sections)
	return b
}

func section(name, seg string, addr, size uint64, offset uint32) []byte {
	b := make([]byte, sectionSize)
	le := binary.LittleEndian
	copy(b[0:16], name)
	copy(b[16:32], seg)
	le.PutUint64(b[32:], addr)
	le.PutUint64(b[40:], size)
	le.PutUint32(b[48:], offset)
	le.PutUint32(b[52:], 2)
	le.PutUint32(b[64:], 0x80000400)
	return b
}

// Dylib encodes a dylib_command for name.
func Dylib(cmd macho.Cmd, name string) []byte { return dylib(cmd, name) }

func dylib(cmd macho.Cmd, name string) []byte {
	size := macho.DylibCommandSize(name)
	b := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(cmd))
	le.PutUint32(b[4:], size)
	le.PutUint32(b[8:], 24)
	le.PutUint32(b[12:], 2)
	le.PutUint32(b[16:], 0x10000)
	le.PutUint32(b[20:], 0x10000)
	copy(b[24:], name)
	return b
}

func uuid() []byte {
	b := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(macho.LCUUID))
	le.PutUint32(b[4:], 24)
	for i := range 16 {
		b[8+i] = byte(0xa0 + i)
	}
	return b
}

func linkedit(cmd macho.Cmd, off, size uint32) []byte {
	b := make([]byte, 16)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(cmd))
	le.PutUint32(b[4:], 16)
	le.PutUint32(b[8:], off)
	le.PutUint32(b[12:], size)
	return b
}

func symbolTable(symbols []Symbol) (nlists, strtab []byte) {
	if len(symbols) == 0 {
		return nil, nil
	}
	le := binary.LittleEndian
	strtab = []byte{' ', 0}
	nlists = make([]byte, 16*len(symbols))
	for i, sym := range symbols {
		n := nlists[16*i:]
		le.PutUint32(n[0:], uint32(len(strtab)))
		n[4] = 0x0f // N_SECT | N_EXT
		n[5] = 1
		le.PutUint64(n[8:], sym.Value)
		strtab = append(strtab, sym.Name...)
		strtab = append(strtab, 0)
	}
	for len(strtab)%8 != 0 {
		strtab = append(strtab, 0)
	}
	return nlists, strtab
}

func symtab(symOff, nsyms, strOff, strSize uint32) []byte {
	b := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(macho.LCSymtab))
	le.PutUint32(b[4:], 24)
	le.PutUint32(b[8:], symOff)
	le.PutUint32(b[12:], nsyms)
	le.PutUint32(b[16:], strOff)
	le.PutUint32(b[20:], strSize)
	return b
}

func putFatArch(b []byte, cpu, offset, size uint32) {
	be := binary.BigEndian
	be.PutUint32(b[0:], cpu)
	be.PutUint32(b[4:], 0)
	be.PutUint32(b[8:], offset)
	be.PutUint32(b[12:], size)
	be.PutUint32(b[16:], 14)
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
