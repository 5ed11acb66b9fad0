// Package patch rewrites the load commands of a Mach-O slice so the loader
// accepts an executable as an injectable dynamic library.
//
// Every step checks its own marker before writing, so running the patcher
// again over a patched slice writes nothing. Writes are confined to the load
// command table, the header and, for signed slices, the code directory hash
// slots of the pages the header occupies.
package patch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"

	"github.com/apex/log"

	"github.com/sliverarmory/guestkit/codesign"
	"github.com/sliverarmory/guestkit/macho"
	"github.com/sliverarmory/guestkit/vm"
)

// Status codes returned by ExecSlice.
const (
	StatusOK             = 0
	StatusBadHeader      = -1
	StatusNotEnoughSpace = -2
	StatusProtect        = -3
	StatusTruncated      = -4
)

var (
	ErrBadHeader      = errors.New("patch: unsupported header")
	ErrNotEnoughSpace = errors.New("patch: not enough header padding for new load commands")
)

const (
	pageZeroSize    = 0x100000000
	pageZeroShrunk  = 0x4000
	pageZeroVMAddr  = pageZeroSize - pageZeroShrunk
	segVMAddrOffset = 24
	segVMSizeOffset = 32
)

type options struct {
	protector   vm.Protector
	tweakLoader string
	idName      string
	cpu         uint32
}

// Option configures the patcher.
type Option func(*options)

// WithProtector overrides the page protector of the slice.
func WithProtector(p vm.Protector) Option {
	return func(o *options) {
		o.protector = p
	}
}

// WithTweakLoader sets the dependency toggled by doInject.
func WithTweakLoader(name string) Option {
	return func(o *options) {
		o.tweakLoader = name
	}
}

// WithIDName sets the install name written into a new LC_ID_DYLIB. It
// defaults to the base name of the slice path.
func WithIDName(name string) Option {
	return func(o *options) {
		o.idName = name
	}
}

// WithCPU selects the slice File patches.
func WithCPU(cpu uint32) Option {
	return func(o *options) {
		o.cpu = cpu
	}
}

func newOptions(opts []Option) options {
	o := options{tweakLoader: macho.DefaultTweakLoader}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Error returns the error for a status code, or nil for StatusOK.
func Error(code int) error {
	switch code {
	case StatusOK:
		return nil
	case StatusBadHeader:
		return ErrBadHeader
	case StatusNotEnoughSpace:
		return ErrNotEnoughSpace
	case StatusProtect:
		return vm.ErrProtect
	case StatusTruncated:
		return macho.ErrTruncated
	}
	return fmt.Errorf("patch: unknown status %d", code)
}

func statusOf(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotEnoughSpace):
		return StatusNotEnoughSpace
	case errors.Is(err, vm.ErrProtect):
		return StatusProtect
	case errors.Is(err, macho.ErrTruncated):
		return StatusTruncated
	}
	return StatusBadHeader
}

// ExecSlice patches s and returns a status code. doInject enables the tweak
// loader dependency, adding it if needed; false disables an existing one.
func ExecSlice(s *macho.Slice, doInject bool, opts ...Option) int {
	err := Apply(s, doInject, opts...)
	if err != nil {
		log.WithError(err).WithField("path", s.Path()).Warn("exec slice patch failed")
	}
	return statusOf(err)
}

// Apply is ExecSlice returning a descriptive error instead of a code.
func Apply(s *macho.Slice, doInject bool, opts ...Option) error {
	o := newOptions(opts)
	if o.protector == nil {
		o.protector = s.Protector()
	}

	p, err := plan(s, doInject, o)
	if err != nil {
		return err
	}
	if len(p.regions) == 0 {
		log.WithField("path", s.Path()).Debug("slice already patched")
		return nil
	}

	data := s.Bytes()
	err = withRegions(o.protector, p.regions, func() error {
		copy(data, p.header)
		for _, w := range p.hashes {
			copy(data[w.off:], w.sum)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"path":    s.Path(),
		"inject":  doInject,
		"header":  len(p.header),
		"hashes":  len(p.hashes),
		"regions": len(p.regions),
	}).Debug("patched exec slice")
	return nil
}

// File patches every slice of path that matches the target CPU, writing
// the changes back to the file.
func File(name string, doInject bool, opts ...Option) error {
	o := newOptions(opts)
	var mopts []macho.Option
	if o.cpu != 0 {
		mopts = append(mopts, macho.WithCPU(o.cpu))
	}
	f, err := macho.Open(name, macho.ReadWrite, mopts...)
	if err != nil {
		return err
	}
	defer f.Close()

	for f.Next() {
		if err := Apply(f.Slice(), doInject, opts...); err != nil {
			return fmt.Errorf("%s slice at %#x: %w", name, f.Slice().Offset(), err)
		}
	}
	return f.Err()
}

type hashWrite struct {
	off uint32
	sum []byte
}

type patchPlan struct {
	header  []byte
	hashes  []hashWrite
	regions []vm.Region
}

// plan computes the new header bytes and hash slots without writing.
func plan(s *macho.Slice, doInject bool, o options) (*patchPlan, error) {
	data := s.Bytes()
	h, err := s.ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if h.FileType != macho.MHExecute && h.FileType != macho.MHDylib {
		return nil, fmt.Errorf("%w: file type %s", ErrBadHeader, macho.FileTypeName(h.FileType))
	}
	cmds, err := s.LoadCommands()
	if err != nil {
		return nil, err
	}
	end, limit, err := s.HeaderSpace()
	if err != nil {
		return nil, err
	}

	hasID := false
	tweak := -1
	var sig *macho.LoadCommand
	for i := range cmds {
		c := &cmds[i]
		switch {
		case c.Cmd == macho.LCIDDylib:
			hasID = true
		case (c.Cmd == macho.LCLoadDylib || c.Cmd == macho.LCDisabledLoadDylib) && c.Name == o.tweakLoader:
			if tweak < 0 {
				tweak = i
			}
		case c.Cmd == macho.LCCodeSignature:
			sig = c
		}
	}

	old := append([]byte(nil), data[macho.HeaderSize:end]...)
	le := binary.LittleEndian
	for i, c := range cmds {
		rel := c.Offset - macho.HeaderSize
		if c.Cmd == macho.LCSegment64 && c.Segment == "__PAGEZERO" && c.VMAddr == 0 && c.VMSize == pageZeroSize {
			le.PutUint64(old[rel+segVMAddrOffset:], pageZeroVMAddr)
			le.PutUint64(old[rel+segVMSizeOffset:], pageZeroShrunk)
		}
		if i == tweak {
			tag := macho.LCDisabledLoadDylib
			if doInject {
				tag = macho.LCLoadDylib
			}
			le.PutUint32(old[rel:], uint32(tag))
		}
	}

	var table []byte
	if !hasID {
		name := o.idName
		if name == "" {
			name = path.Base(s.Path())
		}
		table = append(table, dylibCommand(macho.LCIDDylib, name)...)
		h.NCmds++
	}
	table = append(table, old...)
	if tweak < 0 && doInject {
		table = append(table, dylibCommand(macho.LCLoadDylib, o.tweakLoader)...)
		h.NCmds++
	}
	newEnd := uint32(macho.HeaderSize + len(table))
	if newEnd > limit {
		return nil, fmt.Errorf("%w: commands would end at %#x, content starts at %#x", ErrNotEnoughSpace, newEnd, limit)
	}

	if h.FileType == macho.MHExecute {
		h.FileType = macho.MHDylib
	}
	h.Flags |= macho.MHNoReexportedDylibs
	h.Flags &^= macho.MHPIE
	h.SizeOfCmds = uint32(len(table))

	p := &patchPlan{header: make([]byte, newEnd)}
	h.Put(p.header)
	copy(p.header[macho.HeaderSize:], table)
	if !bytes.Equal(p.header, data[:newEnd]) {
		p.regions = append(p.regions, s.Region(0, newEnd))
	}

	if sig != nil {
		hashes, err := rehash(data, p.header, sig)
		if err != nil {
			log.WithError(err).WithField("path", s.Path()).Warn("leaving code signature untouched")
		}
		if len(hashes) > 0 {
			lo, hi := hashes[0].off, hashes[0].off
			for _, w := range hashes {
				lo = min(lo, w.off)
				hi = max(hi, w.off+uint32(len(w.sum)))
			}
			p.hashes = hashes
			p.regions = append(p.regions, s.Region(lo, hi-lo))
		}
	}
	return p, nil
}

// rehash returns the hash slot writes that make every code directory match
// the pages overlapped by header once it is written.
func rehash(data, header []byte, sig *macho.LoadCommand) ([]hashWrite, error) {
	if uint64(sig.DataOff)+uint64(sig.DataSize) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: signature [%#x+%#x) outside slice", macho.ErrTruncated, sig.DataOff, sig.DataSize)
	}
	dirs, err := codesign.ParseSignature(data[sig.DataOff:sig.DataOff+sig.DataSize], sig.DataOff)
	if err != nil {
		return nil, err
	}

	var out []hashWrite
	for i := range dirs {
		d := &dirs[i]
		if !d.Covers() {
			continue
		}
		ps := d.PageSize()
		for page := uint32(0); page < d.NCodeSlots && uint64(page)*uint64(ps) < uint64(len(header)); page++ {
			start := page * ps
			stop := min(start+ps, d.CodeLimit, uint32(len(data)))
			if start >= stop {
				break
			}
			buf := append([]byte(nil), data[start:stop]...)
			if uint32(len(header)) > start {
				copy(buf, header[start:])
			}
			sum, err := d.HashPage(buf)
			if err != nil {
				return nil, err
			}
			slot := d.PageZeroSlot() + page*uint32(d.HashSize)
			if !bytes.Equal(data[slot:slot+uint32(d.HashSize)], sum) {
				out = append(out, hashWrite{off: slot, sum: sum})
			}
		}
	}
	return out, nil
}

func withRegions(p vm.Protector, regions []vm.Region, fn func() error) error {
	if len(regions) == 0 {
		return fn()
	}
	return vm.WithWritable(p, regions[0], func() error {
		return withRegions(p, regions[1:], fn)
	})
}

func dylibCommand(cmd macho.Cmd, name string) []byte {
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
