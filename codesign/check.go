package codesign

import (
	"fmt"
	"os"

	"github.com/apex/log"

	"github.com/sliverarmory/guestkit/macho"
)

// Report describes the patch marker and signature state of a slice.
type Report struct {
	Path        string
	SliceOffset uint64
	FileType    uint32
	HasIDDylib  bool
	Signed      bool
	Directories []Directory
	// PageZeroMatch is true when every directory that covers page 0 holds
	// the hash of the current header page.
	PageZeroMatch bool
	// SignatureErr is set when a signature is present but unusable.
	SignatureErr error
}

// Patched reports whether the slice carries the patch marker.
func (r *Report) Patched() bool {
	return r.FileType == macho.MHDylib && r.HasIDDylib
}

// OK reports whether the slice can be loaded without patching.
func (r *Report) OK() bool {
	if !r.Patched() {
		return false
	}
	return !r.Signed || (r.SignatureErr == nil && r.PageZeroMatch)
}

// Check reports whether the running-arch slice of path is already patched
// and, if signed, whether its page-0 hash still matches. It only reads the
// header, the load commands and the signature blob, and never fails: any
// error reads as false.
func Check(path string, opts ...macho.Option) bool {
	r, err := Inspect(path, opts...)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("signature precheck failed")
		return false
	}
	return r.OK()
}

// Inspect reads the state Check decides on.
func Inspect(path string, opts ...macho.Option) (*Report, error) {
	cpu, err := macho.TargetCPU(opts...)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", macho.ErrOpen, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", macho.ErrOpen, err)
	}

	ranges, err := macho.Locate(f, fi.Size(), cpu)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rg := ranges[0]
	ra := &sliceReader{f: f, rg: rg}

	hdr := make([]byte, macho.HeaderSize)
	if err := ra.read(hdr, 0); err != nil {
		return nil, err
	}
	h, err := macho.DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	table := make([]byte, macho.HeaderSize+int(h.SizeOfCmds))
	if err := ra.read(table, 0); err != nil {
		return nil, err
	}
	s, err := macho.NewSlice(path, table, nil)
	if err != nil {
		return nil, err
	}
	cmds, err := s.LoadCommands()
	if err != nil {
		return nil, err
	}

	r := &Report{Path: path, SliceOffset: rg.Offset, FileType: h.FileType}
	var sig *macho.LoadCommand
	for i := range cmds {
		switch cmds[i].Cmd {
		case macho.LCIDDylib:
			r.HasIDDylib = true
		case macho.LCCodeSignature:
			sig = &cmds[i]
		}
	}
	if sig == nil {
		return r, nil
	}
	r.Signed = true
	r.PageZeroMatch, r.Directories, r.SignatureErr = verifyPageZero(ra, sig.DataOff, sig.DataSize)
	return r, nil
}

func verifyPageZero(ra *sliceReader, dataOff, dataSize uint32) (bool, []Directory, error) {
	blob := make([]byte, dataSize)
	if err := ra.read(blob, uint64(dataOff)); err != nil {
		return false, nil, err
	}
	dirs, err := ParseSignature(blob, dataOff)
	if err != nil {
		return false, nil, err
	}

	var page []byte
	covered := 0
	for i := range dirs {
		d := &dirs[i]
		if !d.Covers() {
			continue
		}
		covered++
		if n := d.PageZeroLen(); uint32(len(page)) < n {
			page = make([]byte, n)
			if err := ra.read(page, 0); err != nil {
				return false, dirs, err
			}
		}
		slot := d.PageZeroSlot() - dataOff
		ok, err := d.MatchesPageZero(page, blob[slot:slot+uint32(d.HashSize)])
		if err != nil {
			return false, dirs, err
		}
		if !ok {
			return false, dirs, nil
		}
	}
	if covered == 0 {
		return false, dirs, fmt.Errorf("%w: no directory hashes page 0", ErrUnsupportedHash)
	}
	return true, dirs, nil
}

// sliceReader bounds reads to one slice of a universal file.
type sliceReader struct {
	f  *os.File
	rg macho.Range
}

func (r *sliceReader) read(b []byte, off uint64) error {
	if off > r.rg.Size || uint64(len(b)) > r.rg.Size-off {
		return fmt.Errorf("%w: read [%#x+%#x) outside slice of %#x bytes", macho.ErrTruncated, off, len(b), r.rg.Size)
	}
	if _, err := r.f.ReadAt(b, int64(r.rg.Offset+off)); err != nil {
		return fmt.Errorf("%w: read at %#x: %v", macho.ErrTruncated, r.rg.Offset+off, err)
	}
	return nil
}
