package macho

import (
	"bytes"
	"fmt"

	"github.com/apex/log"
)

type options struct {
	cpu uint32
}

// Option configures Open.
type Option func(*options)

// WithCPU selects the slice for cpu instead of the running architecture.
func WithCPU(cpu uint32) Option {
	return func(o *options) {
		o.cpu = cpu
	}
}

// File is an open, mapped Mach-O file. It produces the slices that match
// the target CPU, once, in file order.
type File struct {
	path   string
	mode   Mode
	m      *mapping
	cpu    uint32
	ranges []Range
	next   int
	cur    *Slice
	err    error
}

// Open maps path and validates its container header.
func Open(path string, mode Mode, opts ...Option) (*File, error) {
	cpu, err := TargetCPU(opts...)
	if err != nil {
		return nil, err
	}

	m, err := mapFile(path, mode)
	if err != nil {
		return nil, err
	}
	ranges, err := Locate(bytes.NewReader(m.data), int64(len(m.data)), cpu)
	if err != nil {
		_ = m.close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f := &File{path: path, mode: mode, m: m, cpu: cpu, ranges: ranges}

	log.WithFields(log.Fields{
		"path":   path,
		"mode":   mode,
		"size":   len(m.data),
		"slices": len(f.ranges),
	}).Debug("mapped Mach-O")
	return f, nil
}

// Walk opens path and calls fn for every slice matching the running
// architecture. It returns an empty string on success, or the text of the
// first error so the caller can decide whether to continue.
func Walk(path string, mode Mode, fn func(*Slice) error, opts ...Option) string {
	f, err := Open(path, mode, opts...)
	if err != nil {
		return err.Error()
	}
	defer f.Close()

	for f.Next() {
		if err := fn(f.Slice()); err != nil {
			return err.Error()
		}
	}
	if err := f.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// Next advances to the next matching slice. It returns false when there are
// no more slices or a slice failed to decode; Err tells the two apart.
func (f *File) Next() bool {
	if f.err != nil || f.next >= len(f.ranges) {
		f.cur = nil
		return false
	}
	r := f.ranges[f.next]
	f.next++

	s, err := newSlice(f, r)
	if err != nil {
		f.err = err
		f.cur = nil
		return false
	}
	f.cur = s
	return true
}

// Slice returns the slice produced by the last successful call to Next.
func (f *File) Slice() *Slice { return f.cur }

// Err returns the first error encountered by Next.
func (f *File) Err() error { return f.err }

// Close unmaps the file. Slices produced by f must not be used afterwards.
func (f *File) Close() error {
	if f.m == nil {
		return nil
	}
	err := f.m.close()
	f.m = nil
	f.cur = nil
	return err
}
