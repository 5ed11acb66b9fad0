// Package vm changes page protection for a bounded scope.
package vm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Prot is a set of page permissions using the POSIX PROT_* bit values.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

var (
	// ErrProtect is returned when the OS refuses a protection change. No
	// write was attempted.
	ErrProtect = errors.New("vm: protection change refused")
	// ErrUnsupported is returned by the system protector on platforms
	// without a way to query page protection.
	ErrUnsupported = errors.New("vm: page protection is not supported on this platform")
)

// Region is a page-aligned address range.
type Region struct {
	Addr uintptr
	Size uintptr
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Addr, r.Addr+r.Size)
}

// End returns the first address past the region.
func (r Region) End() uintptr { return r.Addr + r.Size }

// Protector reads and changes page protection.
type Protector interface {
	Query(r Region) (Prot, error)
	Protect(r Region, prot Prot) error
}

var pageSize = uintptr(os.Getpagesize())

// PageSize returns the host page size.
func PageSize() uintptr { return pageSize }

// Pages returns the smallest page-aligned region covering [addr, addr+size).
func Pages(addr, size uintptr) Region {
	start := alignDown(addr, pageSize)
	end := alignUp(addr+size, pageSize)
	if end <= start {
		end = start + pageSize
	}
	return Region{Addr: start, Size: end - start}
}

// WithWritable makes r readable and writable, runs fn and then restores the
// protection each page of r had before. The restore runs on every path,
// including when fn fails or panics. If the region cannot be made writable,
// fn is not called.
func WithWritable(p Protector, r Region, fn func() error) (err error) {
	runs, err := protRuns(p, r)
	if err != nil {
		return err
	}

	var relaxed []protRun
	defer func() {
		for i := len(relaxed) - 1; i >= 0; i-- {
			run := relaxed[i]
			if rerr := p.Protect(run.r, run.prot); rerr != nil && err == nil {
				err = fmt.Errorf("%w: restore %s to %s: %v", ErrProtect, run.r, run.prot, rerr)
			}
		}
	}()
	for _, run := range runs {
		if run.prot&ProtWrite != 0 {
			continue
		}
		want := run.prot | ProtRead | ProtWrite
		if err := p.Protect(run.r, want); err != nil {
			return fmt.Errorf("%w: relax %s to %s: %v", ErrProtect, run.r, want, err)
		}
		relaxed = append(relaxed, run)
	}
	return fn()
}

// protRun is a stretch of pages sharing one protection.
type protRun struct {
	r    Region
	prot Prot
}

func protRuns(p Protector, r Region) ([]protRun, error) {
	var runs []protRun
	for addr := alignDown(r.Addr, pageSize); addr < r.End(); addr += pageSize {
		page := Region{Addr: addr, Size: pageSize}
		prot, err := p.Query(page)
		if err != nil {
			return nil, fmt.Errorf("%w: query %s: %v", ErrProtect, page, err)
		}
		if n := len(runs); n > 0 && runs[n-1].prot == prot {
			runs[n-1].r.Size += pageSize
			continue
		}
		runs = append(runs, protRun{r: page, prot: prot})
	}
	return runs, nil
}

// Table is a Protector for memory the process manages itself, such as a
// heap copy of a file. It records protection per page without asking the OS.
type Table struct {
	mu    sync.Mutex
	def   Prot
	pages map[uintptr]Prot
}

// NewTable returns a Table where every page starts at def.
func NewTable(def Prot) *Table {
	return &Table{def: def, pages: make(map[uintptr]Prot)}
}

// Query returns the protection shared by every page of r. Mixed protection
// is reported as the intersection.
func (t *Table) Query(r Region) (Prot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prot := ProtRead | ProtWrite | ProtExec
	for addr := alignDown(r.Addr, pageSize); addr < r.End(); addr += pageSize {
		p, ok := t.pages[addr]
		if !ok {
			p = t.def
		}
		prot &= p
	}
	return prot, nil
}

// Protect records prot for every page of r.
func (t *Table) Protect(r Region, prot Prot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for addr := alignDown(r.Addr, pageSize); addr < r.End(); addr += pageSize {
		t.pages[addr] = prot
	}
	return nil
}

func parseProt(perms string) Prot {
	var p Prot
	if strings.Contains(perms, "r") {
		p |= ProtRead
	}
	if strings.Contains(perms, "w") {
		p |= ProtWrite
	}
	if strings.Contains(perms, "x") {
		p |= ProtExec
	}
	return p
}

func alignDown(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func alignUp(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return (v + (a - 1)) &^ (a - 1)
}
