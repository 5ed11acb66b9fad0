package macho

import (
	"math"
	"strings"
)

// Symbol is a symbol table entry. Offset is Value relative to the __TEXT
// segment, which is where the image header is loaded.
type Symbol struct {
	Name   string
	Value  uint64
	Offset uint64
}

// FindSymbol looks up the exact symbol name in the target slice of path.
func FindSymbol(path, name string, opts ...Option) (Symbol, bool, error) {
	syms, err := symbols(path, opts)
	if err != nil {
		return Symbol{}, false, err
	}
	for _, sym := range syms {
		if sym.Name == name && sym.Value != 0 {
			return sym, true, nil
		}
	}
	return Symbol{}, false, nil
}

// MatchSymbol returns the shortest symbol of path whose name contains every
// part. Block invocations and cold splits never match.
func MatchSymbol(path string, parts []string, opts ...Option) (Symbol, bool, error) {
	syms, err := symbols(path, opts)
	if err != nil {
		return Symbol{}, false, err
	}
	var (
		best  Symbol
		found bool
	)
	bestLen := math.MaxInt
	for _, sym := range syms {
		if sym.Value == 0 || !MatchesAll(sym.Name, parts) {
			continue
		}
		if len(sym.Name) < bestLen {
			bestLen = len(sym.Name)
			best, found = sym, true
		}
	}
	return best, found, nil
}

// MatchesAll reports whether name is a usable candidate containing every
// non-empty part.
func MatchesAll(name string, parts []string) bool {
	if name == "" || strings.Contains(name, "block_invoke") || strings.Contains(name, ".cold") {
		return false
	}
	for _, p := range parts {
		if p != "" && !strings.Contains(name, p) {
			return false
		}
	}
	return true
}

func symbols(path string, opts []Option) ([]Symbol, error) {
	cpu, err := TargetCPU(opts...)
	if err != nil {
		return nil, err
	}
	m, closeFn, err := openGoMachO(path, cpu)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if m.Symtab == nil {
		return nil, nil
	}
	var text uint64
	if seg := m.Segment("__TEXT"); seg != nil {
		text = seg.Addr
	}
	out := make([]Symbol, 0, len(m.Symtab.Syms))
	for _, s := range m.Symtab.Syms {
		out = append(out, Symbol{Name: s.Name, Value: s.Value, Offset: s.Value - text})
	}
	return out, nil
}
