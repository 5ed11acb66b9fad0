// Package hook redirects AArch64 functions by overwriting their first four
// instructions with an absolute jump.
//
// The overwritten prolog is relocated into a trampoline that continues at
// the fifth instruction, so the replacement can still call the original.
// Prologs using PC-relative instructions other than ADRP are rejected.
package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/apex/log"
)

var (
	ErrDoubleHook   = errors.New("hook: target already hooked")
	ErrHookNotFound = errors.New("hook: no hook at target")
	ErrRelativeAddr = errors.New("hook: prolog uses a PC-relative instruction that cannot be relocated")
)

// PrologSize is the number of bytes overwritten at a hooked target.
const PrologSize = 16

// Hook is an installed redirection.
type Hook struct {
	Name   string
	Target uintptr
	// Replacement is where calls to Target now go.
	Replacement uintptr
	// Trampoline runs the original function.
	Trampoline uintptr

	saved []byte
}

func (h *Hook) String() string {
	return fmt.Sprintf("%s@%#x -> %#x", h.Name, h.Target, h.Replacement)
}

// Registry tracks hooks by target address. It is safe for concurrent use.
type Registry struct {
	mem Memory

	mu    sync.Mutex
	hooks map[uintptr]*Hook
}

// NewRegistry returns an empty registry writing through mem.
func NewRegistry(mem Memory) *Registry {
	return &Registry{mem: mem, hooks: make(map[uintptr]*Hook)}
}

// Install redirects target to replacement.
func (r *Registry) Install(name string, target, replacement uintptr) (*Hook, error) {
	return r.install(name, target, replacement, nil)
}

// InstallGenerated redirects target to code produced by gen, which receives
// the trampoline address so the code can fall through to the original.
func (r *Registry) InstallGenerated(name string, target uintptr, gen func(trampoline uintptr) []byte) (*Hook, error) {
	return r.install(name, target, 0, gen)
}

func (r *Registry) install(name string, target, replacement uintptr, gen func(trampoline uintptr) []byte) (*Hook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if target == 0 || (replacement == 0 && gen == nil) {
		return nil, fmt.Errorf("hook: %s: nil target or replacement", name)
	}
	if prev, ok := r.hooks[target]; ok {
		return nil, fmt.Errorf("%w: %s at %#x (as %s)", ErrDoubleHook, name, target, prev.Name)
	}

	prolog := make([]byte, PrologSize)
	if err := r.mem.Read(target, prolog); err != nil {
		return nil, fmt.Errorf("hook: %s: read prolog: %w", name, err)
	}
	relocated, err := Relocate(prolog, uint64(target))
	if err != nil {
		return nil, fmt.Errorf("hook: %s at %#x: %w", name, target, err)
	}
	tramp := append(relocated, Jump(uint64(target)+PrologSize)...)
	trampoline, err := r.mem.Alloc(tramp)
	if err != nil {
		return nil, fmt.Errorf("hook: %s: trampoline: %w", name, err)
	}

	if gen != nil {
		if replacement, err = r.mem.Alloc(gen(trampoline)); err != nil {
			return nil, fmt.Errorf("hook: %s: stub: %w", name, err)
		}
	}

	if err := r.mem.Write(target, Jump(uint64(replacement))); err != nil {
		return nil, fmt.Errorf("hook: %s: write detour: %w", name, err)
	}

	h := &Hook{
		Name:        name,
		Target:      target,
		Replacement: replacement,
		Trampoline:  trampoline,
		saved:       prolog,
	}
	r.hooks[target] = h
	log.WithFields(log.Fields{
		"hook":        name,
		"target":      fmt.Sprintf("%#x", target),
		"replacement": fmt.Sprintf("%#x", replacement),
		"trampoline":  fmt.Sprintf("%#x", trampoline),
	}).Debug("installed hook")
	return h, nil
}

// Remove restores the original prolog at target. The trampoline stays
// mapped since a thread may still be running it.
func (r *Registry) Remove(target uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hooks[target]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrHookNotFound, target)
	}
	if err := r.mem.Write(target, h.saved); err != nil {
		return fmt.Errorf("hook: %s: restore prolog: %w", h.Name, err)
	}
	delete(r.hooks, target)
	log.WithField("hook", h.Name).Debug("removed hook")
	return nil
}

// Lookup returns the hook installed at target.
func (r *Registry) Lookup(target uintptr) (*Hook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[target]
	return h, ok
}

// Hooks returns the installed hooks ordered by target.
func (r *Registry) Hooks() []*Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
