// Package guestkit prepares foreign Mach-O executables so a host process can
// load them as libraries, and installs the loader hooks that make such loads
// succeed.
//
// An Engine is created once per process. Install runs the one-time hook
// setup; PrepareImage is called for every image the host is about to load.
package guestkit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/sliverarmory/guestkit/dyld"
	"github.com/sliverarmory/guestkit/hook"
	"github.com/sliverarmory/guestkit/patch"
	"github.com/sliverarmory/guestkit/symcache"
	"github.com/sliverarmory/guestkit/vm"
)

var ErrSymbolNotFound = errors.New("guestkit: symbol not found")

type options struct {
	runtime     dyld.Runtime
	memory      hook.Memory
	cache       *symcache.Cache
	host        Host
	redirectors []Redirector
	inject      bool
	cpu         uint32
	patchOpts   []patch.Option
}

// Option configures an Engine.
type Option func(*options)

// WithRuntime sets the loader the engine hooks and loads through.
func WithRuntime(rt dyld.Runtime) Option {
	return func(o *options) {
		o.runtime = rt
	}
}

// WithMemory sets the memory hooks are written to.
func WithMemory(mem hook.Memory) Option {
	return func(o *options) {
		o.memory = mem
	}
}

// WithCache sets the symbol cache.
func WithCache(c *symcache.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithHost sets the host application queries.
func WithHost(h Host) Option {
	return func(o *options) {
		o.host = h
	}
}

// WithRedirectors registers subsystems installed after the library
// validation bypass.
func WithRedirectors(r ...Redirector) Option {
	return func(o *options) {
		o.redirectors = append(o.redirectors, r...)
	}
}

// WithInjection makes PrepareImage add the tweak loader dependency to the
// images it patches.
func WithInjection(inject bool) Option {
	return func(o *options) {
		o.inject = inject
	}
}

// WithCPU makes PrepareImage check and patch the slice for cpu instead of
// the running architecture.
func WithCPU(cpu uint32) Option {
	return func(o *options) {
		o.cpu = cpu
	}
}

// WithPatchOptions passes options to every patch PrepareImage applies.
func WithPatchOptions(opts ...patch.Option) Option {
	return func(o *options) {
		o.patchOpts = append(o.patchOpts, opts...)
	}
}

// Engine is the per-process patch and hook state. It is safe for concurrent
// use.
type Engine struct {
	rt          dyld.Runtime
	hooks       *hook.Registry
	cache       *symcache.Cache
	loader      *dyld.SafeLoader
	host        Host
	redirectors []Redirector
	inject      bool
	cpu         uint32
	patchOpts   []patch.Option

	installOnce sync.Once
	installErr  error
	installed   atomic.Bool

	bypassOnce sync.Once
	bypassErr  error

	redirectOnce sync.Once

	prepare singleflight.Group
	mu      sync.Mutex
	cycle   uint64
	seen    map[ImageKey]struct{}
}

// New returns an engine for the running process.
func New(opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.runtime == nil {
		o.runtime = dyld.System()
	}
	if o.memory == nil {
		o.memory = hook.NewProcessMemory(vm.System())
	}
	if o.cache == nil {
		c, err := symcache.New()
		if err != nil {
			return nil, fmt.Errorf("guestkit: symbol cache: %w", err)
		}
		o.cache = c
	}
	return &Engine{
		rt:          o.runtime,
		hooks:       hook.NewRegistry(o.memory),
		cache:       o.cache,
		loader:      dyld.NewSafeLoader(o.runtime, o.cache),
		host:        o.host,
		redirectors: o.redirectors,
		inject:      o.inject,
		cpu:         o.cpu,
		patchOpts:   o.patchOpts,
		seen:        make(map[ImageKey]struct{}),
	}, nil
}

// Hooks returns the hooks the engine has installed.
func (e *Engine) Hooks() []*hook.Hook {
	return e.hooks.Hooks()
}

// DlopenBypassingLock loads path without taking the loader's public lock,
// so it can be called from a loader callback. It never falls back to
// dlopen: when the internal load path is unavailable the error wraps
// dyld.ErrEntryPointNotFound and the handle is zero.
func (e *Engine) DlopenBypassingLock(path string, mode dyld.Mode) (dyld.Handle, error) {
	h, err := e.loader.Open(path, mode)
	if err != nil {
		return dyld.Handle{}, fmt.Errorf("guestkit: dlopen bypassing lock: %w", err)
	}
	return h, nil
}

// Symbol returns the address of name in a library opened by
// DlopenBypassingLock, or 0 if it has no such symbol.
func (e *Engine) Symbol(h dyld.Handle, name string) (uintptr, error) {
	return e.loader.Symbol(h, name)
}

// DyldBase returns the load address of dyld.
func (e *Engine) DyldBase() (uintptr, error) {
	base, err := e.rt.DyldBase()
	if err != nil {
		return 0, fmt.Errorf("guestkit: dyld base: %w", err)
	}
	return base, nil
}

// AllImageInfos returns a snapshot of the loader's image list.
func (e *Engine) AllImageInfos() (*dyld.AllImageInfos, error) {
	infos, err := e.rt.AllImageInfos()
	if err != nil {
		return nil, fmt.Errorf("guestkit: all image infos: %w", err)
	}
	return infos, nil
}

// ImageRemoved drops what the engine remembers about the image loaded from
// path at header. Hosts call it from the loader's remove-image callback so
// symbols of a later image at the same address are looked up afresh.
func (e *Engine) ImageRemoved(path string, header uintptr) {
	e.loader.Unloaded(dyld.Image(path), header)
}

func (e *Engine) lookup(img dyld.Image, name string) (uintptr, error) {
	addr, err := e.loader.Lookup(img, name)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, img)
	}
	return addr, nil
}
