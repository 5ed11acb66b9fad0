package dyld

import (
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"

	"github.com/sliverarmory/guestkit/symcache"
)

// SafeLoader opens libraries from code that may run while the loader holds
// its public lock, such as image-added callbacks. It never calls the public
// dlopen; when the internal path cannot be resolved it fails instead.
type SafeLoader struct {
	rt    Runtime
	cache *symcache.Cache

	mu      sync.Mutex
	entries *EntryPoints
}

// NewSafeLoader returns a loader resolving entry points through cache.
func NewSafeLoader(rt Runtime, cache *symcache.Cache) *SafeLoader {
	return &SafeLoader{rt: rt, cache: cache}
}

// Open loads path. On failure it returns the zero Handle and an error; the
// error wraps ErrEntryPointNotFound when the internal load path is missing.
func (l *SafeLoader) Open(path string, mode Mode) (Handle, error) {
	entries, err := l.EntryPoints()
	if err != nil {
		return Handle{}, err
	}
	h, err := l.rt.LoadLibrarySafely(path, mode, entries)
	if err != nil {
		return Handle{}, fmt.Errorf("dyld: open %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"path":   path,
		"mode":   mode,
		"loader": fmt.Sprintf("%#x", h.Loader),
		"header": fmt.Sprintf("%#x", h.Header),
	}).Debug("loaded library without loader lock")
	return h, nil
}

// Symbol returns the address of name in a library opened by Open.
func (l *SafeLoader) Symbol(h Handle, name string) (uintptr, error) {
	if h.IsZero() {
		return 0, fmt.Errorf("dyld: symbol %s: %w", name, ErrImageNotFound)
	}
	return l.Lookup(Image(h.Path), name)
}

// Lookup returns the address of name in a loaded image, or 0 when the image
// does not define it.
func (l *SafeLoader) Lookup(img Image, name string) (uintptr, error) {
	ref, err := l.rt.Base(img)
	if err != nil {
		return 0, fmt.Errorf("dyld: symbol %s: %w", name, err)
	}
	off, found, err := l.cache.Resolve(name, ref, func(name string) (uint64, bool, error) {
		return l.rt.ResolveSymbol(img, name)
	})
	if err != nil {
		return 0, fmt.Errorf("dyld: symbol %s: %w", name, err)
	}
	if !found {
		return 0, nil
	}
	return ref.Header + uintptr(off), nil
}

// Unloaded drops the cached symbols of img, which was loaded at header, and
// the runtime's record of it. Call it once the loader has unloaded img so a
// later image at the same address does not inherit its offsets.
func (l *SafeLoader) Unloaded(img Image, header uintptr) {
	n := l.cache.InvalidateHeader(header)
	l.rt.Forget(img)
	log.WithFields(log.Fields{
		"image":  img,
		"header": fmt.Sprintf("%#x", header),
		"keys":   n,
	}).Debug("forgot unloaded image")
}

// EntryPoints resolves the internal loader functions. A successful result is
// kept; a failure is retried on the next call, with missing symbols answered
// from the cache.
func (l *SafeLoader) EntryPoints() (*EntryPoints, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries != nil {
		return l.entries, nil
	}

	refs := make(map[Image]symcache.Image)
	for _, img := range []Image{ImageDyld, ImageLibdyld} {
		ref, err := l.rt.Base(img)
		if err != nil {
			log.WithError(err).WithField("image", img).Debug("loader image unavailable")
			continue
		}
		refs[img] = ref
	}
	if _, ok := refs[ImageDyld]; !ok {
		return nil, fmt.Errorf("%w: %s is not mapped", ErrEntryPointNotFound, ImageDyld)
	}

	var (
		entries EntryPoints
		missing []string
	)
	for e := range numEntries {
		entries[e] = l.resolve(entrySpecs[e], refs)
		if entries[e] == 0 && e.Required() {
			missing = append(missing, e.String())
		}
	}
	if len(missing) != 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntryPointNotFound, strings.Join(missing, ", "))
	}
	l.entries = &entries
	return l.entries, nil
}

func (l *SafeLoader) resolve(spec entrySpec, refs map[Image]symcache.Image) uintptr {
	for _, img := range spec.images {
		ref, ok := refs[img]
		if !ok {
			continue
		}
		for _, name := range spec.exact {
			if addr := l.lookup(img, ref, name, func(name string) (uint64, bool, error) {
				return l.rt.ResolveSymbol(img, name)
			}); addr != 0 {
				return addr
			}
		}
	}
	for _, parts := range spec.contains {
		for _, img := range spec.images {
			ref, ok := refs[img]
			if !ok {
				continue
			}
			key := "*" + strings.Join(parts, "*") + "*"
			if addr := l.lookup(img, ref, key, func(string) (uint64, bool, error) {
				return l.rt.MatchSymbol(img, parts...)
			}); addr != 0 {
				return addr
			}
		}
	}
	return 0
}

func (l *SafeLoader) lookup(img Image, ref symcache.Image, name string, fn symcache.LookupFunc) uintptr {
	off, found, err := l.cache.Resolve(name, ref, fn)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"image":  img,
			"symbol": name,
		}).Debug("loader symbol lookup failed")
		return 0
	}
	if !found {
		return 0
	}
	return ref.Header + uintptr(off)
}
