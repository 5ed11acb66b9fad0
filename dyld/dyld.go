// Package dyld loads libraries through the loader's internal load path, which
// does not take the public API lock, and exposes loader introspection.
//
// Loader internals live behind Runtime. The darwin implementation walks the
// shared cache and calls into dyld directly; other platforms get a Runtime
// that reports ErrUnsupported for everything.
package dyld

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/sliverarmory/guestkit/symcache"
)

var (
	ErrEntryPointNotFound = errors.New("dyld: loader entry point not found")
	ErrUnsupported        = errors.New("dyld: not supported on this platform")
	ErrImageNotFound      = errors.New("dyld: image not loaded")
	ErrLoad               = errors.New("dyld: load failed")
)

// Mode is the dlopen mode of a load.
type Mode int

const (
	RTLDLazy     Mode = 0x1
	RTLDNow      Mode = 0x2
	RTLDLocal    Mode = 0x4
	RTLDGlobal   Mode = 0x8
	RTLDNoLoad   Mode = 0x10
	RTLDNoDelete Mode = 0x80
)

func (m Mode) String() string {
	var parts []string
	for _, f := range []struct {
		m    Mode
		name string
	}{
		{RTLDLazy, "RTLD_LAZY"},
		{RTLDNow, "RTLD_NOW"},
		{RTLDLocal, "RTLD_LOCAL"},
		{RTLDGlobal, "RTLD_GLOBAL"},
		{RTLDNoLoad, "RTLD_NOLOAD"},
		{RTLDNoDelete, "RTLD_NODELETE"},
	} {
		if m&f.m != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Image is the install path of a loaded image.
type Image string

const (
	ImageDyld    Image = "/usr/lib/dyld"
	ImageLibdyld Image = "/usr/lib/system/libdyld.dylib"
)

// Handle is a library loaded by LoadLibrarySafely. The zero Handle is the
// result of every failed load.
type Handle struct {
	// Loader is the dyld Loader object.
	Loader uintptr
	// Header is the address of the mach header, or 0 when unknown.
	Header uintptr
	Path   string
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.Loader == 0
}

// ImageInfo is one entry of the loader's image list.
type ImageInfo struct {
	LoadAddress uintptr
	Path        string
	ModDate     uintptr
}

// AllImageInfos is a snapshot of dyld_all_image_infos.
type AllImageInfos struct {
	Version                uint32
	Images                 []ImageInfo
	LibSystemInitialized   bool
	DyldImageLoadAddress   uintptr
	SharedCacheSlide       uintptr
	SharedCacheBaseAddress uintptr
}

// Find returns the image loaded from path.
func (a *AllImageInfos) Find(path string) (ImageInfo, bool) {
	for _, img := range a.Images {
		if img.Path == path {
			return img, true
		}
	}
	return ImageInfo{}, false
}

// Runtime is the loader of the running process.
type Runtime interface {
	// Base returns the header address and LC_UUID of a loaded image.
	Base(image Image) (symcache.Image, error)
	// ResolveSymbol returns the offset from the header of image of the
	// exact symbol name.
	ResolveSymbol(image Image, name string) (offset uint64, found bool, err error)
	// MatchSymbol returns the offset of the shortest symbol of image whose
	// name contains every part.
	MatchSymbol(image Image, parts ...string) (offset uint64, found bool, err error)
	// LoadLibrarySafely loads path through the internal loader entry points
	// without taking the public loader lock.
	LoadLibrarySafely(path string, mode Mode, entries *EntryPoints) (Handle, error)
	DyldBase() (uintptr, error)
	AllImageInfos() (*AllImageInfos, error)
	// Forget drops what the runtime remembers about image after the loader
	// has unloaded it.
	Forget(image Image)
}

// ImageKey returns the cache key of an image loaded at header with the given
// LC_UUID.
func ImageKey(header uintptr, id [16]byte) symcache.Image {
	img := symcache.Image{Header: header}
	if id != [16]byte{} {
		img.UUID = strings.ToUpper(uuid.UUID(id).String())
	}
	return img
}
