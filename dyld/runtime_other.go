//go:build !darwin || !cgo || !(amd64 || arm64)

package dyld

import "github.com/sliverarmory/guestkit/symcache"

// System returns the loader of the running process.
func System() Runtime {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) Base(Image) (symcache.Image, error) {
	return symcache.Image{}, ErrUnsupported
}

func (unsupported) ResolveSymbol(Image, string) (uint64, bool, error) {
	return 0, false, ErrUnsupported
}

func (unsupported) MatchSymbol(Image, ...string) (uint64, bool, error) {
	return 0, false, ErrUnsupported
}

func (unsupported) LoadLibrarySafely(string, Mode, *EntryPoints) (Handle, error) {
	return Handle{}, ErrUnsupported
}

func (unsupported) DyldBase() (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupported) AllImageInfos() (*AllImageInfos, error) {
	return nil, ErrUnsupported
}

func (unsupported) Forget(Image) {}
