//go:build !darwin || !cgo || !(amd64 || arm64)

package dyld

import (
	"errors"
	"testing"
)

func TestSystemUnsupported(t *testing.T) {
	rt := System()
	if _, err := rt.DyldBase(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("DyldBase() = %v, want ErrUnsupported", err)
	}
	if _, err := rt.AllImageInfos(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("AllImageInfos() = %v, want ErrUnsupported", err)
	}

	h, err := NewSafeLoader(rt, newCache(t)).Open("/tmp/guest.dylib", RTLDNow)
	if !errors.Is(err, ErrEntryPointNotFound) || !h.IsZero() {
		t.Fatalf("Open() = %+v, %v, want ErrEntryPointNotFound", h, err)
	}
}
