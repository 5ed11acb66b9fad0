//go:build !linux && !(darwin && cgo)

package vm

type unsupported struct{}

// System returns a Protector that refuses every request on this platform.
func System() Protector { return unsupported{} }

func (unsupported) Query(Region) (Prot, error) { return 0, ErrUnsupported }

func (unsupported) Protect(Region, Prot) error { return ErrUnsupported }
