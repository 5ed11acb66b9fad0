//go:build unix

package hook

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapCode(n int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hook: map %d bytes of code: %w", n, err)
	}
	return b, nil
}
