//go:build linux || darwin

package guestkit

import (
	"golang.org/x/sys/unix"
)

func statIdentity(path string) (ino uint64, mtime int64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return uint64(st.Ino), st.Mtim.Nano(), nil
}
