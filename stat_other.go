//go:build !linux && !darwin

package guestkit

import "os"

func statIdentity(path string) (ino uint64, mtime int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return 0, fi.ModTime().UnixNano(), nil
}
