package main

/*
#include <stdint.h>
*/
import "C"

import "os"

func markerPath() string {
	if env := os.Getenv("GUESTKIT_MARKER"); env != "" {
		return env
	}
	return "/tmp/guestkit_marker.txt"
}

func init() {
	if os.Getenv("GUESTKIT_MARKER") != "" {
		StartW()
	}
}

//export StartW
func StartW() {
	_ = os.WriteFile(markerPath(), []byte("ok"), 0o600)
}

//export StartWStatus
func StartWStatus() C.int {
	StartW()
	return 1337
}

func main() {}
