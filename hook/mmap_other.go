//go:build !unix

package hook

import "errors"

func mapCode(int) ([]byte, error) {
	return nil, errors.New("hook: executable memory is not supported on this platform")
}
