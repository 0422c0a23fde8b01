//go:build !(linux || darwin)

package codecache

import "errors"

func mapRegion(size int) ([]byte, region, error) {
	return nil, nil, errors.New("mmap backing is not supported on this platform")
}
