//go:build windows

package metrics

import "errors"

// UsableSpace is not implemented on Windows.
func UsableSpace(path string) (int64, error) {
	return 0, errors.New("usable space is not supported on windows")
}
