//go:build windows

package persistence

import "os"

// lockExclusive has no portable equivalent of flock wired here; on Windows
// the node-view file is protected only by O_EXCL-style process discipline,
// not an OS-level advisory lock.
func lockExclusive(f *os.File) error {
	return nil
}
