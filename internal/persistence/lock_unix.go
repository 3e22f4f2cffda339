//go:build !windows

package persistence

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive takes a non-blocking exclusive flock, failing immediately
// if another process already holds it rather than waiting — a second
// process racing for the same node-view file is a misconfiguration, not a
// transient condition worth blocking on.
func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}
