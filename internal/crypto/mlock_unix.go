//go:build unix

package crypto

import "golang.org/x/sys/unix"

// lockMemory keeps the pages holding b out of swap. Failure is tolerated:
// unprivileged processes commonly hit RLIMIT_MEMLOCK.
func lockMemory(b []byte) error {
	return unix.Mlock(b)
}

func unlockMemory(b []byte) error {
	return unix.Munlock(b)
}
