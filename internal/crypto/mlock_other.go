//go:build !unix

package crypto

func lockMemory(b []byte) error {
	return nil
}

func unlockMemory(b []byte) error {
	return nil
}
