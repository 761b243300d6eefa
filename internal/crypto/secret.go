package crypto

import "runtime"

// Secret holds reconstructed private key bytes for the duration of one operation.
// Callers must Destroy it, typically with defer, on every exit path.
type Secret struct {
	b      []byte
	locked bool
}

// NewSecret takes ownership of b. The caller must not use b afterwards.
func NewSecret(b []byte) *Secret {
	s := &Secret{b: b}
	if len(b) > 0 {
		s.locked = lockMemory(b) == nil
	}
	return s
}

// Bytes returns the secret bytes. They are only valid until Destroy.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Len returns the secret length
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Destroyed reports whether Destroy has been called
func (s *Secret) Destroyed() bool {
	return s == nil || s.b == nil
}

// Destroy zeroes the secret and releases its memory lock. Safe to call twice.
func (s *Secret) Destroy() {
	if s == nil || s.b == nil {
		return
	}
	Zero(s.b)
	if s.locked {
		_ = unlockMemory(s.b)
		s.locked = false
	}
	runtime.KeepAlive(s.b)
	s.b = nil
}

// Zero overwrites b with zeros
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
