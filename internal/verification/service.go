// Package verification checks that a signature over a message was produced by a claimed identity.
package verification

import (
	"strings"
)

// IdentityRecoverer recovers the signer identity of a message signature
type IdentityRecoverer interface {
	RecoverIdentity(message []byte, signature string) (string, error)
}

// Result is the outcome of a verification
type Result struct {
	Valid bool
	// RecoveredIdentity is empty when the signature could not be recovered at all
	RecoveredIdentity string
}

// Service verifies signatures. It never touches shares or storage.
type Service struct {
	recoverer IdentityRecoverer
}

// NewService creates a verification service
func NewService(recoverer IdentityRecoverer) *Service {
	return &Service{recoverer: recoverer}
}

// Verify recovers the signer of message and compares it case-insensitively to claimed.
// Malformed or tampered signatures produce an invalid result, not an error.
func (s *Service) Verify(message, signature, claimed string) Result {
	recovered, err := s.recoverer.RecoverIdentity([]byte(message), signature)
	if err != nil {
		return Result{}
	}

	return Result{
		Valid:             claimed != "" && strings.EqualFold(recovered, claimed),
		RecoveredIdentity: recovered,
	}
}
