package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"
)

const (
	// DefaultThreshold is the minimum number of shares required to reconstruct the secret
	DefaultThreshold = 2
	// DefaultTotalShares is the total number of shares to generate
	DefaultTotalShares = 3

	shareFormatVersion = 0x01
	shareHeaderLen     = 2 + 16
)

var (
	// ErrSplit is returned when a secret cannot be split
	ErrSplit = errors.New("split failed")
	// ErrCombine is returned when shares cannot be combined into a secret
	ErrCombine = errors.New("combine failed")
)

// ShareSet is the result of one 2-of-3 split.
// All three shares carry the same Generation; any two of them reconstruct the secret.
type ShareSet struct {
	Generation uuid.UUID

	// Client is returned to the caller and never stored server-side
	Client []byte
	// Hot is placed in the hot store
	Hot []byte
	// Cold is placed in the cold store
	Cold []byte
}

// Wipe zeroes all three shares
func (s *ShareSet) Wipe() {
	if s == nil {
		return
	}
	Zero(s.Client)
	Zero(s.Hot)
	Zero(s.Cold)
}

// Split splits secret into n framed shares, any k of which reconstruct it.
//
// Every share is framed as version || threshold || generation || shamir share.
// The generation is random and shared by the shares of a single split, so shares
// from different splits of the same secret are rejected by Combine rather than
// silently producing garbage.
func Split(secret []byte, n, k int) ([][]byte, uuid.UUID, error) {
	if len(secret) == 0 {
		return nil, uuid.Nil, fmt.Errorf("%w: secret cannot be empty", ErrSplit)
	}
	if k > n {
		return nil, uuid.Nil, fmt.Errorf("%w: threshold %d exceeds total shares %d", ErrSplit, k, n)
	}
	if k < 2 {
		return nil, uuid.Nil, fmt.Errorf("%w: threshold must be at least 2, got %d", ErrSplit, k)
	}
	if n > 255 {
		return nil, uuid.Nil, fmt.Errorf("%w: at most 255 shares are supported, got %d", ErrSplit, n)
	}

	raw, err := shamir.Split(secret, n, k)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrSplit, err)
	}

	generation := uuid.New()
	shares := make([][]byte, n)
	for i, part := range raw {
		framed := make([]byte, 0, shareHeaderLen+len(part))
		framed = append(framed, shareFormatVersion, byte(k))
		framed = append(framed, generation[:]...)
		framed = append(framed, part...)
		shares[i] = framed
		Zero(part)
	}

	return shares, generation, nil
}

// SplitShares splits secret with the 2-of-3 custody scheme
func SplitShares(secret []byte) (*ShareSet, error) {
	shares, generation, err := Split(secret, DefaultTotalShares, DefaultThreshold)
	if err != nil {
		return nil, err
	}

	return &ShareSet{
		Generation: generation,
		Client:     shares[0],
		Hot:        shares[1],
		Cold:       shares[2],
	}, nil
}

// Combine reconstructs the secret from framed shares.
// It fails when fewer than the framed threshold are supplied or when the shares
// do not come from the same split.
func Combine(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", ErrCombine)
	}

	var (
		threshold  int
		generation []byte
		parts      = make([][]byte, 0, len(shares))
	)
	for i, share := range shares {
		if err := ValidateShare(share); err != nil {
			return nil, fmt.Errorf("%w: share %d: %v", ErrCombine, i, err)
		}

		k := int(share[1])
		gen := share[2:shareHeaderLen]
		if i == 0 {
			threshold = k
			generation = gen
		} else if k != threshold || !bytes.Equal(gen, generation) {
			return nil, fmt.Errorf("%w: shares belong to different splits", ErrCombine)
		}

		parts = append(parts, share[shareHeaderLen:])
	}

	if len(parts) < threshold {
		return nil, fmt.Errorf("%w: %d shares supplied, %d required", ErrCombine, len(parts), threshold)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCombine, err)
	}

	return secret, nil
}

// ShareGeneration returns the split generation a framed share belongs to
func ShareGeneration(share []byte) (uuid.UUID, error) {
	if err := ValidateShare(share); err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(share[2:shareHeaderLen])
}

// ValidateShare checks the framing of a share.
// Note: This only checks format, not cryptographic validity
func ValidateShare(share []byte) error {
	if len(share) == 0 {
		return fmt.Errorf("share cannot be empty")
	}
	// Header, then at least one byte of y values and the trailing x coordinate
	if len(share) < shareHeaderLen+2 {
		return fmt.Errorf("share too short: expected at least %d bytes, got %d", shareHeaderLen+2, len(share))
	}
	if share[0] != shareFormatVersion {
		return fmt.Errorf("unsupported share format version %d", share[0])
	}
	if share[1] < 2 {
		return fmt.Errorf("invalid share threshold %d", share[1])
	}
	return nil
}

// EncodeShare encodes a share for exchange at service boundaries
func EncodeShare(share []byte) string {
	return base64.StdEncoding.EncodeToString(share)
}

// DecodeShare decodes a share produced by EncodeShare
func DecodeShare(encoded string) ([]byte, error) {
	share, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid share encoding: %w", err)
	}
	return share, nil
}
