// Package envelope implements password-based envelope encryption of shares.
//
// An envelope is base64(salt || nonce || ciphertext || tag). The key is derived
// from the password and a per-envelope random salt with Argon2id and used once
// with AES-GCM under a per-envelope random nonce.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/better-wallet/share-custody/internal/crypto"
)

// ErrDecryption is the only error Decrypt returns. A wrong password and a
// tampered envelope are indistinguishable to the caller.
var ErrDecryption = errors.New("invalid password or corrupted data")

// Params are the Argon2id cost parameters and envelope sizes
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLength uint32
	SaltSize  int
	NonceSize int
}

// DefaultParams targets 128-bit security: AES-128-GCM with a 64 MiB Argon2id derivation
var DefaultParams = Params{
	Time:      3,
	MemoryKiB: 64 * 1024,
	Threads:   4,
	KeyLength: 16,
	SaltSize:  16,
	NonceSize: 12,
}

// Validate checks that the parameters describe a usable cipher
func (p Params) Validate() error {
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return fmt.Errorf("argon2id cost parameters must be positive")
	}
	switch p.KeyLength {
	case 16, 24, 32:
	default:
		return fmt.Errorf("key length must be 16, 24 or 32 bytes, got %d", p.KeyLength)
	}
	if p.SaltSize < 16 {
		return fmt.Errorf("salt must be at least 16 bytes, got %d", p.SaltSize)
	}
	if p.NonceSize != 12 {
		return fmt.Errorf("nonce must be 12 bytes, got %d", p.NonceSize)
	}
	return nil
}

// Cipher encrypts and decrypts share envelopes. It is stateless and safe for concurrent use.
type Cipher struct {
	params Params
	rand   io.Reader
}

// New creates a Cipher with the given parameters
func New(params Params) (*Cipher, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope parameters: %w", err)
	}
	return &Cipher{params: params, rand: rand.Reader}, nil
}

// NewDefault creates a Cipher with DefaultParams
func NewDefault() *Cipher {
	return &Cipher{params: DefaultParams, rand: rand.Reader}
}

// Params returns the cipher parameters
func (c *Cipher) Params() Params {
	return c.params
}

// Encrypt seals plaintext under a key derived from password
func (c *Cipher) Encrypt(plaintext []byte, password string) (string, error) {
	salt := make([]byte, c.params.SaltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, c.params.NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := c.deriveKey(password, salt)
	defer crypto.Zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure is ErrDecryption.
func (c *Cipher) Decrypt(envelope string, password string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, ErrDecryption
	}

	headerLen := c.params.SaltSize + c.params.NonceSize
	// A GCM tag is 16 bytes
	if len(raw) < headerLen+16 {
		return nil, ErrDecryption
	}

	salt := raw[:c.params.SaltSize]
	nonce := raw[c.params.SaltSize:headerLen]
	ciphertext := raw[headerLen:]

	key := c.deriveKey(password, salt)
	defer crypto.Zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryption
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

func (c *Cipher) deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, c.params.Time, c.params.MemoryKiB, c.params.Threads, c.params.KeyLength)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
