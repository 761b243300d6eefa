// Package signer is the signing provider used by the custody engine: Ethereum
// personal_sign over secp256k1 with checksummed address identities.
package signer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/share-custody/internal/crypto"
)

// SignatureLength is the length of an r || s || v signature
const SignatureLength = 65

// ErrInvalidSignature is returned when a signature cannot be parsed or recovered
var ErrInvalidSignature = errors.New("invalid signature")

// Ethereum implements the signing provider with EIP-191 personal messages
type Ethereum struct{}

// NewEthereum creates the Ethereum signing provider
func NewEthereum() *Ethereum {
	return &Ethereum{}
}

// GenerateIdentity creates a fresh private key and returns it as a scoped secret
// together with its checksummed address
func (e *Ethereum) GenerateIdentity() (*crypto.Secret, string, error) {
	privateKey, err := crypto.GenerateEthereumKey()
	if err != nil {
		return nil, "", err
	}
	defer crypto.ZeroKey(privateKey)

	address := crypto.GetEthereumAddress(privateKey)
	return crypto.PrivateKeyToSecret(privateKey), address.Hex(), nil
}

// DeriveIdentity returns the checksummed address of a secret
func (e *Ethereum) DeriveIdentity(secret *crypto.Secret) (string, error) {
	address, err := crypto.DeriveAddress(secret)
	if err != nil {
		return "", err
	}
	return address.Hex(), nil
}

// Sign produces a personal_sign signature over message, 0x-hex with v in {27, 28}
func (e *Ethereum) Sign(secret *crypto.Secret, message []byte) (string, error) {
	privateKey, err := crypto.SecretToPrivateKey(secret)
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}
	defer crypto.ZeroKey(privateKey)

	sig, err := ethcrypto.Sign(accounts.TextHash(message), privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[64] += 27

	return hexutil.Encode(sig), nil
}

// RecoverIdentity recovers the checksummed address that signed message.
// Both the 0/1 and 27/28 recovery id conventions are accepted.
func (e *Ethereum) RecoverIdentity(message []byte, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}

	switch sig[64] {
	case 27, 28:
		sig[64] -= 27
	case 0, 1:
	default:
		return "", fmt.Errorf("%w: unsupported recovery id %d", ErrInvalidSignature, sig[64])
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsAddress(s string) bool {
	return len(s) == 2+2*common.AddressLength && common.IsHexAddress(s)
}
