package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyLength is the length of a secp256k1 private key in bytes
const PrivateKeyLength = 32

// GenerateEthereumKey generates a new secp256k1 private key
func GenerateEthereumKey() (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return privateKey, nil
}

// GetEthereumAddress derives the Ethereum address from a private key
func GetEthereumAddress(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// PrivateKeyToSecret moves a private key into a scoped Secret
func PrivateKeyToSecret(privateKey *ecdsa.PrivateKey) *Secret {
	return NewSecret(crypto.FromECDSA(privateKey))
}

// SecretToPrivateKey parses the secret as a secp256k1 private key.
// The returned key must be released with ZeroKey.
func SecretToPrivateKey(secret *Secret) (*ecdsa.PrivateKey, error) {
	if secret.Destroyed() {
		return nil, fmt.Errorf("secret has been destroyed")
	}
	if secret.Len() != PrivateKeyLength {
		return nil, fmt.Errorf("invalid private key length: expected %d bytes, got %d", PrivateKeyLength, secret.Len())
	}
	return crypto.ToECDSA(secret.Bytes())
}

// DeriveAddress derives the Ethereum address held by a secret
func DeriveAddress(secret *Secret) (common.Address, error) {
	privateKey, err := SecretToPrivateKey(secret)
	if err != nil {
		return common.Address{}, err
	}
	defer ZeroKey(privateKey)

	return GetEthereumAddress(privateKey), nil
}

// ZeroKey securely zeros out the private scalar
func ZeroKey(privateKey *ecdsa.PrivateKey) {
	if privateKey != nil && privateKey.D != nil {
		privateKey.D.SetInt64(0)
	}
}
