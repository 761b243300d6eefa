// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// MockKMSProvider is a sealing provider that really encrypts with a random key
// and can be told to fail.
type MockKMSProvider struct {
	mu            sync.Mutex
	aead          cipher.AEAD
	encryptCalls  int
	decryptCalls  int
	shouldFail    bool
	failOnNthCall int
	callCount     int
}

// NewMockKMSProvider creates a new mock KMS provider.
func NewMockKMSProvider() *MockKMSProvider {
	key := make([]byte, 32)
	rand.Read(key)
	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCM(block)
	return &MockKMSProvider{aead: gcm}
}

func (m *MockKMSProvider) fail() bool {
	m.callCount++
	return m.shouldFail || (m.failOnNthCall > 0 && m.callCount == m.failOnNthCall)
}

// Encrypt seals data with AES-GCM.
func (m *MockKMSProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.encryptCalls++
	if m.fail() {
		return nil, fmt.Errorf("mock KMS encrypt failure")
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data sealed by Encrypt.
func (m *MockKMSProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decryptCalls++
	if m.fail() {
		return nil, fmt.Errorf("mock KMS decrypt failure")
	}

	if len(ciphertext) < m.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:m.aead.NonceSize()], ciphertext[m.aead.NonceSize():]
	plaintext, err := m.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// Provider returns the provider name.
func (m *MockKMSProvider) Provider() string {
	return "mock"
}

// SetShouldFail configures the mock to fail on all calls.
func (m *MockKMSProvider) SetShouldFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = fail
}

// SetFailOnNthCall configures the mock to fail on the nth call from now.
func (m *MockKMSProvider) SetFailOnNthCall(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOnNthCall = n
	m.callCount = 0
}

// EncryptCalls returns the number of encrypt calls.
func (m *MockKMSProvider) EncryptCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encryptCalls
}

// DecryptCalls returns the number of decrypt calls.
func (m *MockKMSProvider) DecryptCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decryptCalls
}
