package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Algorithm names the cipher the Vault seals with. It is recorded next to
// every encrypted field.
const Algorithm = "AES-256-GCM"

// KeySize is the length of data keys and master keys in bytes.
const KeySize = 32

//nolint:gochecknoglobals // sentinel error
var ErrInvalidKey = errors.New("secrets: invalid encryption key")

//nolint:gochecknoglobals // sentinel error
var ErrDecrypt = errors.New("secrets: decryption failed")

// Vault encrypts/decrypts byte fields using AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// NewVault creates a Vault with the given 32-byte encryption key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets.NewVault: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets.NewVault: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad. The output format is
// nonce || ciphertext.
func (v *Vault) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets.Seal: generate nonce: %w", err)
	}

	// Seal appends the encrypted data to nonce, producing nonce || ciphertext.
	return v.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts the output of Seal. It fails unless aad matches the value
// used when sealing.
func (v *Vault) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize+v.aead.Overhead() {
		return nil, fmt.Errorf("secrets.Open: %w: ciphertext too short", ErrDecrypt)
	}

	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("secrets.Open: %w: %w", ErrDecrypt, err)
	}

	return plaintext, nil
}

// FieldAAD binds a sealed field to the session and field it belongs to, so
// ciphertexts cannot be swapped between rows or columns.
func FieldAAD(sessionID, field string) []byte {
	return []byte(sessionID + "/" + field)
}

// NewDataKey returns a fresh random 32-byte key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secrets.NewDataKey: %w", err)
	}
	return key, nil
}
