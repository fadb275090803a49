package secrets

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EncryptionContext is the non-secret context a KMS binds ciphertexts to.
// Decrypting requires the exact same context.
type EncryptionContext map[string]string

// SessionContext is the context session data keys are bound to.
func SessionContext(accountID, sessionID string) EncryptionContext {
	return EncryptionContext{"accountId": accountID, "sessionId": sessionID}
}

// AccountContext is the context account-level secrets are bound to.
func AccountContext(accountID string) EncryptionContext {
	return EncryptionContext{"accountId": accountID}
}

func (c EncryptionContext) canonical() []byte {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(c)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(c[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// DataKey is a freshly generated key in plaintext and wrapped form. Only
// Ciphertext may be persisted.
type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
	Algorithm  string
}

// KMS issues and unwraps data keys.
type KMS interface {
	GenerateDataKey(ctx context.Context, encCtx EncryptionContext) (*DataKey, error)
	Encrypt(ctx context.Context, plaintext []byte, encCtx EncryptionContext) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, encCtx EncryptionContext) ([]byte, error)
}

// LocalKMS is a KMS backed by a single master key held in process. Each
// encryption context gets its own key-encryption key derived with HKDF, and
// the context is also authenticated as GCM additional data.
type LocalKMS struct {
	master []byte
	keyID  string
}

var _ KMS = (*LocalKMS)(nil)

// NewLocalKMS creates a LocalKMS from a 32-byte master key.
func NewLocalKMS(master []byte, keyID string) (*LocalKMS, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKey
	}
	return &LocalKMS{master: slices.Clone(master), keyID: keyID}, nil
}

// KeyID identifies the master key.
func (k *LocalKMS) KeyID() string { return k.keyID }

func (k *LocalKMS) vault(encCtx EncryptionContext) (*Vault, error) {
	info := append([]byte("salient-kms/"+k.keyID+"/"), encCtx.canonical()...)
	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.master, nil, info), kek); err != nil {
		return nil, fmt.Errorf("secrets.LocalKMS: derive key: %w", err)
	}
	return NewVault(kek)
}

func (k *LocalKMS) GenerateDataKey(ctx context.Context, encCtx EncryptionContext) (*DataKey, error) {
	plain, err := NewDataKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := k.Encrypt(ctx, plain, encCtx)
	if err != nil {
		return nil, fmt.Errorf("secrets.LocalKMS.GenerateDataKey: %w", err)
	}
	return &DataKey{
		Plaintext:  plain,
		Ciphertext: wrapped,
		KeyID:      k.keyID,
		Algorithm:  Algorithm,
	}, nil
}

func (k *LocalKMS) Encrypt(_ context.Context, plaintext []byte, encCtx EncryptionContext) ([]byte, error) {
	v, err := k.vault(encCtx)
	if err != nil {
		return nil, err
	}
	return v.Seal(plaintext, encCtx.canonical())
}

func (k *LocalKMS) Decrypt(_ context.Context, ciphertext []byte, encCtx EncryptionContext) ([]byte, error) {
	v, err := k.vault(encCtx)
	if err != nil {
		return nil, err
	}
	plain, err := v.Open(ciphertext, encCtx.canonical())
	if err != nil {
		return nil, fmt.Errorf("secrets.LocalKMS.Decrypt: %w", err)
	}
	return plain, nil
}
