// Package vault seals and opens per-organization provider API keys with
// AES-256-GCM. Decryption fails closed: a tampered ciphertext or wrong key
// returns an error, never partial plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/strandcrm/strand/pkg/models"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// NonceSize is the GCM nonce length in bytes.
const NonceSize = 12

// CredentialError indicates a missing, invalid, or undecryptable provider
// credential. The turn engine surfaces it to the caller before any model
// call is attempted.
type CredentialError struct {
	Op    string
	Cause error
}

func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("credential %s: %v", e.Op, e.Cause)
	}
	return "credential " + e.Op
}

func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// IsCredentialError reports whether err is a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// Vault performs authenticated encryption of credential material with a
// master key supplied by the hosting environment.
type Vault struct {
	key []byte
}

// New creates a vault with the given 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, &CredentialError{Op: "key", Cause: fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))}
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// Seal encrypts plaintext, returning the ciphertext (with the GCM tag
// appended) and the random nonce used.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, &CredentialError{Op: "seal", Cause: err}
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext produced by Seal. Authentication failure returns
// an error and no data.
func (v *Vault) Open(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, &CredentialError{Op: "open", Cause: fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &CredentialError{Op: "open", Cause: err}
	}
	return plaintext, nil
}

// SealCredential encrypts an API key into a credential record for the given
// organization and provider.
func (v *Vault) SealCredential(orgID, provider, apiKey string) (*models.Credential, error) {
	ciphertext, nonce, err := v.Seal([]byte(apiKey))
	if err != nil {
		return nil, err
	}
	return &models.Credential{
		OrgID:      orgID,
		Provider:   provider,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}, nil
}

// OpenCredential decrypts a stored credential back to the plaintext API key.
// Callers must not retain the returned key beyond the scope of one call.
func (v *Vault) OpenCredential(cred *models.Credential) (string, error) {
	if cred == nil {
		return "", &CredentialError{Op: "open", Cause: errors.New("credential is nil")}
	}
	plaintext, err := v.Open(cred.Ciphertext, cred.Nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, &CredentialError{Op: "cipher", Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CredentialError{Op: "cipher", Cause: err}
	}
	return gcm, nil
}
