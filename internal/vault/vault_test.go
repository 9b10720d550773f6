package vault

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestNewRejectsBadKeySize(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
	}{
		{"empty", nil},
		{"short", make([]byte, 16)},
		{"long", make([]byte, 48)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.key); err == nil {
				t.Fatalf("New(%d bytes) succeeded, want error", len(tt.key))
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := New(testKey(0x41))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []string{
		"sk-ant-api03-secret",
		"",
		"unicode ключ 密钥",
		strings.Repeat("x", 4096),
	}
	for _, plaintext := range tests {
		ciphertext, nonce, err := v.Seal([]byte(plaintext))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
		}
		got, err := v.Open(ciphertext, nonce)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if string(got) != plaintext {
			t.Fatalf("round trip mismatch: got %q", got)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	v, _ := New(testKey(0x41))
	_, n1, err := v.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	_, n2, err := v.Seal([]byte("same"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(n1, n2) {
		t.Fatal("two Seal calls produced the same nonce")
	}
}

func TestOpenFailsClosed(t *testing.T) {
	v, _ := New(testKey(0x41))
	ciphertext, nonce, err := v.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	t.Run("wrong key", func(t *testing.T) {
		other, _ := New(testKey(0x42))
		if _, err := other.Open(ciphertext, nonce); err == nil {
			t.Fatal("Open with wrong key succeeded")
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[0] ^= 0xff
		got, err := v.Open(tampered, nonce)
		if err == nil {
			t.Fatalf("Open of tampered ciphertext succeeded: %q", got)
		}
		if !IsCredentialError(err) {
			t.Fatalf("error %v is not a CredentialError", err)
		}
	})

	t.Run("truncated nonce", func(t *testing.T) {
		if _, err := v.Open(ciphertext, nonce[:8]); err == nil {
			t.Fatal("Open with truncated nonce succeeded")
		}
	})
}

func TestCredentialRoundTrip(t *testing.T) {
	v, _ := New(testKey(0x41))
	cred, err := v.SealCredential("org-1", "anthropic", "sk-ant-test")
	if err != nil {
		t.Fatalf("SealCredential: %v", err)
	}
	if cred.OrgID != "org-1" || cred.Provider != "anthropic" {
		t.Fatalf("credential scoping lost: %+v", cred)
	}
	key, err := v.OpenCredential(cred)
	if err != nil {
		t.Fatalf("OpenCredential: %v", err)
	}
	if key != "sk-ant-test" {
		t.Fatalf("OpenCredential = %q, want sk-ant-test", key)
	}
}

func TestOpenCredentialNil(t *testing.T) {
	v, _ := New(testKey(0x41))
	_, err := v.OpenCredential(nil)
	if err == nil {
		t.Fatal("OpenCredential(nil) succeeded")
	}
	var ce *CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a CredentialError", err)
	}
}
