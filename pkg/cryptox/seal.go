package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks a value produced by Sealer.Seal so that stores can tell
// sealed values from plaintext written before a master key was configured.
const sealedPrefix = "sealed:v1:"

var hkdfInfo = []byte("bankdash token store v1")

// ErrNotSealed is returned by Open when the input lacks the sealed prefix.
var ErrNotSealed = errors.New("cryptox: value is not sealed")

// Sealer encrypts small values (bearer tokens) before they are written to a
// durable store. The output format is
// "sealed:v1:" + base64url([24-byte nonce][ciphertext][16-byte tag]).
type Sealer struct {
	key []byte
}

// NewSealer derives a 32-byte XChaCha20-Poly1305 key from arbitrary key
// material using HKDF-SHA256.
func NewSealer(material []byte) (*Sealer, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("cryptox: empty key material")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// LoadSealer reads key material from path. An empty path means no sealing
// and returns a nil Sealer, which seals and opens as the identity.
func LoadSealer(path string) (*Sealer, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}
	return NewSealer([]byte(strings.TrimSpace(string(data))))
}

// Seal encrypts plaintext. A nil Sealer returns plaintext unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil {
		return plaintext, nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. A nil Sealer returns the value unchanged. A non-nil
// Sealer given an unsealed value returns ErrNotSealed.
func (s *Sealer) Open(value string) (string, error) {
	if s == nil {
		return value, nil
	}

	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return "", ErrNotSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}
