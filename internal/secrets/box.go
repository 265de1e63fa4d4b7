// Package secrets seals sensitive column values (MCP server env, BYOK API
// keys) before they are written to PostgreSQL.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks a value written by Seal. Values without it are treated
// as plaintext written before a key was configured.
const sealedPrefix = "sealed:v1:"

// ErrNoKey is returned by Open when a sealed value is read without a key.
var ErrNoKey = errors.New("secrets: value is sealed but no key is configured")

// Box seals and opens strings with XChaCha20-Poly1305. The zero-key Box
// passes values through unchanged.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a base64-encoded 32-byte key. An empty key yields
// a pass-through Box.
func NewBox(encodedKey string) (*Box, error) {
	if encodedKey == "" {
		return &Box{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Enabled reports whether the box actually encrypts.
func (b *Box) Enabled() bool {
	return b != nil && b.aead != nil
}

// Seal encrypts plaintext. Empty strings and pass-through boxes return the
// input unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if !b.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !b.Enabled() {
		return "", ErrNoKey
	}
	data, err := base64.RawURLEncoding.DecodeString(value[len(sealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(data) < ns+b.aead.Overhead() {
		return "", fmt.Errorf("secrets: sealed value too short")
	}
	plain, err := b.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plain), nil
}

// SealMap seals every value of m into a new map.
func (b *Box) SealMap(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := b.Seal(v)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

// OpenMap opens every value of m into a new map.
func (b *Box) OpenMap(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := b.Open(v)
		if err != nil {
			return nil, fmt.Errorf("secrets: env %s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

// GenerateKey returns a fresh base64-encoded key suitable for NewBox.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("secrets: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
