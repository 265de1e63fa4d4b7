package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Credential is an API key a user exchanges for a session token.
// Multiple keys can exist per user, enabling rotation.
type Credential struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"userId"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"` // Never serialized.
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// CredentialWithRawKey is returned only on creation, the only time the raw
// key is available. After this, only the prefix is visible.
type CredentialWithRawKey struct {
	Credential
	RawKey string `json:"rawKey"`
}

// CreateCredentialRequest is the request body for POST /api/auth/keys.
type CreateCredentialRequest struct {
	Label string `json:"label"`
}

// AuthTokenRequest is the request body for POST /api/auth/token.
type AuthTokenRequest struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// AuthTokenResponse is the response for POST /api/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

const (
	// keyPrefixLen is the number of random bytes used for the key prefix (8 hex chars).
	keyPrefixLen = 4
	// keySecretLen is the number of random bytes for the secret portion (32 hex chars).
	keySecretLen = 16
	// keyFormatPrefix is the static prefix for all voxdesk API keys.
	keyFormatPrefix = "vd_"
)

// GenerateRawKey produces a new raw API key in the format: vd_<8-char-prefix>_<32-char-secret>.
// Returns the full raw key and the prefix separately.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	rawKey = keyFormatPrefix + prefix + "_" + hex.EncodeToString(secretBytes)
	return rawKey, prefix, nil
}

// ParseRawKey extracts the prefix from a raw key string.
// Keys that do not follow the vd_ format (for example a bootstrap key set by
// an operator) have no prefix and are matched by hash alone.
func ParseRawKey(rawKey string) (prefix string, ok bool) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", false
	}
	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", false
	}
	return rest[:underIdx], true
}

// ValidateUserID checks that a user ID is 1-255 printable ASCII characters
// without whitespace. Identity-provider ids such as "user_2abc" fit.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("userId is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("userId must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' {
			return fmt.Errorf("userId contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateKeyLabel checks that a key label is reasonable.
func ValidateKeyLabel(label string) error {
	if len(label) > 255 {
		return fmt.Errorf("label must be at most 255 characters")
	}
	return nil
}
