package quickbooks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenSealer encrypts OAuth tokens before they reach the database and
// decrypts them on the way out. Tokens grant direct access to the user's
// accounting data, so they are never stored in the clear.
//
// Sealed format: base64url(nonce || ciphertext || tag)
// - nonce: 12 bytes (GCM standard nonce size)
// - tag: 16 bytes (GCM authentication tag)
type TokenSealer struct {
	secret []byte
}

// NewTokenSealer creates a sealer from a base64-encoded 32-byte secret.
func NewTokenSealer(encodedSecret string) (*TokenSealer, error) {
	if encodedSecret == "" {
		return nil, fmt.Errorf("seal secret is required")
	}
	secret, err := base64.StdEncoding.DecodeString(encodedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode seal secret: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("seal secret must be 32 bytes, got %d", len(secret))
	}
	return &TokenSealer{secret: secret}, nil
}

// Seal encrypts a token using AES-256-GCM.
func (s *TokenSealer) Seal(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token is required")
	}

	block, err := aes.NewCipher(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM.Seal appends the ciphertext and tag to the nonce
	ciphertext := gcm.Seal(nonce, nonce, []byte(token), nil)

	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed token.
func (s *TokenSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", fmt.Errorf("sealed token is required")
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("invalid token encoding: %w", err)
	}

	block, err := aes.NewCipher(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("invalid token: too short")
	}

	nonce := ciphertext[:nonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	return string(plaintext), nil
}
