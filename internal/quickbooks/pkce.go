package quickbooks

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE (Proof Key for Code Exchange) - RFC 7636
// Prevents authorization code interception attacks

// PKCEChallenge contains the code verifier and challenge for PKCE
type PKCEChallenge struct {
	Verifier  string // Random string (43-128 characters)
	Challenge string // Base64URL(SHA256(verifier))
	Method    string // Always "S256" for Intuit OAuth
}

// GeneratePKCEChallenge generates a new PKCE code verifier and challenge
// using the S256 method (SHA-256 hash).
func GeneratePKCEChallenge() (*PKCEChallenge, error) {
	// 32 random bytes -> 43 chars when base64url encoded
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: challenge,
		Method:    "S256",
	}, nil
}

// GenerateState generates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}
