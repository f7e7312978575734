package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the amount of randomness behind every signing token.
const tokenBytes = 16

// NewToken returns an unguessable URL-safe token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
