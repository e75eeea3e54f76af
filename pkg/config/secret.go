package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSecretKey returns a fresh 64-hex-character secret.
func GenerateSecretKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
