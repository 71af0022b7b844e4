package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Generate produces a fresh value for the given secret type. Used by Rotate
// when the operator supplies no replacement.
func Generate(secretType string) (string, error) {
	switch secretType {
	case "api_key":
		b, err := randomBytes(24)
		if err != nil {
			return "", err
		}
		return "sk_" + hex.EncodeToString(b), nil
	case "password":
		return randomPassword(24)
	case "token":
		b, err := randomBytes(32)
		if err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(b), nil
	case "uuid":
		return uuid.New().String(), nil
	case "hex", "generic", "":
		b, err := randomBytes(32)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(b), nil
	default:
		return "", fmt.Errorf("secrets: cannot generate value for type %q", secretType)
	}
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*-_"

func randomPassword(length int) (string, error) {
	b, err := randomBytes(length)
	if err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, v := range b {
		out[i] = passwordAlphabet[int(v)%len(passwordAlphabet)]
	}
	return string(out), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("secrets: random: %w", err)
	}
	return b, nil
}
