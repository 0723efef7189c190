// Package apikey generates the opaque key values handed to gateway
// consumers. Keys are stored as-is: the gateway matches the presented value
// against the stored one, so the value must stay recoverable.
package apikey

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

const (
	// KeyLength is the length of the random part of the key in bytes
	KeyLength = 32

	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Generator produces API key values.
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator generates URL-safe random key values from crypto/rand.
type RandomGenerator struct{}

// NewRandomGenerator creates a RandomGenerator.
func NewRandomGenerator() *RandomGenerator {
	return &RandomGenerator{}
}

// Generate returns a new random key value.
func (g *RandomGenerator) Generate() (string, error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	key := make([]byte, KeyLength)
	for i, b := range randomBytes {
		key[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(key), nil
}

// UUIDGenerator generates key values as UUIDs, for deployments that want
// keys in a recognizable format.
type UUIDGenerator struct{}

// NewUUIDGenerator creates a UUIDGenerator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// Generate returns a new UUID key value.
func (g *UUIDGenerator) Generate() (string, error) {
	return uuid.New().String(), nil
}
