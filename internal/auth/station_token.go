package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const stationTokenPrefix = "osc_"

// GenerateStationToken returns a new token and its storage hash.
// Format: osc_<uuid>_<64 hex chars>
func GenerateStationToken() (id uuid.UUID, token, hash string, err error) {
	id = uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return uuid.Nil, "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	token = fmt.Sprintf("%s%s_%s", stationTokenPrefix, id.String(), secret)
	return id, token, HashToken(token), nil
}

// HashToken hashes an opaque token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// IsStationToken checks the shape only; the hash lookup decides validity.
func IsStationToken(token string) bool {
	rest, ok := strings.CutPrefix(token, stationTokenPrefix)
	if !ok || len(rest) != 36+1+64 {
		return false
	}
	if _, err := uuid.Parse(rest[:36]); err != nil {
		return false
	}
	if rest[36] != '_' {
		return false
	}
	_, err := hex.DecodeString(rest[37:])
	return err == nil
}
