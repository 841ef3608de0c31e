package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a suffix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New() // Generate a new UUID.
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr) // Append the module as a suffix to the UUID.
	return idWithSuffix
}

// HashFields generates a SHA-256 hash over the concatenation of the given fields.
// Used for content-addressed identities such as receipt hashes.
func HashFields(fields ...string) string {
	data := ""
	for _, f := range fields {
		data += f
	}
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
