// Package idgen generates identifiers for disputes, evidence and settlements.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-free random UUID,
// e.g. "dsp_9f1c4e0a2b7d4c1e8a3b5d6f7e8a9b0c".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is prefix followed by 32 lowercase hex chars.
func Valid(prefix, id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	if len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && strings.ToLower(rest) == rest
}
