// Package id generates opaque identifiers for users and sessions.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a 26-character lowercase base32 identifier backed by 128
// random bits (a UUIDv4). The encoding keeps ids URL- and cookie-safe.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(value[:])
	return strings.ToLower(encoded), nil
}
