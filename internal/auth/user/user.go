// Package user provides the authenticated identity domain type.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/platform/id"
)

var (
	// ErrEmptyUsername indicates a missing username.
	ErrEmptyUsername = apperrors.New(apperrors.CodeValidation, "username is required")
	// ErrInvalidUsername indicates a username that does not match the required format.
	ErrInvalidUsername = apperrors.New(apperrors.CodeValidation, "username must be 3-24 lowercase alphanumeric, dot, dash, or underscore characters")

	usernamePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,24}$`)
)

// User represents an authenticated identity record. The id and username are
// immutable once created; a user's authenticators may grow over time.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateUsername enforces canonical username constraints. The username is
// the discovery key for registration, so the rules here gate new accounts.
func ValidateUsername(s string) error {
	if !usernamePattern.MatchString(s) {
		return ErrInvalidUsername
	}
	return nil
}

// NormalizeUsername trims and lowercases a raw username before validation.
func NormalizeUsername(s string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return "", ErrEmptyUsername
	}
	if err := ValidateUsername(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// New creates a user identity from a validated username.
func New(username string, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeUsername(username)
	if err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	return User{
		ID:        userID,
		Username:  normalized,
		CreatedAt: now().UTC(),
	}, nil
}
