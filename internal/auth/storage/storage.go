// Package storage defines the persistence contracts for the auth server.
package storage

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/auth/user"
)

var (
	// ErrNotFound indicates a requested record is missing or expired.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrConflict indicates a unique constraint rejected a write.
	ErrConflict = apperrors.New(apperrors.CodeConflict, "record already exists")
	// ErrReplayDetected indicates a signature counter did not advance.
	ErrReplayDetected = apperrors.New(apperrors.CodeReplayDetected, "signature counter regression")
)

// Authenticator stores one registered credential for a user. The credential
// blob is opaque to the store; only the verifier interprets its structure.
// The sign count is duplicated into its own column so replay checks can be
// enforced with a conditional update.
type Authenticator struct {
	CredentialID   string
	UserID         string
	CredentialJSON string
	SignCount      uint32
	UserAgentShort string
	CreatedAt      time.Time
}

// CredentialStore persists users and their registered authenticators.
type CredentialStore interface {
	// CreateUser inserts a new user row. Returns ErrConflict when the
	// username is already taken.
	CreateUser(ctx context.Context, u user.User) error
	// CreateUserWithAuthenticator inserts a user row and its first
	// credential atomically. Returns ErrConflict when the username or the
	// credential id is taken; neither row survives a failed insert.
	CreateUserWithAuthenticator(ctx context.Context, u user.User, a Authenticator) error
	// AddAuthenticator inserts a credential row. Returns ErrConflict when
	// the credential id exists anywhere in the store.
	AddAuthenticator(ctx context.Context, a Authenticator) error
	// FindUserByUsername returns ErrNotFound when no user has the username.
	FindUserByUsername(ctx context.Context, username string) (user.User, error)
	// FindUserByID returns ErrNotFound when the id is unknown.
	FindUserByID(ctx context.Context, userID string) (user.User, error)
	// FindAuthenticatorByCredentialID resolves a credential asserted by a
	// client with no username, the discoverable path.
	FindAuthenticatorByCredentialID(ctx context.Context, credentialID string) (Authenticator, error)
	// ListAuthenticatorsForUser returns the user's credentials in creation order.
	ListAuthenticatorsForUser(ctx context.Context, userID string) ([]Authenticator, error)
	// BumpSignatureCounter persists newCount and updates the credential
	// blob. Returns ErrReplayDetected unless newCount is strictly greater
	// than the stored counter, except when both are zero (authenticators
	// that do not implement counters always report zero).
	BumpSignatureCounter(ctx context.Context, credentialID string, newCount uint32, credentialJSON string) error
}

// SessionRecord is one durable session row.
type SessionRecord struct {
	ID      string
	Payload map[string]json.RawMessage
	Expiry  time.Time
}

// SessionStore persists opaque session payloads keyed by session id.
//
// Writes to the same id are serialized by the underlying engine; SaveSession
// replaces payload and expiry as one operation, so callers must read, patch,
// and save a full payload per logical step.
type SessionStore interface {
	// CreateSession allocates an unguessable id and inserts the row.
	CreateSession(ctx context.Context, payload map[string]json.RawMessage, ttl time.Duration) (string, error)
	// LoadSession returns ErrNotFound for missing ids and for rows whose
	// expiry has passed, purged or not.
	LoadSession(ctx context.Context, sessionID string) (SessionRecord, error)
	// SaveSession atomically upserts payload and expiry.
	SaveSession(ctx context.Context, record SessionRecord) error
	// DeleteSession removes the row. Deleting a missing row is not an error.
	DeleteSession(ctx context.Context, sessionID string) error
	// ConsumeSessionValue atomically removes one payload key and returns its
	// prior value. The second return is false when the key was absent, the
	// session is missing, or the session is expired.
	ConsumeSessionValue(ctx context.Context, sessionID string, key string) (json.RawMessage, bool, error)
	// PurgeExpiredSessions deletes all rows past expiry.
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}
