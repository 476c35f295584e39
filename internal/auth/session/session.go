// Package session manages durable browser sessions: ceremony state stashed
// between a start and finish call, the authenticated user marker, and the
// rolling expiry policy that keeps active sessions alive without rewriting
// the store on every request.
package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/louisbranch/passkeys.space/internal/auth/storage"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
)

// Payload keys inside a session record.
const (
	keyCeremony          = "ceremony"
	keyAuthenticatedUser = "authenticated_user"
	keyLastActivity      = "last_activity"
)

var (
	// ErrNoSession indicates the caller has no live session.
	ErrNoSession = apperrors.New(apperrors.CodeUnauthenticated, "no active session")
	// ErrCeremonyExpired indicates the pending ceremony state is missing,
	// stale, or of the wrong kind.
	ErrCeremonyExpired = apperrors.New(apperrors.CodeCeremonyExpired, "ceremony state missing or expired")
)

// CeremonyKind discriminates the two ceremony flows.
type CeremonyKind string

const (
	CeremonyKindRegistration   CeremonyKind = "registration"
	CeremonyKindAuthentication CeremonyKind = "authentication"
)

// Ceremony is the pending state written by a start call and consumed exactly
// once by the matching finish call. The verifier state is opaque here.
type Ceremony struct {
	Kind      CeremonyKind    `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	WebAuthn  json.RawMessage `json:"webauthn"`
	// Candidate identity for registration ceremonies of new users. The user
	// row is only created after the finish call verifies the attestation.
	CandidateUserID   string `json:"candidate_user_id,omitempty"`
	CandidateUsername string `json:"candidate_username,omitempty"`
}

// Manager applies the session policy on top of a SessionStore.
type Manager struct {
	sessions storage.SessionStore
	config   Config
	clock    func() time.Time
}

// NewManager wires a manager over the given store.
func NewManager(sessions storage.SessionStore, config Config) *Manager {
	return &Manager{sessions: sessions, config: config, clock: time.Now}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

// Ceiling returns the configured maximum session lifetime.
func (m *Manager) Ceiling() time.Duration {
	return m.config.Ceiling
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

// StartCeremony stashes pending ceremony state. When sessionID names a live
// session the state is patched into it, otherwise a fresh session is created.
// Returns the session id that now carries the ceremony.
func (m *Manager) StartCeremony(ctx context.Context, sessionID string, c Ceremony) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorage, "encode ceremony state", err)
	}

	if sessionID != "" {
		record, err := m.sessions.LoadSession(ctx, sessionID)
		switch {
		case err == nil:
			if record.Payload == nil {
				record.Payload = map[string]json.RawMessage{}
			}
			record.Payload[keyCeremony] = raw
			if err := m.sessions.SaveSession(ctx, record); err != nil {
				return "", err
			}
			return sessionID, nil
		case apperrors.CodeOf(err) == apperrors.CodeNotFound:
			// Stale cookie; fall through and mint a new session.
		default:
			return "", err
		}
	}

	payload := map[string]json.RawMessage{
		keyCeremony:     raw,
		keyLastActivity: encodeMillis(m.now()),
	}
	return m.sessions.CreateSession(ctx, payload, m.config.Ceiling)
}

// ConsumeCeremony atomically removes the pending ceremony state. Exactly one
// of several racing finish calls observes the state; the rest get
// ErrCeremonyExpired. A kind mismatch or state older than maxAge also counts
// as expired. maxAge <= 0 disables the age check.
func (m *Manager) ConsumeCeremony(ctx context.Context, sessionID string, kind CeremonyKind, maxAge time.Duration) (Ceremony, error) {
	if sessionID == "" {
		return Ceremony{}, ErrCeremonyExpired
	}
	raw, found, err := m.sessions.ConsumeSessionValue(ctx, sessionID, keyCeremony)
	if err != nil {
		return Ceremony{}, err
	}
	if !found {
		return Ceremony{}, ErrCeremonyExpired
	}
	var c Ceremony
	if err := json.Unmarshal(raw, &c); err != nil {
		return Ceremony{}, ErrCeremonyExpired
	}
	if c.Kind != kind {
		return Ceremony{}, ErrCeremonyExpired
	}
	if maxAge > 0 && m.now().Sub(c.CreatedAt) > maxAge {
		return Ceremony{}, ErrCeremonyExpired
	}
	return c, nil
}

// MarkAuthenticated records the signed-in user id on the session and restarts
// its lifetime from now. Returns the new expiry for the client cookie.
func (m *Manager) MarkAuthenticated(ctx context.Context, sessionID string, userID string) (time.Time, error) {
	record, err := m.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return time.Time{}, ErrNoSession
		}
		return time.Time{}, err
	}

	encoded, err := json.Marshal(userID)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.CodeStorage, "encode user id", err)
	}

	now := m.now()
	if record.Payload == nil {
		record.Payload = map[string]json.RawMessage{}
	}
	record.Payload[keyAuthenticatedUser] = encoded
	record.Payload[keyLastActivity] = encodeMillis(now)
	record.Expiry = now.Add(m.config.Ceiling)
	if err := m.sessions.SaveSession(ctx, record); err != nil {
		return time.Time{}, err
	}
	return record.Expiry, nil
}

// AuthenticatedUser returns the signed-in user id and the session expiry.
// Returns ErrNoSession when the session is missing, expired, or anonymous.
func (m *Manager) AuthenticatedUser(ctx context.Context, sessionID string) (string, time.Time, error) {
	if sessionID == "" {
		return "", time.Time{}, ErrNoSession
	}
	record, err := m.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return "", time.Time{}, ErrNoSession
		}
		return "", time.Time{}, err
	}
	raw, ok := record.Payload[keyAuthenticatedUser]
	if !ok {
		return "", time.Time{}, ErrNoSession
	}
	var userID string
	if err := json.Unmarshal(raw, &userID); err != nil || userID == "" {
		return "", time.Time{}, ErrNoSession
	}
	return userID, record.Expiry, nil
}

// Roll extends the session expiry to now+Ceiling, but only when the last
// roll happened at least MinRollInterval ago. Returns the effective expiry
// and whether a write happened.
func (m *Manager) Roll(ctx context.Context, sessionID string) (time.Time, bool, error) {
	record, err := m.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return time.Time{}, false, ErrNoSession
		}
		return time.Time{}, false, err
	}

	now := m.now()
	if last, ok := decodeMillis(record.Payload[keyLastActivity]); ok {
		if now.Sub(last) < m.config.MinRollInterval {
			return record.Expiry, false, nil
		}
	}

	if record.Payload == nil {
		record.Payload = map[string]json.RawMessage{}
	}
	record.Payload[keyLastActivity] = encodeMillis(now)
	record.Expiry = now.Add(m.config.Ceiling)
	if err := m.sessions.SaveSession(ctx, record); err != nil {
		return time.Time{}, false, err
	}
	return record.Expiry, true, nil
}

// Destroy removes the session. Destroying a missing session is a no-op.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return m.sessions.DeleteSession(ctx, sessionID)
}

// Purge deletes expired rows and reports how many were removed.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	return m.sessions.PurgeExpiredSessions(ctx, m.now())
}

func encodeMillis(at time.Time) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(at.UTC().UnixMilli(), 10))
}

func decodeMillis(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
