package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/passkeys.space/internal/auth/storage"
	"github.com/louisbranch/passkeys.space/internal/platform/id"
)

const insertSessionQuery = `
INSERT INTO sessions (id, payload, expiry)
VALUES (?, ?, ?);
`

const getSessionQuery = `
SELECT payload, expiry
FROM sessions
WHERE id = ? AND expiry > ?;
`

const upsertSessionQuery = `
INSERT INTO sessions (id, payload, expiry)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    payload = excluded.payload,
    expiry = excluded.expiry;
`

const updateSessionPayloadQuery = `
UPDATE sessions
SET payload = ?
WHERE id = ?;
`

const deleteSessionQuery = `
DELETE FROM sessions
WHERE id = ?;
`

const purgeExpiredSessionsQuery = `
DELETE FROM sessions
WHERE expiry <= ?;
`

// CreateSession allocates an unguessable session id and inserts the row.
func (s *Store) CreateSession(ctx context.Context, payload map[string]json.RawMessage, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", errNotConfigured
	}
	if ttl <= 0 {
		return "", fmt.Errorf("session ttl must be positive")
	}

	sessionID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	expiry := toMillis(s.now().Add(ttl))
	err = s.withBusyRetry(ctx, func() error {
		_, execErr := s.sqlDB.ExecContext(ctx, insertSessionQuery, sessionID, encoded, expiry)
		return execErr
	})
	if err != nil {
		return "", storageErr("insert session", err)
	}
	return sessionID, nil
}

// LoadSession fetches a live session row. Rows past expiry are reported as
// missing even before the purge loop reclaims them.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionRecord{}, errNotConfigured
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.SessionRecord{}, fmt.Errorf("session id is required")
	}

	var encoded string
	var expiry int64
	row := s.sqlDB.QueryRowContext(ctx, getSessionQuery, sessionID, toMillis(s.now()))
	if err := row.Scan(&encoded, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, storageErr("get session", err)
	}

	payload, err := decodePayload(encoded)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	return storage.SessionRecord{
		ID:      sessionID,
		Payload: payload,
		Expiry:  fromMillis(expiry),
	}, nil
}

// SaveSession atomically replaces payload and expiry as one upsert.
func (s *Store) SaveSession(ctx context.Context, record storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	encoded, err := encodePayload(record.Payload)
	if err != nil {
		return err
	}
	err = s.withBusyRetry(ctx, func() error {
		_, execErr := s.sqlDB.ExecContext(ctx, upsertSessionQuery, record.ID, encoded, toMillis(record.Expiry))
		return execErr
	})
	if err != nil {
		return storageErr("save session", err)
	}
	return nil
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	err := s.withBusyRetry(ctx, func() error {
		_, execErr := s.sqlDB.ExecContext(ctx, deleteSessionQuery, sessionID)
		return execErr
	})
	if err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// ConsumeSessionValue removes one payload key and returns its prior value.
//
// The read and the rewrite run inside a single immediate transaction, so two
// callers racing to consume the same key serialize at the engine: exactly one
// observes the value, the other finds it already gone.
func (s *Store) ConsumeSessionValue(ctx context.Context, sessionID string, key string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, false, errNotConfigured
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, false, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(key) == "" {
		return nil, false, fmt.Errorf("payload key is required")
	}

	var value json.RawMessage
	var found bool
	err := s.withBusyRetry(ctx, func() error {
		value, found = nil, false

		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin consume transaction", err)
		}
		defer func() { _ = tx.Rollback() }()

		var encoded string
		var expiry int64
		row := tx.QueryRowContext(ctx, getSessionQuery, sessionID, toMillis(s.now()))
		if err := row.Scan(&encoded, &expiry); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return storageErr("get session", err)
		}

		payload, err := decodePayload(encoded)
		if err != nil {
			return err
		}
		prior, ok := payload[key]
		if !ok {
			return nil
		}
		delete(payload, key)

		rewritten, err := encodePayload(payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, updateSessionPayloadQuery, rewritten, sessionID); err != nil {
			return storageErr("rewrite session payload", err)
		}
		if err := tx.Commit(); err != nil {
			return storageErr("commit consume transaction", err)
		}

		value, found = prior, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// PurgeExpiredSessions deletes all rows whose expiry has passed.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, errNotConfigured
	}

	var purged int64
	err := s.withBusyRetry(ctx, func() error {
		result, execErr := s.sqlDB.ExecContext(ctx, purgeExpiredSessionsQuery, toMillis(now))
		if execErr != nil {
			return execErr
		}
		purged, execErr = result.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, storageErr("purge expired sessions", err)
	}
	return purged, nil
}

func encodePayload(payload map[string]json.RawMessage) (string, error) {
	if payload == nil {
		payload = map[string]json.RawMessage{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", storageErr("encode session payload", err)
	}
	return string(encoded), nil
}

func decodePayload(encoded string) (map[string]json.RawMessage, error) {
	payload := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(encoded), &payload); err != nil {
		return nil, storageErr("decode session payload", err)
	}
	return payload, nil
}
