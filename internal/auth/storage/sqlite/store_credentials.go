package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/passkeys.space/internal/auth/storage"
	"github.com/louisbranch/passkeys.space/internal/auth/user"
)

const insertUserQuery = `
INSERT INTO users (id, username, created_at)
VALUES (?, ?, ?);
`

const getUserByUsernameQuery = `
SELECT id, username, created_at
FROM users
WHERE username = ?;
`

const getUserByIDQuery = `
SELECT id, username, created_at
FROM users
WHERE id = ?;
`

const insertAuthenticatorQuery = `
INSERT INTO authenticators (credential_id, user_id, credential_json, sign_count, user_agent_short, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`

const getAuthenticatorQuery = `
SELECT credential_id, user_id, credential_json, sign_count, user_agent_short, created_at
FROM authenticators
WHERE credential_id = ?;
`

const listAuthenticatorsQuery = `
SELECT credential_id, user_id, credential_json, sign_count, user_agent_short, created_at
FROM authenticators
WHERE user_id = ?
ORDER BY created_at, credential_id;
`

const bumpSignCountQuery = `
UPDATE authenticators
SET sign_count = ?1, credential_json = ?2
WHERE credential_id = ?3 AND (sign_count < ?1 OR (sign_count = 0 AND ?1 = 0));
`

// CreateUser inserts a user row, failing with ErrConflict on a taken username.
func (s *Store) CreateUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}

	return s.withBusyRetry(ctx, func() error {
		_, err := s.sqlDB.ExecContext(ctx, insertUserQuery, u.ID, u.Username, toMillis(u.CreatedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return storageErr("insert user", err)
		}
		return nil
	})
}

// CreateUserWithAuthenticator inserts a user row and its first credential as
// one transaction. When either insert is rejected neither row survives, so a
// failed first registration never leaves an orphan user behind.
func (s *Store) CreateUserWithAuthenticator(ctx context.Context, u user.User, a storage.Authenticator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if strings.TrimSpace(a.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(a.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	return s.withBusyRetry(ctx, func() error {
		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin user transaction", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, insertUserQuery, u.ID, u.Username, toMillis(u.CreatedAt)); err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return storageErr("insert user", err)
		}
		if _, err := tx.ExecContext(ctx, insertAuthenticatorQuery,
			a.CredentialID, a.UserID, a.CredentialJSON, int64(a.SignCount), a.UserAgentShort, toMillis(a.CreatedAt)); err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return storageErr("insert authenticator", err)
		}
		if err := tx.Commit(); err != nil {
			return storageErr("commit user transaction", err)
		}
		return nil
	})
}

// FindUserByUsername looks a user up by its unique username.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, errNotConfigured
	}
	if strings.TrimSpace(username) == "" {
		return user.User{}, fmt.Errorf("username is required")
	}
	return s.scanUser(s.sqlDB.QueryRowContext(ctx, getUserByUsernameQuery, username))
}

// FindUserByID looks a user up by primary key.
func (s *Store) FindUserByID(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, errNotConfigured
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}
	return s.scanUser(s.sqlDB.QueryRowContext(ctx, getUserByIDQuery, userID))
}

func (s *Store) scanUser(row *sql.Row) (user.User, error) {
	var u user.User
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Username, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, storageErr("scan user", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// AddAuthenticator inserts a credential row. The credential id is globally
// unique, so a credential can never be bound to two users.
func (s *Store) AddAuthenticator(ctx context.Context, a storage.Authenticator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(a.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(a.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	return s.withBusyRetry(ctx, func() error {
		_, err := s.sqlDB.ExecContext(ctx, insertAuthenticatorQuery,
			a.CredentialID, a.UserID, a.CredentialJSON, int64(a.SignCount), a.UserAgentShort, toMillis(a.CreatedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return storageErr("insert authenticator", err)
		}
		return nil
	})
}

// FindAuthenticatorByCredentialID fetches a stored credential.
func (s *Store) FindAuthenticatorByCredentialID(ctx context.Context, credentialID string) (storage.Authenticator, error) {
	if err := ctx.Err(); err != nil {
		return storage.Authenticator{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Authenticator{}, errNotConfigured
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Authenticator{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, getAuthenticatorQuery, credentialID)
	a, err := scanAuthenticator(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Authenticator{}, storage.ErrNotFound
		}
		return storage.Authenticator{}, storageErr("get authenticator", err)
	}
	return a, nil
}

// ListAuthenticatorsForUser returns a user's credentials in creation order.
func (s *Store) ListAuthenticatorsForUser(ctx context.Context, userID string) ([]storage.Authenticator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, listAuthenticatorsQuery, userID)
	if err != nil {
		return nil, storageErr("list authenticators", err)
	}
	defer rows.Close()

	var authenticators []storage.Authenticator
	for rows.Next() {
		a, err := scanAuthenticator(rows.Scan)
		if err != nil {
			return nil, storageErr("scan authenticator", err)
		}
		authenticators = append(authenticators, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list authenticators", err)
	}
	return authenticators, nil
}

// BumpSignatureCounter advances a credential's signature counter, storing the
// refreshed credential blob alongside it. A counter that fails to advance is
// a cloned-authenticator signal and fails with ErrReplayDetected. Counters
// pinned at zero are accepted, per authenticators without counter support.
func (s *Store) BumpSignatureCounter(ctx context.Context, credentialID string, newCount uint32, credentialJSON string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	return s.withBusyRetry(ctx, func() error {
		result, err := s.sqlDB.ExecContext(ctx, bumpSignCountQuery, int64(newCount), credentialJSON, credentialID)
		if err != nil {
			return storageErr("bump signature counter", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return storageErr("bump signature counter", err)
		}
		if affected == 0 {
			if _, findErr := s.FindAuthenticatorByCredentialID(ctx, credentialID); findErr != nil {
				return findErr
			}
			return storage.ErrReplayDetected
		}
		return nil
	})
}

func scanAuthenticator(scan func(...any) error) (storage.Authenticator, error) {
	var a storage.Authenticator
	var signCount int64
	var createdAt int64
	if err := scan(&a.CredentialID, &a.UserID, &a.CredentialJSON, &signCount, &a.UserAgentShort, &createdAt); err != nil {
		return storage.Authenticator{}, err
	}
	a.SignCount = uint32(signCount)
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}
