package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/passkeys.space/internal/auth/storage"
	"github.com/louisbranch/passkeys.space/internal/auth/user"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putUser(t *testing.T, store *Store, id string, username string) user.User {
	t.Helper()
	u := user.User{
		ID:        id,
		Username:  username,
		CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func putAuthenticator(t *testing.T, store *Store, credentialID string, userID string, signCount uint32) storage.Authenticator {
	t.Helper()
	a := storage.Authenticator{
		CredentialID:   credentialID,
		UserID:         userID,
		CredentialJSON: `{"id":"` + credentialID + `"}`,
		SignCount:      signCount,
		UserAgentShort: "Firefox - Linux",
		CreatedAt:      time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC),
	}
	if err := store.AddAuthenticator(context.Background(), a); err != nil {
		t.Fatalf("add authenticator: %v", err)
	}
	return a
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
}

func TestCreateAndFindUser(t *testing.T) {
	store := openTempStore(t)
	created := putUser(t, store, "user-1", "alice")

	byName, err := store.FindUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("find by username: %v", err)
	}
	if byName.ID != created.ID || byName.Username != created.Username {
		t.Fatalf("unexpected user: %+v", byName)
	}
	if !byName.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created at = %v, want %v", byName.CreatedAt, created.CreatedAt)
	}

	byID, err := store.FindUserByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if byID.Username != "alice" {
		t.Fatalf("username = %q, want %q", byID.Username, "alice")
	}
}

func TestCreateUserDuplicateUsernameConflicts(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")

	err := store.CreateUser(context.Background(), user.User{
		ID:        "user-2",
		Username:  "alice",
		CreatedAt: time.Now(),
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	store := openTempStore(t)

	if _, err := store.FindUserByUsername(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.FindUserByID(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddAuthenticatorDuplicateCredentialConflicts(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")
	putUser(t, store, "user-2", "bob")
	putAuthenticator(t, store, "cred-1", "user-1", 0)

	// Same credential id under a different user must also be rejected.
	err := store.AddAuthenticator(context.Background(), storage.Authenticator{
		CredentialID:   "cred-1",
		UserID:         "user-2",
		CredentialJSON: `{"id":"cred-1"}`,
		CreatedAt:      time.Now(),
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	list, err := store.ListAuthenticatorsForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 authenticator, got %d", len(list))
	}
}

func TestFindAuthenticatorByCredentialID(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")
	created := putAuthenticator(t, store, "cred-1", "user-1", 7)

	got, err := store.FindAuthenticatorByCredentialID(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("find authenticator: %v", err)
	}
	if got.UserID != created.UserID || got.SignCount != 7 {
		t.Fatalf("unexpected authenticator: %+v", got)
	}
	if got.UserAgentShort != created.UserAgentShort {
		t.Fatalf("user agent = %q, want %q", got.UserAgentShort, created.UserAgentShort)
	}

	if _, err := store.FindAuthenticatorByCredentialID(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAuthenticatorsForUser(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")
	putAuthenticator(t, store, "cred-1", "user-1", 0)
	putAuthenticator(t, store, "cred-2", "user-1", 0)

	list, err := store.ListAuthenticatorsForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 authenticators, got %d", len(list))
	}

	empty, err := store.ListAuthenticatorsForUser(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no authenticators, got %d", len(empty))
	}
}

func TestBumpSignatureCounterAdvances(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")
	putAuthenticator(t, store, "cred-1", "user-1", 3)

	if err := store.BumpSignatureCounter(context.Background(), "cred-1", 4, `{"id":"cred-1","counter":4}`); err != nil {
		t.Fatalf("bump counter: %v", err)
	}

	got, err := store.FindAuthenticatorByCredentialID(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("find authenticator: %v", err)
	}
	if got.SignCount != 4 {
		t.Fatalf("sign count = %d, want 4", got.SignCount)
	}
	if got.CredentialJSON != `{"id":"cred-1","counter":4}` {
		t.Fatalf("credential json = %q", got.CredentialJSON)
	}
}

func TestBumpSignatureCounterRejectsRegression(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")
	putAuthenticator(t, store, "cred-1", "user-1", 5)

	for _, stale := range []uint32{5, 4, 0} {
		err := store.BumpSignatureCounter(context.Background(), "cred-1", stale, `{"id":"cred-1"}`)
		if !errors.Is(err, storage.ErrReplayDetected) {
			t.Fatalf("counter %d: expected replay detected, got %v", stale, err)
		}
	}

	got, err := store.FindAuthenticatorByCredentialID(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("find authenticator: %v", err)
	}
	if got.SignCount != 5 {
		t.Fatalf("sign count = %d, want unchanged 5", got.SignCount)
	}
}

func TestBumpSignatureCounterAllowsZeroWhenUnsupported(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")
	putAuthenticator(t, store, "cred-1", "user-1", 0)

	if err := store.BumpSignatureCounter(context.Background(), "cred-1", 0, `{"id":"cred-1"}`); err != nil {
		t.Fatalf("expected zero counter to be accepted, got %v", err)
	}
}

func TestBumpSignatureCounterUnknownCredential(t *testing.T) {
	store := openTempStore(t)

	err := store.BumpSignatureCounter(context.Background(), "missing", 1, `{"id":"missing"}`)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateUserWithAuthenticatorInsertsBoth(t *testing.T) {
	store := openTempStore(t)

	u := user.User{ID: "user-1", Username: "alice", CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	a := storage.Authenticator{
		CredentialID:   "cred-1",
		UserID:         "user-1",
		CredentialJSON: `{"id":"cred-1"}`,
		CreatedAt:      u.CreatedAt,
	}
	if err := store.CreateUserWithAuthenticator(context.Background(), u, a); err != nil {
		t.Fatalf("create user with authenticator: %v", err)
	}

	if _, err := store.FindUserByUsername(context.Background(), "alice"); err != nil {
		t.Fatalf("find user: %v", err)
	}
	list, err := store.ListAuthenticatorsForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list authenticators: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 authenticator, got %d", len(list))
	}
}

func TestCreateUserWithAuthenticatorRollsBackOnConflict(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "bob")
	putAuthenticator(t, store, "cred-1", "user-1", 0)

	u := user.User{ID: "user-2", Username: "alice", CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	a := storage.Authenticator{
		CredentialID:   "cred-1",
		UserID:         "user-2",
		CredentialJSON: `{"id":"cred-1"}`,
		CreatedAt:      u.CreatedAt,
	}
	if err := store.CreateUserWithAuthenticator(context.Background(), u, a); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// The rejected credential rolls the user insert back too.
	if _, err := store.FindUserByUsername(context.Background(), "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no user after rollback, got %v", err)
	}
}

func TestCreateUserWithAuthenticatorDuplicateUsernameConflicts(t *testing.T) {
	store := openTempStore(t)
	putUser(t, store, "user-1", "alice")

	u := user.User{ID: "user-2", Username: "alice", CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	a := storage.Authenticator{
		CredentialID:   "cred-2",
		UserID:         "user-2",
		CredentialJSON: `{"id":"cred-2"}`,
		CreatedAt:      u.CreatedAt,
	}
	if err := store.CreateUserWithAuthenticator(context.Background(), u, a); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.FindAuthenticatorByCredentialID(context.Background(), "cred-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no authenticator after rollback, got %v", err)
	}
}

func TestClosedStoreSurfacesStorageCode(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	u := user.User{ID: "user-1", Username: "alice", CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	if err := store.CreateUser(context.Background(), u); apperrors.CodeOf(err) != apperrors.CodeStorage {
		t.Fatalf("create user code = %q, want %q (err=%v)", apperrors.CodeOf(err), apperrors.CodeStorage, err)
	}
	if _, err := store.FindUserByUsername(context.Background(), "alice"); apperrors.CodeOf(err) != apperrors.CodeStorage {
		t.Fatalf("find user code = %q, want %q (err=%v)", apperrors.CodeOf(err), apperrors.CodeStorage, err)
	}
	if _, err := store.LoadSession(context.Background(), "session-1"); apperrors.CodeOf(err) != apperrors.CodeStorage {
		t.Fatalf("load session code = %q, want %q (err=%v)", apperrors.CodeOf(err), apperrors.CodeStorage, err)
	}
}
