package user

import (
	"errors"
	"testing"
	"time"
)

func TestNewNormalizesInput(t *testing.T) {
	fixedTime := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	created, err := New("  Alice  ", func() time.Time { return fixedTime }, func() (string, error) {
		return "user-123", nil
	})
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if created.ID != "user-123" {
		t.Fatalf("id = %q, want %q", created.ID, "user-123")
	}
	if created.Username != "alice" {
		t.Fatalf("username = %q, want %q", created.Username, "alice")
	}
	if !created.CreatedAt.Equal(fixedTime) {
		t.Fatalf("created at = %v, want %v", created.CreatedAt, fixedTime)
	}
}

func TestNewDefaultsGenerators(t *testing.T) {
	created, err := New("alice", nil, nil)
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if len(created.ID) != 26 {
		t.Fatalf("expected generated 26-char id, got %q", created.ID)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected created at to be set")
	}
}

func TestNewRejectsIDGeneratorFailure(t *testing.T) {
	_, err := New("alice", nil, func() (string, error) { return "", errors.New("id generator error") })
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"abc", "alice", "a.b-c_d", "abcdefghijklmnopqrstuvwx"}
	for _, name := range valid {
		if err := ValidateUsername(name); err != nil {
			t.Fatalf("ValidateUsername(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "ab", "Alice", "has space", "abcdefghijklmnopqrstuvwxy", "emoji🔑"}
	for _, name := range invalid {
		if err := ValidateUsername(name); err == nil {
			t.Fatalf("ValidateUsername(%q) = nil, want error", name)
		}
	}
}

func TestNormalizeUsername(t *testing.T) {
	normalized, err := NormalizeUsername("  BOB  ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if normalized != "bob" {
		t.Fatalf("normalized = %q, want %q", normalized, "bob")
	}

	if _, err := NormalizeUsername("   "); !errors.Is(err, ErrEmptyUsername) {
		t.Fatalf("expected empty username error, got %v", err)
	}
	if _, err := NormalizeUsername("ab"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected invalid username error, got %v", err)
	}
}
