package server

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "0.0.0.0:3000" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, "0.0.0.0:3000")
	}
	if cfg.DBPath != "sqlite.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "sqlite.db")
	}
}

func TestParseConfigEnvFallback(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	lookup := func(key string) (string, bool) {
		switch key {
		case "PASSKEYS_SPACE_LISTEN_HOST_PORT":
			return "127.0.0.1:9000", true
		case "PASSKEYS_SPACE_DATABASE_PATH":
			return "/tmp/auth.db", true
		}
		return "", false
	}
	cfg, err := ParseConfig(fs, nil, lookup)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q, want env value", cfg.Addr)
	}
	if cfg.DBPath != "/tmp/auth.db" {
		t.Fatalf("db path = %q, want env value", cfg.DBPath)
	}
}

func TestParseConfigFlagsWin(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	lookup := func(key string) (string, bool) { return "from-env", true }
	cfg, err := ParseConfig(fs, []string{"-addr", "localhost:4000", "-db", "custom.db"}, lookup)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != "localhost:4000" {
		t.Fatalf("addr = %q, want flag value", cfg.Addr)
	}
	if cfg.DBPath != "custom.db" {
		t.Fatalf("db path = %q, want flag value", cfg.DBPath)
	}
}
