// Package server wires configuration, storage, and the HTTP surface for the
// passkey server binary.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/passkeys.space/internal/auth/ceremony"
	"github.com/louisbranch/passkeys.space/internal/auth/session"
	"github.com/louisbranch/passkeys.space/internal/auth/storage/sqlite"
	"github.com/louisbranch/passkeys.space/internal/web"
)

// Config holds server command configuration.
type Config struct {
	Addr   string
	DBPath string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config. Flags win over environment
// variables, which win over defaults.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Addr:   envOrDefault(lookup, []string{"PASSKEYS_SPACE_LISTEN_HOST_PORT"}, "0.0.0.0:3000"),
		DBPath: envOrDefault(lookup, []string{"PASSKEYS_SPACE_DATABASE_PATH"}, "sqlite.db"),
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The SQLite database path")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the passkey server and blocks until the context ends.
func Run(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	sessionConfig := session.LoadConfigFromEnv()
	sessions := session.NewManager(store, sessionConfig)

	coordinator, err := ceremony.NewCoordinator(store, sessions, ceremony.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("configure ceremonies: %w", err)
	}

	webConfig := web.LoadConfigFromEnv()
	webConfig.Addr = cfg.Addr
	server := web.NewServer(webConfig, coordinator, sessions, store)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	server.StartSessionPurge(serverCtx, sessionConfig.PurgeInterval)

	listener, err := net.Listen("tcp", webConfig.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", webConfig.Addr, err)
	}
	httpServer := &http.Server{Handler: mux}

	log.Printf("passkey server listening at %v", listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
