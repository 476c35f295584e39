// Package web exposes the passkey ceremonies and session endpoints over
// HTTP JSON.
package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/louisbranch/passkeys.space/internal/auth/ceremony"
	"github.com/louisbranch/passkeys.space/internal/auth/session"
	"github.com/louisbranch/passkeys.space/internal/auth/storage"
)

// Server hosts the registration, authentication, and session endpoints.
type Server struct {
	config      Config
	coordinator *ceremony.Coordinator
	sessions    *session.Manager
	credentials storage.CredentialStore
	clock       func() time.Time
}

// NewServer wires the HTTP surface over the coordinator and stores.
func NewServer(config Config, coordinator *ceremony.Coordinator, sessions *session.Manager, credentials storage.CredentialStore) *Server {
	return &Server{
		config:      config,
		coordinator: coordinator,
		sessions:    sessions,
		credentials: credentials,
		clock:       time.Now,
	}
}

// RegisterRoutes registers all endpoints on the provided mux. The ceremony
// and signout routes skip the rolling expiry middleware; they manage the
// session lifetime themselves.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}

	mux.HandleFunc("POST /register_start/{username}", s.handleRegisterStart)
	mux.HandleFunc("POST /register_finish", s.handleRegisterFinish)
	mux.HandleFunc("POST /authenticate_start", s.handleAuthenticateStart)
	mux.HandleFunc("POST /authenticate_finish", s.handleAuthenticateFinish)
	mux.HandleFunc("POST /signout", s.handleSignout)

	mux.Handle("GET /me", s.withRollingExpiry(http.HandlerFunc(s.handleMe)))
	mux.Handle("GET /me/authenticators", s.withRollingExpiry(http.HandlerFunc(s.handleMyAuthenticators)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// StartSessionPurge starts periodic deletion of expired session rows.
func (s *Server) StartSessionPurge(ctx context.Context, interval time.Duration) {
	if s == nil || s.sessions == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := s.sessions.Purge(ctx)
				if err != nil {
					log.Printf("purge expired sessions: %v", err)
					continue
				}
				if purged > 0 {
					log.Printf("purged %d expired sessions", purged)
				}
			}
		}
	}()
}

// withRollingExpiry extends the session lifetime for authenticated requests,
// at most once per configured roll interval, and keeps the informative
// cookie in sync. Anonymous requests with a stale informative cookie get it
// cleared.
func (s *Server) withRollingExpiry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := s.sessionIDFromRequest(r)
		if sessionID != "" {
			userID, _, err := s.sessions.AuthenticatedUser(r.Context(), sessionID)
			if err == nil {
				expiry, rolled, rollErr := s.sessions.Roll(r.Context(), sessionID)
				if rollErr == nil && rolled {
					if u, userErr := s.credentials.FindUserByID(r.Context(), userID); userErr == nil {
						http.SetCookie(w, s.sessionCookie(sessionID, expiry))
						http.SetCookie(w, s.informativeCookie(u, expiry))
					}
				}
				next.ServeHTTP(w, r)
				return
			}
		}
		if _, err := r.Cookie(informativeCookieName); err == nil {
			http.SetCookie(w, s.clearInformativeCookie())
		}
		next.ServeHTTP(w, r)
	})
}
