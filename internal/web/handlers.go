package web

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
)

// maxFinishBodyBytes bounds attestation and assertion payloads.
const maxFinishBodyBytes = 1 << 20

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type authenticatorView struct {
	CredentialID   string    `json:"credential_id"`
	UserAgentShort string    `json:"user_agent_short"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	result, err := s.coordinator.BeginRegistration(r.Context(), s.sessionIDFromRequest(r), r.PathValue("username"))
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, s.sessionCookie(result.SessionID, s.clock().Add(s.sessions.Ceiling())))
	writeRawJSON(w, http.StatusOK, result.OptionsJSON)
}

func (s *Server) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFinishBodyBytes))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidation, "read request body", err))
		return
	}

	sessionID := s.sessionIDFromRequest(r)
	result, err := s.coordinator.FinishRegistration(r.Context(), sessionID, body, shortUserAgent(r.UserAgent()))
	if err != nil {
		writeError(w, err)
		return
	}
	s.finishSignIn(w, r, sessionID, result.UserID, result.SessionExpiry)
}

func (s *Server) handleAuthenticateStart(w http.ResponseWriter, r *http.Request) {
	result, err := s.coordinator.BeginAuthentication(r.Context(), s.sessionIDFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, s.sessionCookie(result.SessionID, s.clock().Add(s.sessions.Ceiling())))
	writeRawJSON(w, http.StatusOK, result.OptionsJSON)
}

func (s *Server) handleAuthenticateFinish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFinishBodyBytes))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidation, "read request body", err))
		return
	}

	sessionID := s.sessionIDFromRequest(r)
	result, err := s.coordinator.FinishAuthentication(r.Context(), sessionID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	s.finishSignIn(w, r, sessionID, result.UserID, result.SessionExpiry)
}

// finishSignIn refreshes both cookies and responds with the signed-in user.
func (s *Server) finishSignIn(w http.ResponseWriter, r *http.Request, sessionID string, userID string, expiry time.Time) {
	u, err := s.credentials.FindUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, s.sessionCookie(sessionID, expiry))
	http.SetCookie(w, s.informativeCookie(u, expiry))
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), s.sessionIDFromRequest(r)); err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, s.clearSessionCookie())
	http.SetCookie(w, s.clearInformativeCookie())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _, err := s.sessions.AuthenticatedUser(r.Context(), s.sessionIDFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.credentials.FindUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleMyAuthenticators(w http.ResponseWriter, r *http.Request) {
	userID, _, err := s.sessions.AuthenticatedUser(r.Context(), s.sessionIDFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.credentials.ListAuthenticatorsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]authenticatorView, 0, len(records))
	for _, record := range records {
		views = append(views, authenticatorView{
			CredentialID:   record.CredentialID,
			UserAgentShort: record.UserAgentShort,
			CreatedAt:      record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	code := apperrors.CodeOf(err)
	writeJSON(w, status, errorResponse{Error: string(code), Message: message, Retryable: code.Retryable()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
