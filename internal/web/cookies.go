package web

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/louisbranch/passkeys.space/internal/auth/user"
)

// informativeCookieName is readable by the client app. The cookie is never
// used for authorization; it only lets the UI render signed-in state before
// the first authenticated round-trip.
const informativeCookieName = "authenticated_user_js"

func (s *Server) sessionCookie(sessionID string, expiry time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.config.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		Secure:   s.config.CookiesSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *Server) clearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.config.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.CookiesSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

type informativePayload struct {
	User       user.User `json:"user"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// informativeCookie encodes the user and session expiry for the client. The
// cookie expires one second before the session so the client never believes
// it is signed in after the server stopped agreeing.
func (s *Server) informativeCookie(u user.User, sessionExpiry time.Time) *http.Cookie {
	expiry := sessionExpiry.Add(-time.Second)
	payload, err := json.Marshal(informativePayload{User: u, ExpiryDate: expiry.UTC()})
	if err != nil {
		return s.clearInformativeCookie()
	}
	return &http.Cookie{
		Name:     informativeCookieName,
		Value:    url.QueryEscape(string(payload)),
		Path:     "/",
		Expires:  expiry,
		HttpOnly: false,
		Secure:   s.config.CookiesSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *Server) clearInformativeCookie() *http.Cookie {
	return &http.Cookie{
		Name:     informativeCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: false,
		Secure:   s.config.CookiesSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *Server) sessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(s.config.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
