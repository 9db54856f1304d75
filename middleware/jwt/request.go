package jwt

import (
	"net/http"
	"strings"
)

// SessionCookie is the cookie browsers carry the token in.
const SessionCookie = "session"

// TokenFromRequest finds the bearer token of a request. It looks at the
// Authorization header, then the token query parameter (browsers cannot set
// headers on a WebSocket handshake), then the session cookie.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
