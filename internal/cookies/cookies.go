// Package cookies owns the names and attributes of every auth cookie so the
// handlers that set them and the middleware that reads them cannot drift.
package cookies

import (
	"net/http"
	"strings"
	"time"
)

const (
	AccessToken   = "access-token"
	RefreshToken  = "refresh-token"
	PinAuthorized = "pin-authorized"
	FedSession    = "fed-session"
	OAuthState    = "oauth-state"
)

// Jar sets cookies with the shared attributes: httpOnly, SameSite=Lax, path /,
// and Secure in production.
type Jar struct {
	Secure bool
}

func (j Jar) Set(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   j.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (j Jar) Clear(w http.ResponseWriter, names ...string) {
	for _, name := range names {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   j.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// Value returns the trimmed cookie value, or "" when absent.
func Value(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
