// Package cookies reads and writes the auth token cookies.
package cookies

import (
	"net/http"
	"time"

	"github.com/nkiryanov/campusauth/internal/models"
)

const (
	AccessName  = "auth-token"
	RefreshName = "refresh-token"

	DefaultAccessMaxAge  = 2 * time.Hour
	DefaultRefreshMaxAge = 7 * 24 * time.Hour
)

// Jar writes both token cookies with the same flags
type Jar struct {
	// Secure flag, set in production
	Secure bool

	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
}

func NewJar(secure bool) Jar {
	return Jar{Secure: secure, AccessMaxAge: DefaultAccessMaxAge, RefreshMaxAge: DefaultRefreshMaxAge}
}

func (j Jar) SetTokens(w http.ResponseWriter, pair models.TokenPair) {
	http.SetCookie(w, j.cookie(AccessName, pair.Access.Value, int(j.AccessMaxAge.Seconds())))
	http.SetCookie(w, j.cookie(RefreshName, pair.Refresh.Value, int(j.RefreshMaxAge.Seconds())))
}

// Clear expires both cookies in the browser
func (j Jar) Clear(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(AccessName, "", -1))
	http.SetCookie(w, j.cookie(RefreshName, "", -1))
}

func (j Jar) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   j.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func Access(r *http.Request) (string, bool) {
	return read(r, AccessName)
}

func Refresh(r *http.Request) (string, bool) {
	return read(r, RefreshName)
}

func read(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
