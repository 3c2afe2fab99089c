package models

import (
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID          string
	UserID      uuid.UUID
	DeviceID    string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time // nil while the session is active
}

// Active reports whether the session may still authenticate requests at the given time
func (s Session) Active(at time.Time) bool {
	return s.RevokedAt == nil && at.Before(s.ExpiresAt)
}

// RequestMeta carries the request attributes a session is bound to
type RequestMeta struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	IP             string
}

// IssuedSession is returned after login and refresh
type IssuedSession struct {
	SessionID string
	User      User
	Tokens    TokenPair
}
