package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is the persisted single-use marker of an issued refresh token.
// The JTI is the claim of the signed token; the token itself is never stored.
type RefreshToken struct {
	JTI       string
	SessionID string
	UserID    uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time // nil if token not used
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// TokenPair issued by the session manager on login and on every refresh
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}
