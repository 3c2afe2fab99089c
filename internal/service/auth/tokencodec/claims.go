package tokencodec

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	errWrongType    = errors.New("unexpected token type")
	errMissingClaim = errors.New("required claim is missing")
)

// AccessClaims are carried by short-lived access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	UserID       uuid.UUID `json:"uid"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	DeviceID     string    `json:"did"`
	SessionID    string    `json:"sid"`
	Fingerprint  string    `json:"fp"`
	TokenVersion int       `json:"ver"`
	Type         string    `json:"type"`
}

// Validate is called by the jwt parser after the registered claims were checked
func (c *AccessClaims) Validate() error {
	if c.Type != TypeAccess {
		return errWrongType
	}

	switch {
	case c.UserID == uuid.Nil,
		c.Username == "",
		c.DeviceID == "",
		c.SessionID == "",
		c.TokenVersion < 1,
		c.IssuedAt == nil:
		return errMissingClaim
	}

	return nil
}

// RefreshClaims are carried by refresh tokens. ID (jti) identifies the single-use marker.
type RefreshClaims struct {
	jwt.RegisteredClaims
	UserID    uuid.UUID `json:"uid"`
	DeviceID  string    `json:"did"`
	SessionID string    `json:"sid"`
	Type      string    `json:"type"`
}

func (c *RefreshClaims) Validate() error {
	if c.Type != TypeRefresh {
		return errWrongType
	}

	if c.UserID == uuid.Nil || c.DeviceID == "" || c.SessionID == "" || c.ID == "" || c.IssuedAt == nil {
		return errMissingClaim
	}

	return nil
}
