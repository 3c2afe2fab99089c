package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")

	ErrHumanVerificationFailed = errors.New("human verification failed")

	ErrTokenExpired         = errors.New("token is expired")
	ErrTokenMalformed       = errors.New("token is malformed")
	ErrTokenWrongType       = errors.New("token has wrong type")
	ErrTokenVersionMismatch = errors.New("token version mismatch")

	ErrSessionInvalid = errors.New("session is invalid")
	ErrSessionRevoked = errors.New("session is revoked")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshReplay        = errors.New("refresh token reused after rotation")

	ErrStoreUnavailable = errors.New("session store unavailable")
)

// ConfigError reports a configuration problem that must stop the process at start-up.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// Refreshable reports whether the failure may be recovered by calling the refresh endpoint.
// Version mismatches, revoked sessions and replays force a new login.
func Refreshable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTokenVersionMismatch),
		errors.Is(err, ErrSessionRevoked),
		errors.Is(err, ErrRefreshReplay):
		return false
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrSessionInvalid):
		return true
	default:
		return false
	}
}
