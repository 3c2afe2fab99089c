package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/campusauth/internal/models"
)

type CreateUserParams struct {
	Username       string
	HashedPassword string
	Nickname       string
	Avatar         string
	Role           string
}

// User repository interface
type UserRepo interface {
	// Create user
	// If user with username exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)

	// Get user by it's id or username
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
}

// SessionStore persists everything the session manager needs to decide whether
// an issued token is still honoured: sessions, single-use refresh markers and
// per-user token versions.
type SessionStore interface {
	// Create session together with the marker of its first refresh token
	CreateSession(ctx context.Context, session models.Session, refresh models.RefreshToken) error

	// If session not found must return apperrors.ErrSessionInvalid
	GetSession(ctx context.Context, sessionID string) (models.Session, error)

	// True if the session exists, belongs to the user and device, is not revoked and not expired at 'at'
	IsSessionActive(ctx context.Context, userID uuid.UUID, sessionID string, deviceID string, at time.Time) (bool, error)

	// Active sessions of the user, oldest first
	ListActiveSessions(ctx context.Context, userID uuid.UUID, at time.Time) ([]models.Session, error)

	// Revoke one session. Revoking twice is not an error
	RevokeSession(ctx context.Context, sessionID string, at time.Time) error

	// Revoke every active session of the user and return how many were revoked
	RevokeUserSessions(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)

	// Atomically mark the refresh token 'usedJTI' used and store 'next' for the same session.
	// Only one caller may succeed for a given usedJTI.
	// If the token is unknown must return apperrors.ErrRefreshTokenNotFound
	// If the token is used already must return apperrors.ErrRefreshReplay
	// If the token is expired must return apperrors.ErrTokenExpired
	RotateRefresh(ctx context.Context, usedJTI string, next models.RefreshToken, at time.Time) (models.RefreshToken, error)

	// Token version the user's access tokens must carry
	CurrentTokenVersion(ctx context.Context, userID uuid.UUID) (int, error)

	// Increment the token version and return the new one
	BumpTokenVersion(ctx context.Context, userID uuid.UUID) (int, error)

	// Remove sessions and refresh markers expired before the given time
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type Storage interface {
	User() UserRepo
	Session() SessionStore

	// Run function in transaction
	InTx(ctx context.Context, fn func(Storage) error) error
}
