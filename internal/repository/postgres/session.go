package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/models"
)

// SessionRepo implements repository.SessionStore on postgres
type SessionRepo struct {
	DB DBTX
}

const sessionColumns = `id, user_id, device_id, fingerprint, created_at, expires_at, revoked_at`

const createSession = `-- name: CreateSession
INSERT INTO sessions (id, user_id, device_id, fingerprint, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

func (r *SessionRepo) CreateSession(ctx context.Context, s models.Session, refresh models.RefreshToken) error {
	return inTx(ctx, r.DB, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createSession, s.ID, s.UserID, s.DeviceID, s.Fingerprint, s.CreatedAt, s.ExpiresAt)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		return saveRefreshToken(ctx, tx, refresh)
	})
}

const getSession = `-- name: GetSession
SELECT ` + sessionColumns + ` FROM sessions
WHERE id = $1
`

func (r *SessionRepo) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	rows, _ := r.DB.Query(ctx, getSession, sessionID)
	s, err := pgx.CollectOneRow(rows, rowToSession)

	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, pgx.ErrNoRows):
		return s, fmt.Errorf("repo error: %w", apperrors.ErrSessionInvalid)
	default:
		return s, fmt.Errorf("db error: %w", err)
	}
}

const isSessionActive = `-- name: IsSessionActive
SELECT EXISTS (
    SELECT 1 FROM sessions
    WHERE id = $1 AND user_id = $2 AND device_id = $3 AND revoked_at IS NULL AND expires_at > $4
)
`

func (r *SessionRepo) IsSessionActive(ctx context.Context, userID uuid.UUID, sessionID string, deviceID string, at time.Time) (bool, error) {
	var active bool
	if err := r.DB.QueryRow(ctx, isSessionActive, sessionID, userID, deviceID, at).Scan(&active); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return active, nil
}

const listActiveSessions = `-- name: ListActiveSessions
SELECT ` + sessionColumns + ` FROM sessions
WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
ORDER BY created_at, id
`

func (r *SessionRepo) ListActiveSessions(ctx context.Context, userID uuid.UUID, at time.Time) ([]models.Session, error) {
	rows, _ := r.DB.Query(ctx, listActiveSessions, userID, at)
	sessions, err := pgx.CollectRows(rows, rowToSession)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return sessions, nil
}

const revokeSession = `-- name: RevokeSession
UPDATE sessions
SET revoked_at = COALESCE(revoked_at, $2)
WHERE id = $1
`

func (r *SessionRepo) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := r.DB.Exec(ctx, revokeSession, sessionID, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionInvalid)
	}
	return nil
}

const revokeUserSessions = `-- name: RevokeUserSessions
UPDATE sessions
SET revoked_at = $2
WHERE user_id = $1 AND revoked_at IS NULL
`

func (r *SessionRepo) RevokeUserSessions(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeUserSessions, userID, at)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

const currentTokenVersion = `-- name: CurrentTokenVersion
SELECT token_version FROM users
WHERE id = $1
`

func (r *SessionRepo) CurrentTokenVersion(ctx context.Context, userID uuid.UUID) (int, error) {
	rows, _ := r.DB.Query(ctx, currentTokenVersion, userID)
	return collectVersion(rows)
}

const bumpTokenVersion = `-- name: BumpTokenVersion
UPDATE users
SET token_version = token_version + 1
WHERE id = $1
RETURNING token_version
`

func (r *SessionRepo) BumpTokenVersion(ctx context.Context, userID uuid.UUID) (int, error) {
	rows, _ := r.DB.Query(ctx, bumpTokenVersion, userID)
	return collectVersion(rows)
}

func collectVersion(rows pgx.Rows) (int, error) {
	version, err := pgx.CollectOneRow(rows, pgx.RowTo[int])

	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, apperrors.ErrUserNotFound
	default:
		return 0, fmt.Errorf("db error: %w", err)
	}
}

const deleteExpiredRefreshTokens = `-- name: DeleteExpiredRefreshTokens
DELETE FROM refresh_tokens
WHERE expires_at < $1
`

const deleteExpiredSessions = `-- name: DeleteExpiredSessions
DELETE FROM sessions
WHERE expires_at < $1
`

func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64

	err := inTx(ctx, r.DB, func(tx pgx.Tx) error {
		for _, query := range []string{deleteExpiredRefreshTokens, deleteExpiredSessions} {
			tag, err := tx.Exec(ctx, query, before)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			deleted += tag.RowsAffected()
		}
		return nil
	})

	return deleted, err
}

func rowToSession(row pgx.CollectableRow) (models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.Fingerprint, &s.CreatedAt, &s.ExpiresAt, &s.RevokedAt)
	return s, err
}
