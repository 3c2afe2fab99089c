package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/models"
)

const refreshColumns = `jti, session_id, user_id, created_at, expires_at, used_at`

const saveToken = `-- name: SaveRefreshToken
INSERT INTO refresh_tokens (jti, session_id, user_id, created_at, expires_at, used_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

func saveRefreshToken(ctx context.Context, db DBTX, t models.RefreshToken) error {
	_, err := db.Exec(ctx, saveToken, t.JTI, t.SessionID, t.UserID, t.CreatedAt, t.ExpiresAt, t.UsedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// The row lock taken by the update serializes concurrent consumers:
// the losers re-check 'used_at IS NULL' after the winner commits and match nothing.
const consumeToken = `-- name: ConsumeRefreshToken
UPDATE refresh_tokens
SET used_at = $2
WHERE jti = $1 AND used_at IS NULL AND expires_at > $2
RETURNING ` + refreshColumns

const getToken = `-- name: GetRefreshToken
SELECT ` + refreshColumns + ` FROM refresh_tokens
WHERE jti = $1
`

const extendSession = `-- name: ExtendSession
UPDATE sessions
SET expires_at = GREATEST(expires_at, $2)
WHERE id = $1
`

func (r *SessionRepo) RotateRefresh(ctx context.Context, usedJTI string, next models.RefreshToken, at time.Time) (models.RefreshToken, error) {
	var used models.RefreshToken

	err := inTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, _ := tx.Query(ctx, consumeToken, usedJTI, at)
		token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

		switch {
		case err == nil:
			used = token
		case errors.Is(err, pgx.ErrNoRows):
			return whyNotConsumed(ctx, tx, usedJTI)
		default:
			return fmt.Errorf("db error: %w", err)
		}

		if err := saveRefreshToken(ctx, tx, next); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, extendSession, next.SessionID, next.ExpiresAt); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})

	return used, err
}

// whyNotConsumed explains why the consume update matched no row
func whyNotConsumed(ctx context.Context, db DBTX, jti string) error {
	rows, _ := db.Query(ctx, getToken, jti)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	case token.UsedAt != nil:
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshReplay)
	default:
		return fmt.Errorf("repo error: %w", apperrors.ErrTokenExpired)
	}
}

func rowToRefreshToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(&t.JTI, &t.SessionID, &t.UserID, &t.CreatedAt, &t.ExpiresAt, &t.UsedAt)
	return t, err
}
