// Package redisstore keeps sessions, refresh markers and token versions in Redis.
//
// Timestamps are stored as unix milliseconds so the Lua scripts can compare them.
// Keys expire on their own when the session or token lifetime is over.
package redisstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/models"
)

const DefaultPrefix = "campusauth:"

const (
	rotateStatusNotFound int64 = 0
	rotateStatusUsed     int64 = 1
	rotateStatusExpired  int64 = 2
	rotateStatusRotated  int64 = 3
)

// KEYS: used refresh, next refresh, session
// ARGV: now, next jti, session id, user id, created at, expires at, next ttl ms
const rotateRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local used_at = redis.call("HGET", KEYS[1], "used_at")
if used_at and used_at ~= "" then
  return 1
end
local now = tonumber(ARGV[1])
if tonumber(redis.call("HGET", KEYS[1], "expires_at")) <= now then
  return 2
end
redis.call("HSET", KEYS[1], "used_at", ARGV[1])
redis.call("HSET", KEYS[2], "jti", ARGV[2], "session_id", ARGV[3], "user_id", ARGV[4], "created_at", ARGV[5], "expires_at", ARGV[6], "used_at", "")
redis.call("PEXPIRE", KEYS[2], ARGV[7])
if redis.call("EXISTS", KEYS[3]) == 1 then
  local session_expires = tonumber(redis.call("HGET", KEYS[3], "expires_at") or "0")
  if tonumber(ARGV[6]) > session_expires then
    redis.call("HSET", KEYS[3], "expires_at", ARGV[6])
    redis.call("PEXPIRE", KEYS[3], ARGV[7])
  end
end
return 3
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// KEYS: session. ARGV: now.
// Returns -1 for a missing session, 0 if it was revoked before, 1 if revoked now.
const revokeSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HSETNX", KEYS[1], "revoked_at", ARGV[1])
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

// Store implements repository.SessionStore
type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sessionKey(id string) string { return s.prefix + "session:" + id }

func (s *Store) userKey(userID uuid.UUID) string { return s.prefix + "user_sessions:" + userID.String() }

func (s *Store) refreshKey(jti string) string { return s.prefix + "refresh:" + jti }

func (s *Store) versionKey(userID uuid.UUID) string { return s.prefix + "token_version:" + userID.String() }

func (s *Store) CreateSession(ctx context.Context, session models.Session, refresh models.RefreshToken) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.sessionKey(session.ID)
		pipe.HSet(ctx, key,
			"user_id", session.UserID.String(),
			"device_id", session.DeviceID,
			"fingerprint", session.Fingerprint,
			"created_at", millis(session.CreatedAt),
			"expires_at", millis(session.ExpiresAt),
		)
		expire(ctx, pipe, key, session.ExpiresAt.Sub(session.CreatedAt))
		pipe.SAdd(ctx, s.userKey(session.UserID), session.ID)

		s.saveRefresh(ctx, pipe, refresh)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) saveRefresh(ctx context.Context, pipe redis.Pipeliner, t models.RefreshToken) {
	key := s.refreshKey(t.JTI)
	usedAt := ""
	if t.UsedAt != nil {
		usedAt = millis(*t.UsedAt)
	}

	pipe.HSet(ctx, key,
		"jti", t.JTI,
		"session_id", t.SessionID,
		"user_id", t.UserID.String(),
		"created_at", millis(t.CreatedAt),
		"expires_at", millis(t.ExpiresAt),
		"used_at", usedAt,
	)
	expire(ctx, pipe, key, t.ExpiresAt.Sub(t.CreatedAt))
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return models.Session{}, unavailable(err)
	}
	if len(fields) == 0 {
		return models.Session{}, fmt.Errorf("repo error: %w", apperrors.ErrSessionInvalid)
	}
	return decodeSession(sessionID, fields)
}

func (s *Store) IsSessionActive(ctx context.Context, userID uuid.UUID, sessionID string, deviceID string, at time.Time) (bool, error) {
	session, err := s.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, apperrors.ErrSessionInvalid):
		return false, nil
	case err != nil:
		return false, err
	}

	return session.UserID == userID && session.DeviceID == deviceID && session.Active(at), nil
}

func (s *Store) ListActiveSessions(ctx context.Context, userID uuid.UUID, at time.Time) ([]models.Session, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	var sessions []models.Session
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// expired by redis, drop it from the index
			s.client.SRem(ctx, s.userKey(userID), ids[i])
			continue
		}

		session, err := decodeSession(ids[i], fields)
		if err != nil {
			return nil, err
		}
		if session.Active(at) {
			sessions = append(sessions, session)
		}
	}

	slices.SortFunc(sessions, func(a, b models.Session) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return sessions, nil
}

func (s *Store) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	status, err := s.revoke(ctx, sessionID, at)
	if err != nil {
		return err
	}
	if status < 0 {
		return fmt.Errorf("repo error: %w", apperrors.ErrSessionInvalid)
	}
	return nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	var revoked int64
	for _, id := range ids {
		status, err := s.revoke(ctx, id, at)
		if err != nil {
			return revoked, err
		}
		if status == 1 {
			revoked++
		}
	}
	return revoked, nil
}

func (s *Store) revoke(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	status, err := revokeSessionLua.Run(ctx, s.client, []string{s.sessionKey(sessionID)}, millis(at)).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return status, nil
}

func (s *Store) RotateRefresh(ctx context.Context, usedJTI string, next models.RefreshToken, at time.Time) (models.RefreshToken, error) {
	status, err := rotateRefreshLua.Run(ctx, s.client,
		[]string{s.refreshKey(usedJTI), s.refreshKey(next.JTI), s.sessionKey(next.SessionID)},
		millis(at),
		next.JTI,
		next.SessionID,
		next.UserID.String(),
		millis(next.CreatedAt),
		millis(next.ExpiresAt),
		max(next.ExpiresAt.Sub(next.CreatedAt).Milliseconds(), 1),
	).Int64()
	if err != nil {
		return models.RefreshToken{}, unavailable(err)
	}

	switch status {
	case rotateStatusRotated:
	case rotateStatusNotFound:
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	case rotateStatusUsed:
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshReplay)
	case rotateStatusExpired:
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrTokenExpired)
	default:
		return models.RefreshToken{}, unavailable(fmt.Errorf("unknown rotate status %d", status))
	}

	fields, err := s.client.HGetAll(ctx, s.refreshKey(usedJTI)).Result()
	if err != nil {
		return models.RefreshToken{}, unavailable(err)
	}
	return decodeRefresh(fields)
}

// Versions start at 1, the stored counter holds the number of bumps
func (s *Store) CurrentTokenVersion(ctx context.Context, userID uuid.UUID) (int, error) {
	bumps, err := s.client.Get(ctx, s.versionKey(userID)).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return 1, nil
	case err != nil:
		return 0, unavailable(err)
	}
	return bumps + 1, nil
}

func (s *Store) BumpTokenVersion(ctx context.Context, userID uuid.UUID) (int, error) {
	bumps, err := s.client.Incr(ctx, s.versionKey(userID)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(bumps) + 1, nil
}

// DeleteExpired has nothing to do: every key carries its own expiry
func (s *Store) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func expire(ctx context.Context, pipe redis.Pipeliner, key string, ttl time.Duration) {
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func decodeSession(id string, fields map[string]string) (models.Session, error) {
	s := models.Session{
		ID:          id,
		DeviceID:    fields["device_id"],
		Fingerprint: fields["fingerprint"],
	}

	var err error
	if s.UserID, err = uuid.Parse(fields["user_id"]); err != nil {
		return s, corrupt("session", err)
	}
	if s.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return s, corrupt("session", err)
	}
	if s.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return s, corrupt("session", err)
	}
	if v := fields["revoked_at"]; v != "" {
		revokedAt, err := parseMillis(v)
		if err != nil {
			return s, corrupt("session", err)
		}
		s.RevokedAt = &revokedAt
	}

	return s, nil
}

func decodeRefresh(fields map[string]string) (models.RefreshToken, error) {
	t := models.RefreshToken{
		JTI:       fields["jti"],
		SessionID: fields["session_id"],
	}

	var err error
	if t.UserID, err = uuid.Parse(fields["user_id"]); err != nil {
		return t, corrupt("refresh token", err)
	}
	if t.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return t, corrupt("refresh token", err)
	}
	if t.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return t, corrupt("refresh token", err)
	}
	if v := fields["used_at"]; v != "" {
		usedAt, err := parseMillis(v)
		if err != nil {
			return t, corrupt("refresh token", err)
		}
		t.UsedAt = &usedAt
	}

	return t, nil
}

func corrupt(what string, err error) error {
	return fmt.Errorf("%w: corrupt %s record: %v", apperrors.ErrStoreUnavailable, what, err)
}
