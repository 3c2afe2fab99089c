package postgres

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/models"
	"github.com/nkiryanov/campusauth/internal/repository"
	"github.com/nkiryanov/campusauth/internal/testutil"
)

func mustParseTime(value string) time.Time {
	dt, err := time.Parse("2006-01-02 15:04:05Z07:00", value)
	if err != nil {
		panic(err)
	}
	return dt
}

var (
	sessionCreatedAt = mustParseTime("2025-01-01 19:00:01Z")
	sessionExpiresAt = mustParseTime("2025-01-08 19:00:01Z")
)

func createTestUser(t *testing.T, db DBTX, username string) models.User {
	t.Helper()

	user, err := (&UserRepo{DB: db}).CreateUser(t.Context(), repository.CreateUserParams{
		Username:       username,
		HashedPassword: "hashed_password",
	})
	require.NoError(t, err)
	return user
}

func newSession(user models.User, id string) (models.Session, models.RefreshToken) {
	s := models.Session{
		ID:          id,
		UserID:      user.ID,
		DeviceID:    "device-1",
		Fingerprint: "fingerprint",
		CreatedAt:   sessionCreatedAt,
		ExpiresAt:   sessionExpiresAt,
	}
	refresh := models.RefreshToken{
		JTI:       id + "-jti-1",
		SessionID: id,
		UserID:    user.ID,
		CreatedAt: sessionCreatedAt,
		ExpiresAt: sessionExpiresAt,
	}
	return s, refresh
}

func nextToken(used models.RefreshToken, jti string) models.RefreshToken {
	return models.RefreshToken{
		JTI:       jti,
		SessionID: used.SessionID,
		UserID:    used.UserID,
		CreatedAt: sessionCreatedAt.Add(time.Hour),
		ExpiresAt: sessionExpiresAt.Add(time.Hour),
	}
}

func Test_SessionRepo(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	now := sessionCreatedAt.Add(time.Minute)

	t.Run("create and get session", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}
			user := createTestUser(t, tx, "alice")
			s, refresh := newSession(user, "session-1")

			err := repo.CreateSession(t.Context(), s, refresh)
			require.NoError(t, err)

			got, err := repo.GetSession(t.Context(), s.ID)
			require.NoError(t, err)
			assert.Equal(t, s.UserID, got.UserID)
			assert.Equal(t, s.DeviceID, got.DeviceID)
			assert.Equal(t, s.Fingerprint, got.Fingerprint)
			assert.WithinDuration(t, s.ExpiresAt, got.ExpiresAt, 0)
			assert.Nil(t, got.RevokedAt)
		})
	})

	t.Run("get unknown session", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}

			_, err := repo.GetSession(t.Context(), "nope")
			require.ErrorIs(t, err, apperrors.ErrSessionInvalid)
		})
	})

	t.Run("session active checks", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}
			user := createTestUser(t, tx, "bob")
			s, refresh := newSession(user, "session-2")
			require.NoError(t, repo.CreateSession(t.Context(), s, refresh))

			tests := []struct {
				name      string
				userID    uuid.UUID
				sessionID string
				deviceID  string
				at        time.Time
				want      bool
			}{
				{"active", user.ID, s.ID, s.DeviceID, now, true},
				{"other user", uuid.New(), s.ID, s.DeviceID, now, false},
				{"other device", user.ID, s.ID, "device-2", now, false},
				{"unknown session", user.ID, "nope", s.DeviceID, now, false},
				{"expired", user.ID, s.ID, s.DeviceID, s.ExpiresAt, false},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					active, err := repo.IsSessionActive(t.Context(), tt.userID, tt.sessionID, tt.deviceID, tt.at)
					require.NoError(t, err)
					require.Equal(t, tt.want, active)
				})
			}

			require.NoError(t, repo.RevokeSession(t.Context(), s.ID, now))
			require.NoError(t, repo.RevokeSession(t.Context(), s.ID, now.Add(time.Hour)), "revoking twice is fine")

			active, err := repo.IsSessionActive(t.Context(), user.ID, s.ID, s.DeviceID, now)
			require.NoError(t, err)
			require.False(t, active, "revoked session is not active")

			got, err := repo.GetSession(t.Context(), s.ID)
			require.NoError(t, err)
			require.WithinDuration(t, now, *got.RevokedAt, 0, "first revocation time is kept")
		})
	})

	t.Run("revoke unknown session", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}

			err := repo.RevokeSession(t.Context(), "nope", now)
			require.ErrorIs(t, err, apperrors.ErrSessionInvalid)
		})
	})

	t.Run("list and revoke user sessions", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}
			user := createTestUser(t, tx, "carol")
			other := createTestUser(t, tx, "dave")

			for i, id := range []string{"c-1", "c-2", "c-3"} {
				s, refresh := newSession(user, id)
				s.CreatedAt = s.CreatedAt.Add(time.Duration(i) * time.Second)
				require.NoError(t, repo.CreateSession(t.Context(), s, refresh))
			}
			s, refresh := newSession(other, "d-1")
			require.NoError(t, repo.CreateSession(t.Context(), s, refresh))

			sessions, err := repo.ListActiveSessions(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Len(t, sessions, 3)
			require.Equal(t, "c-1", sessions[0].ID, "oldest first")

			revoked, err := repo.RevokeUserSessions(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Equal(t, int64(3), revoked)

			sessions, err = repo.ListActiveSessions(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Empty(t, sessions)

			active, err := repo.IsSessionActive(t.Context(), other.ID, "d-1", "device-1", now)
			require.NoError(t, err)
			require.True(t, active, "other users are not affected")
		})
	})

	t.Run("token version", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}
			user := createTestUser(t, tx, "erin")

			version, err := repo.CurrentTokenVersion(t.Context(), user.ID)
			require.NoError(t, err)
			require.Equal(t, 1, version)

			version, err = repo.BumpTokenVersion(t.Context(), user.ID)
			require.NoError(t, err)
			require.Equal(t, 2, version)

			version, err = repo.CurrentTokenVersion(t.Context(), user.ID)
			require.NoError(t, err)
			require.Equal(t, 2, version)

			_, err = repo.CurrentTokenVersion(t.Context(), uuid.New())
			require.ErrorIs(t, err, apperrors.ErrUserNotFound)
			_, err = repo.BumpTokenVersion(t.Context(), uuid.New())
			require.ErrorIs(t, err, apperrors.ErrUserNotFound)
		})
	})

	t.Run("rotate refresh", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}
			user := createTestUser(t, tx, "frank")
			s, refresh := newSession(user, "session-f")
			require.NoError(t, repo.CreateSession(t.Context(), s, refresh))

			next := nextToken(refresh, "session-f-jti-2")
			used, err := repo.RotateRefresh(t.Context(), refresh.JTI, next, now)
			require.NoError(t, err)
			require.Equal(t, refresh.JTI, used.JTI)
			require.NotNil(t, used.UsedAt)
			require.WithinDuration(t, now, *used.UsedAt, 0)

			got, err := repo.GetSession(t.Context(), s.ID)
			require.NoError(t, err)
			require.WithinDuration(t, next.ExpiresAt, got.ExpiresAt, 0, "session lives as long as its newest refresh token")

			_, err = repo.RotateRefresh(t.Context(), refresh.JTI, nextToken(refresh, "session-f-jti-3"), now)
			require.ErrorIs(t, err, apperrors.ErrRefreshReplay, "old token can not be used twice")

			_, err = repo.RotateRefresh(t.Context(), next.JTI, nextToken(refresh, "session-f-jti-4"), now)
			require.NoError(t, err, "the new token is usable")
		})
	})

	t.Run("rotate unknown or expired", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}
			user := createTestUser(t, tx, "grace")
			s, refresh := newSession(user, "session-g")
			require.NoError(t, repo.CreateSession(t.Context(), s, refresh))

			_, err := repo.RotateRefresh(t.Context(), "unknown", nextToken(refresh, "x-1"), now)
			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)

			_, err = repo.RotateRefresh(t.Context(), refresh.JTI, nextToken(refresh, "x-2"), refresh.ExpiresAt)
			require.ErrorIs(t, err, apperrors.ErrTokenExpired)
		})
	})

	t.Run("delete expired", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := SessionRepo{DB: tx}
			user := createTestUser(t, tx, "heidi")
			s, refresh := newSession(user, "session-h")
			require.NoError(t, repo.CreateSession(t.Context(), s, refresh))

			deleted, err := repo.DeleteExpired(t.Context(), now)
			require.NoError(t, err)
			require.Zero(t, deleted)

			deleted, err = repo.DeleteExpired(t.Context(), s.ExpiresAt.Add(time.Second))
			require.NoError(t, err)
			require.Equal(t, int64(2), deleted, "session and its refresh token")

			_, err = repo.GetSession(t.Context(), s.ID)
			require.ErrorIs(t, err, apperrors.ErrSessionInvalid)
		})
	})
}

// Runs on the pool: concurrent rotations need independent transactions
func Test_SessionRepo_ConcurrentRotate(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	repo := SessionRepo{DB: pg.Pool}
	user := createTestUser(t, pg.Pool, "racer")
	s, refresh := newSession(user, "session-race")
	require.NoError(t, repo.CreateSession(t.Context(), s, refresh))

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		replays int
		start   = make(chan struct{})
	)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			next := nextToken(refresh, "race-"+uuid.NewString())
			_, err := repo.RotateRefresh(t.Context(), refresh.JTI, next, sessionCreatedAt.Add(time.Minute))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case assert.ErrorIs(t, err, apperrors.ErrRefreshReplay, "goroutine %d", i):
				replays++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, success, "exactly one rotation wins")
	require.Equal(t, n-1, replays)
}
