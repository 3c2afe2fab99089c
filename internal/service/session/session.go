// Package session issues token pairs bound to a (user, device) session,
// rotates them on refresh and decides whether an access token is still honoured.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/models"
	"github.com/nkiryanov/campusauth/internal/repository"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
)

const (
	DefaultMaxSessions  = 5
	DefaultStoreTimeout = 2 * time.Second

	sessionIDBytes = 32
)

// Security event kinds reported through SecurityHook
const (
	EventRefreshReplay      = "REFRESH_REPLAY"
	EventSessionsRevoked    = "SESSIONS_REVOKED"
	EventSessionEvicted     = "SESSION_EVICTED"
	EventFingerprintChanged = "FINGERPRINT_CHANGED"
)

type SecurityEvent struct {
	Kind      string
	UserID    uuid.UUID
	SessionID string
	Meta      models.RequestMeta
	Err       error
}

// SecurityHook is called after the manager has decided, it never changes the outcome
type SecurityHook func(SecurityEvent)

// Codec signs and verifies tokens, implemented by *tokencodec.Codec
type Codec interface {
	IssueAccessToken(in tokencodec.AccessInput, tokenVersion int) (models.IssuedToken, error)
	IssueRefreshToken(userID uuid.UUID, deviceID, sessionID string) (tokencodec.IssuedRefresh, error)
	VerifyAccessToken(token string) (tokencodec.AccessResult, error)
	VerifyRefreshToken(token string) (tokencodec.RefreshClaims, error)
}

// AccessCache memoizes access token verifications, implemented by *verifycache.Cache
type AccessCache interface {
	Verify(token string) (tokencodec.AccessResult, error)
	Invalidate(token string)
}

type Config struct {
	// Active sessions allowed per user, the oldest are revoked above it
	MaxSessions int

	// Bound of every store call made while verifying a request
	StoreTimeout time.Duration

	// Optional cache in front of the codec
	Cache AccessCache

	SecurityHook SecurityHook

	// Clock, time.Now if nil. Should be the clock of the codec.
	Now func() time.Time
}

type Manager struct {
	codec Codec
	cache AccessCache
	users repository.UserRepo
	store repository.SessionStore

	maxSessions  int
	storeTimeout time.Duration
	hook         SecurityHook
	now          func() time.Time

	// Serialize session creation per user, striped by user id
	userLocks [64]sync.Mutex
}

func New(cfg Config, codec Codec, users repository.UserRepo, store repository.SessionStore) (*Manager, error) {
	if codec == nil || users == nil || store == nil {
		return nil, errors.New("codec, user repo and session store must not be nil")
	}

	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.SecurityHook == nil {
		cfg.SecurityHook = func(SecurityEvent) {}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		codec:        codec,
		cache:        cfg.Cache,
		users:        users,
		store:        store,
		maxSessions:  cfg.MaxSessions,
		storeTimeout: cfg.StoreTimeout,
		hook:         cfg.SecurityHook,
		now:          cfg.Now,
	}, nil
}

// CreateSession starts a new session for the user on the device described by meta.
// Empty deviceID is derived from the request fingerprint.
// The session cap holds for logins through one manager. Managers of different
// processes sharing a store may briefly exceed it, the next login evicts the surplus.
func (m *Manager) CreateSession(ctx context.Context, user models.User, deviceID string, meta models.RequestMeta) (models.IssuedSession, error) {
	fp := fingerprint.FromMeta(meta)
	if deviceID == "" {
		deviceID = fingerprint.DeviceID(fp)
	}

	sessionID, err := newSessionID()
	if err != nil {
		return models.IssuedSession{}, err
	}

	lock := m.userLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.evictOldest(ctx, user.ID, meta); err != nil {
		return models.IssuedSession{}, err
	}

	version, err := m.store.CurrentTokenVersion(ctx, user.ID)
	if err != nil {
		return models.IssuedSession{}, fmt.Errorf("failed to read token version: %w", err)
	}

	refresh, err := m.codec.IssueRefreshToken(user.ID, deviceID, sessionID)
	if err != nil {
		return models.IssuedSession{}, err
	}

	session := models.Session{
		ID:          sessionID,
		UserID:      user.ID,
		DeviceID:    deviceID,
		Fingerprint: fp,
		CreatedAt:   refresh.IssuedAt,
		ExpiresAt:   refresh.ExpiresAt,
	}
	marker := models.RefreshToken{
		JTI:       refresh.JTI,
		SessionID: sessionID,
		UserID:    user.ID,
		CreatedAt: refresh.IssuedAt,
		ExpiresAt: refresh.ExpiresAt,
	}
	if err := m.store.CreateSession(ctx, session, marker); err != nil {
		return models.IssuedSession{}, fmt.Errorf("failed to save session: %w", err)
	}

	access, err := m.codec.IssueAccessToken(accessInput(user, session, fp), version)
	if err != nil {
		return models.IssuedSession{}, err
	}

	return models.IssuedSession{
		SessionID: sessionID,
		User:      user,
		Tokens:    models.TokenPair{Access: access, Refresh: refresh.IssuedToken},
	}, nil
}

func (m *Manager) userLock(userID uuid.UUID) *sync.Mutex {
	return &m.userLocks[binary.BigEndian.Uint64(userID[8:])%uint64(len(m.userLocks))]
}

// Keep room for one more session
func (m *Manager) evictOldest(ctx context.Context, userID uuid.UUID, meta models.RequestMeta) error {
	now := m.now()
	active, err := m.store.ListActiveSessions(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for i := 0; i <= len(active)-m.maxSessions; i++ {
		if err := m.store.RevokeSession(ctx, active[i].ID, now); err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
		m.hook(SecurityEvent{Kind: EventSessionEvicted, UserID: userID, SessionID: active[i].ID, Meta: meta})
	}
	return nil
}

// Refresh consumes the refresh token and issues a new pair for the same session.
// Only one of concurrent calls with the same token succeeds, the rest get apperrors.ErrRefreshReplay.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, meta models.RequestMeta) (models.IssuedSession, error) {
	claims, err := m.codec.VerifyRefreshToken(refreshToken)
	if err != nil {
		return models.IssuedSession{}, err
	}

	session, err := m.store.GetSession(ctx, claims.SessionID)
	switch {
	case errors.Is(err, apperrors.ErrSessionInvalid):
		return models.IssuedSession{}, fmt.Errorf("%w: %w", apperrors.ErrSessionRevoked, err)
	case err != nil:
		return models.IssuedSession{}, err
	}
	if session.UserID != claims.UserID || session.DeviceID != claims.DeviceID || !session.Active(m.now()) {
		return models.IssuedSession{}, fmt.Errorf("session %s: %w", session.ID, apperrors.ErrSessionRevoked)
	}

	user, err := m.users.GetUserByID(ctx, claims.UserID)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.IssuedSession{}, fmt.Errorf("%w: %w", apperrors.ErrSessionRevoked, err)
	case err != nil:
		return models.IssuedSession{}, err
	}

	version, err := m.store.CurrentTokenVersion(ctx, user.ID)
	if err != nil {
		return models.IssuedSession{}, fmt.Errorf("failed to read token version: %w", err)
	}

	next, err := m.codec.IssueRefreshToken(user.ID, session.DeviceID, session.ID)
	if err != nil {
		return models.IssuedSession{}, err
	}

	_, err = m.store.RotateRefresh(ctx, claims.ID, models.RefreshToken{
		JTI:       next.JTI,
		SessionID: session.ID,
		UserID:    user.ID,
		CreatedAt: next.IssuedAt,
		ExpiresAt: next.ExpiresAt,
	}, m.now())
	if err != nil {
		if errors.Is(err, apperrors.ErrRefreshReplay) {
			m.hook(SecurityEvent{Kind: EventRefreshReplay, UserID: user.ID, SessionID: session.ID, Meta: meta, Err: err})
		}
		return models.IssuedSession{}, err
	}

	fp := fingerprint.FromMeta(meta)
	if fp != session.Fingerprint {
		m.hook(SecurityEvent{Kind: EventFingerprintChanged, UserID: user.ID, SessionID: session.ID, Meta: meta})
	}

	access, err := m.codec.IssueAccessToken(accessInput(user, session, fp), version)
	if err != nil {
		return models.IssuedSession{}, err
	}

	return models.IssuedSession{
		SessionID: session.ID,
		User:      user,
		Tokens:    models.TokenPair{Access: access, Refresh: next.IssuedToken},
	}, nil
}

// RevokeAll bumps the user's token version and revokes every session.
// Access tokens then fail with apperrors.ErrTokenVersionMismatch, refresh tokens with apperrors.ErrSessionRevoked.
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	version, err := m.store.BumpTokenVersion(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to bump token version: %w", err)
	}

	revoked, err := m.store.RevokeUserSessions(ctx, userID, m.now())
	if err != nil {
		return revoked, fmt.Errorf("token version bumped to %d, but sessions not revoked: %w", version, err)
	}

	m.hook(SecurityEvent{Kind: EventSessionsRevoked, UserID: userID})
	return revoked, nil
}

// Logout revokes one session. The access token, if given, is dropped from the cache.
func (m *Manager) Logout(ctx context.Context, sessionID string, accessToken string) error {
	if m.cache != nil && accessToken != "" {
		m.cache.Invalidate(accessToken)
	}
	return m.store.RevokeSession(ctx, sessionID, m.now())
}

// LogoutTokens revokes the session the cookies belong to. The access token is tried first,
// the refresh token outlives it. Returns apperrors.ErrSessionInvalid if neither verifies.
func (m *Manager) LogoutTokens(ctx context.Context, accessToken string, refreshToken string) error {
	if res, err := m.codec.VerifyAccessToken(accessToken); err == nil {
		return m.Logout(ctx, res.Claims.SessionID, accessToken)
	}
	if claims, err := m.codec.VerifyRefreshToken(refreshToken); err == nil {
		return m.Logout(ctx, claims.SessionID, accessToken)
	}
	return fmt.Errorf("no verifiable token to log out: %w", apperrors.ErrSessionInvalid)
}

// VerifyAccessToken is the full check of the application tier: signature and claims
// (through the cache when set), then token version and session state from the store.
// Store failures and timeouts reject the token.
func (m *Manager) VerifyAccessToken(ctx context.Context, token string) (tokencodec.AccessResult, error) {
	res, err := m.verify(token)
	if err != nil {
		return tokencodec.AccessResult{}, err
	}
	claims := res.Claims

	if err := m.checkStore(ctx, claims); err != nil {
		if m.cache != nil {
			m.cache.Invalidate(token)
		}
		return tokencodec.AccessResult{}, err
	}

	return res, nil
}

func (m *Manager) verify(token string) (tokencodec.AccessResult, error) {
	if m.cache != nil {
		return m.cache.Verify(token)
	}
	return m.codec.VerifyAccessToken(token)
}

func (m *Manager) checkStore(ctx context.Context, claims tokencodec.AccessClaims) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	version, err := m.store.CurrentTokenVersion(ctx, claims.UserID)
	if err != nil {
		return failClosed(err)
	}
	if err := tokencodec.CheckVersion(claims, version); err != nil {
		return err
	}

	active, err := m.store.IsSessionActive(ctx, claims.UserID, claims.SessionID, claims.DeviceID, m.now())
	if err != nil {
		return failClosed(err)
	}
	if !active {
		return fmt.Errorf("session %s: %w", claims.SessionID, apperrors.ErrSessionRevoked)
	}
	return nil
}

func failClosed(err error) error {
	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
}

func accessInput(user models.User, session models.Session, fp string) tokencodec.AccessInput {
	return tokencodec.AccessInput{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		DeviceID:    session.DeviceID,
		SessionID:   session.ID,
		Fingerprint: fp,
	}
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error while generating session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
