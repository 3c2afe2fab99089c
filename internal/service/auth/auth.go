package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/models"
	"github.com/nkiryanov/campusauth/internal/repository"
	"github.com/nkiryanov/campusauth/internal/service/captcha"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

// Sessions starts a session for an authenticated user, implemented by *session.Manager
type Sessions interface {
	CreateSession(ctx context.Context, user models.User, deviceID string, meta models.RequestMeta) (models.IssuedSession, error)
}

type Config struct {
	// Hasher to use during registration or login, BcryptHasher if nil
	Hasher PasswordHasher

	// Human verification on login, captcha.Noop if nil
	Captcha captcha.Verifier
}

type Credentials struct {
	Username     string
	Password     string
	CaptchaToken string
}

type Registration struct {
	Username string
	Password string
	Nickname string
}

type AuthService struct {
	hasher   PasswordHasher
	captcha  captcha.Verifier
	users    repository.UserRepo
	sessions Sessions

	// hash compared against when the user does not exist, so both paths cost the same
	dummyHash func() string
}

func NewService(cfg Config, users repository.UserRepo, sessions Sessions) (*AuthService, error) {
	if users == nil || sessions == nil {
		return nil, errors.New("user repo and sessions must not be nil")
	}

	hasher := cfg.Hasher
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	verifier := cfg.Captcha
	if verifier == nil {
		verifier = captcha.Noop{}
	}

	return &AuthService{
		hasher:   hasher,
		captcha:  verifier,
		users:    users,
		sessions: sessions,
		dummyHash: sync.OnceValue(func() string {
			hash, _ := hasher.Hash("campusauth-dummy-password")
			return hash
		}),
	}, nil
}

// Login checks the captcha and the password, then starts a session bound to the request.
// Unknown users and wrong passwords both return apperrors.ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, creds Credentials, meta models.RequestMeta) (models.IssuedSession, error) {
	if err := s.captcha.Verify(ctx, creds.CaptchaToken, meta.IP); err != nil {
		return models.IssuedSession{}, err
	}

	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(creds.Username))
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		_ = s.hasher.Compare(s.dummyHash(), creds.Password)
		return models.IssuedSession{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
	case err != nil:
		return models.IssuedSession{}, err
	}

	if err := s.hasher.Compare(user.HashedPassword, creds.Password); err != nil {
		return models.IssuedSession{}, fmt.Errorf("%w: password mismatch", apperrors.ErrInvalidCredentials)
	}

	return s.sessions.CreateSession(ctx, user, "", meta)
}

// Register creates a user with the default role and logs it in
func (s *AuthService) Register(ctx context.Context, reg Registration, meta models.RequestMeta) (models.IssuedSession, error) {
	hash, err := s.hasher.Hash(reg.Password)
	if err != nil {
		return models.IssuedSession{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	username := strings.TrimSpace(reg.Username)
	nickname := strings.TrimSpace(reg.Nickname)
	if nickname == "" {
		nickname = username
	}

	user, err := s.users.CreateUser(ctx, repository.CreateUserParams{
		Username:       username,
		HashedPassword: hash,
		Nickname:       nickname,
		Role:           models.RoleUser,
	})
	if err != nil {
		return models.IssuedSession{}, err
	}

	return s.sessions.CreateSession(ctx, user, "", meta)
}
