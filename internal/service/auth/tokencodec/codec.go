package tokencodec

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/models"
)

const (
	MinSecretLength = 32

	DefaultIssuer        = "campus-auth"
	DefaultAudience      = "campus-users"
	DefaultAccessTTL     = 2 * time.Hour
	DefaultRefreshTTL    = 7 * 24 * time.Hour
	DefaultRefreshWindow = 15 * time.Minute
)

// Config of the codec. Zero values are replaced with defaults, except SecretKey.
type Config struct {
	// Secret to sign and verify tokens, at least MinSecretLength chars
	SecretKey string

	Issuer   string
	Audience string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Access tokens expiring sooner than this are reported as ShouldRefresh
	RefreshWindow time.Duration

	// Clock, time.Now if nil
	Now func() time.Time
}

// AccessInput is everything an access token carries except times and version
type AccessInput struct {
	UserID      uuid.UUID
	Username    string
	Role        string
	DeviceID    string
	SessionID   string
	Fingerprint string
}

// AccessResult of a successful access token verification
type AccessResult struct {
	Claims        AccessClaims
	ShouldRefresh bool
}

// IssuedRefresh is a signed refresh token together with its single-use identifier
type IssuedRefresh struct {
	models.IssuedToken
	JTI      string
	IssuedAt time.Time
}

// Codec signs and verifies HS256 access and refresh tokens.
// It has no side effects and is safe for concurrent use.
type Codec struct {
	key           []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	refreshWindow time.Duration
	now           func() time.Time

	parser *jwt.Parser

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func New(cfg Config) (*Codec, error) {
	if cfg.SecretKey == "" {
		return nil, &apperrors.ConfigError{Field: "SECRET_KEY", Reason: "signing secret is not set"}
	}
	if len(cfg.SecretKey) < MinSecretLength {
		return nil, &apperrors.ConfigError{
			Field:  "SECRET_KEY",
			Reason: fmt.Sprintf("signing secret must be at least %d characters", MinSecretLength),
		}
	}

	setDefault := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefault(&cfg.AccessTTL, DefaultAccessTTL)
	setDefault(&cfg.RefreshTTL, DefaultRefreshTTL)
	setDefault(&cfg.RefreshWindow, DefaultRefreshWindow)

	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Codec{
		key:           []byte(cfg.SecretKey),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		refreshWindow: cfg.RefreshWindow,
		now:           cfg.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(cfg.Now),
		),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccessToken signs an access token valid for AccessTTL from now
func (c *Codec) IssueAccessToken(in AccessInput, tokenVersion int) (models.IssuedToken, error) {
	now := c.now().Truncate(time.Second)
	expiresAt := now.Add(c.accessTTL)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   in.UserID.String(),
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:       in.UserID,
		Username:     in.Username,
		Role:         in.Role,
		DeviceID:     in.DeviceID,
		SessionID:    in.SessionID,
		Fingerprint:  in.Fingerprint,
		TokenVersion: tokenVersion,
		Type:         TypeAccess,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing access token: %w", err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// IssueRefreshToken signs a refresh token valid for RefreshTTL from now
func (c *Codec) IssueRefreshToken(userID uuid.UUID, deviceID, sessionID string) (IssuedRefresh, error) {
	now := c.now().Truncate(time.Second)
	expiresAt := now.Add(c.refreshTTL)
	jti := c.newJTI(now)

	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID.String(),
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Type:      TypeRefresh,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return IssuedRefresh{}, fmt.Errorf("error while signing refresh token: %w", err)
	}

	return IssuedRefresh{
		IssuedToken: models.IssuedToken{Value: signed, ExpiresAt: expiresAt},
		JTI:         jti,
		IssuedAt:    now,
	}, nil
}

// VerifyAccessToken checks signature, issuer, audience, expiry and required claims.
// Errors wrap apperrors.ErrTokenExpired or apperrors.ErrTokenMalformed.
// The token version is not checked here, see CheckVersion.
func (c *Codec) VerifyAccessToken(token string) (AccessResult, error) {
	var claims AccessClaims
	if _, err := c.parser.ParseWithClaims(token, &claims, c.keyFunc); err != nil {
		err = classify(err)
		if errors.Is(err, apperrors.ErrTokenWrongType) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTokenMalformed, err)
		}
		return AccessResult{}, err
	}

	left := claims.ExpiresAt.Sub(c.now())
	return AccessResult{Claims: claims, ShouldRefresh: left < c.refreshWindow}, nil
}

// VerifyRefreshToken checks a refresh token.
// Errors wrap apperrors.ErrTokenExpired, apperrors.ErrTokenWrongType or apperrors.ErrTokenMalformed.
func (c *Codec) VerifyRefreshToken(token string) (RefreshClaims, error) {
	var claims RefreshClaims
	if _, err := c.parser.ParseWithClaims(token, &claims, c.keyFunc); err != nil {
		return RefreshClaims{}, classify(err)
	}
	return claims, nil
}

// CheckVersion fails with apperrors.ErrTokenVersionMismatch when the token was
// issued before the user's tokens were revoked.
func CheckVersion(claims AccessClaims, current int) error {
	if claims.TokenVersion != current {
		return fmt.Errorf("%w: token has %d, current is %d", apperrors.ErrTokenVersionMismatch, claims.TokenVersion, current)
	}
	return nil
}

func (c *Codec) keyFunc(*jwt.Token) (any, error) {
	return c.key, nil
}

func (c *Codec) newJTI(at time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), c.entropy).String()
}

// classify maps jwt errors onto the token error taxonomy
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, errMissingClaim):
		return fmt.Errorf("%w: %v", apperrors.ErrTokenMalformed, err)
	case errors.Is(err, errWrongType):
		return fmt.Errorf("%w: %v", apperrors.ErrTokenWrongType, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", apperrors.ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", apperrors.ErrTokenMalformed, err)
	}
}
