package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/gate"
	"github.com/nkiryanov/campusauth/internal/handlers/middleware"
	"github.com/nkiryanov/campusauth/internal/logger"
	"github.com/nkiryanov/campusauth/internal/models"
	"github.com/nkiryanov/campusauth/internal/service/auth"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type Config struct {
	Auth     authService
	Sessions sessionService
	Users    userProfiles

	// Decides for every request before it is routed
	Gate *gate.Gate
	Jar  cookies.Jar

	// Limit of login and register attempts per client address, middleware.LoginLimit if zero
	LoginLimit middleware.RateLimitConfig

	// Peers allowed to tell the client address in forwarding headers
	TrustedProxies fingerprint.Proxies

	// Everything that is not an auth endpoint, 404 if nil
	Pages http.Handler

	Logger logger.Logger
}

func NewRouter(cfg Config) http.Handler {
	l := cfg.Logger
	if cfg.LoginLimit.RequestsPerWindow == 0 {
		cfg.LoginLimit = middleware.LoginLimit
	}
	if cfg.Pages == nil {
		cfg.Pages = http.NotFoundHandler()
	}

	limited := middleware.RateLimitByIP(cfg.LoginLimit, l)
	withAuth := middleware.Auth(cfg.Sessions)

	apiauth := http.NewServeMux()
	apiauth.Handle("POST /login", limited(handleLogin(cfg.Auth, cfg.Jar, l)))
	apiauth.Handle("POST /register", limited(handleRegister(cfg.Auth, cfg.Jar, l)))
	apiauth.Handle("POST /refresh", handleRefresh(cfg.Sessions, cfg.Jar, l))
	apiauth.Handle("GET /verify", handleVerify(cfg.Sessions, cfg.Users, l))
	apiauth.Handle("POST /logout", handleLogout(cfg.Sessions, cfg.Jar, l))

	apiauth.Handle("POST /revoke-all", withAuth(handleRevokeAll(cfg.Sessions, cfg.Users, cfg.Jar, l)))
	apiauth.Handle("GET /me", withAuth(handleUserMe(cfg.Users, l)))

	root := http.NewServeMux()
	root.Handle("/api/auth/", http.StripPrefix("/api/auth", apiauth))
	root.Handle("/", cfg.Pages)

	return chain(root,
		middleware.RealIP(cfg.TrustedProxies),
		middleware.Logger(l),
		cfg.Gate.Middleware,
	)
}

type authService interface {
	// Has to return apperrors.ErrInvalidCredentials for unknown users and wrong passwords,
	// apperrors.ErrHumanVerificationFailed if the captcha token was rejected
	Login(ctx context.Context, creds auth.Credentials, meta models.RequestMeta) (models.IssuedSession, error)

	// Has to return apperrors.ErrUserAlreadyExists if the username is taken
	Register(ctx context.Context, reg auth.Registration, meta models.RequestMeta) (models.IssuedSession, error)
}

type sessionService interface {
	Refresh(ctx context.Context, refreshToken string, meta models.RequestMeta) (models.IssuedSession, error)
	VerifyAccessToken(ctx context.Context, token string) (tokencodec.AccessResult, error)
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)
	LogoutTokens(ctx context.Context, accessToken string, refreshToken string) error
}

// Implemented by *usercache.Cache
type userProfiles interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	Invalidate(userID uuid.UUID)
}
