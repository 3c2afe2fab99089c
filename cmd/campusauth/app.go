package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/campusauth/internal/db"
	"github.com/nkiryanov/campusauth/internal/handlers"
	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/gate"
	"github.com/nkiryanov/campusauth/internal/logger"
	"github.com/nkiryanov/campusauth/internal/repository"
	"github.com/nkiryanov/campusauth/internal/repository/postgres"
	"github.com/nkiryanov/campusauth/internal/repository/redisstore"
	"github.com/nkiryanov/campusauth/internal/service/auth"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
	"github.com/nkiryanov/campusauth/internal/service/captcha"
	"github.com/nkiryanov/campusauth/internal/service/edge"
	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
	"github.com/nkiryanov/campusauth/internal/service/janitor"
	"github.com/nkiryanov/campusauth/internal/service/session"
	"github.com/nkiryanov/campusauth/internal/service/usercache"
	"github.com/nkiryanov/campusauth/internal/service/verifycache"
)

const redisKeyPrefix = "campusauth:"

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	janitor *janitor.Janitor
	logger  logger.Logger
	closers []func()
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Everything opened so far is closed if start-up fails
	app := &ServerApp{ListenAddr: c.ListenAddr, logger: l}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	app.closers = append(app.closers, pool.Close)

	// Initialize repositories
	storage := postgres.NewStorage(pool)
	sessionStore, err := app.sessionStore(ctx, c, storage)
	if err != nil {
		return nil, err
	}

	// Initialize services
	codec, err := tokencodec.New(tokencodec.Config{SecretKey: c.SecretKey})
	if err != nil {
		return nil, err
	}

	cache, err := verifycache.New(verifycache.Config{
		Secret:   c.SecretKey,
		MaxItems: c.CacheMaxItems,
		Observer: func(e verifycache.Event) {
			l.Debug("Verification cache", "event", e.Kind, "key", e.Key)
		},
	}, codec)
	if err != nil {
		return nil, fmt.Errorf("error while creating verification cache: %w", err)
	}
	app.closers = append(app.closers, cache.Close)

	sessions, err := session.New(session.Config{
		Cache:        cache,
		SecurityHook: securityHook(l),
	}, codec, storage.User(), sessionStore)
	if err != nil {
		return nil, fmt.Errorf("error while creating session manager: %w", err)
	}

	authService, err := auth.NewService(auth.Config{Captcha: captchaVerifier(c, l)}, storage.User(), sessions)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	users, err := usercache.New(usercache.Config{}, storage.User())
	if err != nil {
		return nil, fmt.Errorf("error while creating user cache: %w", err)
	}
	app.closers = append(app.closers, users.Close)

	// Initialize handlers
	jar := cookies.NewJar(c.Environment == logger.EnvProduction)

	var checker gate.Checker = gate.FullChecker{Sessions: sessions}
	if c.GateMode == gate.ModeEdge {
		checker = gate.EdgeChecker{Verifier: edge.New(tokencodec.DefaultRefreshWindow, nil)}
	}

	proxies, err := fingerprint.ParseProxies(c.TrustedProxies)
	if err != nil {
		return nil, err
	}

	app.Handler = handlers.NewRouter(handlers.Config{
		Auth:     authService,
		Sessions: sessions,
		Users:    users,
		Gate: gate.New(gate.Config{
			Rules:   gate.DefaultRules(),
			Checker: checker,
			Jar:     jar,
			OnDecision: func(r *http.Request, in gate.Input, d gate.Decision) {
				l.Debug("Route gate decision",
					"path", in.Path,
					"category", d.Category,
					"token", d.Token,
					"action", d.Action,
					"location", d.Location,
				)
			},
		}),
		Jar:    jar,
		Logger: l,

		TrustedProxies: proxies,
	})

	app.janitor = janitor.New(janitor.Config{}, sessionStore, l.WithGroup("janitor"))

	return app, nil
}

func (s *ServerApp) sessionStore(ctx context.Context, c *Config, storage *postgres.Storage) (repository.SessionStore, error) {
	if c.SessionStore != storeRedis {
		return storage.Session(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	s.closers = append(s.closers, func() { _ = client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error while connecting to redis at %s: %w", c.RedisAddr, err)
	}
	return redisstore.New(client, redisKeyPrefix), nil
}

func captchaVerifier(c *Config, l logger.Logger) captcha.Verifier {
	if c.HCaptchaSecret == "" {
		l.Warn("HCAPTCHA_SECRET is not set, captcha tokens are not verified")
		return captcha.Noop{}
	}
	return captcha.NewClient(c.HCaptchaSecret, c.HCaptchaVerifyURL, &http.Client{Timeout: 5 * time.Second}, l)
}

func securityHook(l logger.Logger) session.SecurityHook {
	return func(e session.SecurityEvent) {
		args := []any{
			"event", e.Kind,
			"user_id", e.UserID,
			"session_id", e.SessionID,
			"ip", e.Meta.IP,
			"user_agent", e.Meta.UserAgent,
		}
		if e.Err != nil {
			args = append(args, "error", e.Err)
		}

		switch e.Kind {
		case session.EventRefreshReplay, session.EventFingerprintChanged:
			l.Warn("Security event", args...)
		default:
			l.Info("Security event", args...)
		}
	}
}

func (s *ServerApp) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	janitorStopped := s.janitor.Run(srvCtx)

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err == context.DeadlineExceeded {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	<-janitorStopped

	return err
}
