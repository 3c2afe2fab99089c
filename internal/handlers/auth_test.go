package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/gate"
	"github.com/nkiryanov/campusauth/internal/handlers/middleware"
	"github.com/nkiryanov/campusauth/internal/handlers/userctx"
	"github.com/nkiryanov/campusauth/internal/logger"
	"github.com/nkiryanov/campusauth/internal/models"
	"github.com/nkiryanov/campusauth/internal/repository/postgres"
	"github.com/nkiryanov/campusauth/internal/service/auth"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
	"github.com/nkiryanov/campusauth/internal/service/session"
	"github.com/nkiryanov/campusauth/internal/service/usercache"
	"github.com/nkiryanov/campusauth/internal/service/verifycache"
	"github.com/nkiryanov/campusauth/internal/testutil"
)

const testSecret = "handlers-test-secret-0123456789abcdef"

// Accepts only the captcha token "human"
type captchaFunc func(token string) error

func (f captchaFunc) Verify(_ context.Context, token string, _ string) error {
	return f(token)
}

var onlyHumans = captchaFunc(func(token string) error {
	if token != "human" {
		return fmt.Errorf("%w: not a human", apperrors.ErrHumanVerificationFailed)
	}
	return nil
})

// testApp is the whole auth stack on top of one db transaction, served by httptest
type testApp struct {
	url      *url.URL
	client   *http.Client
	clock    *testutil.Clock
	storage  *postgres.Storage
	sessions *session.Manager
	auth     *auth.AuthService
}

func startApp(t *testing.T, tx pgx.Tx, opts ...func(*Config)) *testApp {
	t.Helper()

	clock := testutil.NewClock(time.Now().UTC())
	storage := postgres.NewStorage(tx)

	codec, err := tokencodec.New(tokencodec.Config{SecretKey: testSecret, Now: clock.Now})
	require.NoError(t, err)

	cache, err := verifycache.New(verifycache.Config{Secret: testSecret, Now: clock.Now}, codec)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	sessions, err := session.New(session.Config{Cache: cache, Now: clock.Now}, codec, storage.User(), storage.Session())
	require.NoError(t, err)

	authService, err := auth.NewService(auth.Config{Captcha: onlyHumans}, storage.User(), sessions)
	require.NoError(t, err)

	users, err := usercache.New(usercache.Config{}, storage.User())
	require.NoError(t, err)
	t.Cleanup(users.Close)

	jar := cookies.NewJar(false)
	cfg := Config{
		Auth:     authService,
		Sessions: sessions,
		Users:    users,
		Gate: gate.New(gate.Config{
			Rules:   gate.DefaultRules(),
			Checker: gate.FullChecker{Sessions: sessions},
			Jar:     jar,
		}),
		Jar: jar,
		Pages: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			page := "page:" + r.URL.Path
			if claims, ok := userctx.FromContext(r.Context()); ok {
				page += " user:" + claims.Username
			}
			_, _ = io.WriteString(w, page)
		}),
		Logger: logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cookieJar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testApp{
		url: u,
		client: &http.Client{
			Jar: cookieJar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		clock:    clock,
		storage:  storage,
		sessions: sessions,
		auth:     authService,
	}
}

func (a *testApp) do(t *testing.T, method string, path string, body string) (*http.Response, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.url.JoinPath(path).String(), reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "campus-test/1.0")

	resp, err := a.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func (a *testApp) register(t *testing.T, username string, password string) models.User {
	t.Helper()

	issued, err := a.auth.Register(t.Context(), auth.Registration{Username: username, Password: password}, models.RequestMeta{})
	require.NoError(t, err)
	return issued.User
}

func (a *testApp) login(t *testing.T, username string, password string) (*http.Response, string) {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/auth/login",
		fmt.Sprintf(`{"username": %q, "password": %q, "hcaptchaToken": "human"}`, username, password))
}

func (a *testApp) cookie(name string) string {
	for _, c := range a.client.Jar.Cookies(a.url) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (a *testApp) setCookie(name string, value string) {
	a.client.Jar.SetCookies(a.url, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

func responseCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v), "body: %s", body)
	return v
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		User      models.Profile `json:"user"`
		SessionID string         `json:"sessionId"`
	} `json:"data"`
}

func Test_AuthHandlers(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	withApp := func(dbpool *pgxpool.Pool, t *testing.T, fn func(a *testApp), opts ...func(*Config)) {
		testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
			fn(startApp(t, tx, opts...))
		})
	}

	t.Run("login ok", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			user := a.register(t, "alice", "StrongEnoughPassword")

			resp, body := a.login(t, "alice", "StrongEnoughPassword")
			require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)

			res := decode[loginResponse](t, body)
			require.True(t, res.Success)
			require.Equal(t, "Login successful", res.Message)
			require.Equal(t, user.ID, res.Data.User.ID)
			require.Equal(t, "alice", res.Data.User.Username)
			require.Len(t, res.Data.SessionID, 64)

			access := responseCookie(resp, cookies.AccessName)
			require.NotNil(t, access)
			require.True(t, access.HttpOnly)
			require.Equal(t, http.SameSiteLaxMode, access.SameSite)
			require.Equal(t, "/", access.Path)
			require.Equal(t, 7200, access.MaxAge)

			refresh := responseCookie(resp, cookies.RefreshName)
			require.NotNil(t, refresh)
			require.True(t, refresh.HttpOnly)
			require.Equal(t, 604800, refresh.MaxAge)
		})
	})

	t.Run("login failed", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			a.register(t, "alice", "StrongEnoughPassword")

			tests := []struct {
				name     string
				body     string
				code     int
				expected string
			}{
				{
					name:     "wrong password",
					body:     `{"username": "alice", "password": "WrongPassword", "hcaptchaToken": "human"}`,
					code:     http.StatusUnauthorized,
					expected: `{"success": false, "message": "Invalid username or password"}`,
				},
				{
					name:     "unknown user",
					body:     `{"username": "bob", "password": "StrongEnoughPassword", "hcaptchaToken": "human"}`,
					code:     http.StatusUnauthorized,
					expected: `{"success": false, "message": "Invalid username or password"}`,
				},
				{
					name:     "captcha rejected",
					body:     `{"username": "alice", "password": "StrongEnoughPassword", "hcaptchaToken": "robot"}`,
					code:     http.StatusBadRequest,
					expected: `{"success": false, "message": "Human verification failed"}`,
				},
				{
					name:     "missing fields",
					body:     `{"hcaptchaToken": "human"}`,
					code:     http.StatusBadRequest,
					expected: `{"error": "validation_failed", "message": "Request validation failed", "fields": {"username": "This field is required", "password": "This field is required"}}`,
				},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					resp, body := a.do(t, http.MethodPost, "/api/auth/login", tt.body)

					require.Equalf(t, tt.code, resp.StatusCode, "body: %s", body)
					require.JSONEq(t, tt.expected, body)
					require.Empty(t, resp.Cookies(), "no cookies on failed login")
				})
			}
		})
	})

	t.Run("login rate limited", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			for range 2 {
				resp, _ := a.login(t, "nobody", "password")
				require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			}

			resp, body := a.login(t, "nobody", "password")
			require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
			require.NotEmpty(t, resp.Header.Get("Retry-After"))
			require.JSONEq(t, `{"success": false, "message": "Too many requests, please try again later"}`, body)
		}, func(c *Config) {
			c.LoginLimit = middleware.RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute}
		})
	})

	t.Run("register", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			data := `{"username": "new_user", "password": "StrongEnoughPassword", "nickname": "Newbie"}`

			resp, body := a.do(t, http.MethodPost, "/api/auth/register", data)
			require.Equalf(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
			res := decode[loginResponse](t, body)
			require.Equal(t, "Newbie", res.Data.User.Nickname)
			require.Equal(t, models.RoleUser, res.Data.User.Role)
			require.NotEmpty(t, a.cookie(cookies.AccessName))

			resp, body = a.do(t, http.MethodPost, "/api/auth/register", data)
			require.Equal(t, http.StatusConflict, resp.StatusCode)
			require.JSONEq(t, `{"success": false, "message": "User already exists"}`, body)

			resp, body = a.do(t, http.MethodPost, "/api/auth/register", `{"username": "bad name!", "password": "short"}`)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.JSONEq(t, `{
				"error": "validation_failed",
				"message": "Request validation failed",
				"fields": {
					"username": "Only letters, digits, '_' and '-' are allowed",
					"password": "Value is too short (minimum 8)"
				}
			}`, body)
		})
	})

	t.Run("refresh rotates cookies", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			a.register(t, "alice", "StrongEnoughPassword")
			a.login(t, "alice", "StrongEnoughPassword")
			oldAccess, oldRefresh := a.cookie(cookies.AccessName), a.cookie(cookies.RefreshName)

			a.clock.Advance(time.Minute)
			resp, body := a.do(t, http.MethodPost, "/api/auth/refresh", "")
			require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
			require.JSONEq(t, `{"success": true, "message": "Tokens refreshed"}`, body)
			require.NotEqual(t, oldAccess, a.cookie(cookies.AccessName))
			require.NotEqual(t, oldRefresh, a.cookie(cookies.RefreshName))

			// The used refresh token is dead
			a.setCookie(cookies.RefreshName, oldRefresh)
			resp, body = a.do(t, http.MethodPost, "/api/auth/refresh", "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.JSONEq(t, `{"success": false, "message": "Invalid refresh token"}`, body)
			require.Empty(t, a.cookie(cookies.RefreshName), "failed refresh clears cookies")
		})
	})

	t.Run("refresh without cookie", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			resp, body := a.do(t, http.MethodPost, "/api/auth/refresh", "")

			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.JSONEq(t, `{"success": false, "message": "Refresh token not found"}`, body)
			cleared := responseCookie(resp, cookies.RefreshName)
			require.NotNil(t, cleared)
			require.Less(t, cleared.MaxAge, 0)
		})
	})

	t.Run("logout revokes the session", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			a.register(t, "alice", "StrongEnoughPassword")
			a.login(t, "alice", "StrongEnoughPassword")
			access := a.cookie(cookies.AccessName)

			resp, body := a.do(t, http.MethodPost, "/api/auth/logout", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.JSONEq(t, `{"success": true, "message": "Logged out"}`, body)
			require.Empty(t, a.cookie(cookies.AccessName))

			_, err := a.sessions.VerifyAccessToken(t.Context(), access)
			require.ErrorIs(t, err, apperrors.ErrSessionRevoked)

			// Logging out twice is fine
			resp, _ = a.do(t, http.MethodPost, "/api/auth/logout", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
		})
	})

	t.Run("revoke all", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			a.register(t, "alice", "StrongEnoughPassword")
			a.login(t, "alice", "StrongEnoughPassword")
			firstRefresh := a.cookie(cookies.RefreshName)
			a.login(t, "alice", "StrongEnoughPassword")

			resp, body := a.do(t, http.MethodPost, "/api/auth/revoke-all", "")
			require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
			// registration started a session too
			require.JSONEq(t, `{"success": true, "message": "All sessions revoked", "revoked": 3}`, body)

			a.setCookie(cookies.RefreshName, firstRefresh)
			resp, _ = a.do(t, http.MethodPost, "/api/auth/refresh", "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	})

	t.Run("me", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			resp, body := a.do(t, http.MethodGet, "/api/auth/me", "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.JSONEq(t, `{"error": "Authentication required", "needsAuth": true}`, body)

			user := a.register(t, "alice", "StrongEnoughPassword")
			a.login(t, "alice", "StrongEnoughPassword")

			resp, body = a.do(t, http.MethodGet, "/api/auth/me", "")
			require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
			require.JSONEq(t, fmt.Sprintf(`{"id": %q, "username": "alice", "nickname": "alice", "avatar": "", "role": "user"}`, user.ID), body)
		})
	})

	t.Run("pages behind the gate", func(t *testing.T) {
		withApp(pg.Pool, t, func(a *testApp) {
			resp, _ := a.do(t, http.MethodGet, "/dashboard", "")
			require.Equal(t, http.StatusFound, resp.StatusCode)
			require.Equal(t, "/login?redirect=%2Fdashboard", resp.Header.Get("Location"))

			resp, body := a.do(t, http.MethodGet, "/login", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, "page:/login", body)

			a.register(t, "alice", "StrongEnoughPassword")
			a.login(t, "alice", "StrongEnoughPassword")

			resp, body = a.do(t, http.MethodGet, "/dashboard", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, "page:/dashboard user:alice", body)

			resp, _ = a.do(t, http.MethodGet, "/login", "")
			require.Equal(t, http.StatusFound, resp.StatusCode)
			require.Equal(t, "/", resp.Header.Get("Location"))

			a.clock.Advance(2*time.Hour + time.Second)
			resp, _ = a.do(t, http.MethodGet, "/profile", "")
			require.Equal(t, http.StatusFound, resp.StatusCode)
			require.Equal(t, "/login?expired=true&redirect=%2Fprofile", resp.Header.Get("Location"))

			resp, body = a.do(t, http.MethodGet, "/", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, "true", resp.Header.Get(gate.RefreshHintHeader), "public pages hint a possible refresh")
			require.Equal(t, "page:/", body, "expired identity is never attached")
		})
	})
}
