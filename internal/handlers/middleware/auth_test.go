package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/userctx"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
)

// Allow to use a function as access verifier
type verifyFunc func(ctx context.Context, token string) (tokencodec.AccessResult, error)

func (f verifyFunc) VerifyAccessToken(ctx context.Context, token string) (tokencodec.AccessResult, error) {
	return f(ctx, token)
}

func TestAuthMiddleware_Auth(t *testing.T) {
	// Simple handler that try to get identity from context
	// If ok write its username to response
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Must always be true cause middleware has to set identity or write error to response
		claims, ok := userctx.FromContext(r.Context())
		require.True(t, ok)

		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte(claims.Username))
		require.NoError(t, err, "should write username to response")
	})

	verifier := verifyFunc(func(_ context.Context, token string) (tokencodec.AccessResult, error) {
		switch token {
		case "good":
			return tokencodec.AccessResult{Claims: tokencodec.AccessClaims{Username: "test-user"}}, nil
		case "near-expiry":
			return tokencodec.AccessResult{Claims: tokencodec.AccessClaims{Username: "test-user"}, ShouldRefresh: true}, nil
		case "expired":
			return tokencodec.AccessResult{}, apperrors.ErrTokenExpired
		default:
			return tokencodec.AccessResult{}, apperrors.ErrTokenVersionMismatch
		}
	})

	srv := httptest.NewServer(Auth(verifier)(handler))
	t.Cleanup(srv.Close)

	get := func(t *testing.T, access, refresh string) (*http.Response, string) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/test", nil)
		require.NoError(t, err)
		if access != "" {
			req.AddCookie(&http.Cookie{Name: cookies.AccessName, Value: access})
		}
		if refresh != "" {
			req.AddCookie(&http.Cookie{Name: cookies.RefreshName, Value: refresh})
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err, "should make request to test server")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err, "should read response body")
		defer resp.Body.Close() // nolint:errcheck

		return resp, string(body)
	}

	t.Run("auth ok", func(t *testing.T) {
		resp, body := get(t, "good", "")

		require.Equalf(t, http.StatusOK, resp.StatusCode, "should return status OK. Resp: %s", body)
		require.Equal(t, "test-user", body, "should return username in response")
		require.Empty(t, resp.Header.Get("X-Token-Refresh-Needed"))
	})

	t.Run("near expiry hint", func(t *testing.T) {
		resp, _ := get(t, "near-expiry", "")

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "true", resp.Header.Get("X-Token-Refresh-Needed"))
	})

	tests := []struct {
		name     string
		access   string
		refresh  string
		expected string
	}{
		{"no token", "", "r", `{"error": "Authentication required", "needsAuth": true}`},
		{"expired with refresh cookie", "expired", "r", `{"error": "Token expired", "needsRefresh": true, "refreshEndpoint": "/api/auth/refresh"}`},
		{"expired without refresh cookie", "expired", "", `{"error": "Authentication required", "needsAuth": true}`},
		{"revoked", "revoked", "r", `{"error": "Authentication required", "needsAuth": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, tt.access, tt.refresh)

			require.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "should return status Unauthorized. Resp: %s", body)
			require.JSONEq(t, tt.expected, body)
		})
	}
}

func TestAuthMiddleware_TrustsAttachedIdentity(t *testing.T) {
	called := false
	verifier := verifyFunc(func(context.Context, string) (tokencodec.AccessResult, error) {
		called = true
		return tokencodec.AccessResult{}, apperrors.ErrTokenMalformed
	})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := userctx.FromContext(r.Context())
		_, _ = w.Write([]byte(claims.Username))
	})

	r := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	r = r.WithContext(userctx.New(r.Context(), tokencodec.AccessClaims{Username: "from-gate"}))
	w := httptest.NewRecorder()
	Auth(verifier)(handler).ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "from-gate", w.Body.String())
	require.False(t, called, "verified identity is not checked again")
}
