package middleware

import (
	"context"
	"net/http"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/gate"
	"github.com/nkiryanov/campusauth/internal/handlers/render"
	"github.com/nkiryanov/campusauth/internal/handlers/userctx"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
)

type accessVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (tokencodec.AccessResult, error)
}

// Auth fully verifies the access cookie and attaches its claims to the request context.
// Handlers behind it may trust userctx.FromContext whatever mode the gate runs in.
// Identity attached by a full-mode gate is already verified and is not checked twice.
func Auth(v accessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := userctx.FromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := cookies.Access(r)
			if !ok {
				render.NeedsAuth(w, "Authentication required")
				return
			}

			res, err := v.VerifyAccessToken(r.Context(), token)
			if err != nil {
				_, hasRefresh := cookies.Refresh(r)
				if hasRefresh && apperrors.Refreshable(err) {
					render.NeedsRefresh(w, "Token expired", gate.RefreshEndpoint)
					return
				}
				render.NeedsAuth(w, "Authentication required")
				return
			}

			if res.ShouldRefresh {
				w.Header().Set(gate.RefreshHintHeader, "true")
			}
			next.ServeHTTP(w, r.WithContext(userctx.New(r.Context(), res.Claims)))
		})
	}
}
