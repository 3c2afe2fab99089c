package userctx

import (
	"context"

	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
)

type ctxKey string

const identityKey ctxKey = "identity"

// Create a new context carrying verified access token claims
func New(ctx context.Context, claims tokencodec.AccessClaims) context.Context {
	return context.WithValue(ctx, identityKey, claims)
}

// Extract the claims from the context
func FromContext(ctx context.Context) (tokencodec.AccessClaims, bool) {
	c, ok := ctx.Value(identityKey).(tokencodec.AccessClaims)
	return c, ok
}
