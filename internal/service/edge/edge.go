// Package edge inspects access tokens without checking their signature.
//
// Results are hints for routing and for prompting a refresh early. They must never
// be used to authorize anything: anyone can forge an unsigned payload.
package edge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
)

// Result of VerifyBasic
type Result struct {
	Valid         bool
	ShouldRefresh bool
	Claims        *tokencodec.AccessClaims
	Err           error
}

type Verifier struct {
	now    func() time.Time
	window time.Duration
	parser *jwt.Parser
}

// New returns a verifier. Zero window means tokencodec.DefaultRefreshWindow, nil now means time.Now.
func New(window time.Duration, now func() time.Time) *Verifier {
	if window == 0 {
		window = tokencodec.DefaultRefreshWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{now: now, window: window, parser: jwt.NewParser()}
}

// IsValidFormat reports whether the token has three non-empty dot separated segments
func IsValidFormat(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// ParseClaimsUnsafe decodes the payload segment. It returns nil for anything that is not a decodable token.
// The header is not looked at, the algorithm only matters to signature checks.
func (v *Verifier) ParseClaimsUnsafe(token string) *tokencodec.AccessClaims {
	if !IsValidFormat(token) {
		return nil
	}

	payload, err := v.parser.DecodeSegment(strings.Split(token, ".")[1])
	if err != nil {
		return nil
	}

	var claims tokencodec.AccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return &claims
}

// IsExpired treats undecodable tokens and tokens without exp as expired
func (v *Verifier) IsExpired(token string) bool {
	claims := v.ParseClaimsUnsafe(token)
	return claims == nil || expired(claims, v.now())
}

func (v *Verifier) IsNearExpiry(token string) bool {
	claims := v.ParseClaimsUnsafe(token)
	if claims == nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Sub(v.now()) < v.window
}

// VerifyBasic combines the checks above into a single routing hint.
// Expired tokens are reported as ShouldRefresh so the caller tries the refresh endpoint.
func (v *Verifier) VerifyBasic(token string) Result {
	if !IsValidFormat(token) {
		return Result{Err: fmt.Errorf("%w: invalid token format", apperrors.ErrTokenMalformed)}
	}

	claims := v.ParseClaimsUnsafe(token)
	if claims == nil {
		return Result{Err: fmt.Errorf("%w: cannot decode payload", apperrors.ErrTokenMalformed)}
	}

	now := v.now()
	if expired(claims, now) {
		return Result{ShouldRefresh: true, Claims: claims, Err: apperrors.ErrTokenExpired}
	}

	return Result{
		Valid:         true,
		ShouldRefresh: claims.ExpiresAt.Sub(now) < v.window,
		Claims:        claims,
	}
}

func expired(claims *tokencodec.AccessClaims, now time.Time) bool {
	return claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time)
}
