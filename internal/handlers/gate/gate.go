package gate

import (
	"context"
	"net/http"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/render"
	"github.com/nkiryanov/campusauth/internal/handlers/userctx"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
	"github.com/nkiryanov/campusauth/internal/service/edge"
)

const (
	ModeEdge = "edge"
	ModeFull = "full"
)

type Checker interface {
	Check(ctx context.Context, token string) Check
}

// EdgeChecker decodes the token without verifying the signature.
// Its claims are never attached as identity.
type EdgeChecker struct {
	Verifier *edge.Verifier
}

func (c EdgeChecker) Check(_ context.Context, token string) Check {
	res := c.Verifier.VerifyBasic(token)
	if !res.Valid {
		return Check{Status: TokenInvalid, ShouldRefresh: res.ShouldRefresh, Err: res.Err}
	}
	return Check{Status: TokenValid, ShouldRefresh: res.ShouldRefresh, Claims: res.Claims}
}

type accessVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (tokencodec.AccessResult, error)
}

// FullChecker verifies signature, claims, token version and session state
type FullChecker struct {
	Sessions accessVerifier
}

func (c FullChecker) Check(ctx context.Context, token string) Check {
	res, err := c.Sessions.VerifyAccessToken(ctx, token)
	if err != nil {
		return Check{Status: TokenInvalid, ShouldRefresh: apperrors.Refreshable(err), Err: err}
	}
	return Check{Status: TokenValid, ShouldRefresh: res.ShouldRefresh, Claims: &res.Claims, Verified: true}
}

// OnDecision observes every decision after it was made
type OnDecision func(r *http.Request, in Input, d Decision)

type Config struct {
	Rules      Rules
	Checker    Checker
	Jar        cookies.Jar
	OnDecision OnDecision
}

type Gate struct {
	rules      Rules
	checker    Checker
	jar        cookies.Jar
	onDecision OnDecision
}

func New(cfg Config) *Gate {
	if cfg.OnDecision == nil {
		cfg.OnDecision = func(*http.Request, Input, Decision) {}
	}
	return &Gate{
		rules:      cfg.Rules,
		checker:    cfg.Checker,
		jar:        cfg.Jar,
		onDecision: cfg.OnDecision,
	}
}

// Evaluate builds the decision input for the request and decides
func (g *Gate) Evaluate(r *http.Request) (Input, Decision) {
	in := Input{Path: r.URL.Path, Category: g.rules.Classify(r.URL.Path)}
	_, in.HasRefreshCookie = cookies.Refresh(r)

	// Skipped paths are not checked at all
	if in.Category == Public && matchAny(in.Path, g.rules.Skip) {
		return in, Decision{Category: Public}
	}

	if token, ok := cookies.Access(r); ok {
		in.Check = g.checker.Check(r.Context(), token)
	}

	return in, Decide(in)
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in, d := g.Evaluate(r)
		g.onDecision(r, in, d)

		if d.ClearCookies {
			g.jar.Clear(w)
		}

		switch d.Action {
		case Redirect:
			http.Redirect(w, r, d.Location, http.StatusFound)
			return
		case Unauthorized:
			if d.NeedsRefresh {
				render.NeedsRefresh(w, "Token expired", RefreshEndpoint)
			} else {
				render.NeedsAuth(w, "Authentication required")
			}
			return
		}

		if d.RefreshHint {
			w.Header().Set(RefreshHintHeader, "true")
		}
		if d.AttachIdentity {
			r = r.WithContext(userctx.New(r.Context(), *in.Check.Claims))
		}
		next.ServeHTTP(w, r)
	})
}
