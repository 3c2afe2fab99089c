// Package gate decides per request whether to proceed, redirect or answer 401,
// based on the path category and the state of the access token.
package gate

import (
	"net/url"
	"strings"

	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
)

const (
	RefreshEndpoint = "/api/auth/refresh"
	LoginPath       = "/login"
	HomePath        = "/"

	RefreshHintHeader = "X-Token-Refresh-Needed"
)

type Category int

const (
	Public Category = iota
	GuestOnly
	ProtectedPage
	ProtectedAPI
)

func (c Category) String() string {
	switch c {
	case GuestOnly:
		return "guest_only"
	case ProtectedPage:
		return "protected_page"
	case ProtectedAPI:
		return "protected_api"
	default:
		return "public"
	}
}

// Rules are path prefixes per category. A prefix matches the path itself and everything below it.
type Rules struct {
	Skip           []string
	GuestOnly      []string
	ProtectedPages []string
	ProtectedAPIs  []string
}

func DefaultRules() Rules {
	return Rules{
		Skip: []string{
			"/api/auth/refresh",
			"/api/auth/login",
			"/api/auth/register",
			"/api/auth/verify",
			"/api/auth/logout",
			"/api/captcha",
			"/api/hcaptcha",
		},
		GuestOnly: []string{"/login", "/register"},
		ProtectedPages: []string{
			"/dashboard",
			"/profile",
			"/admin",
			"/confessions/create",
			"/posts/create",
			"/market/create",
			"/tasks/create",
		},
		ProtectedAPIs: []string{
			"/api/confessions/create",
			"/api/posts/create",
			"/api/market/create",
			"/api/tasks/create",
			"/api/comments/create",
			"/api/likes/toggle",
			"/api/auth/revoke-all",
			"/api/auth/me",
		},
	}
}

func (r Rules) Classify(path string) Category {
	switch {
	case matchAny(path, r.Skip):
		return Public
	case matchAny(path, r.ProtectedAPIs):
		return ProtectedAPI
	case matchAny(path, r.ProtectedPages):
		return ProtectedPage
	case matchAny(path, r.GuestOnly):
		return GuestOnly
	default:
		return Public
	}
}

func matchAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

type TokenStatus int

const (
	TokenAbsent TokenStatus = iota
	TokenValid
	TokenInvalid
)

func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenInvalid:
		return "invalid"
	default:
		return "absent"
	}
}

// Check is what a Checker found out about the access token
type Check struct {
	Status TokenStatus

	// Valid but near expiry, or invalid in a way a refresh may fix
	ShouldRefresh bool

	// Set for valid tokens
	Claims *tokencodec.AccessClaims

	// Claims were cryptographically verified and may be trusted
	Verified bool

	Err error
}

type Input struct {
	Path             string
	Category         Category
	Check            Check
	HasRefreshCookie bool
}

type Action int

const (
	Proceed Action = iota
	Redirect
	Unauthorized
)

func (a Action) String() string {
	switch a {
	case Redirect:
		return "redirect"
	case Unauthorized:
		return "unauthorized"
	default:
		return "proceed"
	}
}

type Decision struct {
	Category Category
	Token    TokenStatus
	Action   Action

	// Redirect target
	Location string

	// Unauthorized body kind, NeedsRefresh or NeedsAuth
	NeedsRefresh bool

	ClearCookies   bool
	RefreshHint    bool
	AttachIdentity bool
}

// Decide applies the decision table. It has no side effects.
func Decide(in Input) Decision {
	d := Decision{Category: in.Category, Token: in.Check.Status}
	refreshPossible := in.Check.ShouldRefresh && in.HasRefreshCookie

	switch in.Check.Status {
	case TokenValid:
		d.RefreshHint = in.Check.ShouldRefresh
		d.AttachIdentity = in.Check.Verified && in.Check.Claims != nil

		if in.Category == GuestOnly {
			d.Action = Redirect
			d.Location = HomePath
			d.RefreshHint = false
			d.AttachIdentity = false
		}

	case TokenAbsent:
		switch in.Category {
		case ProtectedPage:
			d.Action = Redirect
			d.Location = loginURL(in.Path, false)
		case ProtectedAPI:
			d.Action = Unauthorized
		}

	case TokenInvalid:
		switch in.Category {
		case Public:
			d.RefreshHint = refreshPossible
		case GuestOnly:
			d.ClearCookies = true
		case ProtectedPage:
			d.Action = Redirect
			d.Location = loginURL(in.Path, refreshPossible)
		case ProtectedAPI:
			d.Action = Unauthorized
			d.NeedsRefresh = refreshPossible
		}
	}

	return d
}

func loginURL(path string, expired bool) string {
	q := url.Values{}
	q.Set("redirect", path)
	if expired {
		q.Set("expired", "true")
	}
	return LoginPath + "?" + q.Encode()
}
