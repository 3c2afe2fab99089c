// Package authclient is the client side of the cookie session: it retries calls
// rejected with needsRefresh after one shared refresh, and sends the user to the
// login page when the session cannot be recovered.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/campusauth/internal/logger"
	"github.com/nkiryanov/campusauth/internal/models"
)

const (
	DefaultStatusTTL = 5 * time.Minute

	refreshPath = "/api/auth/refresh"
	verifyPath  = "/api/auth/verify"
	logoutPath  = "/api/auth/logout"

	refreshHintHeader = "X-Token-Refresh-Needed"

	// 401 bodies are small, anything above is not an auth error
	maxErrorBody = 64 << 10
)

var (
	ErrLoginRequired = errors.New("login required")
	ErrRefreshFailed = errors.New("session refresh failed")
)

type State int

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

// Navigator moves the user to the login page
type Navigator interface {
	RedirectToLogin(returnTo string)
}

type NavigatorFunc func(returnTo string)

func (f NavigatorFunc) RedirectToLogin(returnTo string) { f(returnTo) }

type EventKind string

const (
	EventRefreshStarted   EventKind = "refresh_started"
	EventRefreshSucceeded EventKind = "refresh_succeeded"
	EventRefreshFailed    EventKind = "refresh_failed"
	EventLoginRedirect    EventKind = "login_redirect"
)

type Event struct {
	Kind EventKind
	Err  error
}

type Observer func(Event)

// AuthState is what the server said about the session the last time it was asked
type AuthState struct {
	Authenticated bool            `json:"authenticated"`
	User          *models.Profile `json:"user,omitempty"`
}

type Config struct {
	// Must keep cookies between calls, a client with an in-memory jar if nil
	HTTPClient *http.Client

	BaseURL   string
	Navigator Navigator
	Observer  Observer

	// How long CheckAuthStatus answers from memory, DefaultStatusTTL if zero
	StatusTTL time.Duration

	Now    func() time.Time
	Logger logger.Logger
}

type Client struct {
	http      *http.Client
	base      *url.URL
	navigator Navigator
	observe   Observer
	statusTTL time.Duration
	now       func() time.Time
	logger    logger.Logger

	group      singleflight.Group
	generation atomic.Uint64 // successful refreshes so far
	refreshing atomic.Bool

	mu        sync.Mutex
	state     AuthState
	checkedAt time.Time

	background sync.WaitGroup
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.HTTPClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		cfg.HTTPClient = &http.Client{Jar: jar, Timeout: 10 * time.Second}
	}
	if cfg.Navigator == nil {
		cfg.Navigator = NavigatorFunc(func(string) {})
	}
	if cfg.Observer == nil {
		cfg.Observer = func(Event) {}
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &Client{
		http:      cfg.HTTPClient,
		base:      base,
		navigator: cfg.Navigator,
		observe:   cfg.Observer,
		statusTTL: cfg.StatusTTL,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

func (c *Client) State() State {
	if c.refreshing.Load() {
		return Refreshing
	}
	return Idle
}

// Do sends the request. A 401 asking for a refresh is answered with one refresh shared by
// all concurrent callers and a single retry. When the session is lost the navigator is
// called, the response is closed and ErrLoginRequired returned.
// A 401 carrying neither needsRefresh nor needsAuth is returned to the caller as is.
// Request bodies must be replayable, requests built by http.NewRequest with in-memory readers are.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	seen := c.generation.Load()
	// the cookie jar writes into the request headers, the retry must pick up fresh cookies
	header := req.Header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		if resp.Header.Get(refreshHintHeader) == "true" {
			c.refreshInBackground()
		}
		return resp, nil
	}

	authErr, resp := readAuthError(resp)
	switch {
	case authErr.NeedsAuth:
		return c.loginRequired(req, resp, errors.New(authErr.Error))
	case !authErr.NeedsRefresh:
		// plain 401 of the endpoint itself, e.g. wrong password
		return resp, nil
	}

	if err := c.refreshAfter(req.Context(), seen); err != nil {
		return c.loginRequired(req, resp, err)
	}

	_ = resp.Body.Close()
	retry, err := replay(req, header)
	if err != nil {
		return nil, err
	}

	resp, err = c.http.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if authErr, resp = readAuthError(resp); authErr.NeedsAuth || authErr.NeedsRefresh {
		return c.loginRequired(req, resp, errors.New("rejected after refresh"))
	}
	return resp, nil
}

// Refresh exchanges the refresh cookie for a new pair. Concurrent calls share one request.
func (c *Client) Refresh(ctx context.Context) error {
	return c.refreshAfter(ctx, c.generation.Load())
}

// refreshAfter refreshes unless a refresh finished after generation 'seen' was observed
func (c *Client) refreshAfter(ctx context.Context, seen uint64) error {
	ch := c.group.DoChan(strconv.FormatUint(seen, 10), func() (any, error) {
		if c.generation.Load() != seen {
			return nil, nil
		}
		return nil, c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Client) refresh(ctx context.Context) error {
	c.refreshing.Store(true)
	defer c.refreshing.Store(false)
	c.observe(Event{Kind: EventRefreshStarted})

	err := c.postRefresh(ctx)
	if err != nil {
		c.setState(AuthState{}, c.now())
		c.logger.Info("Session refresh failed", "error", err)
		c.observe(Event{Kind: EventRefreshFailed, Err: err})
		return err
	}

	c.generation.Add(1)
	c.observe(Event{Kind: EventRefreshSucceeded})
	return nil
}

func (c *Client) postRefresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(refreshPath), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)

	if resp.StatusCode != http.StatusOK || !body.Success {
		return fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, resp.StatusCode, body.Message)
	}
	return nil
}

func (c *Client) refreshInBackground() {
	if c.refreshing.Load() {
		return
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		_ = c.Refresh(context.Background())
	}()
}

// Wait blocks until background refreshes and revalidations are done
func (c *Client) Wait() {
	c.background.Wait()
}

func (c *Client) loginRequired(req *http.Request, resp *http.Response, cause error) (*http.Response, error) {
	_ = resp.Body.Close()

	c.setState(AuthState{}, c.now())
	c.observe(Event{Kind: EventLoginRedirect, Err: cause})
	c.navigator.RedirectToLogin(req.URL.RequestURI())

	return nil, fmt.Errorf("%w: %w", ErrLoginRequired, cause)
}

// CheckAuthStatus asks the server whether the session is alive.
// The answer is kept for the status TTL and concurrent calls share one request.
func (c *Client) CheckAuthStatus(ctx context.Context) (AuthState, error) {
	if state, ok := c.cached(); ok {
		return state, nil
	}
	return c.verify(ctx)
}

func (c *Client) cached() (AuthState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkedAt.IsZero() || c.now().Sub(c.checkedAt) >= c.statusTTL {
		return AuthState{}, false
	}
	return c.state, true
}

func (c *Client) verify(ctx context.Context) (AuthState, error) {
	ch := c.group.DoChan("verify", func() (any, error) {
		// a call that just finished may have answered already
		if state, ok := c.cached(); ok {
			return state, nil
		}
		return c.fetchStatus(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return AuthState{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AuthState{}, res.Err
		}
		return res.Val.(AuthState), nil
	}
}

func (c *Client) fetchStatus(ctx context.Context) (AuthState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(verifyPath), nil)
	if err != nil {
		return AuthState{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return AuthState{}, err
	}
	defer resp.Body.Close() // nolint:errcheck

	var state AuthState
	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Success bool           `json:"success"`
			User    models.Profile `json:"user"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return AuthState{}, fmt.Errorf("failed to decode verify response: %w", err)
		}
		state = AuthState{Authenticated: body.Success, User: &body.User}
	case http.StatusUnauthorized:
		state = AuthState{}
	default:
		return AuthState{}, fmt.Errorf("unexpected verify status %d", resp.StatusCode)
	}

	c.setState(state, c.now())
	return state, nil
}

// Current returns the last known state without asking the server
func (c *Client) Current() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restore seeds the state saved by a previous run. It is served until the
// revalidation started in background replaces it.
func (c *Client) Restore(snapshot AuthState) {
	c.setState(snapshot, time.Time{})

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if _, err := c.verify(context.Background()); err != nil {
			c.logger.Info("Failed to revalidate restored auth state", "error", err)
		}
	}()
}

// Logout ends the session on the server and forgets the local state even if the call failed
func (c *Client) Logout(ctx context.Context) error {
	defer c.setState(AuthState{}, c.now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(logoutPath), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected logout status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setState(s AuthState, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.checkedAt = at
}

func (c *Client) url(path string) string {
	return c.base.JoinPath(path).String()
}

type authError struct {
	Error           string `json:"error"`
	NeedsAuth       bool   `json:"needsAuth"`
	NeedsRefresh    bool   `json:"needsRefresh"`
	RefreshEndpoint string `json:"refreshEndpoint"`
}

// readAuthError decodes the 401 body and puts it back for the caller
func readAuthError(resp *http.Response) (authError, *http.Response) {
	var ae authError

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return ae, resp
	}

	_ = json.Unmarshal(b, &ae)
	return ae, resp
}

func replay(req *http.Request, header http.Header) (*http.Request, error) {
	retry := req.Clone(req.Context())
	retry.Header = header
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body can't be replayed")
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}
