// Package captcha checks human verification tokens with the hCaptcha siteverify API.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/logger"
)

const (
	DefaultVerifyURL = "https://api.hcaptcha.com/siteverify"
	DefaultTimeout   = 5 * time.Second

	defaultRetryAfter = 60 * time.Second
)

// Verifier fails with apperrors.ErrHumanVerificationFailed when the token is rejected
type Verifier interface {
	Verify(ctx context.Context, token string, remoteIP string) error
}

// ServiceError is returned when the verification service itself could not answer
type ServiceError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("captcha service error: status %d, retry after %s: %v", e.StatusCode, e.RetryAfter, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

type Client struct {
	VerifyURL string

	secret  string
	timeout time.Duration
	client  *http.Client
	logger  logger.Logger
}

// NewClient with secret of the site. Empty verifyURL means DefaultVerifyURL.
func NewClient(secret string, verifyURL string, httpClient *http.Client, l logger.Logger) *Client {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Client{
		VerifyURL: verifyURL,
		secret:    secret,
		timeout:   DefaultTimeout,
		client:    httpClient,
		logger:    l,
	}
}

func (c *Client) Verify(ctx context.Context, token string, remoteIP string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: empty token", apperrors.ErrHumanVerificationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &ServiceError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ServiceError{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close() // nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		return c.processSuccess(resp)
	case http.StatusTooManyRequests:
		return c.processTooManyRequests(resp)
	default:
		c.logger.Warn("Captcha verification failed", "status_code", resp.StatusCode)
		return &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status code %d", resp.StatusCode)}
	}
}

func (c *Client) processSuccess(resp *http.Response) error {
	var r siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		c.logger.Warn("Failed to decode captcha response", "error", err)
		return &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if !r.Success {
		c.logger.Debug("Captcha token rejected", "error_codes", r.ErrorCodes)
		return fmt.Errorf("%w: %s", apperrors.ErrHumanVerificationFailed, strings.Join(r.ErrorCodes, ","))
	}
	return nil
}

func (c *Client) processTooManyRequests(resp *http.Response) error {
	retryAfter := defaultRetryAfter
	if seconds, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil {
		retryAfter = time.Duration(seconds) * time.Second
	}

	c.logger.Warn("Captcha service throttled", "retry_after", retryAfter)
	return &ServiceError{
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("retry after %s", retryAfter),
	}
}

// Noop accepts every non-empty token. Used when no captcha secret is configured.
type Noop struct{}

func (Noop) Verify(_ context.Context, token string, _ string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: empty token", apperrors.ErrHumanVerificationFailed)
	}
	return nil
}
