// Package verifycache memoizes successful access token verifications.
//
// The cache is an index in front of the token codec: dropping it costs only CPU.
// Keys are a keyed hash of the token, so neither the raw token nor anything
// derivable from another token is kept in memory.
package verifycache

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
)

const (
	DefaultMaxItems    = 10000
	DefaultTTL         = 5 * time.Minute
	DefaultConcurrency = 8

	keyLength = 32
)

// Verifier is the authoritative check consulted on a cache miss
type Verifier interface {
	VerifyAccessToken(token string) (tokencodec.AccessResult, error)
}

type EventKind string

const (
	EventHit        EventKind = "hit"
	EventMiss       EventKind = "miss"
	EventStale      EventKind = "stale"
	EventPut        EventKind = "put"
	EventInvalidate EventKind = "invalidate"
	EventClear      EventKind = "clear"
)

// Event is passed to the Observer after the cache made its decision.
// Key is the derived cache key and is safe to log.
type Event struct {
	Kind EventKind
	Key  string
}

type Observer func(Event)

type Config struct {
	// Secret mixed into every key
	Secret string

	MaxItems int64
	TTL      time.Duration

	// Tokens closer than this to expiry are reported as ShouldRefresh on a hit
	RefreshWindow time.Duration

	// Max parallel verifications in BatchVerify
	Concurrency int

	Now      func() time.Time
	Observer Observer
}

type entry struct {
	key      string
	claims   tokencodec.AccessClaims
	storedAt time.Time
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hitRatio"`
	Size     int64   `json:"size"`
	MaxItems int64   `json:"maxItems"`
}

// Result of a single verification in BatchVerify
type Result struct {
	Token         string
	Claims        tokencodec.AccessClaims
	ShouldRefresh bool
	Cached        bool
	Err           error
}

type Cache struct {
	secret      []byte
	maxItems    int64
	ttl         time.Duration
	window      time.Duration
	concurrency int
	now         func() time.Time
	observer    Observer

	verifier Verifier
	store    *lru.Cache[string, *entry]

	hits   atomic.Int64
	misses atomic.Int64
}

func New(cfg Config, verifier Verifier) (*Cache, error) {
	if cfg.Secret == "" {
		return nil, errors.New("cache secret must not be empty")
	}
	if verifier == nil {
		return nil, errors.New("verifier must not be nil")
	}

	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = tokencodec.DefaultRefreshWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = func(Event) {}
	}

	// The least recently read entry is evicted once MaxItems is reached
	store, err := lru.New[string, *entry](int(cfg.MaxItems))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verification cache: %w", err)
	}

	return &Cache{
		secret:      []byte(cfg.Secret),
		maxItems:    cfg.MaxItems,
		ttl:         cfg.TTL,
		window:      cfg.RefreshWindow,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		observer:    cfg.Observer,
		verifier:    verifier,
		store:       store,
	}, nil
}

// Key derives the cache key of a token
func (c *Cache) Key(token string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))[:keyLength]
}

// Get returns cached claims unless the entry outlived the cache TTL or the token itself expired
func (c *Cache) Get(token string) (tokencodec.AccessClaims, bool) {
	key := c.Key(token)
	claims, kind := c.lookup(key)
	c.observer(Event{Kind: kind, Key: key})

	return claims, kind == EventHit
}

func (c *Cache) lookup(key string) (tokencodec.AccessClaims, EventKind) {
	e, ok := c.store.Get(key)
	if !ok || e.key != key {
		c.misses.Add(1)
		return tokencodec.AccessClaims{}, EventMiss
	}

	now := c.now()
	if now.Sub(e.storedAt) >= c.ttl || e.claims.ExpiresAt == nil || !now.Before(e.claims.ExpiresAt.Time) {
		c.store.Remove(key)
		c.misses.Add(1)
		return tokencodec.AccessClaims{}, EventStale
	}

	c.hits.Add(1)
	return e.claims, EventHit
}

// Put stores verified claims, evicting the least recently read entry when full
func (c *Cache) Put(token string, claims tokencodec.AccessClaims) {
	key := c.Key(token)
	c.store.Add(key, &entry{key: key, claims: claims, storedAt: c.now()})
	c.observer(Event{Kind: EventPut, Key: key})
}

func (c *Cache) Invalidate(token string) {
	key := c.Key(token)
	c.store.Remove(key)
	c.observer(Event{Kind: EventInvalidate, Key: key})
}

// Clear drops every entry and resets the counters
func (c *Cache) Clear() {
	c.store.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
	c.observer(Event{Kind: EventClear})
}

func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return Stats{Hits: hits, Misses: misses, HitRatio: ratio, Size: int64(c.store.Len()), MaxItems: c.maxItems}
}

// Close drops every entry. The cache must not be used afterwards.
func (c *Cache) Close() {
	c.store.Purge()
}

// Verify returns the cached verification or asks the verifier and caches a success.
func (c *Cache) Verify(token string) (tokencodec.AccessResult, error) {
	if claims, ok := c.Get(token); ok {
		return c.result(claims), nil
	}

	res, err := c.verifier.VerifyAccessToken(token)
	if err != nil {
		return res, err
	}

	c.Put(token, res.Claims)
	return res, nil
}

// BatchVerify verifies many tokens. Cached tokens are answered directly, the rest
// are verified concurrently. Results are in the order of tokens.
func (c *Cache) BatchVerify(ctx context.Context, tokens []string) []Result {
	results := make([]Result, len(tokens))

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for i, token := range tokens {
		if claims, ok := c.Get(token); ok {
			res := c.result(claims)
			results[i] = Result{Token: token, Claims: res.Claims, ShouldRefresh: res.ShouldRefresh, Cached: true}
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Token: token, Err: err}
				return nil
			}

			res, err := c.verifier.VerifyAccessToken(token)
			if err != nil {
				results[i] = Result{Token: token, Err: err}
				return nil
			}

			c.Put(token, res.Claims)
			results[i] = Result{Token: token, Claims: res.Claims, ShouldRefresh: res.ShouldRefresh}
			return nil
		})
	}

	_ = g.Wait()
	return results
}

func (c *Cache) result(claims tokencodec.AccessClaims) tokencodec.AccessResult {
	return tokencodec.AccessResult{
		Claims:        claims,
		ShouldRefresh: claims.ExpiresAt.Sub(c.now()) < c.window,
	}
}
