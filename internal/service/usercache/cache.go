// Package usercache keeps recently loaded users in memory so the verify and
// profile endpoints do not hit the database on every call.
//
// Entries are best effort: ristretto may refuse to admit a rarely read user,
// a miss always falls back to the repository.
package usercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"github.com/nkiryanov/campusauth/internal/models"
)

const (
	DefaultMaxItems = 5000
	DefaultTTL      = 10 * time.Minute
)

type Users interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
}

type Config struct {
	MaxItems int64
	TTL      time.Duration
}

type Cache struct {
	users Users
	ttl   time.Duration
	store *ristretto.Cache[string, models.User]
}

func New(cfg Config, users Users) (*Cache, error) {
	if users == nil {
		return nil, errors.New("users must not be nil")
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, models.User]{
		NumCounters:        cfg.MaxItems * 10,
		MaxCost:            cfg.MaxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize user cache: %w", err)
	}

	return &Cache{users: users, ttl: cfg.TTL, store: store}, nil
}

// GetUserByID answers from memory or loads the user and remembers it.
// Errors of the repository are returned unchanged and never cached.
func (c *Cache) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	if user, ok := c.store.Get(id.String()); ok {
		return user, nil
	}

	user, err := c.users.GetUserByID(ctx, id)
	if err != nil {
		return models.User{}, err
	}

	c.store.SetWithTTL(id.String(), user, 1, c.ttl)
	return user, nil
}

// Invalidate forgets the user, the next read goes to the repository
func (c *Cache) Invalidate(id uuid.UUID) {
	c.store.Del(id.String())
}

func (c *Cache) Close() {
	c.store.Close()
}
