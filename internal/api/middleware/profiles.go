package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultProfileTTL bounds how long a revoked token keeps resolving
	DefaultProfileTTL = 2 * time.Minute

	maxProfileEntries = 10_000
)

type profileEntry struct {
	user    *auth.User
	expires time.Time
}

// ProfileCache is a UserSource that remembers the user behind an access
// token for a short while. Only successful lookups are kept.
type ProfileCache struct {
	users UserSource
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]profileEntry
	group   singleflight.Group
}

func NewProfileCache(users UserSource, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}
	return &ProfileCache{
		users:   users,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]profileEntry),
	}
}

// CurrentUser serves a cached profile or asks the wrapped source once per
// token, however many requests are waiting on it
func (c *ProfileCache) CurrentUser(ctx context.Context, accessToken string) (*auth.User, error) {
	key := profileKey(accessToken)
	if user, ok := c.lookup(key); ok {
		return user, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// a flight that just finished may have stored it
		if user, ok := c.lookup(key); ok {
			return user, nil
		}
		user, err := c.users.CurrentUser(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		c.store(key, user)
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*auth.User), nil
}

func (c *ProfileCache) lookup(key string) (*auth.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.user, true
}

func (c *ProfileCache) store(key string, user *auth.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= maxProfileEntries {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= maxProfileEntries {
			clear(c.entries)
		}
	}
	c.entries[key] = profileEntry{user: user, expires: now.Add(c.ttl)}
}

// Tokens are never kept in memory as map keys
func profileKey(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}
