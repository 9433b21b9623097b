package guildcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/rs/zerolog/log"
)

const (
	GuildsCookie    = "encrypted_mutual_guilds"
	TimestampCookie = "guild_cache_timestamp"

	TTL = 24 * time.Hour

	// Tolerated drift between instances writing and reading the cookie
	clockSkew = time.Minute
)

// ErrCacheMiss covers absent, stale, tampered and undecodable entries
var ErrCacheMiss = errors.New("guild cache miss")

// Fetcher is the upstream mutual guild source
type Fetcher interface {
	MutualGuilds(ctx context.Context, userID auth.Snowflake) ([]auth.Guild, error)
}

type entry struct {
	Guilds []auth.Guild `json:"guilds"`
}

type Cache struct {
	cipher  *Cipher
	fetcher Fetcher
	secure  bool
	now     func() time.Time
}

func NewCache(cipher *Cipher, fetcher Fetcher, secure bool) *Cache {
	return &Cache{
		cipher:  cipher,
		fetcher: fetcher,
		secure:  secure,
		now:     time.Now,
	}
}

// GetMutualGuilds serves the cookie cache when fresh and otherwise refetches
// and rewrites it. Upstream failures degrade to an empty list.
func (c *Cache) GetMutualGuilds(ctx context.Context, w http.ResponseWriter, r *http.Request, user *auth.User) []auth.Guild {
	guilds, err := c.read(r)
	if err == nil {
		return guilds
	}
	log.Debug().Err(err).Str("user_id", user.ID.String()).Msg("Guild cache miss")

	guilds, err = c.fetcher.MutualGuilds(ctx, user.ID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("Failed to fetch mutual guilds")
		return []auth.Guild{}
	}

	if err := c.write(w, guilds); err != nil {
		log.Warn().Err(err).Msg("Failed to write guild cache")
	}
	return guilds
}

func (c *Cache) read(r *http.Request) ([]auth.Guild, error) {
	blobCookie, err := r.Cookie(GuildsCookie)
	if err != nil {
		return nil, ErrCacheMiss
	}
	tsCookie, err := r.Cookie(TimestampCookie)
	if err != nil {
		return nil, ErrCacheMiss
	}

	millis, err := strconv.ParseInt(tsCookie.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrCacheMiss)
	}
	age := c.now().Sub(time.UnixMilli(millis))
	if age < -clockSkew {
		return nil, fmt.Errorf("%w: timestamp in the future", ErrCacheMiss)
	}
	if age >= TTL {
		return nil, fmt.Errorf("%w: stale", ErrCacheMiss)
	}

	// The timestamp is sealed as associated data so it cannot be swapped
	plaintext, err := c.cipher.Open(blobCookie.Value, []byte(tsCookie.Value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	var e entry
	if err := json.Unmarshal(plaintext, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	if e.Guilds == nil {
		e.Guilds = []auth.Guild{}
	}
	return e.Guilds, nil
}

func (c *Cache) write(w http.ResponseWriter, guilds []auth.Guild) error {
	if guilds == nil {
		guilds = []auth.Guild{}
	}
	plaintext, err := json.Marshal(entry{Guilds: guilds})
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	blob, err := c.cipher.Seal(plaintext, []byte(ts))
	if err != nil {
		return err
	}

	c.setCookie(w, GuildsCookie, blob, int(TTL.Seconds()))
	c.setCookie(w, TimestampCookie, ts, int(TTL.Seconds()))
	return nil
}

// Invalidate expires both cookies
func (c *Cache) Invalidate(w http.ResponseWriter) {
	c.setCookie(w, GuildsCookie, "", -1)
	c.setCookie(w, TimestampCookie, "", -1)
}

func (c *Cache) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}
