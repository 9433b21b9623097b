package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// discordEpoch is the first second of 2015 in milliseconds
const discordEpoch = 1420070400000

// Snowflake is a Discord id. Ids exceed 2^53 so they travel as JSON strings;
// numeric forms are accepted on input as well.
type Snowflake uint64

func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return Snowflake(v), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// CreatedAt returns the creation time encoded in the id
func (s Snowflake) CreatedAt() time.Time {
	return time.UnixMilli(int64(uint64(s)>>22) + discordEpoch)
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	raw := string(data)
	if len(data) >= 2 && data[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("invalid snowflake %s: %w", raw, err)
		}
		raw = unquoted
	}
	v, err := ParseSnowflake(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// User is the authenticated Discord profile
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	GlobalName    string    `json:"global_name,omitempty"`
	Discriminator string    `json:"discriminator,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
}

// Guild is a community shared by the bot and the user
type Guild struct {
	ID          Snowflake `json:"id"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon,omitempty"`
	Owner       bool      `json:"owner,omitempty"`
	Permissions string    `json:"permissions,omitempty"`
}

// DecodeGuilds decodes a guild list without losing id precision
func DecodeGuilds(data []byte) ([]Guild, error) {
	var guilds []Guild
	if err := json.Unmarshal(data, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// Identity is what the auth middleware attaches to a request
type Identity struct {
	User        *User
	AccessToken string
	SessionID   string
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity != nil
}

// TokenPair is the OAuth credential set owned by a browser
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExpiry time.Time `json:"access_expiry"`
}

// AccessValid reports whether the access token is present and unexpired at now
func (p TokenPair) AccessValid(now time.Time) bool {
	return p.AccessToken != "" && (p.AccessExpiry.IsZero() || now.Before(p.AccessExpiry))
}
