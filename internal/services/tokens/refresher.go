package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/services/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const refreshTimeout = 10 * time.Second

var (
	// ErrUnauthenticated means no usable access token and no usable refresh path
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrRefreshFailed wraps identity provider failures during refresh
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Provider exchanges refresh tokens with the identity provider
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// SessionMirror is the optional server-side copy of the token pair
type SessionMirror interface {
	Enabled() bool
	Load(ctx context.Context, w http.ResponseWriter, r *http.Request) (*session.Record, error)
	Update(ctx context.Context, record *session.Record) error
}

// Refresher hands out valid access tokens, refreshing transparently.
// Concurrent refreshes of the same refresh token within this process share
// a single provider call. Instances on other hosts are not coordinated.
type Refresher struct {
	provider    Provider
	cookies     *CookieStore
	sessions    SessionMirror
	refreshPath string
	group       singleflight.Group
	now         func() time.Time
}

// NewRefresher builds a Refresher. sessions may be nil. Requests to
// refreshPath never trigger an implicit refresh.
func NewRefresher(provider Provider, cookies *CookieStore, sessions SessionMirror, refreshPath string) *Refresher {
	return &Refresher{
		provider:    provider,
		cookies:     cookies,
		sessions:    sessions,
		refreshPath: refreshPath,
		now:         time.Now,
	}
}

// Cookies exposes the cookie store used by the refresher
func (rf *Refresher) Cookies() *CookieStore {
	return rf.cookies
}

func (rf *Refresher) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request) *session.Record {
	if rf.sessions == nil || !rf.sessions.Enabled() {
		return nil
	}
	record, err := rf.sessions.Load(ctx, w, r)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			log.Warn().Err(err).Msg("Failed to load session record")
		}
		return nil
	}
	return record
}

// ResolveAccessToken returns a valid access token for the request or an error
// wrapping ErrUnauthenticated. A valid token is returned without any I/O
// beyond the session lookup.
func (rf *Refresher) ResolveAccessToken(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	token, _, err := rf.Resolve(ctx, w, r)
	return token, err
}

// Resolve is ResolveAccessToken that also hands back the session record it
// consulted, nil when sessions are disabled or absent
func (rf *Refresher) Resolve(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, *session.Record, error) {
	record := rf.loadSession(ctx, w, r)
	if record != nil && record.Tokens.AccessValid(rf.now()) {
		return record.Tokens.AccessToken, record, nil
	}

	pair := rf.cookies.Read(r)
	if pair.AccessToken != "" {
		return pair.AccessToken, record, nil
	}

	refreshToken := pair.RefreshToken
	if refreshToken == "" && record != nil {
		refreshToken = record.Tokens.RefreshToken
	}
	if refreshToken == "" {
		return "", nil, ErrUnauthenticated
	}

	if r.URL.Path == rf.refreshPath {
		return "", nil, fmt.Errorf("%w: implicit refresh skipped on refresh endpoint", ErrUnauthenticated)
	}

	refreshed, err := rf.refresh(ctx, w, refreshToken, record)
	if err != nil {
		return "", nil, err
	}
	return refreshed.AccessToken, record, nil
}

// ForceRefresh always exchanges the current refresh token, backing the
// explicit refresh endpoint
func (rf *Refresher) ForceRefresh(ctx context.Context, w http.ResponseWriter, r *http.Request) (auth.TokenPair, error) {
	record := rf.loadSession(ctx, w, r)

	refreshToken := rf.cookies.Read(r).RefreshToken
	if refreshToken == "" && record != nil {
		refreshToken = record.Tokens.RefreshToken
	}
	if refreshToken == "" {
		return auth.TokenPair{}, ErrUnauthenticated
	}

	return rf.refresh(ctx, w, refreshToken, record)
}

func (rf *Refresher) refresh(ctx context.Context, w http.ResponseWriter, refreshToken string, record *session.Record) (auth.TokenPair, error) {
	result, err, shared := rf.group.Do(refreshToken, func() (interface{}, error) {
		// The first caller's cancellation must not fail the callers sharing this flight
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		token, err := rf.provider.Refresh(flightCtx, refreshToken)
		if err != nil {
			return nil, err
		}
		return PairFromOAuth(token), nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Access token refresh failed")
		return auth.TokenPair{}, fmt.Errorf("%w: %w: %w", ErrUnauthenticated, ErrRefreshFailed, err)
	}

	pair := result.(auth.TokenPair)
	log.Debug().Bool("shared", shared).Time("access_expiry", pair.AccessExpiry).Msg("Access token refreshed")

	rf.cookies.Write(w, pair)

	if record != nil {
		record.Tokens = pair
		if err := rf.sessions.Update(ctx, record); err != nil {
			log.Warn().Err(err).Msg("Failed to mirror refreshed tokens into session")
		}
	}

	return pair, nil
}

// PairFromOAuth converts a provider token into the stored pair
func PairFromOAuth(token *oauth2.Token) auth.TokenPair {
	return auth.TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		AccessExpiry: token.Expiry,
	}
}
