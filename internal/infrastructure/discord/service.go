package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const defaultHTTPTimeout = 10 * time.Second

// ErrTokenRejected is returned when the token endpoint answers non-2xx
var ErrTokenRejected = errors.New("identity provider rejected token request")

// ErrProviderUnavailable is returned for transport failures and 5xx answers
var ErrProviderUnavailable = errors.New("identity provider unavailable")

// Service talks to the Discord OAuth2 and user endpoints
type Service struct {
	oauth  *oauth2.Config
	apiURL string
	client *http.Client
}

func NewService(cfg config.DiscordConfig) *Service {
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL(),
				TokenURL:  cfg.TokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiURL: strings.TrimSuffix(cfg.APIURL, "/"),
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SetHTTPClient replaces the HTTP client used for every provider call
func (s *Service) SetHTTPClient(client *http.Client) *Service {
	s.client = client
	return s
}

// AuthCodeURL builds the authorize redirect for the given state
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "none"))
}

// Exchange trades an authorization code for a token pair
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)

	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: code exchange: %v", ErrTokenRejected, err)
		}
		return nil, fmt.Errorf("%w: code exchange: %v", ErrProviderUnavailable, err)
	}

	return token, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Refresh exchanges a refresh token for a new token pair. It never retries.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {s.oauth.ClientID},
		"client_secret": {s.oauth.ClientSecret},
		"scope":         {strings.Join(s.oauth.Scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.oauth.Endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh request: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading refresh response: %v", ErrProviderUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: refresh returned status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debug().Int("status", resp.StatusCode).Msg("Refresh token rejected by identity provider")
		return nil, fmt.Errorf("%w: refresh returned status %d", ErrTokenRejected, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing access_token", ErrTokenRejected)
	}

	token := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if token.RefreshToken == "" {
		// Providers may keep the refresh token unchanged
		token.RefreshToken = refreshToken
	}

	return token, nil
}

// CurrentUser fetches the profile that owns the access token
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (*auth.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"/users/@me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: user request: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: access token not accepted", ErrTokenRejected)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: user request returned status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var user auth.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}

	return &user, nil
}
