package backend

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
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	handshakeTimeout   = 10 * time.Second
	maxStatusBytes     = 1 << 20
)

// ErrUpstreamUnavailable covers transport failures and non-2xx answers
var ErrUpstreamUnavailable = errors.New("backend unavailable")

type Service struct {
	client    *http.Client
	dialer    *websocket.Dialer
	restURL   string
	socketURL []string
	headers   http.Header
}

func NewService(cfg config.BackendConfig) *Service {
	headers := http.Header{}
	headers.Set("Authorization", cfg.APIKey)

	s := &Service{
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		dialer:    &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		restURL:   strings.TrimSuffix(cfg.APIURL, "/"),
		socketURL: cfg.WSURLs,
		headers:   headers,
	}

	log.Info().
		Str("rest_url", s.restURL).
		Int("socket_instances", len(s.socketURL)).
		Msg("Backend service initialized successfully")

	return s
}

// SetHTTPClient sets the client used for REST calls
func (s *Service) SetHTTPClient(client *http.Client) *Service {
	s.client = client
	return s
}

// InstanceFor picks the socket instance that owns the guild, using the
// Discord shard formula so a guild always lands on the same instance.
func (s *Service) InstanceFor(guildID auth.Snowflake) (string, error) {
	if len(s.socketURL) == 0 {
		return "", fmt.Errorf("no backend socket instances configured")
	}
	shard := (uint64(guildID) >> 22) % uint64(len(s.socketURL))
	return s.socketURL[shard], nil
}

// MakeRequest makes an authenticated request to the backend REST API
func (s *Service) MakeRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.restURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header = s.headers.Clone()
	req.Header.Set("Accept", "application/json")

	return s.client.Do(req)
}

func (s *Service) getJSON(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.MakeRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 512))
		if readErr == nil {
			log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("body", string(body)).Msg("Backend error response")
		}
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUpstreamUnavailable, path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUpstreamUnavailable, path, err)
	}

	return data, nil
}

// MutualGuilds returns the guilds shared by the bot and the user
func (s *Service) MutualGuilds(ctx context.Context, userID auth.Snowflake) ([]auth.Guild, error) {
	data, err := s.getJSON(ctx, "/users/"+userID.String()+"/guilds")
	if err != nil {
		return nil, err
	}

	guilds, err := auth.DecodeGuilds(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mutual guilds: %w", err)
	}

	return guilds, nil
}

// PlayerStatus returns the current player snapshot for a guild as raw JSON
func (s *Service) PlayerStatus(ctx context.Context, guildID, userID auth.Snowflake) (json.RawMessage, error) {
	path := fmt.Sprintf("/guilds/%s/player?user_id=%s", guildID, url.QueryEscape(userID.String()))
	data, err := s.getJSON(ctx, path)
	if err != nil {
		return nil, err
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: player status is not valid JSON", ErrUpstreamUnavailable)
	}

	return json.RawMessage(data), nil
}

// DialEvents opens the player event stream for a guild on its owning instance
func (s *Service) DialEvents(ctx context.Context, guildID, userID auth.Snowflake) (*websocket.Conn, error) {
	instance, err := s.InstanceFor(guildID)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(instance)
	if err != nil {
		log.Error().Err(err).Str("instance", instance).Msg("Failed to parse backend socket URL")
		return nil, err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/guilds/" + guildID.String() + "/events"
	q := u.Query()
	q.Set("user_id", userID.String())
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), s.headers)
	if err != nil {
		if resp != nil {
			log.Error().Err(err).Int("status", resp.StatusCode).Str("guild_id", guildID.String()).Msg("Failed to connect to backend event stream")
		} else {
			log.Error().Err(err).Str("guild_id", guildID.String()).Msg("Failed to connect to backend event stream")
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	return conn, nil
}
