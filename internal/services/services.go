package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepgram/stagehand/internal/config"
	"github.com/deepgram/stagehand/internal/connections"
	"github.com/deepgram/stagehand/internal/infrastructure/backend"
	"github.com/deepgram/stagehand/internal/infrastructure/discord"
	"github.com/deepgram/stagehand/internal/infrastructure/redis"
	"github.com/deepgram/stagehand/internal/services/bridge"
	"github.com/deepgram/stagehand/internal/services/guildcache"
	"github.com/deepgram/stagehand/internal/services/oauthstate"
	"github.com/deepgram/stagehand/internal/services/session"
	"github.com/deepgram/stagehand/internal/services/tokens"
	"github.com/rs/zerolog/log"
)

// RefreshPath is the explicit refresh endpoint, exempt from implicit refresh
const RefreshPath = "/auth/refresh"

var (
	// Mutex for thread-safe initialization
	servicesMu sync.RWMutex
)

type Services struct {
	config         *config.Config
	redisService   *redis.Service
	discordService *discord.Service
	backendService *backend.Service
	sessionService *session.Service
	stateService   *oauthstate.Service
	tokenRefresher *tokens.Refresher
	guildCache     *guildcache.Cache
	bridgeService  *bridge.Service
}

// InitializeServices builds every service from cfg
func InitializeServices(cfg *config.Config) (*Services, error) {
	servicesMu.Lock()
	defer servicesMu.Unlock()

	log.Info().Msg("Initializing core services")

	// Redis is optional; nil means in-memory fallbacks
	redisService := redis.NewService(cfg.RedisURL, cfg.RedisPassword)

	discordService := discord.NewService(cfg.Discord)
	backendService := backend.NewService(cfg.Backend)

	if cfg.Session.Secret != "" {
		config.SetSessionSecret([]byte(cfg.Session.Secret))
	}
	sessionService := session.NewService(redisService, cfg.Session, cfg.Discord.ClientID, cfg.SecureCookies())
	stateService := oauthstate.NewService(redisService)

	var mirror tokens.SessionMirror
	if cfg.Session.Enabled {
		mirror = sessionService
	}
	tokenRefresher := tokens.NewRefresher(discordService, tokens.NewCookieStore(cfg.SecureCookies()), mirror, RefreshPath)

	cipher, err := guildcache.NewCipher(cfg.CookieEncryptionPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize guild cache cipher: %w", err)
	}
	guildCache := guildcache.NewCache(cipher, backendService, cfg.SecureCookies())

	bridgeService := bridge.NewService(backendService, connections.NewManager(connections.DefaultTimeouts))

	log.Info().
		Bool("redis", redisService != nil).
		Bool("sessions", cfg.Session.Enabled).
		Msg("All services initialized successfully")

	return &Services{
		config:         cfg,
		redisService:   redisService,
		discordService: discordService,
		backendService: backendService,
		sessionService: sessionService,
		stateService:   stateService,
		tokenRefresher: tokenRefresher,
		guildCache:     guildCache,
		bridgeService:  bridgeService,
	}, nil
}

func (s *Services) GetConfig() *config.Config {
	return s.config
}

// GetRedisService returns nil when Redis is not configured
func (s *Services) GetRedisService() *redis.Service {
	return s.redisService
}

func (s *Services) GetDiscordService() *discord.Service {
	return s.discordService
}

func (s *Services) GetBackendService() *backend.Service {
	return s.backendService
}

func (s *Services) GetSessionService() *session.Service {
	return s.sessionService
}

func (s *Services) GetStateService() *oauthstate.Service {
	return s.stateService
}

func (s *Services) GetTokenRefresher() *tokens.Refresher {
	return s.tokenRefresher
}

func (s *Services) GetGuildCache() *guildcache.Cache {
	return s.guildCache
}

func (s *Services) GetBridgeService() *bridge.Service {
	return s.bridgeService
}

// Health pings the optional dependencies
func (s *Services) Health(ctx context.Context) map[string]string {
	status := map[string]string{
		"sessions": s.sessionService.Backend(),
	}
	if s.redisService != nil {
		if err := s.redisService.Ping(ctx); err != nil {
			status["redis"] = "unavailable"
		} else {
			status["redis"] = "ok"
		}
	}
	return status
}

// Close releases external connections
func (s *Services) Close() {
	if s.redisService != nil {
		if err := s.redisService.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis connection")
		}
	}
}
