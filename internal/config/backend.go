package config

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// BackendConfig points at the bot backend REST API and its WebSocket instances
type BackendConfig struct {
	APIURL string   `env:"BACKEND_API_URL" validate:"required,url"`
	APIKey string   `env:"BACKEND_API_KEY" validate:"required"`
	WSURLs []string `env:"BACKEND_WS_URLS" validate:"dive,url"`
}

func GetBackendConfig() BackendConfig {
	cfg := BackendConfig{
		APIURL: strings.TrimSuffix(GetEnvOrDefault("BACKEND_API_URL", ""), "/"),
		APIKey: GetEnvOrDefault("BACKEND_API_KEY", ""),
		WSURLs: splitList(GetEnvOrDefault("BACKEND_WS_URLS", "")),
	}

	if len(cfg.WSURLs) == 0 && cfg.APIURL != "" {
		cfg.WSURLs = []string{deriveSocketURL(cfg.APIURL)}
	}

	if cfg.APIKey == "" {
		log.Warn().Msg("BACKEND_API_KEY environment variable not set")
	}

	return cfg
}

func deriveSocketURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}
