package config

import (
	"github.com/rs/zerolog/log"
)

const (
	defaultDiscordAPIURL = "https://discord.com/api/v10"
	defaultDiscordScopes = "identify,guilds"
)

// DiscordConfig holds the identity provider client registration
type DiscordConfig struct {
	ClientID     string   `env:"DISCORD_CLIENT_ID" validate:"required"`
	ClientSecret string   `env:"DISCORD_CLIENT_SECRET" validate:"required"`
	RedirectURI  string   `env:"DISCORD_REDIRECT_URI" validate:"required,url"`
	Scopes       []string `env:"DISCORD_SCOPES" validate:"min=1"`
	APIURL       string   `env:"DISCORD_API_URL" validate:"required,url"`
}

func GetDiscordConfig() DiscordConfig {
	cfg := DiscordConfig{
		ClientID:     GetEnvOrDefault("DISCORD_CLIENT_ID", ""),
		ClientSecret: GetEnvOrDefault("DISCORD_CLIENT_SECRET", ""),
		RedirectURI:  GetEnvOrDefault("DISCORD_REDIRECT_URI", ""),
		Scopes:       splitList(GetEnvOrDefault("DISCORD_SCOPES", defaultDiscordScopes)),
		APIURL:       GetEnvOrDefault("DISCORD_API_URL", defaultDiscordAPIURL),
	}

	if cfg.ClientID == "" {
		log.Warn().Msg("DISCORD_CLIENT_ID environment variable not set")
	}

	return cfg
}

// AuthorizeURL is the provider's authorization endpoint
func (c DiscordConfig) AuthorizeURL() string {
	return c.APIURL + "/oauth2/authorize"
}

// TokenURL is the provider's token endpoint
func (c DiscordConfig) TokenURL() string {
	return c.APIURL + "/oauth2/token"
}
