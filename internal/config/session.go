package config

import "time"

const (
	defaultSessionTTL = 24 * time.Hour
)

var (
	// SessionCookieName is the name of the session cookie
	// Default to "stagehand_session" if not set in environment
	SessionCookieName = GetEnvOrDefault("SESSION_COOKIE_NAME", "stagehand_session")
)

// GetSessionCookieName returns the configured session cookie name
func GetSessionCookieName() string {
	return SessionCookieName
}

// SetSessionCookieName temporarily changes the session cookie name and returns a function to restore it
// This is primarily used for testing
func SetSessionCookieName(name string) func() {
	previous := SessionCookieName
	SessionCookieName = name

	return func() {
		SessionCookieName = previous
	}
}

// SessionConfig controls the optional server-side session mirror
type SessionConfig struct {
	Enabled    bool
	TTL        time.Duration
	CookieName string
	// Secret signs the session id cookie
	Secret string
}

func GetSessionConfig() SessionConfig {
	return SessionConfig{
		Enabled:    parseEnvBool("SESSION_STORE_ENABLED", false),
		TTL:        parseEnvDuration("SESSION_TTL", defaultSessionTTL),
		CookieName: GetSessionCookieName(),
		Secret:     GetSessionSecretEnv(),
	}
}

func GetCookieEncryptionPassword() string {
	return GetEnvOrDefault("COOKIE_ENCRYPTION_PASSWORD", "")
}
