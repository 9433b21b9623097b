package config

import (
	"fmt"
	"sync"
)

const (
	// DevSessionSecret lets a local run start without JWT_SECRET. It is public,
	// so Validate refuses it once the session store is enabled.
	DevSessionSecret = "stagehand-insecure-dev-session-secret"

	// HS256 keys shorter than the digest weaken the signature
	MinSessionSecretLen = 32
)

var (
	sessionSecretMu sync.RWMutex
	sessionSecret   = []byte(GetSessionSecretEnv())
)

// GetSessionSecretEnv reads the session cookie signing key
func GetSessionSecretEnv() string {
	return GetEnvOrDefault("JWT_SECRET", DevSessionSecret)
}

// SetSessionSecret installs the key that signs session id cookies and returns
// a function restoring the previous key
func SetSessionSecret(secret []byte) func() {
	sessionSecretMu.Lock()
	previous := sessionSecret
	sessionSecret = secret
	sessionSecretMu.Unlock()

	return func() {
		sessionSecretMu.Lock()
		sessionSecret = previous
		sessionSecretMu.Unlock()
	}
}

// GetSessionSecret returns the key session cookies are signed and verified with
func GetSessionSecret() []byte {
	sessionSecretMu.RLock()
	defer sessionSecretMu.RUnlock()
	return sessionSecret
}

func validateSessionSecret(secret string) error {
	switch {
	case secret == "":
		return fmt.Errorf("JWT_SECRET environment variable not set")
	case secret == DevSessionSecret:
		return fmt.Errorf("JWT_SECRET must not be the development default when SESSION_STORE_ENABLED is set")
	case len(secret) < MinSessionSecretLen:
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", MinSessionSecretLen)
	}
	return nil
}
