package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// use a single instance of Validate, it caches struct info
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their environment variable
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("env"); name != "" {
			return name
		}
		return field.Name
	})
	return v
}

// Config is the immutable snapshot of the process configuration
type Config struct {
	Port                     string `env:"PORT" validate:"required,numeric"`
	PublicURL                string `env:"PUBLIC_URL" validate:"required,url"`
	Discord                  DiscordConfig
	Backend                  BackendConfig
	RedisURL                 string `env:"REDIS_URL"`
	RedisPassword            string `env:"REDIS_PASSWORD"`
	Session                  SessionConfig
	CookieEncryptionPassword string `env:"COOKIE_ENCRYPTION_PASSWORD" validate:"required"`
}

// Load reads the environment into a Config and validates required values
func Load() (*Config, error) {
	cfg := &Config{
		Port:                     GetEnvOrDefault("PORT", "8080"),
		PublicURL:                strings.TrimSuffix(GetEnvOrDefault("PUBLIC_URL", "http://localhost:8080"), "/"),
		Discord:                  GetDiscordConfig(),
		Backend:                  GetBackendConfig(),
		RedisURL:                 GetRedisURL(),
		RedisPassword:            GetRedisPassword(),
		Session:                  GetSessionConfig(),
		CookieEncryptionPassword: GetCookieEncryptionPassword(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every missing required setting at once
func (c *Config) Validate() error {
	var errs []error

	var fieldErrs validator.ValidationErrors
	if err := validate.Struct(c); errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.Tag() == "required" {
				errs = append(errs, fmt.Errorf("%s environment variable not set", fe.Field()))
			} else {
				errs = append(errs, fmt.Errorf("%s is invalid (%s)", fe.Field(), fe.Tag()))
			}
		}
	} else if err != nil {
		errs = append(errs, err)
	}

	if c.Session.Enabled {
		if c.Session.TTL <= 0 {
			errs = append(errs, fmt.Errorf("SESSION_TTL must be positive"))
		}
		if err := validateSessionSecret(c.Session.Secret); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SecureCookies reports whether cookies should carry the Secure attribute
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.PublicURL, "https://")
}
