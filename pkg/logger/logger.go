package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	APP        = "APP"
	AUTH       = "AUTH"
	BACKEND    = "BACKEND"
	BRIDGE     = "BRIDGE"
	CONFIG     = "CONFIG"
	GUILDCACHE = "GUILDCACHE"
	HANDLER    = "HANDLER"
	MIDDLEWARE = "MIDDLEWARE"
	OAUTH      = "OAUTH"
	REALTIME   = "REALTIME"
	REDIS      = "REDIS"
	SESSION    = "SESSION"
)

func getLogLevel() zerolog.Level {
	level := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	switch level {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func getWriter() io.Writer {
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return os.Stderr
}

// Configure sets up the global zerolog logger from LOG_LEVEL and LOG_FORMAT.
func Configure() {
	zerolog.SetGlobalLevel(getLogLevel())
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(getWriter()).With().Timestamp().Logger()
}

// With returns a child of the global logger tagged with a component namespace.
func With(namespace string) zerolog.Logger {
	return log.With().Str("component", namespace).Logger()
}
