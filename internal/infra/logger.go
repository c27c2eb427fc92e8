package infra

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger constructs the service logger. Development builds log at debug
// level through the console writer; LOG_LEVEL overrides the level.
func NewLogger(appEnv string) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}

	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "visionbatch").
		Logger()

	if appEnv == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return logger
}

// Logger aliases zerolog.Logger so packages can accept a logger without
// importing zerolog themselves.
type Logger = zerolog.Logger

// ComponentLogger returns a child logger tagged with the component name.
func ComponentLogger(l Logger, component string) *Logger {
	child := l.With().Str("component", component).Logger()
	return &child
}
