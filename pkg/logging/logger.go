// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Fields are attached to every entry, e.g. service name or base URL.
	// Empty values are skipped.
	Fields map[string]string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	keys := make([]string, 0, len(cfg.Fields))
	for k, v := range cfg.Fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		ctx = ctx.Str(k, cfg.Fields[k])
	}

	log.Logger = ctx.Logger()
	return log.Logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown or empty levels
// fall back to info.
func parseLevel(level LogLevel) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	if name == "warning" {
		name = "warn"
	}
	parsed, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return parsed
}

// NewLogger returns a child of the global logger tagged with the component
// name. Packages call it at construction time, so Setup must run first for
// the level and output to apply.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Request flow (method, url, status, duration)
//   - Pagination progress (page, next cursor)
//   - Followers joining a shared rate limit wait
//
// Info: Normal operation events
//   - Authorization completed, session restored or removed
//   - Proxy startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit waits (bucket, reset)
//   - Retry attempts
//   - Token refresh failures that fall back to authorization
//   - Session store errors
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Hard quota exhaustion and ambiguous rate limits
//   - Configuration errors
//
// Context Fields:
//   - component: transport, ratelimit, pagination, oauth, gateway-client
//   - method, url: Request being made
//   - status_code: HTTP status code
//   - duration: Request duration
//   - error_class: Error classification (client, server, rate_limit, network, abort)
//   - bucket: Rate limit bucket name
//   - attempt: Attempt number within one call
//   - identity: Session identity key
