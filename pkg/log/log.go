package log

import (
	"io"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		console := zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
		Logger = zerolog.New(console).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with a subsystem name.
func Component(name string) *zerolog.Logger {
	l := Logger.With().Str("component", name).Logger()
	return &l
}

var credentialRe = regexp.MustCompile(`(?i)(://[^:/@]+):[^@]+@`)

// RedactURI masks the password portion of a connection URI so credential
// material never reaches diagnostic output.
func RedactURI(uri string) string {
	return credentialRe.ReplaceAllString(uri, "$1:***@")
}

// RedactSecret masks all but the first two characters of a secret value.
func RedactSecret(s string) string {
	if len(s) <= 2 {
		return "***"
	}
	return s[:2] + "***"
}
