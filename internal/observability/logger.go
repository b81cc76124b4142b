// Package observability holds the logging setup shared by the certify
// commands.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv overrides the configured log level when set.
const LevelEnv = "CERTIFY_LOG_LEVEL"

// InitLogger builds a console logger on stderr tagged with app and installs
// it as the global zerolog logger. Unknown levels fall back to info.
func InitLogger(app, level string) zerolog.Logger {
	return NewLogger(os.Stderr, app, level)
}

// NewLogger is InitLogger writing to out. Stdout stays free for command
// output.
func NewLogger(out io.Writer, app, level string) zerolog.Logger {
	if env := strings.TrimSpace(os.Getenv(LevelEnv)); env != "" {
		level = env
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    out != os.Stderr,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
