package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// For log management under systemd:
//   - View logs: journalctl -u unstablecoin-bot
//   - Follow logs: journalctl -u unstablecoin-bot -f
//   - View errors: journalctl -u unstablecoin-bot -p err

// logger is the process-wide logger. Bots derive child loggers from it.
var logger = zerolog.Nop()

// initLoggers sets up the console logger on stderr. LOG_LEVEL selects the
// minimum level (debug, info, warn, error); info is the default.
func initLoggers() {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}
