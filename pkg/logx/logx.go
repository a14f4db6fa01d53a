// Package logx configures the process-wide zerolog setup.
//
// Components receive child loggers tagged with a "component" field; job-scoped
// code adds a "job" field on top. The console sink writes to stderr so job
// command output echoed at info level stays distinguishable from the commands'
// own stdout.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config controls logger construction.
type Config struct {
	// Level is a zerolog level name ("trace".."error"). Empty means "info".
	Level string
	// FilePath, when set, adds a JSON sink appended to the given file.
	FilePath string
	// NoColor disables ANSI colors on the console sink.
	NoColor bool
}

// New builds the root logger. The returned closer is non-nil only when a file
// sink was opened.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: consoleTimeFormat,
		NoColor:    cfg.NoColor,
	}

	var (
		w      io.Writer = console
		closer io.Closer
	)
	if strings.TrimSpace(cfg.FilePath) != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		w = zerolog.MultiLevelWriter(console, f)
	}

	log := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return log, closer, nil
}

// Component returns a child logger tagged for one subsystem.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func parseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
