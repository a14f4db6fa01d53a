// Package history persists one record per terminal job run. The file driver
// is dependency-free JSONL; a SQLite driver is available behind the `sqlite`
// build tag.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrDisabled = errors.New("history disabled")

const defaultKeep = 1000

// Config selects and configures a driver. An empty or "none" driver disables
// history entirely (Open returns nil, nil).
type Config struct {
	Driver string // "", "none", "file", "sqlite"
	Path   string
	Keep   int // records retained when pruning; 0 means default
}

// Record is one terminal run outcome. Keep it compact and schema-stable.
type Record struct {
	JobID    string        `json:"job_id"`
	JobName  string        `json:"job_name,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Store is the persistence API the scheduler writes to.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when history
// is disabled.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	if cfg.Keep <= 0 {
		cfg.Keep = defaultKeep
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + cfg.Driver)
	}
}
