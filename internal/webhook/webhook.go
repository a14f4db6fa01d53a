// Package webhook delivers job lifecycle events to an external HTTP endpoint.
//
// Delivery is best-effort by contract: failures are logged and dropped, and a
// slow endpoint sheds events at the bus boundary instead of backpressuring
// the scheduler.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rollcron/internal/events"
)

// Config controls the notifier.
type Config struct {
	URL        string
	RatePerSec int           // outbound request budget; default 5
	QueueSize  int           // subscriber buffer; default 64
	Timeout    time.Duration // per-request timeout; default 10s
}

type payload struct {
	Event      string `json:"event"`
	JobID      string `json:"job_id"`
	JobName    string `json:"job_name,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

// Notifier drains bus events through one worker goroutine.
type Notifier struct {
	log     zerolog.Logger
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter

	unsub func()
	done  chan struct{}
}

// New returns nil when no URL is configured; a nil Notifier's methods are
// no-ops so callers don't have to branch.
func New(cfg Config, log zerolog.Logger) *Notifier {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		log:     log,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		done:    make(chan struct{}),
	}
}

// Start subscribes to bus and begins delivering events.
func (n *Notifier) Start(ctx context.Context, bus *events.Bus) {
	if n == nil {
		return
	}
	ch, unsub := bus.Subscribe(n.cfg.QueueSize)
	n.unsub = unsub

	go func() {
		defer close(n.done)
		for e := range ch {
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			n.deliver(ctx, e)
		}
	}()
	n.log.Info().Str("url", n.cfg.URL).Int("rate_per_sec", n.cfg.RatePerSec).Msg("webhook notifier started")
}

// Stop unsubscribes and waits for queued events to drain.
func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	if n.unsub != nil {
		n.unsub()
	}
	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
		n.log.Warn().Msg("webhook drain timed out")
	}
}

func (n *Notifier) deliver(ctx context.Context, e events.Event) {
	body, err := json.Marshal(payload{
		Event:      string(e.Type),
		JobID:      e.JobID,
		JobName:    e.JobName,
		Outcome:    e.Outcome,
		Attempts:   e.Attempts,
		DurationMS: e.Duration.Milliseconds(),
		Error:      e.Error,
		At:         e.Time.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		n.log.Warn().Err(err).Msg("webhook payload marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		n.log.Warn().Err(err).Msg("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("event", string(e.Type)).Str("job", e.JobID).Msg("webhook delivery failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn().Int("status", resp.StatusCode).Str("event", string(e.Type)).Str("job", e.JobID).Msg("webhook endpoint rejected event")
		return
	}
	n.log.Debug().Str("event", string(e.Type)).Str("job", e.JobID).Msg("webhook delivered")
}
