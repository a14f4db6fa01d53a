package config

import "time"

// FileName is the config document looked up at the SOT root.
const FileName = "rollcron.yaml"

// Concurrency describes what happens when a trigger fires while a previous
// run of the same job is still executing.
type Concurrency string

const (
	// ConcurrencySkip drops the new trigger.
	ConcurrencySkip Concurrency = "skip"
	// ConcurrencyQueue defers at most one trigger until the in-flight run ends.
	ConcurrencyQueue Concurrency = "queue"
	// ConcurrencyAllow starts the new run alongside the in-flight one.
	ConcurrencyAllow Concurrency = "allow"
)

// Retry configures the per-job retry loop.
type Retry struct {
	// Max is the number of retries after the first attempt (>= 0).
	Max int
	// Delay is the base backoff delay; retry n sleeps Delay*2^n (capped).
	Delay time.Duration
	// Jitter, when > 0, adds a uniform random [0, Jitter] to each backoff.
	Jitter time.Duration
}

// Job is one scheduled unit of work from the SOT config.
type Job struct {
	ID       string
	Name     string
	Schedule string // cron spec, 5- or 6-field (seconds optional)
	Timezone string // IANA zone; empty falls back to Runner.Timezone
	Command  string

	Timeout     time.Duration
	Concurrency Concurrency
	Retry       *Retry
	// Jitter delays the first attempt by a uniform random [0, Jitter].
	Jitter     time.Duration
	WorkingDir string // optional subpath inside the materialized job dir
	Enabled    bool
}

// Webhook configures outbound lifecycle notifications.
type Webhook struct {
	URL        string
	RatePerSec int
	QueueSize  int
}

// History configures run-history persistence.
type History struct {
	Driver string // "", "none", "file" or "sqlite"
	Path   string
	Keep   int // records retained per prune; 0 means default
}

// Runner holds scheduler-wide settings loaded alongside the job list.
type Runner struct {
	// Timezone is the default zone for jobs that do not set their own.
	Timezone string
	Webhook  Webhook
	History  History
}

// File is one fully parsed and validated config document.
type File struct {
	Runner Runner
	Jobs   []Job
}
