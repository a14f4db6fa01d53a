package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Raw wire shapes. YAML is normalized to JSON bytes first so one strict
// decoder (DisallowUnknownFields) covers the whole document; a typo'd field
// in the SOT config is a reload error, not a silently ignored key.

type rawFile struct {
	Runner rawRunner `json:"runner,omitempty"`
	Jobs   []rawJob  `json:"jobs"`
}

type rawRunner struct {
	Timezone string      `json:"timezone,omitempty"`
	Webhook  *rawWebhook `json:"webhook,omitempty"`
	History  *rawHistory `json:"history,omitempty"`
}

type rawWebhook struct {
	URL        string `json:"url"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

type rawHistory struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	Keep   int    `json:"keep,omitempty"`
}

type rawJob struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Schedule    string    `json:"schedule"`
	Timezone    string    `json:"timezone,omitempty"`
	Command     string    `json:"command"`
	Timeout     string    `json:"timeout,omitempty"`
	Concurrency string    `json:"concurrency,omitempty"`
	Retry       *rawRetry `json:"retry,omitempty"`
	Jitter      string    `json:"jitter,omitempty"`
	WorkingDir  string    `json:"working_dir,omitempty"`
	Enabled     *bool     `json:"enabled,omitempty"`
}

type rawRetry struct {
	Max    int    `json:"max"`
	Delay  string `json:"delay,omitempty"`
	Jitter string `json:"jitter,omitempty"`
}

// DefaultTimeout bounds jobs that do not declare their own.
const DefaultTimeout = time.Hour

const defaultRetryDelay = 30 * time.Second

// Load reads and parses the config document inside the SOT mirror.
func Load(sotPath string) (*File, error) {
	path := filepath.Join(sotPath, FileName)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates one config document.
func Parse(data []byte) (*File, error) {
	jb, err := coerceToJSONBytes(data)
	if err != nil {
		return nil, err
	}

	var raw rawFile
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode config: trailing data")
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg, err := buildFile(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// coerceToJSONBytes converts the YAML document to JSON bytes so the strict
// JSON decoder applies to both formats.
func coerceToJSONBytes(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

func buildFile(raw rawFile) (*File, error) {
	cfg := &File{}

	cfg.Runner.Timezone = strings.TrimSpace(raw.Runner.Timezone)
	if w := raw.Runner.Webhook; w != nil {
		cfg.Runner.Webhook = Webhook{URL: strings.TrimSpace(w.URL), RatePerSec: w.RatePerSec, QueueSize: w.QueueSize}
	}
	if h := raw.Runner.History; h != nil {
		cfg.Runner.History = History{Driver: strings.TrimSpace(h.Driver), Path: h.Path, Keep: h.Keep}
	}

	cfg.Jobs = make([]Job, 0, len(raw.Jobs))
	for i, rj := range raw.Jobs {
		job, err := buildJob(rj)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		cfg.Jobs = append(cfg.Jobs, job)
	}
	return cfg, nil
}

func buildJob(raw rawJob) (Job, error) {
	job := Job{
		ID:         strings.TrimSpace(raw.ID),
		Name:       strings.TrimSpace(raw.Name),
		Schedule:   strings.TrimSpace(raw.Schedule),
		Timezone:   strings.TrimSpace(raw.Timezone),
		Command:    raw.Command,
		WorkingDir: strings.TrimSpace(raw.WorkingDir),
		Enabled:    true,
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if raw.Enabled != nil {
		job.Enabled = *raw.Enabled
	}

	timeout, err := parseDurationOrDefault("timeout", raw.Timeout, DefaultTimeout)
	if err != nil {
		return Job{}, err
	}
	job.Timeout = timeout

	jitter, err := parseDurationField("jitter", raw.Jitter)
	if err != nil {
		return Job{}, err
	}
	job.Jitter = jitter

	switch c := Concurrency(strings.ToLower(strings.TrimSpace(raw.Concurrency))); c {
	case "":
		job.Concurrency = ConcurrencySkip
	case ConcurrencySkip, ConcurrencyQueue, ConcurrencyAllow:
		job.Concurrency = c
	case "parallel": // accepted alias
		job.Concurrency = ConcurrencyAllow
	default:
		return Job{}, fmt.Errorf("concurrency: unknown policy %q", raw.Concurrency)
	}

	if raw.Retry != nil {
		delay, err := parseDurationOrDefault("retry.delay", raw.Retry.Delay, defaultRetryDelay)
		if err != nil {
			return Job{}, err
		}
		rjit, err := parseDurationField("retry.jitter", raw.Retry.Jitter)
		if err != nil {
			return Job{}, err
		}
		job.Retry = &Retry{Max: raw.Retry.Max, Delay: delay, Jitter: rjit}
	}
	return job, nil
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
