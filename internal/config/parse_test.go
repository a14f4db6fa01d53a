package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
runner:
  timezone: UTC
  webhook:
    url: https://hooks.example.com/rollcron
    rate_per_sec: 5
jobs:
  - id: backup
    name: Nightly backup
    schedule: "0 3 * * *"
    command: ./scripts/backup.sh
    timeout: 15m
    concurrency: skip
    retry:
      max: 2
      delay: 30s
      jitter: 5s
  - id: metrics
    schedule: "*/10 * * * * *"
    command: ./scripts/push-metrics.sh
    concurrency: allow
    jitter: 2s
    working_dir: metrics
  - id: disabled-one
    schedule: "@hourly"
    command: "true"
    enabled: false
`

func TestParseSample(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if cfg.Runner.Timezone != "UTC" {
		t.Fatalf("runner timezone = %q", cfg.Runner.Timezone)
	}
	if cfg.Runner.Webhook.URL != "https://hooks.example.com/rollcron" || cfg.Runner.Webhook.RatePerSec != 5 {
		t.Fatalf("webhook = %+v", cfg.Runner.Webhook)
	}
	if len(cfg.Jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(cfg.Jobs))
	}

	backup := cfg.Jobs[0]
	if backup.Name != "Nightly backup" || backup.Timeout != 15*time.Minute || backup.Concurrency != ConcurrencySkip {
		t.Fatalf("backup = %+v", backup)
	}
	if backup.Retry == nil || backup.Retry.Max != 2 || backup.Retry.Delay != 30*time.Second || backup.Retry.Jitter != 5*time.Second {
		t.Fatalf("backup.Retry = %+v", backup.Retry)
	}
	if !backup.Enabled {
		t.Fatal("backup should default to enabled")
	}

	metrics := cfg.Jobs[1]
	if metrics.Name != "metrics" {
		t.Fatalf("name should default to id, got %q", metrics.Name)
	}
	if metrics.Timeout != DefaultTimeout {
		t.Fatalf("timeout should default, got %v", metrics.Timeout)
	}
	if metrics.Concurrency != ConcurrencyAllow || metrics.WorkingDir != "metrics" || metrics.Jitter != 2*time.Second {
		t.Fatalf("metrics = %+v", metrics)
	}

	if cfg.Jobs[2].Enabled {
		t.Fatal("disabled-one should be disabled")
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "duplicate id",
			yaml: "jobs:\n  - {id: a, schedule: \"* * * * *\", command: x}\n  - {id: a, schedule: \"* * * * *\", command: y}\n",
			want: "duplicate job id",
		},
		{
			name: "missing command",
			yaml: "jobs:\n  - {id: a, schedule: \"* * * * *\"}\n",
			want: "command is required",
		},
		{
			name: "bad schedule",
			yaml: "jobs:\n  - {id: a, schedule: \"not a cron\", command: x}\n",
			want: "schedule",
		},
		{
			name: "bad timezone",
			yaml: "jobs:\n  - {id: a, schedule: \"* * * * *\", command: x, timezone: Mars/Olympus}\n",
			want: "timezone",
		},
		{
			name: "negative retry",
			yaml: "jobs:\n  - {id: a, schedule: \"* * * * *\", command: x, retry: {max: -1}}\n",
			want: "retry.max",
		},
		{
			name: "unknown field",
			yaml: "jobs:\n  - {id: a, schedule: \"* * * * *\", command: x, shedule: oops}\n",
			want: "unknown field",
		},
		{
			name: "unknown concurrency",
			yaml: "jobs:\n  - {id: a, schedule: \"* * * * *\", command: x, concurrency: fanout}\n",
			want: "concurrency",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCronScheduleTimezone(t *testing.T) {
	t.Parallel()
	job := Job{ID: "tz", Schedule: "0 9 * * *", Timezone: "Asia/Tokyo", Command: "x", Timeout: time.Minute, Concurrency: ConcurrencySkip}
	sched, err := job.CronSchedule("UTC")
	if err != nil {
		t.Fatalf("CronSchedule error: %v", err)
	}

	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next := sched.Next(from).In(tokyo)
	if next.Hour() != 9 {
		t.Fatalf("next fire at %v, want 09:00 Tokyo", next)
	}
}

func TestCronScheduleSecondsField(t *testing.T) {
	t.Parallel()
	job := Job{ID: "s", Schedule: "*/5 * * * * *", Command: "x", Timeout: time.Minute}
	sched, err := job.CronSchedule("")
	if err != nil {
		t.Fatalf("CronSchedule error: %v", err)
	}
	from := time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)
	if got := sched.Next(from); got.Sub(from) > 5*time.Second {
		t.Fatalf("seconds-resolution schedule fired at %v", got)
	}
}
