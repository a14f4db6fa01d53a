package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts both 5-field and 6-field (with seconds) cron specs,
// plus @descriptors like @hourly.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronSchedule parses the job's cron spec in its effective timezone.
// Precedence: job timezone, then defaultTZ (the runner-wide setting), then
// the process-local zone.
func (j *Job) CronSchedule(defaultTZ string) (cron.Schedule, error) {
	spec := j.Schedule
	tz := j.Timezone
	if tz == "" {
		tz = defaultTZ
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		spec = "CRON_TZ=" + tz + " " + spec
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", j.Schedule, err)
	}
	return sched, nil
}

// Validate enforces the invariants the scheduler relies on. It is called by
// Parse but is exported so hand-built configs in tests go through the same
// checks.
func (c *File) Validate() error {
	if c.Runner.Timezone != "" {
		if _, err := time.LoadLocation(c.Runner.Timezone); err != nil {
			return fmt.Errorf("runner.timezone %q: %w", c.Runner.Timezone, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i := range c.Jobs {
		job := &c.Jobs[i]
		if err := job.validate(c.Runner.Timezone); err != nil {
			return fmt.Errorf("job %q: %w", job.ID, err)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("duplicate job id %q", job.ID)
		}
		seen[job.ID] = struct{}{}
	}
	return nil
}

func (j *Job) validate(defaultTZ string) error {
	if j.ID == "" {
		return fmt.Errorf("id is required")
	}
	if j.Command == "" {
		return fmt.Errorf("command is required")
	}
	if j.Schedule == "" {
		return fmt.Errorf("schedule is required")
	}
	if _, err := j.CronSchedule(defaultTZ); err != nil {
		return err
	}
	if j.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if j.Retry != nil {
		if j.Retry.Max < 0 {
			return fmt.Errorf("retry.max must be >= 0")
		}
		if j.Retry.Delay <= 0 {
			return fmt.Errorf("retry.delay must be > 0")
		}
	}
	return nil
}
