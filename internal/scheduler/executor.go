package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rollcron/internal/config"
	"rollcron/internal/envfile"
	"rollcron/internal/events"
)

// Result is the terminal outcome of one job run (all attempts included).
// Execute never fails from the caller's perspective; everything is reflected
// here and in the lifecycle events.
type Result struct {
	Success  bool
	Outcome  string // "success", "exit N", "timeout", "exec error"
	Attempts int
	Duration time.Duration
	Error    string
}

// Executor runs one job invocation: jitter, working-directory resolution,
// attempt loop with backoff, command spawn under a hard timeout.
type Executor struct {
	log zerolog.Logger
	bus *events.Bus
}

func NewExecutor(log zerolog.Logger, bus *events.Bus) *Executor {
	return &Executor{log: log, bus: bus}
}

// Execute runs job inside jobDir and returns its terminal outcome. ctx only
// aborts jitter/backoff sleeps; a started command is bounded by the job's own
// timeout, not by ctx, so graceful shutdown lets in-flight attempts finish.
func (e *Executor) Execute(ctx context.Context, job config.Job, jobDir string) Result {
	start := time.Now()
	log := e.log.With().Str("job", job.ID).Logger()

	if job.Jitter > 0 {
		d := Jitter(job.Jitter)
		if d > 0 {
			log.Debug().Dur("jitter", d).Msg("applying startup jitter")
			if !sleepCtx(ctx, d) {
				return e.terminal(job, start, Result{Outcome: "exec error", Error: "canceled during jitter"})
			}
		}
	}

	workDir := resolveWorkDir(jobDir, job.WorkingDir, log)

	maxAttempts := 1
	if job.Retry != nil {
		maxAttempts = job.Retry.Max + 1
	}

	e.bus.Publish(events.Event{Type: events.JobStarted, JobID: job.ID, JobName: job.Name})

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := Backoff(*job.Retry, attempt-2)
			log.Info().Int("attempt", attempt).Int("max_attempts", maxAttempts).Dur("delay", delay).Msg("retrying after backoff")
			if !sleepCtx(ctx, delay) {
				res.Error = "canceled during backoff"
				res.Outcome = "exec error"
				res.Attempts = attempt - 1
				return e.terminal(job, start, res)
			}
		}

		log.Info().Str("name", job.Name).Str("command", job.Command).Int("attempt", attempt).Msg("starting command")
		res = e.runAttempt(job, workDir)
		res.Attempts = attempt

		if res.Success {
			return e.terminal(job, start, res)
		}
		if attempt < maxAttempts {
			e.bus.Publish(events.Event{
				Type: events.JobFailed, JobID: job.ID, JobName: job.Name,
				Outcome: res.Outcome, Attempt: attempt, Error: res.Error,
			})
			log.Warn().Str("outcome", res.Outcome).Msg("attempt failed, will retry")
		}
	}
	return e.terminal(job, start, res)
}

// terminal stamps the duration and publishes the final lifecycle event.
func (e *Executor) terminal(job config.Job, start time.Time, res Result) Result {
	res.Duration = time.Since(start)
	ev := events.Event{
		JobID: job.ID, JobName: job.Name,
		Outcome: res.Outcome, Attempts: res.Attempts, Duration: res.Duration, Error: res.Error,
	}
	if res.Success {
		ev.Type = events.JobSucceeded
	} else {
		ev.Type = events.JobGaveUp
	}
	e.bus.Publish(ev)
	return res
}

// runAttempt spawns the command once and classifies the outcome.
func (e *Executor) runAttempt(job config.Job, workDir string) Result {
	log := e.log.With().Str("job", job.ID).Logger()

	vars, err := envfile.Load(workDir)
	if err != nil {
		return Result{Outcome: "exec error", Error: fmt.Sprintf("load env file: %v", err)}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command("sh", "-c", job.Command)
	cmd.Dir = workDir
	cmd.Env = envfile.Merged(vars)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group so a timeout kill takes children down too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{Outcome: "exec error", Error: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(job.Timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		log.Error().Dur("timeout", job.Timeout).Msg("command timed out")
		return Result{Outcome: "timeout", Error: fmt.Sprintf("timeout after %v", job.Timeout)}
	}

	if err == nil {
		log.Info().Msg("command completed")
		echoOutput(log, zerolog.InfoLevel, stdout.String())
		return Result{Success: true, Outcome: "success"}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		log.Warn().Int("exit_code", code).Msg("command failed")
		// Failure echo order: stderr before stdout, as users expect.
		echoOutput(log, zerolog.WarnLevel, stderr.String())
		echoOutput(log, zerolog.WarnLevel, stdout.String())
		return Result{Outcome: fmt.Sprintf("exit %d", code), Error: firstLine(stderr.String())}
	}
	return Result{Outcome: "exec error", Error: err.Error()}
}

// resolveWorkDir joins the job's optional relative working_dir onto its
// materialized directory and accepts the result only if it stays inside that
// directory after symlink resolution. Any escape or resolution failure falls
// back to the job root with a warning; we never execute outside the job tree.
func resolveWorkDir(jobDir, workingDir string, log zerolog.Logger) string {
	if workingDir == "" {
		return jobDir
	}
	joined := filepath.Join(jobDir, workingDir)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		log.Warn().Str("working_dir", workingDir).Err(err).Msg("working_dir does not resolve, using job root")
		return jobDir
	}
	base, err := filepath.EvalSymlinks(jobDir)
	if err != nil {
		log.Warn().Str("working_dir", workingDir).Err(err).Msg("job dir does not resolve, using job root")
		return jobDir
	}
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		log.Warn().Str("working_dir", workingDir).Msg("working_dir escapes job dir, using job root")
		return jobDir
	}
	return resolved
}

func echoOutput(log zerolog.Logger, level zerolog.Level, out string) {
	if strings.TrimSpace(out) == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		log.WithLevel(level).Str("output", line).Msg("")
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
