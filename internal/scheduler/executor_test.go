package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rollcron/internal/config"
	"rollcron/internal/events"
)

func testJob(cmd string, timeout time.Duration) config.Job {
	return config.Job{
		ID:          "test",
		Name:        "Test Job",
		Schedule:    "* * * * * *",
		Command:     cmd,
		Timeout:     timeout,
		Concurrency: config.ConcurrencySkip,
		Enabled:     true,
	}
}

func newTestExecutor() *Executor {
	return NewExecutor(zerolog.Nop(), events.NewBus())
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	res := newTestExecutor().Execute(context.Background(), testJob("echo ok", 10*time.Second), t.TempDir())
	if !res.Success || res.Outcome != "success" || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()
	res := newTestExecutor().Execute(context.Background(), testJob("echo boom >&2; exit 3", 10*time.Second), t.TempDir())
	if res.Success || res.Outcome != "exit 3" {
		t.Fatalf("result = %+v", res)
	}
	if res.Error != "boom" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	start := time.Now()
	res := newTestExecutor().Execute(context.Background(), testJob("sleep 10", 500*time.Millisecond), t.TempDir())
	elapsed := time.Since(start)
	if res.Success || res.Outcome != "timeout" {
		t.Fatalf("result = %+v", res)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("timeout kill took %v, command not terminated promptly", elapsed)
	}
}

func TestExecuteSuccessSkipsRetryDelay(t *testing.T) {
	t.Parallel()
	job := testJob("echo ok", 10*time.Second)
	job.Retry = &config.Retry{Max: 3, Delay: 300 * time.Millisecond}

	start := time.Now()
	res := newTestExecutor().Execute(context.Background(), job, t.TempDir())
	if !res.Success || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed >= job.Retry.Delay {
		t.Fatalf("successful run slept for a retry delay (%v)", elapsed)
	}
}

func TestExecuteRetriesUntilExhausted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	job := testJob("echo attempt >> attempts.log; exit 1", 10*time.Second)
	job.Retry = &config.Retry{Max: 2, Delay: 20 * time.Millisecond}

	start := time.Now()
	res := newTestExecutor().Execute(context.Background(), job, dir)
	elapsed := time.Since(start)

	if res.Success || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
	b, err := os.ReadFile(filepath.Join(dir, "attempts.log"))
	if err != nil {
		t.Fatalf("attempts log: %v", err)
	}
	if got := strings.Count(string(b), "attempt"); got != 3 {
		t.Fatalf("command ran %d times, want 3", got)
	}
	// Backoff slept at least delay + 2*delay.
	if want := 60 * time.Millisecond; elapsed < want {
		t.Fatalf("elapsed %v < combined backoff %v", elapsed, want)
	}
}

func TestExecuteEnvFileOverrides(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GREETING=\"hello world\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := newTestExecutor().Execute(context.Background(), testJob(`printf '%s' "$GREETING" > out.txt`, 10*time.Second), dir)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(b) != "hello world" {
		t.Fatalf("env override not applied: %q %v", b, err)
	}
}

func TestExecuteStartupJitter(t *testing.T) {
	t.Parallel()
	job := testJob("echo ok", 10*time.Second)
	job.Jitter = 50 * time.Millisecond

	start := time.Now()
	res := newTestExecutor().Execute(context.Background(), job, t.TempDir())
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("jitter delayed run by %v", elapsed)
	}
}

func TestExecuteLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	job := testJob("exit 1", 10*time.Second)
	job.Retry = &config.Retry{Max: 1, Delay: 10 * time.Millisecond}
	NewExecutor(zerolog.Nop(), bus).Execute(context.Background(), job, t.TempDir())

	var got []events.Type
	for len(got) < 3 {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %v", got)
		}
	}
	want := []events.Type{events.JobStarted, events.JobFailed, events.JobGaveUp}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestResolveWorkDir(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()
	jobDir := t.TempDir()
	sub := filepath.Join(jobDir, "scripts")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	if got := resolveWorkDir(jobDir, "", log); got != jobDir {
		t.Fatalf("empty working_dir = %q", got)
	}
	if got := resolveWorkDir(jobDir, "scripts", log); got != mustEval(t, sub) {
		t.Fatalf("subdir = %q", got)
	}
	// Traversal and non-existent paths fall back to the job root.
	if got := resolveWorkDir(jobDir, "../../etc", log); got != jobDir {
		t.Fatalf("traversal = %q, want job root", got)
	}
	if got := resolveWorkDir(jobDir, "does-not-exist", log); got != jobDir {
		t.Fatalf("missing = %q, want job root", got)
	}

	// A symlink pointing outside the job dir must not be followed.
	outside := t.TempDir()
	link := filepath.Join(jobDir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks unavailable")
	}
	if got := resolveWorkDir(jobDir, "escape", log); got != jobDir {
		t.Fatalf("symlink escape = %q, want job root", got)
	}
}

func mustEval(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}
