package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"rollcron/internal/config"
)

// ExecuteFunc runs one job invocation to its terminal outcome. Swappable so
// scheduler tests can observe triggers without spawning real processes.
type ExecuteFunc func(ctx context.Context, job config.Job, jobDir string) Result

// tickEvery is the cadence at which due times are checked. Sub-second so
// seconds-resolution cron specs fire close to their schedule.
const tickEvery = 500 * time.Millisecond

// jobState is the per-job run state. It is owned exclusively by the actor
// loop; nothing outside the loop reads or writes it.
type jobState struct {
	job   config.Job
	sched cron.Schedule
	next  time.Time

	// running counts in-flight runs (can exceed 1 under the allow policy).
	running int
	// pending is the single coalesced slot for the queue policy.
	pending bool
}

// Mailbox messages. Each public operation is one message; the loop processes
// them strictly in arrival order, which is what keeps run-state transitions
// race-free without locks.

type message interface{ isMessage() }

type initializeMsg struct {
	cfg  *config.File
	done chan error
}

type configUpdateMsg struct {
	cfg *config.File
}

type syncRequestMsg struct {
	jobIDs  []string
	sotPath string
}

type getJobIDsMsg struct {
	reply chan []string
}

type shutdownMsg struct {
	done chan struct{}
}

// runDoneMsg reports a finished execution unit back into the loop.
type runDoneMsg struct {
	id  string
	res Result
}

func (initializeMsg) isMessage()   {}
func (configUpdateMsg) isMessage() {}
func (syncRequestMsg) isMessage()  {}
func (getJobIDsMsg) isMessage()    {}
func (shutdownMsg) isMessage()     {}
func (runDoneMsg) isMessage()      {}
