package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"rollcron/internal/config"
	"rollcron/internal/events"
	"rollcron/internal/history"
)

func (s *Service) handle(ctx context.Context, m message) {
	switch msg := m.(type) {
	case initializeMsg:
		msg.done <- s.applyConfig(msg.cfg, true)
	case configUpdateMsg:
		if err := s.applyConfig(msg.cfg, false); err != nil {
			// Should not happen for a pre-validated config; keep the old
			// registry rather than adopting a partial one.
			s.log.Error().Err(err).Msg("config update rejected")
		}
	case syncRequestMsg:
		s.handleSync(msg)
	case getJobIDsMsg:
		msg.reply <- slices.Clone(s.order)
	case shutdownMsg:
		s.log.Info().Int("in_flight", s.inflight).Msg("graceful shutdown requested")
		s.stopping = true
		s.stopDone = msg.done
	case runDoneMsg:
		s.handleRunDone(ctx, msg)
	}
}

// applyConfig seeds (initial=true) or replaces the registry. Jobs present in
// both generations keep their run state; removed jobs are dropped and their
// in-flight runs simply finish without re-triggering.
func (s *Service) applyConfig(cfg *config.File, initial bool) error {
	now := time.Now()
	next := make(map[string]*jobState, len(cfg.Jobs))
	order := make([]string, 0, len(cfg.Jobs))

	for i := range cfg.Jobs {
		job := cfg.Jobs[i]
		sched, err := job.CronSchedule(cfg.Runner.Timezone)
		if err != nil {
			return fmt.Errorf("job %q: %w", job.ID, err)
		}

		st := s.jobs[job.ID]
		if st == nil {
			st = &jobState{job: job, sched: sched, next: sched.Next(now)}
			if !initial {
				s.log.Info().Str("job", job.ID).Time("next", st.next).Msg("job registered")
			}
		} else {
			rescheduled := st.job.Schedule != job.Schedule || st.job.Timezone != job.Timezone
			st.job = job
			st.sched = sched
			if rescheduled {
				st.next = sched.Next(now)
				s.log.Info().Str("job", job.ID).Time("next", st.next).Msg("job rescheduled")
			}
		}
		next[job.ID] = st
		order = append(order, job.ID)
	}

	for id := range s.jobs {
		if _, kept := next[id]; !kept {
			s.log.Info().Str("job", id).Msg("job removed from registry")
		}
	}

	s.jobs = next
	s.order = order
	s.runner = cfg.Runner
	s.log.Info().Int("jobs", len(order)).Bool("initial", initial).Msg("registry applied")
	return nil
}

// handleSync refreshes each requested job's working directory. Failures are
// logged per job and never block the remaining ids; the stale directory stays
// authoritative until the next successful sync.
func (s *Service) handleSync(msg syncRequestMsg) {
	if msg.sotPath != "" {
		s.sotPath = msg.sotPath
	}
	for _, id := range msg.jobIDs {
		if _, known := s.jobs[id]; !known {
			continue
		}
		jobDir := s.cache.JobDir(s.sotPath, id)
		if err := s.cache.SyncToJobDir(s.sotPath, jobDir); err != nil {
			s.log.Error().Err(err).Str("job", id).Msg("working dir sync failed")
			continue
		}
		s.log.Debug().Str("job", id).Str("dir", jobDir).Msg("working dir synced")
	}
}

// tick fires every enabled job whose next-fire time has passed, advancing the
// schedule before consulting the concurrency policy so a long run never
// stalls the clock.
func (s *Service) tick(now time.Time) {
	for _, id := range s.order {
		st := s.jobs[id]
		if !st.job.Enabled || st.next.IsZero() || now.Before(st.next) {
			continue
		}
		st.next = st.sched.Next(now)
		s.trigger(st)
	}
}

// trigger applies the job's concurrency policy to one due trigger.
func (s *Service) trigger(st *jobState) {
	switch st.job.Concurrency {
	case config.ConcurrencyQueue:
		if st.running > 0 {
			if !st.pending {
				s.log.Debug().Str("job", st.job.ID).Msg("run in flight, trigger queued")
			}
			st.pending = true // coalesced: one pending slot, never more
			return
		}
	case config.ConcurrencyAllow:
		// No mutual exclusion.
	default: // skip
		if st.running > 0 {
			s.log.Debug().Str("job", st.job.ID).Msg("run in flight, trigger skipped")
			s.bus.Publish(events.Event{Type: events.JobSkipped, JobID: st.job.ID, JobName: st.job.Name})
			return
		}
	}
	s.launch(st)
}

// launch starts one execution unit. The unit reports back through the
// mailbox so run-state transitions stay on the loop goroutine.
func (s *Service) launch(st *jobState) {
	st.running++
	s.inflight++

	job := st.job
	jobDir := s.cache.JobDir(s.sotPath, job.ID)

	go func() {
		var res Result
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("job", job.ID).Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic in execution unit")
				res = Result{Outcome: "exec error", Error: fmt.Sprint(r), Attempts: 1}
			}
			select {
			case s.mailbox <- runDoneMsg{id: job.ID, res: res}:
			case <-s.loopExited:
			}
		}()
		res = s.execute(context.Background(), job, jobDir)
	}()
}

func (s *Service) handleRunDone(ctx context.Context, msg runDoneMsg) {
	s.inflight--
	s.appendHistory(ctx, msg)

	st := s.jobs[msg.id]
	if st == nil {
		// Job was dropped by a reload while running; nothing to update.
		return
	}
	if st.running > 0 {
		st.running--
	}
	if st.pending && st.running == 0 && !s.stopping {
		st.pending = false
		s.log.Debug().Str("job", st.job.ID).Msg("starting queued trigger")
		s.launch(st)
	}
}

func (s *Service) appendHistory(ctx context.Context, msg runDoneMsg) {
	if s.hist == nil {
		return
	}
	rec := history.Record{
		JobID:    msg.id,
		Started:  time.Now().Add(-msg.res.Duration),
		Duration: msg.res.Duration,
		Attempts: msg.res.Attempts,
		Outcome:  msg.res.Outcome,
		Error:    msg.res.Error,
	}
	if st := s.jobs[msg.id]; st != nil {
		rec.JobName = st.job.Name
	}
	appendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.hist.Append(appendCtx, rec); err != nil {
		s.log.Warn().Err(err).Str("job", msg.id).Msg("history append failed")
	}
}
