package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"rollcron/internal/config"
	"rollcron/internal/events"
	"rollcron/internal/history"
	"rollcron/internal/source"
)

// Service is the coordinating state machine: it owns the job registry and
// per-job run state, fires due jobs subject to their concurrency policy, and
// applies hot-reloads and resync requests delivered as mailbox messages.
//
// All registry/run-state mutation happens on the single loop goroutine; other
// components only send messages.
type Service struct {
	log     zerolog.Logger
	cache   *source.Cache
	bus     *events.Bus
	hist    history.Store
	execute ExecuteFunc

	mailbox    chan message
	loopExited chan struct{}

	// Loop-owned state. Never touched outside run().
	runner   config.Runner
	sotPath  string
	jobs     map[string]*jobState
	order    []string
	inflight int
	stopping bool
	stopDone chan struct{}
}

// Deps wires the service's collaborators. Execute defaults to a real
// process-spawning executor; History may be nil.
type Deps struct {
	Log     zerolog.Logger
	Cache   *source.Cache
	Bus     *events.Bus
	History history.Store
	Execute ExecuteFunc
}

func New(sotPath string, runner config.Runner, deps Deps) *Service {
	s := &Service{
		log:        deps.Log,
		cache:      deps.Cache,
		bus:        deps.Bus,
		hist:       deps.History,
		execute:    deps.Execute,
		mailbox:    make(chan message, 256),
		loopExited: make(chan struct{}),
		runner:     runner,
		sotPath:    sotPath,
		jobs:       map[string]*jobState{},
	}
	if s.execute == nil {
		s.execute = NewExecutor(deps.Log, deps.Bus).Execute
	}
	return s
}

// Start launches the actor loop. ctx is a hard backstop only: graceful
// shutdown goes through Shutdown(), which stops triggering and waits for
// in-flight runs.
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
}

// Initialize seeds the registry from the first loaded configuration and
// returns once seeded.
func (s *Service) Initialize(ctx context.Context, cfg *config.File) error {
	done := make(chan error, 1)
	if !s.send(ctx, initializeMsg{cfg: cfg, done: done}) {
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfigUpdate replaces the job registry asynchronously: removed jobs are
// dropped (in-flight runs finish but are not re-triggered), new jobs get
// fresh run state, retained jobs keep run state but adopt new fields.
func (s *Service) ConfigUpdate(cfg *config.File) {
	s.send(context.Background(), configUpdateMsg{cfg: cfg})
}

// SyncRequest asks the actor to refresh the given jobs' working directories
// from sotPath before their next trigger.
func (s *Service) SyncRequest(jobIDs []string, sotPath string) {
	s.send(context.Background(), syncRequestMsg{jobIDs: jobIDs, sotPath: sotPath})
}

// JobIDs returns the current registry's id list.
func (s *Service) JobIDs(ctx context.Context) []string {
	reply := make(chan []string, 1)
	if !s.send(ctx, getJobIDsMsg{reply: reply}) {
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops scheduling new triggers and waits for in-flight executions
// (each bounded by its own timeout) before returning.
func (s *Service) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	if !s.send(ctx, shutdownMsg{done: done}) {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// send delivers a message unless the loop has exited.
func (s *Service) send(ctx context.Context, m message) bool {
	select {
	case s.mailbox <- m:
		return true
	case <-s.loopExited:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Service) run(ctx context.Context) {
	defer close(s.loopExited)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic in scheduler loop")
		}
	}()

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Warn().Msg("scheduler loop aborted by context")
			return
		case now := <-ticker.C:
			if !s.stopping {
				s.tick(now)
			}
		case m := <-s.mailbox:
			s.handle(ctx, m)
			if s.stopping && s.inflight == 0 {
				if s.stopDone != nil {
					close(s.stopDone)
				}
				s.log.Info().Msg("scheduler stopped")
				return
			}
		}
	}
}
