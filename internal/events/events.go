// Package events carries job lifecycle signals from the scheduler to
// observers such as the webhook notifier.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers use buffered channels; slow subscribers drop events.
//
// Losing an event is acceptable (delivery reliability is explicitly out of
// scope); blocking the scheduler is not.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the lifecycle points the scheduler reports.
type Type string

const (
	JobStarted   Type = "job.started"
	JobSucceeded Type = "job.succeeded"
	// JobFailed is emitted per failed attempt that still has retries left.
	JobFailed Type = "job.failed"
	// JobGaveUp is emitted when the retry budget is exhausted.
	JobGaveUp Type = "job.gave_up"
	// JobSkipped is emitted when a due trigger is dropped by the skip policy.
	JobSkipped Type = "job.skipped"
)

// Event is one lifecycle record for one job run.
type Event struct {
	Type    Type
	Time    time.Time
	JobID   string
	JobName string

	// Outcome is a short classification: "success", "exit 3", "timeout",
	// "exec error". Empty for start/skip events.
	Outcome  string
	Attempt  int // 1-based attempt number for per-attempt events
	Attempts int // total attempts performed, set on terminal events
	Duration time.Duration
	Error    string
}

// Bus is a simple in-memory fanout. It owns no background goroutines.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; recover in case a subscriber closed its
		// channel while unsubscribing concurrently.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
