// Package syncdriver periodically refreshes the SOT mirror and, when new
// content arrives, pushes the reloaded configuration and a resync request to
// the scheduler. For local plain-directory sources an fsnotify watcher
// triggers a sync pass ahead of the pull interval.
package syncdriver

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"rollcron/internal/config"
	"rollcron/internal/source"
)

// Scheduler is the slice of the scheduler actor the driver talks to.
type Scheduler interface {
	ConfigUpdate(cfg *config.File)
	SyncRequest(jobIDs []string, sotPath string)
}

const watchDebounce = 500 * time.Millisecond

type Driver struct {
	log      zerolog.Logger
	cache    *source.Cache
	sched    Scheduler
	locator  string
	interval time.Duration

	kick    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	watcher *fsnotify.Watcher

	// failed marks the previous pass as errored; only the loop goroutine
	// touches it.
	failed bool
}

func New(locator string, interval time.Duration, cache *source.Cache, sched Scheduler, log zerolog.Logger) *Driver {
	return &Driver{
		log:      log,
		cache:    cache,
		sched:    sched,
		locator:  locator,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop and, for watchable sources, the fsnotify
// fast path. Watcher setup failure degrades to interval-only polling.
func (d *Driver) Start(ctx context.Context) {
	if d.watchable() {
		if err := d.startWatcher(); err != nil {
			d.log.Warn().Err(err).Msg("source watcher unavailable, relying on pull interval")
		}
	}

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.pass(ctx)
			case <-d.kick:
				d.pass(ctx)
			}
		}
	}()
	d.log.Info().Dur("interval", d.interval).Str("source", d.locator).Msg("sync driver started")
}

// Stop halts ticking and the watcher, waiting for an in-progress pass.
func (d *Driver) Stop() {
	close(d.stopCh)
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	<-d.done
}

// pass is one sync cycle: refresh the mirror, and on new content reload the
// config and notify the scheduler. Every failure path keeps the previous
// state authoritative and leaves scheduling untouched.
func (d *Driver) pass(ctx context.Context) {
	sotPath, changed, err := d.cache.Ensure(ctx, d.locator)
	if err != nil {
		d.failed = true
		d.log.Error().Err(err).Msg("source sync failed, skipping tick")
		return
	}
	// After a failed pass the mirror may have moved without us noticing, so
	// the first successful pass reloads even when the pull reports no change.
	recovering := d.failed
	d.failed = false
	if !changed && !recovering {
		d.log.Debug().Msg("source unchanged")
		return
	}

	cfg, err := config.Load(sotPath)
	if err != nil {
		// Previous configuration stays in effect; job dirs are not resynced
		// either, so payload and job list move together.
		d.log.Error().Err(err).Msg("config reload failed, keeping previous configuration")
		return
	}

	ids := make([]string, 0, len(cfg.Jobs))
	for i := range cfg.Jobs {
		ids = append(ids, cfg.Jobs[i].ID)
	}
	d.log.Info().Int("jobs", len(ids)).Msg("source changed, applying configuration")
	d.sched.ConfigUpdate(cfg)
	d.sched.SyncRequest(ids, sotPath)
}

// watchable reports whether the locator is a plain local directory (git
// sources change only via pull, so watching them buys nothing).
func (d *Driver) watchable() bool {
	if source.IsRemote(d.locator) {
		return false
	}
	info, err := os.Stat(d.locator)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(d.locator, ".git"))
	return os.IsNotExist(err)
}

func (d *Driver) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addRecursive(w, d.locator); err != nil {
		_ = w.Close()
		return err
	}
	d.watcher = w

	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Newly created directories need their own watch.
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = addRecursive(w, ev.Name)
					}
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case d.kick <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.log.Warn().Err(err).Msg("source watcher error")
			}
		}
	}()
	return nil
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if entry.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
