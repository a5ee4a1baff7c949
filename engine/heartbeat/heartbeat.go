// Package heartbeat runs the background worker: periodic warm pings of
// opted-in endpoints, schedule-driven cache refreshes and lake-catalog
// compaction. One goroutine, cooperative shutdown.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flapi/flapi/engine/cache"
	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/engine/pipeline"
	"github.com/flapi/flapi/pkg/logger"
)

// Worker is the background heartbeat loop.
type Worker struct {
	cfg   *config.Config
	store *config.Store
	pipe  *pipeline.Pipeline
	cache *cache.Engine
	db    *duck.Engine

	mu      sync.Mutex
	lastRun map[string]time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a stopped worker.
func New(cfg *config.Config, store *config.Store, pipe *pipeline.Pipeline, cacheEng *cache.Engine, db *duck.Engine) *Worker {
	return &Worker{
		cfg:     cfg,
		store:   store,
		pipe:    pipe,
		cache:   cacheEng,
		db:      db,
		lastRun: make(map[string]time.Time),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the loop and waits for it to drain.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	log := logger.FromContext(ctx)
	interval := w.cfg.WorkerInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("heartbeat worker started", "interval", interval)
	for {
		select {
		case <-w.stop:
			log.Info("heartbeat worker stopped")
			return
		case <-ctx.Done():
			log.Info("heartbeat worker stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
		}
		if !w.cfg.Heartbeat.Enabled {
			continue
		}
		w.tick(ctx)
	}
}

// tick runs one worker pass. Each step checks the stop flag so shutdown
// never waits on a full sweep.
func (w *Worker) tick(ctx context.Context) {
	now := time.Now()
	for _, ep := range w.store.Snapshot() {
		if w.stopped() {
			return
		}
		if ep.Heartbeat.Enabled {
			w.ping(ctx, ep)
		}
		if ep.Cache.Enabled && ep.Cache.Table != "" && w.due(refreshKey(ep), ep.Cache.Schedule, now) {
			if err := w.cache.Refresh(ctx, ep, map[string]string{}); err != nil {
				logger.FromContext(ctx).Error("scheduled cache refresh failed",
					"endpoint", ep.URLPath, "error", err)
			}
		}
	}
	if w.stopped() {
		return
	}
	if w.due("compaction", w.cfg.Heartbeat.CompactionSchedule, now) {
		w.compact(ctx)
	}
}

// ping invokes the pipeline directly, bypassing the network, using the
// endpoint's heartbeat params on top of the read defaults.
func (w *Worker) ping(ctx context.Context, ep *config.Endpoint) {
	log := logger.FromContext(ctx)
	params, err := pipeline.ReadParams(ep, nil, nil)
	if err != nil {
		log.Warn("heartbeat ping skipped", "endpoint", ep.URLPath, "error", err)
		return
	}
	for k, v := range ep.Heartbeat.Params {
		params[k] = v
	}
	if ep.IsWrite() {
		_, err = w.pipe.ExecuteWrite(ctx, ep, params)
	} else {
		_, err = w.pipe.ExecuteRead(ctx, ep, params)
	}
	if err != nil {
		log.Warn("heartbeat ping failed", "endpoint", ep.URLPath, "error", err)
	}
}

// compact merges adjacent lake data files and expires day-old snapshots.
func (w *Worker) compact(ctx context.Context) {
	if !w.db.Attached() {
		return
	}
	log := logger.FromContext(ctx)
	catalog := w.cfg.CatalogAlias()
	if _, err := w.db.DB().ExecContext(ctx,
		fmt.Sprintf("CALL ducklake_merge_adjacent_files('%s')", catalog)); err != nil {
		log.Warn("lake compaction failed", "catalog", catalog, "error", err)
	}
	w.cache.GarbageCollect(ctx, w.store.Snapshot())
}

// due reports whether the cron schedule fired since the last recorded run
// for key; empty schedules never fire. Malformed schedules log once per
// tick and never fire.
func (w *Worker) due(key, schedule string, now time.Time) bool {
	if schedule == "" {
		return false
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		logger.FromContext(context.Background()).Warn("invalid cron schedule",
			"key", key, "schedule", schedule, "error", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastRun[key]
	if !ok {
		// First sighting anchors the schedule; it fires on a later tick.
		w.lastRun[key] = now
		return false
	}
	if spec.Next(last).After(now) {
		return false
	}
	w.lastRun[key] = now
	return true
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func refreshKey(ep *config.Endpoint) string {
	return "refresh|" + ep.SourcePath + "|" + ep.URLPath
}
