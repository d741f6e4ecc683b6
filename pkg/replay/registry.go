package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultIdleTimeout is how long a worker may sit with an empty queue,
// counted from its last successful command, before the registry's janitor
// disposes of it. A worker that has never completed a command is not evicted.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultJanitorInterval is how often the registry sweeps for idle
// workers.
const DefaultJanitorInterval = 30 * time.Second

// RegistryConfig configures a WorkerRegistry.
type RegistryConfig struct {
	Target          TargetInfo
	Normalizer      Normalizer
	WorkerConfig    WorkerConfig
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
	// ShutdownConcurrency bounds how many workers are disposed of
	// concurrently during Shutdown.
	ShutdownConcurrency int
}

// WorkerRegistry owns every live Worker in the process, keyed by session
// id, and evicts workers that have gone idle. One registry is created per
// replay run and shares a single poolRegistry across every worker it
// creates, so clear_pool and connection reuse are process-wide.
type WorkerRegistry struct {
	cfg      RegistryConfig
	logger   *slog.Logger
	pools    *poolRegistry
	baseCtx  context.Context
	cancelFn context.CancelFunc

	mu      sync.Mutex
	workers map[string]*Worker

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// NewWorkerRegistry constructs a registry. ctx bounds the lifetime of
// every worker it creates; canceling ctx (or calling Shutdown) tears them
// all down.
func NewWorkerRegistry(ctx context.Context, cfg RegistryConfig, logger *slog.Logger) *WorkerRegistry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	if cfg.ShutdownConcurrency <= 0 {
		cfg.ShutdownConcurrency = 8
	}

	baseCtx, cancel := context.WithCancel(ctx)
	r := &WorkerRegistry{
		cfg:         cfg,
		logger:      logger,
		pools:       newPoolRegistry(),
		baseCtx:     baseCtx,
		cancelFn:    cancel,
		workers:     make(map[string]*Worker),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go r.runJanitor()
	return r
}

// Submit routes cmd to the worker for its session, creating the worker on
// first use.
func (r *WorkerRegistry) Submit(cmd CommandRecord) {
	r.getOrCreate(cmd.SessionID).Append(cmd)
}

func (r *WorkerRegistry) getOrCreate(sessionID string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[sessionID]; ok {
		return w
	}
	w := NewWorker(r.baseCtx, sessionID, r.cfg.Target, r.pools, r.cfg.Normalizer, r.cfg.WorkerConfig, r.logger)
	r.workers[sessionID] = w
	return w
}

// Len reports the number of live workers, for tests and metrics.
func (r *WorkerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// AllIdle reports whether every live worker's queue is currently empty and
// its loop has exited, so no command is waiting for its offset or executing.
// A reference CLI driving a fixed capture file (rather than a live stream)
// can poll this to know when a run has finished replaying everything it was
// given.
func (r *WorkerRegistry) AllIdle() bool {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.mu.Lock()
		busy := w.running || w.queue.Len() != 0
		w.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

func (r *WorkerRegistry) runJanitor() {
	defer close(r.janitorDone)
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopJanitor:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *WorkerRegistry) evictIdle() {
	now := time.Now()

	r.mu.Lock()
	var idle []*Worker
	for id, w := range r.workers {
		if w.QueueLen() != 0 {
			continue
		}
		last := w.stats.LastCommandTime()
		if last.IsZero() || now.Sub(last) < r.cfg.IdleTimeout {
			continue
		}
		idle = append(idle, w)
		delete(r.workers, id)
	}
	r.mu.Unlock()

	for _, w := range idle {
		r.logger.Info("evicting idle worker", "worker", w.Name())
		w.Dispose()
	}
}

// Shutdown disposes of every live worker, bounded by
// cfg.ShutdownConcurrency concurrent disposals, then closes the shared
// pool registry.
func (r *WorkerRegistry) Shutdown(ctx context.Context) error {
	close(r.stopJanitor)
	<-r.janitorDone

	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for id, w := range r.workers {
		workers = append(workers, w)
		delete(r.workers, id)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ShutdownConcurrency)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			w.Dispose()
			return nil
		})
	}
	err := g.Wait()

	r.cancelFn()
	r.pools.CloseAll()
	return err
}
