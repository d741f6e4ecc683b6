package replay

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// WorkerConfig holds the per-session policy knobs attached to a Worker.
type WorkerConfig struct {
	FailRetryMax    int
	TimeoutRetryMax int
	StopOnError     bool

	MimicAppName         bool
	ConsumeResults       bool
	RaiseErrorsToTracing bool

	QueryTimeout time.Duration
	TracingQuery string

	// TimeoutCodes is the set of numeric codes the error classifier treats
	// as a command timeout, forwarded to NewClassifier. Empty means the
	// classifier's own default ({-2}).
	TimeoutCodes []int

	// CommandErrorLogLevel is the severity used when logging a single
	// command execution failure, before any retry/classification decision
	// is logged separately. Defaults to slog.LevelWarn.
	CommandErrorLogLevel slog.Level

	// DisplayWorkerStats gates whether the throughput sampler logs
	// anything at all; StatsCommandCount only controls the interval once
	// display is on.
	DisplayWorkerStats bool

	// StatsCommandCount is how many successful commands elapse between
	// throughput samples; see stats.go.
	StatsCommandCount int64

	// OnCommand, if set, is called after every dispatch attempt with the
	// normalized command kind, one of "success"/"error"/"skipped" (the
	// latter for an Execute/Unprepare against an unknown handle), and the
	// attempt's wall time in seconds. It exists so a caller can wire command
	// outcomes into its own metrics without pkg/replay depending on a
	// metrics library.
	OnCommand func(kind, status string, durationSeconds float64)

	// OnRetry, if set, is called each time a retryable failure is about to
	// be re-dispatched, with the classification that triggered it.
	OnRetry func(classification string)
}

// DefaultWorkerConfig returns the engine's out-of-the-box policy.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		FailRetryMax:         3,
		TimeoutRetryMax:      3,
		StopOnError:          false,
		ConsumeResults:       true,
		QueryTimeout:         30 * time.Second,
		CommandErrorLogLevel: slog.LevelWarn,
		StatsCommandCount:    1000,
	}
}

// Worker replays one session's command stream against the target database,
// preserving per-session order and original inter-command timing. A Worker
// is created once per session and disposed of once the session is idle or
// the engine shuts down; see WorkerRegistry.
//
// Synchronization contract: queue and running are only ever mutated while
// mu is held, including the self-park/restart decision in Append and the
// loop's own exit check, so a command appended the instant the loop is
// about to park can never be stranded in an idle queue.
type Worker struct {
	name   string
	logger *slog.Logger
	cfg    WorkerConfig

	ctx    context.Context
	cancel context.CancelFunc

	cm         *connManager
	scheduler  *delayScheduler
	prepared   *preparedMap
	classifier *Classifier
	normalizer Normalizer
	tracer     *tracer
	stats      *statsSampler

	mu      sync.Mutex
	queue   *list.List
	running bool
	stopped atomic.Bool

	nextHandle atomic.Int64

	wg sync.WaitGroup
}

// NewWorker constructs a Worker for session name, targeting target,
// sharing registry with every other worker in the process so clear_pool
// and connection reuse are process-wide.
func NewWorker(
	parent context.Context,
	name string,
	target TargetInfo,
	registry *poolRegistry,
	normalizer Normalizer,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With("worker", name)
	w := &Worker{
		name:       name,
		logger:     logger,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		cm:         newConnManager(target, registry, cfg.MimicAppName, logger),
		scheduler:  newDelayScheduler(logger),
		prepared:   newPreparedMap(),
		classifier: NewClassifier(cfg.TimeoutCodes),
		normalizer: normalizer,
		tracer:     newTracer(target, registry, cfg.TracingQuery, logger),
		queue:      list.New(),
	}
	w.stats = newStatsSampler(name, cfg.DisplayWorkerStats, cfg.StatsCommandCount, logger)
	return w
}

// Name returns the session identifier this worker replays.
func (w *Worker) Name() string { return w.name }

// ExecutedCount reports the number of commands successfully executed.
func (w *Worker) ExecutedCount() int64 { return w.stats.ExecutedCount() }

// QueueLen reports the number of commands currently queued, for
// diagnostics.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// Append enqueues cmd for execution and starts the loop goroutine if it is
// not already running. A command appended while the loop is between
// "queue looked empty" and "mark myself not running" is never lost: both
// decisions are made under the same lock.
func (w *Worker) Append(cmd CommandRecord) {
	w.mu.Lock()
	w.queue.PushBack(cmd)
	start := !w.running
	if start {
		w.running = true
	}
	w.mu.Unlock()

	if start {
		w.wg.Add(1)
		go w.loop()
	}
}

// Stop asks the loop to finish its current command and then exit without
// draining the remainder of the queue. It does not block; call Dispose to
// wait for the loop to actually exit.
func (w *Worker) Stop() {
	w.stopped.Store(true)
}

// Dispose stops the worker, waits for its loop goroutine to exit, and
// releases its connection. It is safe to call more than once.
func (w *Worker) Dispose() {
	w.Stop()
	w.cancel()
	w.wg.Wait()
	w.cm.Close()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		if w.queue.Len() == 0 || w.stopped.Load() {
			w.queue.Init()
			w.running = false
			w.mu.Unlock()
			return
		}
		front := w.queue.Front()
		w.queue.Remove(front)
		w.mu.Unlock()

		w.replay(front.Value.(CommandRecord))
	}
}

// replay normalizes, schedules, and executes a single command, including
// any retries the classifier's verdict calls for.
func (w *Worker) replay(cmd CommandRecord) {
	norm, err := w.normalizer.Normalize(cmd.Text)
	if err != nil {
		w.logger.Error("normalize failed", "error", err, "event_sequence", cmd.EventSequence)
		return
	}

	w.scheduler.Wait(cmd.ReplayOffset, &w.stopped)
	if w.stopped.Load() {
		return
	}

	w.dispatch(cmd, norm, 0, 0)
}

// dispatch executes one (possibly re-issued) attempt at cmd/norm and
// recurses synchronously on a retryable failure: retries re-invoke
// execution directly, they never re-enter the queue.
func (w *Worker) dispatch(cmd CommandRecord, norm NormalizedCommand, failRetries, timeoutRetries int) {
	opCtx, cancel := context.WithTimeout(w.ctx, w.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	skipped := false
	err := w.cm.EnsureReady(opCtx, cmd, &w.stopped)
	if err == nil {
		switch norm.Kind {
		case KindResetConn:
			err = w.cm.ResetConn(opCtx, cmd, &w.stopped)
		case KindResetConnNonpooled:
			w.cm.ClearPool()
		case KindPrepare:
			err = w.doPrepare(opCtx, norm)
		case KindExecute:
			skipped, err = w.doExecute(opCtx, norm)
		case KindUnprepare:
			skipped, err = w.doUnprepare(opCtx, norm)
		default:
			err = w.doRegular(opCtx, norm)
		}
	}
	elapsed := time.Since(start).Seconds()

	if err == nil {
		// A skipped Execute/Unprepare (unknown handle) never touched the
		// connection: it is neither an executed command nor a failure, per
		// §8 invariant #3 — it must not move executed_count. A ResetConn or
		// ResetConnNonpooled command runs no SQL and is not counted either.
		if !skipped && norm.Kind != KindResetConn && norm.Kind != KindResetConnNonpooled {
			w.stats.RecordSuccess(cmd.EventSequence, w.QueueLen())
		}
		if w.cfg.OnCommand != nil {
			status := "success"
			if skipped {
				status = "skipped"
			}
			w.cfg.OnCommand(norm.Kind.String(), status, elapsed)
		}
		return
	}

	if w.cfg.OnCommand != nil {
		w.cfg.OnCommand(norm.Kind.String(), "error", elapsed)
	}

	class, code, sqlstate := w.classifier.Classify(err)
	w.logger.Log(opCtx, w.cfg.CommandErrorLogLevel, "command failed",
		"event_sequence", cmd.EventSequence,
		"classification", class.String(),
		"code", code,
		"sqlstate", sqlstate,
		"error", err,
	)

	switch class {
	case ClassTimeout:
		if w.cfg.RaiseErrorsToTracing {
			w.tracer.Emit(context.Background(), cmd.Database, TraceEventTimeout,
				fmt.Sprintf("timeout retry=%d", timeoutRetries),
				TimeoutPayload(cmd.Database, cmd.EventSequence, err.Error(), cmd.Text))
		}
		if w.cfg.StopOnError {
			w.cm.ClearPool()
			w.Stop()
			return
		}
		if timeoutRetries < w.cfg.TimeoutRetryMax {
			if w.cfg.OnRetry != nil {
				w.cfg.OnRetry(class.String())
			}
			w.dispatch(cmd, norm, failRetries, timeoutRetries+1)
			return
		}
		w.logger.Error("timeout retry budget exhausted", "event_sequence", cmd.EventSequence)
	case ClassDatabaseError:
		if w.cfg.RaiseErrorsToTracing {
			w.tracer.Emit(context.Background(), cmd.Database, TraceEventError,
				fmt.Sprintf("sqlstate=%s retry=%d", sqlstate, failRetries),
				TimeoutPayload(cmd.Database, cmd.EventSequence, err.Error(), cmd.Text))
		}
		if w.cfg.StopOnError {
			w.cm.ClearPool()
			w.Stop()
			return
		}
		if failRetries < w.cfg.FailRetryMax {
			if w.cfg.OnRetry != nil {
				w.cfg.OnRetry(class.String())
			}
			w.dispatch(cmd, norm, failRetries+1, timeoutRetries)
			return
		}
		w.logger.Error("fail retry budget exhausted", "event_sequence", cmd.EventSequence, "sqlstate", sqlstate)
	default:
		w.logger.Error("unclassified error, giving up", "event_sequence", cmd.EventSequence, "error", err)
		w.cm.ClearPool()
		if w.cfg.StopOnError {
			w.Stop()
		}
	}
}

func (w *Worker) doPrepare(ctx context.Context, norm NormalizedCommand) error {
	conn := w.cm.Conn()
	handle := w.nextHandle.Add(1)
	name := statementName(handle)
	if _, err := conn.Prepare(ctx, name, norm.Text); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	w.prepared.Put(norm.SourceHandleID, handle)
	return nil
}

// doExecute reports skipped=true when the source handle was never prepared
// on this worker: the command never reaches the connection and does not
// count toward executed_count (§8 invariant #3). The parameter list the
// normalizer captured after the handle placeholder (norm.Text, e.g.
// "§ @p1=1") is parsed by ExecuteArgs and bound positionally against the
// prepared statement, so a parameterized PREPARE actually receives its
// values instead of running with none.
func (w *Worker) doExecute(ctx context.Context, norm NormalizedCommand) (skipped bool, err error) {
	handle, ok := w.prepared.Get(norm.SourceHandleID)
	if !ok {
		// The prepare for this handle was never observed on this worker
		// (it happened before the replay window began, or sp_prepare
		// failed silently upstream). Per the capture contract this is not
		// an error: skip without touching the connection.
		w.logger.Debug("execute against unknown prepared handle, skipping", "source_handle", norm.SourceHandleID)
		return true, nil
	}
	name := statementName(handle)
	args := ExecuteArgs(norm.Text)
	if err := w.execSQL(ctx, name, args...); err != nil {
		return false, fmt.Errorf("execute handle %d: %w", handle, err)
	}
	return false, nil
}

// doUnprepare reports skipped=true when the handle is unknown, matching
// doExecute's contract.
func (w *Worker) doUnprepare(ctx context.Context, norm NormalizedCommand) (skipped bool, err error) {
	handle, ok := w.prepared.Get(norm.SourceHandleID)
	if !ok {
		w.logger.Debug("unprepare of unknown handle, skipping", "source_handle", norm.SourceHandleID)
		return true, nil
	}
	conn := w.cm.Conn()
	name := statementName(handle)
	if err := conn.Deallocate(ctx, name); err != nil {
		return false, fmt.Errorf("unprepare handle %d: %w", handle, err)
	}
	w.prepared.Delete(norm.SourceHandleID)
	return false, nil
}

// doRegular sends the command text as a simple-protocol Query message,
// whether or not results are consumed.
func (w *Worker) doRegular(ctx context.Context, norm NormalizedCommand) error {
	return w.execSQL(ctx, norm.Text, pgx.QueryExecModeSimpleProtocol)
}

// execSQL runs a statement (direct SQL text or a prepared statement's pgx
// name) with the given bind arguments, draining result rows when the
// worker is configured to consume results. Both doRegular and doExecute
// funnel through here so §4.4's "non-prepare kinds" result-handling rule
// applies uniformly to Regular and Execute alike.
func (w *Worker) execSQL(ctx context.Context, sqlOrName string, args ...any) error {
	conn := w.cm.Conn()
	if !w.cfg.ConsumeResults {
		if _, err := conn.Exec(ctx, sqlOrName, args...); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		return nil
	}

	rows, err := conn.Query(ctx, sqlOrName, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query rows: %w", err)
	}
	return nil
}

func statementName(handle int64) string {
	return "pgreplay_" + strconv.FormatInt(handle, 10)
}
