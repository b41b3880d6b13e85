package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/syncerr"
)

const (
	DefaultMinRetryInterval = 5 * time.Second
	DefaultInterval         = 30 * time.Second
	DefaultSubmitTimeout    = 15 * time.Second
)

// Trigger reasons.
const (
	ReasonManual      = "manual"
	ReasonCapture     = "capture"
	ReasonReconnected = "reconnected"
	ReasonTimer       = "timer"
	ReasonRetry       = "retry"
	ReasonStartup     = "startup"
)

// Backend is the slice of the backend API the engine calls.
type Backend interface {
	CreateTransaction(ctx context.Context, tx backend.Transaction) error
	UpdateDevice(ctx context.Context, fingerprint string, fields map[string]any) error
}

// CounterMerger receives existing_max from duplicate rejections.
type CounterMerger interface {
	MergeServerCounter(ctx context.Context, observed int64) (bool, error)
}

// Config tunes the engine.
type Config struct {
	// Fingerprint identifies the device in create_transaction and
	// update_device.
	Fingerprint string

	// MinRetryInterval is the minimum delay after a pass with failures.
	MinRetryInterval time.Duration

	// Interval is the periodic drain timer used by Run. Negative disables it.
	Interval time.Duration

	// SubmitTimeout bounds each create_transaction call.
	SubmitTimeout time.Duration

	// ClientVersion is reported in the heartbeat.
	ClientVersion string

	// DisableHeartbeat turns off the best-effort update_device call after
	// each drain.
	DisableHeartbeat bool
}

func (c Config) withDefaults() Config {
	if c.MinRetryInterval == 0 {
		c.MinRetryInterval = DefaultMinRetryInterval
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// Report summarizes one RunOnce call.
type Report struct {
	// Attempted counts entries submitted to the backend.
	Attempted int
	// Confirmed counts entries removed from the queue, duplicates included.
	Confirmed int
	// Failed counts entries left in the queue for retry.
	Failed int
	// Duplicates counts entries the backend already held.
	Duplicates int
	// Passes counts drain passes, follow-ups included.
	Passes int
	// Skipped is set when another drain was already in progress; it will
	// run a follow-up pass instead.
	Skipped bool
	// Throttled is set when the last pass was refused by the minimum retry
	// interval.
	Throttled bool
}

func (r *Report) add(o Report) {
	r.Attempted += o.Attempted
	r.Confirmed += o.Confirmed
	r.Failed += o.Failed
	r.Duplicates += o.Duplicates
	r.Passes += o.Passes
	r.Throttled = o.Throttled
}

// Engine drains the pending queue.
//
// Thread-safety model:
//   - RunOnce, Trigger, ConnectivityChanged: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	queue   *queue.Queue
	backend Backend
	merger  CounterMerger
	bus     *events.Bus
	metrics *metrics.Metrics
	clock   Clock
	cfg     Config
	logger  *slog.Logger

	triggers *triggerQueue
	draining atomic.Bool
	rerun    atomic.Bool
	running  atomic.Bool
	online   atomic.Bool
	stopped  atomic.Bool

	mu          sync.Mutex // guards lastAttempt and lastFailed
	lastAttempt time.Time
	lastFailed  int

	// Heartbeats run outside the drain and are cancelled by Stop.
	hbCtx        context.Context
	hbCancel     context.CancelFunc
	hbMu         sync.Mutex // orders hbWG.Add against Stop
	hbWG         sync.WaitGroup
	heartbeating atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMerger feeds duplicate rejections back into the allocator.
func WithMerger(m CounterMerger) Option {
	return func(e *Engine) { e.merger = m }
}

// WithEvents publishes sync-started, sync-progress and sync-finished.
func WithEvents(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics records drain metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine over the pending queue and backend.
func New(q *queue.Queue, be Backend, cfg Config, opts ...Option) *Engine {
	hbCtx, hbCancel := context.WithCancel(context.Background())
	e := &Engine{
		hbCtx:    hbCtx,
		hbCancel: hbCancel,
		queue:    q,
		backend:  be,
		clock:    SystemClock{},
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		triggers: newTriggerQueue(),
	}
	e.online.Store(true)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Draining reports whether a drain is in progress.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Online reports the last connectivity state delivered to the engine.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// RunOnce drains the queue. If a drain is already running, it returns at
// once with Skipped set and the running drain performs a follow-up pass.
//
// Per-entry failures are counted in the report, not returned. The error is
// non-nil only for local storage failures, context cancellation, or after
// Stop.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	if e.stopped.Load() {
		return Report{}, ErrStopped
	}
	// rerun is raised before trying to take the drain, so a drainer that
	// releases after this point still sees the request.
	e.rerun.Store(true)
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain in progress, trigger coalesced")
		e.metrics.ObserveSyncRun("skipped", 0)
		return Report{Skipped: true}, nil
	}
	held := true
	defer func() {
		if held {
			e.draining.Store(false)
		}
	}()

	var total Report
	for {
		e.rerun.Store(false)
		rep, err := e.pass(ctx)
		total.add(rep)
		if err != nil || rep.Throttled {
			return total, err
		}
		if e.rerun.Load() {
			e.logger.Debug("running follow-up drain")
			continue
		}

		e.draining.Store(false)
		held = false
		// A caller that coalesced between the check above and the release
		// is served here, unless a new drainer already took over.
		if !e.rerun.Load() || !e.draining.CompareAndSwap(false, true) {
			return total, nil
		}
		held = true
		e.logger.Debug("running follow-up drain")
	}
}

// pass performs one drain over a snapshot of the queue.
func (e *Engine) pass(ctx context.Context) (Report, error) {
	start := e.clock.Now()

	e.mu.Lock()
	throttled := e.lastFailed > 0 && start.Sub(e.lastAttempt) < e.cfg.MinRetryInterval
	e.mu.Unlock()
	if throttled {
		e.logger.Debug("drain throttled", "min_retry_interval", e.cfg.MinRetryInterval)
		e.metrics.ObserveSyncRun("throttled", 0)
		return Report{Throttled: true}, nil
	}

	entries, err := e.queue.ListPending(ctx)
	if err != nil {
		e.metrics.ObserveSyncRun(metrics.ResultError, 0)
		return Report{}, fmt.Errorf("list pending: %w", err)
	}

	rep := Report{Passes: 1}
	total := len(entries)
	e.bus.Publish(events.Event{Kind: events.SyncStarted, Total: total})
	e.logger.Debug("drain started", "pending", total)

	var passErr error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			passErr = err
			break
		}
		rep.Attempted++
		if err := e.deliver(ctx, entry, &rep); err != nil {
			passErr = err
			break
		}
		e.bus.Publish(events.Event{Kind: events.SyncProgress, Confirmed: rep.Confirmed, Total: total})
	}

	e.mu.Lock()
	e.lastAttempt = start
	e.lastFailed = rep.Failed
	e.mu.Unlock()

	e.bus.Publish(events.Event{Kind: events.SyncFinished, Confirmed: rep.Confirmed, Failed: rep.Failed})
	e.logger.Info("drain finished",
		"attempted", rep.Attempted,
		"confirmed", rep.Confirmed,
		"duplicates", rep.Duplicates,
		"failed", rep.Failed,
	)

	result := metrics.ResultSuccess
	switch {
	case passErr != nil:
		result = metrics.ResultError
	case rep.Failed > 0:
		result = "partial"
	}
	e.metrics.ObserveSyncRun(result, e.clock.Now().Sub(start))

	if passErr == nil && rep.Attempted > 0 {
		e.heartbeat(ctx, rep)
	}
	return rep, passErr
}

// deliver submits one entry and applies the outcome. It returns an error
// only when local storage fails; backend failures are counted.
func (e *Engine) deliver(ctx context.Context, entry queue.PendingTransaction, rep *Report) error {
	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	err := e.backend.CreateTransaction(submitCtx, backend.Transaction{
		Fingerprint: e.cfg.Fingerprint,
		ReferenceNo: entry.ReferenceNo,
		Payload:     entry.Payload,
	})
	cancel()

	if err == nil {
		if err := e.queue.Remove(ctx, entry.LocalID); err != nil {
			return err
		}
		rep.Confirmed++
		e.metrics.IncSyncEntry(metrics.OutcomeConfirmed)
		e.logger.Debug("transaction confirmed", "reference_no", entry.ReferenceNo, "local_id", entry.LocalID)
		return nil
	}

	if de, ok := syncerr.AsDuplicate(err); ok {
		if err := e.queue.Remove(ctx, entry.LocalID); err != nil {
			return err
		}
		rep.Confirmed++
		rep.Duplicates++
		e.metrics.IncSyncEntry(metrics.OutcomeDuplicate)
		e.logger.Info("backend already holds reference",
			"reference_no", entry.ReferenceNo,
			"local_id", entry.LocalID,
			"existing_max", de.ExistingMax,
		)
		e.merge(ctx, de.ExistingMax)
		return nil
	}

	if ctx.Err() != nil {
		// Cancelled mid-call: not a delivery failure.
		rep.Attempted--
		return ctx.Err()
	}

	rep.Failed++
	e.metrics.IncSyncEntry(metrics.OutcomeFailed)
	if syncerr.IsNetwork(err) {
		e.logger.Debug("delivery deferred", "reference_no", entry.ReferenceNo, "error", err)
	} else {
		e.logger.Warn("delivery failed", "reference_no", entry.ReferenceNo, "local_id", entry.LocalID, "error", err)
	}
	if err := e.queue.RecordFailure(ctx, entry.LocalID, err); err != nil {
		return err
	}
	return nil
}

func (e *Engine) merge(ctx context.Context, existingMax int64) {
	if e.merger == nil {
		return
	}
	if _, err := e.merger.MergeServerCounter(ctx, existingMax); err != nil {
		e.logger.Warn("counter merge failed", "existing_max", existingMax, "error", err)
	}
}

// heartbeat reports drain results to the backend without holding up the
// drain. Only one heartbeat is in flight at a time; failures are only logged.
func (e *Engine) heartbeat(ctx context.Context, rep Report) {
	if e.cfg.DisableHeartbeat || e.cfg.Fingerprint == "" {
		return
	}
	pending, err := e.queue.Len(ctx)
	if err != nil {
		e.logger.Debug("heartbeat skipped", "error", err)
		return
	}
	fields := map[string]any{
		"pending_count":       pending,
		"last_sync_at":        e.clock.Now().UTC().Format(time.RFC3339),
		"last_sync_confirmed": rep.Confirmed,
		"last_sync_failed":    rep.Failed,
	}
	if e.cfg.ClientVersion != "" {
		fields["client_version"] = e.cfg.ClientVersion
	}

	if !e.heartbeating.CompareAndSwap(false, true) {
		e.logger.Debug("heartbeat still in flight, skipped")
		return
	}
	e.hbMu.Lock()
	if e.stopped.Load() {
		e.hbMu.Unlock()
		e.heartbeating.Store(false)
		return
	}
	e.hbWG.Add(1)
	e.hbMu.Unlock()

	go func() {
		defer e.hbWG.Done()
		defer e.heartbeating.Store(false)

		hbCtx, cancel := context.WithTimeout(e.hbCtx, e.cfg.SubmitTimeout)
		defer cancel()
		if err := e.backend.UpdateDevice(hbCtx, e.cfg.Fingerprint, fields); err != nil {
			e.logger.Debug("heartbeat failed", "error", err)
		}
	}()
}

// WaitHeartbeat blocks until an in-flight heartbeat has finished.
func (e *Engine) WaitHeartbeat() {
	e.hbWG.Wait()
}

// Trigger requests a drain from the Run loop. Returns false once stopped.
func (e *Engine) Trigger(reason string) bool {
	return e.triggers.Push(reason)
}

// ConnectivityChanged records the connectivity state. A transition to online
// triggers a drain.
func (e *Engine) ConnectivityChanged(online bool) {
	was := e.online.Swap(online)
	if online && !was {
		e.logger.Info("connectivity restored")
		e.Trigger(ReasonReconnected)
	} else if !online && was {
		e.logger.Info("connectivity lost")
	}
}

// Run starts the trigger loop and blocks until ctx is cancelled or Stop is
// called. Triggers that arrive while offline are dropped; reconnection
// triggers a fresh drain.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.logger.Info("sync engine starting", "interval", e.cfg.Interval, "min_retry_interval", e.cfg.MinRetryInterval)
	e.Trigger(ReasonStartup)

	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		var reasons []string
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			return ctx.Err()
		case _, ok := <-e.triggers.Wait():
			if !ok {
				e.logger.Info("sync engine stopping: stopped")
				return nil
			}
			reasons = e.triggers.Take()
		case <-tick:
			reasons = []string{ReasonTimer}
		case <-retry.C:
			reasons = []string{ReasonRetry}
		}

		if !e.online.Load() {
			e.logger.Debug("offline, drain deferred", "reasons", reasons)
			continue
		}

		rep, err := e.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
				continue
			}
			e.logger.Error("drain failed", "reasons", reasons, "error", err)
			continue
		}
		if rep.Throttled {
			retry.Reset(e.retryDelay())
		}
	}
}

// retryDelay returns the time left in the minimum retry interval.
func (e *Engine) retryDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.cfg.MinRetryInterval - e.clock.Now().Sub(e.lastAttempt)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Stop ends the Run loop, cancels an in-flight heartbeat and waits for it.
// Later RunOnce calls return ErrStopped.
func (e *Engine) Stop() {
	e.hbMu.Lock()
	e.stopped.Store(true)
	e.hbMu.Unlock()
	e.triggers.Close()
	e.hbCancel()
	e.hbWG.Wait()
}
