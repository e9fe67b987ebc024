// Package connwatch schedules reconnection attempts for a single
// persistent connection.
//
// The policy is deliberately simple: after a connection is lost, wait a
// fixed interval and try once; if that fails, wait the same interval
// and try again, with no attempt cap and no backoff growth. At most one
// retry loop exists at a time, so attempts never overlap no matter how
// many times the loss is reported.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AttemptFunc tries to establish the connection. Return nil on success.
type AttemptFunc func(ctx context.Context) error

// Config controls a [Reconnector].
type Config struct {
	// Name is a human-readable identifier for logging (e.g., "backend").
	Name string

	// Interval is the fixed delay before every attempt (default: 5s).
	Interval time.Duration

	// AttemptTimeout bounds each individual attempt (default: 10s).
	AttemptTimeout time.Duration

	// Attempt performs one connection attempt. Required.
	Attempt AttemptFunc

	// NeedsConnect is checked before every attempt; when it reports
	// false the loop ends without attempting. Optional.
	NeedsConnect func() bool

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// DefaultInterval is the fixed delay between reconnect attempts.
const DefaultInterval = 5 * time.Second

// DefaultAttemptTimeout bounds a single attempt.
const DefaultAttemptTimeout = 10 * time.Second

// Status is a point-in-time view of the reconnector, suitable for JSON
// serialization in diagnostics.
type Status struct {
	Name        string    `json:"name"`
	Pending     bool      `json:"pending"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Reconnector runs the serialized fixed-interval retry loop.
type Reconnector struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	pending     bool
	rearm       bool
	stopped     bool
	attempts    int
	lastAttempt time.Time
	lastErr     error
}

// New creates an idle reconnector. Nothing runs until [Reconnector.Trigger].
//
// Panics if Attempt is nil; that is a wiring error.
func New(cfg Config) *Reconnector {
	if cfg.Attempt == nil {
		panic("connwatch: Config.Attempt must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Trigger reports a lost (or never established) connection. It starts
// the retry loop unless one is already pending, in which case the
// existing loop absorbs the report. Returns true when a new loop was
// scheduled. After Stop, Trigger does nothing.
func (r *Reconnector) Trigger() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return false
	}
	if r.pending {
		r.rearm = true
		return false
	}

	r.pending = true
	r.wg.Add(1)
	go r.run()

	r.cfg.Logger.Info("reconnect scheduled",
		"service", r.cfg.Name,
		"in", r.cfg.Interval.String(),
	)
	return true
}

// Pending reports whether a retry loop is waiting or attempting.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Status returns the current reconnector status.
func (r *Reconnector) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Name:        r.cfg.Name,
		Pending:     r.pending,
		Attempts:    r.attempts,
		LastAttempt: r.lastAttempt,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

// Stop cancels any pending loop and waits for it to exit. An attempt in
// flight sees its context cancelled.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Reconnector) run() {
	defer r.wg.Done()

	logger := r.cfg.Logger
	for {
		r.mu.Lock()
		r.rearm = false
		r.mu.Unlock()

		if !sleepCtx(r.ctx, r.cfg.Interval) {
			r.finish()
			return
		}

		if r.cfg.NeedsConnect != nil && !r.cfg.NeedsConnect() {
			logger.Debug("reconnect skipped, already connected", "service", r.cfg.Name)
			r.finish()
			return
		}

		err := r.attempt()
		if err == nil {
			logger.Info("reconnected", "service", r.cfg.Name)

			// A loss reported while this attempt was running belongs to
			// the new connection and needs its own retry.
			r.mu.Lock()
			if r.rearm {
				r.mu.Unlock()
				continue
			}
			r.pending = false
			r.mu.Unlock()
			return
		}

		if r.ctx.Err() != nil {
			r.finish()
			return
		}

		logger.Warn("reconnect failed, retrying",
			"service", r.cfg.Name,
			"next_delay", r.cfg.Interval.String(),
			"error", err,
		)
	}
}

func (r *Reconnector) attempt() error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AttemptTimeout)
	defer cancel()

	err := r.cfg.Attempt(ctx)

	r.mu.Lock()
	r.attempts++
	r.lastAttempt = time.Now()
	r.lastErr = err
	r.mu.Unlock()

	return err
}

func (r *Reconnector) finish() {
	r.mu.Lock()
	r.pending = false
	r.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
