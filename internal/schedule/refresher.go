// Package schedule runs the periodic project reconciliation.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler is implemented by channel.Registry.
type Reconciler interface {
	Refresh(ctx context.Context) error
}

// Refresher calls Reconciler.Refresh on a cron schedule. A run that is still
// in progress when the next tick fires causes that tick to be skipped.
type Refresher struct {
	target  Reconciler
	logger  *slog.Logger
	timeout time.Duration
	cron    *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefresher parses spec ("@every 1m", "*/5 * * * *") and prepares the
// schedule. timeout bounds each run; zero means no bound.
func NewRefresher(log *slog.Logger, target Reconciler, spec string, timeout time.Duration) (*Refresher, error) {
	if log == nil {
		log = slog.Default()
	}
	if target == nil {
		return nil, fmt.Errorf("refresh target is required")
	}
	r := &Refresher{
		target:  target,
		logger:  log.With(slog.String("component", "refresh_schedule")),
		timeout: timeout,
	}
	r.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{r.logger}), cron.SkipIfStillRunning(cronLogger{r.logger})))
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start begins ticking. Runs use a context derived from ctx's values that
// is cancelled by Stop.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()
	r.cron.Start()
	r.logger.Info("refresh schedule started", slog.Int("entries", len(r.cron.Entries())))
}

// Stop halts the schedule and waits for a running refresh, or for ctx.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs one refresh outside the schedule.
func (r *Refresher) RunNow(ctx context.Context) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.target.Refresh(ctx)
}

func (r *Refresher) run() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := r.RunNow(ctx); err != nil {
		r.logger.Warn("refresh failed", slog.Any("error", err), slog.Duration("took", time.Since(started)))
		return
	}
	r.logger.Debug("refresh completed", slog.Duration("took", time.Since(started)))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
