package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// RunnerState is a step of the Runner lifecycle.
type RunnerState string

const (
	RunnerStopped  RunnerState = "stopped"
	RunnerStarting RunnerState = "starting"
	RunnerRunning  RunnerState = "running"
	RunnerStopping RunnerState = "stopping"
)

// Delays configures the Runner backoff between polling cycles.
type Delays struct {
	Idle        time.Duration
	Failure     time.Duration
	AuthFailure time.Duration
}

// DefaultDelays returns the standard backoff: short idle and failure sleeps and
// a long penalty after the platform rejects the credential.
func DefaultDelays() Delays {
	return Delays{
		Idle:        time.Second,
		Failure:     5 * time.Second,
		AuthFailure: time.Minute,
	}
}

func (d Delays) withDefaults() Delays {
	def := DefaultDelays()
	if d.Idle <= 0 {
		d.Idle = def.Idle
	}
	if d.Failure <= 0 {
		d.Failure = def.Failure
	}
	if d.AuthFailure <= 0 {
		d.AuthFailure = def.AuthFailure
	}
	return d
}

// runnerHost is the Hub side of a Runner: the shared per-project registries.
type runnerHost interface {
	GetOrCreateSession(project, key string) string
	takePending(project, key string) (PendingAttachment, bool)
	storePending(project, key string, pending PendingAttachment)
	recordError(project string, err error)
	clearError(project string)
}

// Runner is one cancellable polling loop bound to a project credential.
type Runner struct {
	project    string
	settings   ChannelSettings
	transport  Transport
	descriptor Descriptor
	host       runnerHost
	answers    AnswerBackend
	fetcher    attachmentFetcher
	delays     Delays
	prompts    Prompts
	classify   ConsentClassifier
	confirm    bool
	logger     *slog.Logger

	mu     sync.Mutex
	state  RunnerState
	cancel context.CancelFunc
	done   chan struct{}
	// stopRequested is set by Stop while Open is in flight.
	stopRequested bool
	// retired runners were detached from their hub and never start again.
	retired bool
	// teardown serializes closing the transport after the loop exits.
	teardown sync.Mutex

	// cycleFailed is only touched by the loop goroutine.
	cycleFailed bool
}

// State returns the current lifecycle state.
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Running reports whether the polling loop is active.
func (r *Runner) Running() bool {
	return r.State() == RunnerRunning
}

func (r *Runner) matches(settings ChannelSettings) bool {
	return strings.TrimSpace(r.settings.Token) == strings.TrimSpace(settings.Token) &&
		maps.Equal(r.settings.Options, settings.Options)
}

// Start performs the transport handshake and launches the polling loop.
// It is a no-op when the runner is already running. A loop left stopping by an
// expired Stop is waited for first. The loop outlives ctx and ends only
// through Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	for r.state == RunnerStopping && !r.retired {
		r.mu.Unlock()
		if err := r.Stop(ctx); err != nil {
			return fmt.Errorf("start %s runner for %s: previous loop still stopping: %w", r.descriptor.Type, r.project, err)
		}
		r.mu.Lock()
	}
	if r.retired {
		r.mu.Unlock()
		return r.stoppedError()
	}
	if r.state != RunnerStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = RunnerStarting
	r.stopRequested = false
	r.mu.Unlock()

	r.host.clearError(r.project)
	if err := r.transport.Open(ctx); err != nil {
		r.closeTransport()
		r.mu.Lock()
		r.state = RunnerStopped
		r.stopRequested = false
		r.mu.Unlock()
		return fmt.Errorf("open %s transport: %w", r.descriptor.Type, err)
	}

	r.mu.Lock()
	if r.stopRequested || r.retired {
		r.state = RunnerStopped
		r.stopRequested = false
		r.mu.Unlock()
		r.closeTransport()
		r.logger.Info("runner start aborted by stop")
		return r.stoppedError()
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.state = RunnerRunning
	r.mu.Unlock()

	r.logger.Info("runner start")
	go func() {
		defer close(done)
		r.loop(loopCtx)
	}()
	return nil
}

// Stop cancels the polling loop and waits for it to exit. It is idempotent.
// A Stop during Open makes the pending Start close the transport and fail with
// ErrRunnerStopped. If ctx expires first the runner stays in the stopping
// state and a later Stop or Start waits again.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case RunnerStopped:
		r.mu.Unlock()
		return nil
	case RunnerStarting:
		r.stopRequested = true
		r.mu.Unlock()
		return nil
	}
	r.state = RunnerStopping
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("stop %s runner for %s: %w", r.descriptor.Type, r.project, ctx.Err())
		}
	}

	r.teardown.Lock()
	defer r.teardown.Unlock()
	r.mu.Lock()
	current := r.done
	r.mu.Unlock()
	if current != done {
		// A concurrent Stop already finished this loop.
		return nil
	}
	r.closeTransport()
	r.mu.Lock()
	r.state = RunnerStopped
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()
	r.logger.Info("runner stop")
	return nil
}

// retire stops the runner for good. Used when the hub detaches it.
func (r *Runner) retire(ctx context.Context) error {
	r.mu.Lock()
	r.retired = true
	r.mu.Unlock()
	return r.Stop(ctx)
}

func (r *Runner) stoppedError() error {
	return fmt.Errorf("start %s runner for %s: %w", r.descriptor.Type, r.project, ErrRunnerStopped)
}

func (r *Runner) closeTransport() {
	if err := r.transport.Close(); err != nil {
		r.logger.Warn("transport close failed", slog.Any("error", err))
	}
}

func (r *Runner) loop(ctx context.Context) {
	for {
		delay := r.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle runs one fetch and dispatch round and returns the delay before the next.
func (r *Runner) cycle(ctx context.Context) time.Duration {
	r.cycleFailed = false
	updates, err := r.transport.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		r.transport.ResetCursor()
		r.fail(fmt.Errorf("fetch updates: %w", err))
		if errors.Is(err, ErrUnauthorized) {
			r.logger.Error("credential rejected", slog.Any("error", err))
			return r.delays.AuthFailure
		}
		r.logger.Warn("fetch updates failed", slog.Any("error", err))
		return r.delays.Failure
	}
	for i, update := range updates {
		if err := r.safeHandle(ctx, update); err != nil {
			if ctx.Err() != nil {
				return 0
			}
			r.logger.Error("update handling aborted batch",
				slog.String("update_id", update.ID),
				slog.Int("dropped", len(updates)-i-1),
				slog.Any("error", err),
			)
			r.fail(err)
			return r.delays.Failure
		}
	}
	if !r.cycleFailed {
		r.host.clearError(r.project)
	}
	if len(updates) == 0 {
		return r.delays.Idle
	}
	return 0
}

func (r *Runner) safeHandle(ctx context.Context, update Update) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("update handler panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("update %s: panic: %v", update.ID, rec)
		}
	}()
	return r.handle(ctx, update)
}

// handle processes one update. Only cancellation and unexpected failures are
// returned; backend and delivery failures are recorded and swallowed.
func (r *Runner) handle(ctx context.Context, update Update) error {
	text := strings.TrimSpace(update.Text)
	if update.Kind != UpdateMessage || update.FromBot || text == "" {
		r.logger.Debug("update skipped",
			slog.String("update_id", update.ID),
			slog.String("kind", string(update.Kind)),
			slog.Bool("from_bot", update.FromBot),
		)
		return nil
	}
	key := update.ConversationKey()
	target := update.ReplyTarget()
	if target == "" {
		r.logger.Debug("update without reply target skipped", slog.String("update_id", update.ID))
		return nil
	}

	if key != "" {
		if pending, ok := r.host.takePending(r.project, key); ok {
			consent := r.classify(text)
			r.logger.Debug("pending offer reply", slog.String("conversation", key), slog.String("consent", consent.String()))
			switch consent {
			case ConsentYes:
				return r.deliver(ctx, target, pending.Attachments)
			case ConsentNo:
				return r.send(ctx, OutboundMessage{Target: target, Text: r.prompts.Declined})
			}
		}
	}

	sessionID := ""
	if key != "" {
		sessionID = r.host.GetOrCreateSession(r.project, key)
	}
	answer, err := r.answers.Answer(ctx, AnswerRequest{
		Text:      text,
		Project:   r.project,
		SessionID: sessionID,
		Channel:   r.descriptor.Type,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Error("answer backend failed", slog.String("update_id", update.ID), slog.Any("error", err))
		r.fail(fmt.Errorf("answer backend: %w", err))
		return nil
	}

	if strings.TrimSpace(answer.Text) != "" {
		if err := r.send(ctx, OutboundMessage{Target: target, Text: answer.Text}); err != nil {
			return err
		}
	}
	if len(answer.Attachments) == 0 {
		return nil
	}
	if r.confirm && r.descriptor.SupportsConfirmation && key != "" {
		preview := formatOffer(r.prompts, answer.Attachments)
		r.host.storePending(r.project, key, PendingAttachment{
			Attachments: answer.Attachments,
			Preview:     preview,
			CreatedAt:   time.Now().UTC(),
		})
		return r.send(ctx, OutboundMessage{Target: target, Text: preview})
	}
	return r.deliver(ctx, target, answer.Attachments)
}

// send clips and delivers msg. Failures are recorded and only cancellation is returned.
func (r *Runner) send(ctx context.Context, msg OutboundMessage) error {
	msg.Text = ClipText(msg.Text, r.descriptor.MaxTextLength, r.descriptor.TextUnit)
	if msg.IsEmpty() {
		return nil
	}
	if err := r.transport.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("send failed", slog.String("target", msg.Target), slog.Any("error", err))
		r.fail(fmt.Errorf("send message: %w", err))
	}
	return nil
}

func (r *Runner) fail(err error) {
	r.cycleFailed = true
	r.host.recordError(r.project, err)
}
