package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

// HubOptions tunes the Runners built by a Hub.
type HubOptions struct {
	Delays  Delays
	Prompts Prompts
	// Classify decides replies to attachment offers. Defaults to ClassifyConsent.
	Classify ConsentClassifier
	// DisableConfirmation delivers attachments immediately instead of offering them.
	DisableConfirmation bool
	// MaxDownloadBytes caps attachment payloads fetched by URL or document id.
	MaxDownloadBytes int64
	HTTPClient       *http.Client
}

// StopOptions controls StopProject side effects.
type StopOptions struct {
	// AutoStart, when set, is persisted to the project store.
	AutoStart *bool
	// ForgetSessions drops the project's sessions and pending offers.
	ForgetSessions bool
}

type sessionKey struct {
	project string
	key     string
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

// Hub owns every Runner of one platform together with the session, pending
// attachment and error registries of the projects it serves.
type Hub struct {
	platform  ChannelType
	factory   TransportFactory
	store     ProjectStore
	answers   AnswerBackend
	documents DocumentStore
	opts      HubOptions
	logger    *slog.Logger

	// refreshMu serializes Refresh calls.
	refreshMu sync.Mutex
	// mu guards the maps below and is never held across network calls.
	mu       sync.Mutex
	runners  map[string]*Runner
	sessions map[sessionKey]string
	pending  map[sessionKey]PendingAttachment
	errors   map[string]ErrorRecord
	locks    map[string]*projectLock
}

// NewHub creates a Hub for platform. Transports are built with factory for
// each project credential.
func NewHub(log *slog.Logger, platform ChannelType, factory TransportFactory, store ProjectStore, answers AnswerBackend, documents DocumentStore, opts HubOptions) *Hub {
	if log == nil {
		log = slog.Default()
	}
	opts.Delays = opts.Delays.withDefaults()
	opts.Prompts = opts.Prompts.withDefaults()
	if opts.Classify == nil {
		opts.Classify = ClassifyConsent
	}
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = media.MaxAssetBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	platform = normalizeChannelType(platform.String())
	return &Hub{
		platform:  platform,
		factory:   factory,
		store:     store,
		answers:   answers,
		documents: documents,
		opts:      opts,
		logger:    log.With(slog.String("component", "channel"), slog.String("channel", platform.String())),
		runners:   map[string]*Runner{},
		sessions:  map[sessionKey]string{},
		pending:   map[sessionKey]PendingAttachment{},
		errors:    map[string]ErrorRecord{},
		locks:     map[string]*projectLock{},
	}
}

// Platform returns the channel type served by this hub.
func (h *Hub) Platform() ChannelType {
	return h.platform
}

// EnsureRunner reconciles the runner of project with its stored settings.
// Without a credential the runner is stopped and removed; otherwise the runner
// is created or rotated and then started or stopped according to auto-start.
func (h *Hub) EnsureRunner(ctx context.Context, project Project) error {
	name := strings.TrimSpace(project.Name)
	if name == "" {
		return fmt.Errorf("project name is required")
	}
	unlock := h.lockProject(name)
	defer unlock()

	settings, _ := project.Settings(h.platform)
	if strings.TrimSpace(settings.Token) == "" {
		return h.removeRunner(ctx, name)
	}
	runner, err := h.runnerFor(ctx, name, settings)
	if err != nil {
		return err
	}
	if !settings.AutoStart {
		return runner.Stop(ctx)
	}
	if err := runner.Start(ctx); err != nil {
		h.dropFailedRunner(name, runner, err)
		return err
	}
	return nil
}

// StartProject starts the project's runner regardless of its auto-start flag.
// When autoStart is set it is persisted after a successful start.
func (h *Hub) StartProject(ctx context.Context, project Project, autoStart *bool) error {
	name := strings.TrimSpace(project.Name)
	if name == "" {
		return fmt.Errorf("project name is required")
	}
	settings, _ := project.Settings(h.platform)
	if strings.TrimSpace(settings.Token) == "" {
		return fmt.Errorf("start %s for %s: %w", h.platform, name, ErrCredentialRequired)
	}
	unlock := h.lockProject(name)
	defer unlock()

	runner, err := h.runnerFor(ctx, name, settings)
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		h.dropFailedRunner(name, runner, err)
		return err
	}
	h.logger.Info("project started", slog.String("project", name))
	if autoStart != nil {
		if err := h.persistAutoStart(ctx, name, *autoStart); err != nil {
			return err
		}
	}
	return nil
}

// StopProject stops and removes the project's runner and clears its error.
func (h *Hub) StopProject(ctx context.Context, name string, opts StopOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("project name is required")
	}
	unlock := h.lockProject(name)
	defer unlock()

	stopErr := h.removeRunner(ctx, name)
	h.mu.Lock()
	delete(h.errors, name)
	if opts.ForgetSessions {
		h.forgetProjectLocked(name)
	}
	h.mu.Unlock()
	h.logger.Info("project stopped", slog.String("project", name), slog.Bool("forget_sessions", opts.ForgetSessions))

	if opts.AutoStart != nil {
		if err := h.persistAutoStart(ctx, name, *opts.AutoStart); err != nil {
			return errors.Join(stopErr, err)
		}
	}
	return stopErr
}

// Refresh reconciles every stored project and forgets projects that are no
// longer listed. Per-project failures are logged and do not abort the pass.
func (h *Hub) Refresh(ctx context.Context) error {
	h.refreshMu.Lock()
	defer h.refreshMu.Unlock()

	if h.store == nil {
		return fmt.Errorf("channel hub project store not configured")
	}
	projects, err := h.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	active := make(map[string]struct{}, len(projects))
	for _, project := range projects {
		name := strings.TrimSpace(project.Name)
		if name == "" {
			continue
		}
		active[name] = struct{}{}
		if err := h.EnsureRunner(ctx, project); err != nil {
			h.logger.Error("ensure runner failed", slog.String("project", name), slog.Any("error", err))
		}
	}

	for _, name := range h.staleProjects(active) {
		h.forgetProject(ctx, name)
	}
	return nil
}

func (h *Hub) staleProjects(active map[string]struct{}) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[string]struct{}{}
	collect := func(name string) {
		if _, ok := active[name]; !ok {
			seen[name] = struct{}{}
		}
	}
	for name := range h.runners {
		collect(name)
	}
	for key := range h.sessions {
		collect(key.project)
	}
	for key := range h.pending {
		collect(key.project)
	}
	for name := range h.errors {
		collect(name)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) forgetProject(ctx context.Context, name string) {
	unlock := h.lockProject(name)
	defer unlock()
	h.logger.Info("project removed", slog.String("project", name))
	if err := h.removeRunner(ctx, name); err != nil {
		h.logger.Warn("runner stop failed", slog.String("project", name), slog.Any("error", err))
	}
	h.mu.Lock()
	delete(h.errors, name)
	h.forgetProjectLocked(name)
	h.mu.Unlock()
}

// GetOrCreateSession returns the stable session id for a conversation.
func (h *Hub) GetOrCreateSession(project, key string) string {
	k := sessionKey{project: strings.TrimSpace(project), key: strings.TrimSpace(key)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.sessions[k]; ok {
		return id
	}
	id := uuid.NewString()
	h.sessions[k] = id
	return id
}

// IsProjectRunning reports whether the project's runner is polling.
func (h *Hub) IsProjectRunning(name string) bool {
	h.mu.Lock()
	runner := h.runners[strings.TrimSpace(name)]
	h.mu.Unlock()
	return runner != nil && runner.Running()
}

// LastError returns the project's last recorded failure, or "" when healthy.
func (h *Hub) LastError(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errors[strings.TrimSpace(name)].Message
}

// IsAnyRunning reports whether any runner of this hub is polling.
func (h *Hub) IsAnyRunning() bool {
	for _, runner := range h.snapshotRunners() {
		if runner.Running() {
			return true
		}
	}
	return false
}

// Statuses returns the observed status of every known project, sorted by name.
func (h *Hub) Statuses() []ConnectionStatus {
	h.mu.Lock()
	runners := make(map[string]*Runner, len(h.runners))
	for name, runner := range h.runners {
		runners[name] = runner
	}
	errs := make(map[string]ErrorRecord, len(h.errors))
	for name, rec := range h.errors {
		errs[name] = rec
	}
	h.mu.Unlock()

	items := make([]ConnectionStatus, 0, len(runners)+len(errs))
	for name, runner := range runners {
		rec := errs[name]
		delete(errs, name)
		state := runner.State()
		items = append(items, ConnectionStatus{
			Project:     name,
			ChannelType: h.platform,
			State:       state,
			Running:     state == RunnerRunning,
			LastError:   rec.Message,
			UpdatedAt:   rec.OccurredAt,
		})
	}
	for name, rec := range errs {
		items = append(items, ConnectionStatus{
			Project:     name,
			ChannelType: h.platform,
			LastError:   rec.Message,
			UpdatedAt:   rec.OccurredAt,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Project < items[j].Project })
	return items
}

// StopAll detaches every runner, stops them concurrently and clears all
// registries. Individual stop failures are joined into the returned error.
func (h *Hub) StopAll(ctx context.Context) error {
	h.mu.Lock()
	runners := h.runners
	h.runners = map[string]*Runner{}
	h.sessions = map[sessionKey]string{}
	h.pending = map[sessionKey]PendingAttachment{}
	h.errors = map[string]ErrorRecord{}
	h.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for name, runner := range runners {
		g.Go(func() error {
			if err := runner.retire(ctx); err != nil {
				h.logger.Warn("runner stop failed", slog.String("project", name), slog.Any("error", err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// Runners may record errors while winding down.
	h.mu.Lock()
	h.errors = map[string]ErrorRecord{}
	h.pending = map[sessionKey]PendingAttachment{}
	h.mu.Unlock()
	return errors.Join(errs...)
}

// runnerFor returns the registered runner for name when its settings match,
// otherwise it fully stops the old runner and registers a new one.
func (h *Hub) runnerFor(ctx context.Context, name string, settings ChannelSettings) (*Runner, error) {
	h.mu.Lock()
	existing := h.runners[name]
	h.mu.Unlock()
	if existing != nil && existing.matches(settings) {
		return existing, nil
	}
	if existing != nil {
		h.logger.Info("runner rotate", slog.String("project", name))
		h.mu.Lock()
		if h.runners[name] == existing {
			delete(h.runners, name)
		}
		h.mu.Unlock()
		if err := existing.retire(ctx); err != nil {
			return nil, fmt.Errorf("stop previous runner: %w", err)
		}
	}
	if h.factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, h.platform)
	}
	runnerLog := h.logger.With(slog.String("project", name))
	transport, err := h.factory(TransportParams{
		Project:    name,
		Settings:   settings,
		Logger:     runnerLog,
		HTTPClient: h.opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", h.platform, err)
	}
	runner := h.newRunner(name, settings, transport, runnerLog)
	h.mu.Lock()
	h.runners[name] = runner
	h.mu.Unlock()
	return runner, nil
}

func (h *Hub) newRunner(name string, settings ChannelSettings, transport Transport, log *slog.Logger) *Runner {
	descriptor := transport.Descriptor()
	if descriptor.Type == "" {
		descriptor.Type = h.platform
	}
	return &Runner{
		project:    name,
		settings:   settings,
		transport:  transport,
		descriptor: descriptor,
		host:       h,
		answers:    h.answers,
		fetcher: attachmentFetcher{
			documents: h.documents,
			client:    h.opts.HTTPClient,
			maxBytes:  h.opts.MaxDownloadBytes,
		},
		delays:   h.opts.Delays,
		prompts:  h.opts.Prompts,
		classify: h.opts.Classify,
		confirm:  !h.opts.DisableConfirmation,
		logger:   log,
		state:    RunnerStopped,
	}
}

func (h *Hub) removeRunner(ctx context.Context, name string) error {
	h.mu.Lock()
	runner := h.runners[name]
	delete(h.runners, name)
	h.mu.Unlock()
	if runner == nil {
		return nil
	}
	return runner.retire(ctx)
}

func (h *Hub) dropFailedRunner(name string, runner *Runner, err error) {
	h.mu.Lock()
	if h.runners[name] == runner {
		delete(h.runners, name)
	}
	h.mu.Unlock()
	if errors.Is(err, ErrRunnerStopped) {
		h.logger.Info("runner start canceled", slog.String("project", name))
		return
	}
	h.recordError(name, err)
	h.logger.Error("runner start failed", slog.String("project", name), slog.Any("error", err))
}

func (h *Hub) persistAutoStart(ctx context.Context, name string, autoStart bool) error {
	if h.store == nil {
		return fmt.Errorf("channel hub project store not configured")
	}
	project, err := h.store.GetProject(ctx, name)
	if err != nil {
		return fmt.Errorf("load project %s: %w", name, err)
	}
	if project.Channels == nil {
		project.Channels = map[ChannelType]ChannelSettings{}
	}
	settings := project.Channels[h.platform]
	settings.AutoStart = autoStart
	project.Channels[h.platform] = settings
	if err := h.store.UpsertProject(ctx, project); err != nil {
		return fmt.Errorf("persist auto-start for %s: %w", name, err)
	}
	return nil
}

func (h *Hub) snapshotRunners() []*Runner {
	h.mu.Lock()
	defer h.mu.Unlock()
	items := make([]*Runner, 0, len(h.runners))
	for _, runner := range h.runners {
		items = append(items, runner)
	}
	return items
}

func (h *Hub) forgetProjectLocked(name string) {
	for key := range h.sessions {
		if key.project == name {
			delete(h.sessions, key)
		}
	}
	for key := range h.pending {
		if key.project == name {
			delete(h.pending, key)
		}
	}
}

// lockProject serializes lifecycle operations of one project so unrelated
// projects never wait on each other's network calls.
func (h *Hub) lockProject(name string) func() {
	h.mu.Lock()
	lock := h.locks[name]
	if lock == nil {
		lock = &projectLock{}
		h.locks[name] = lock
	}
	lock.refs++
	h.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		h.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(h.locks, name)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) takePending(project, key string) (PendingAttachment, bool) {
	k := sessionKey{project: project, key: key}
	h.mu.Lock()
	defer h.mu.Unlock()
	pending, ok := h.pending[k]
	if ok {
		delete(h.pending, k)
	}
	return pending, ok
}

func (h *Hub) storePending(project, key string, pending PendingAttachment) {
	h.mu.Lock()
	h.pending[sessionKey{project: project, key: key}] = pending
	h.mu.Unlock()
}

// PendingAttachment returns the offer awaiting confirmation for a conversation.
func (h *Hub) PendingAttachment(project, key string) (PendingAttachment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending, ok := h.pending[sessionKey{project: strings.TrimSpace(project), key: strings.TrimSpace(key)}]
	return pending, ok
}

func (h *Hub) recordError(project string, err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	previous, hadPrevious := h.errors[project]
	h.errors[project] = ErrorRecord{Message: err.Error(), OccurredAt: time.Now().UTC()}
	if !hadPrevious || previous.Message != err.Error() {
		h.logger.Warn("project health check failed", slog.String("project", project), slog.Any("error", err))
	}
}

func (h *Hub) clearError(project string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.errors[project]; !ok {
		return
	}
	delete(h.errors, project)
	h.logger.Info("project health recovered", slog.String("project", project))
}
