package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds one Hub per platform. It is built once at process start and
// passed explicitly to components that need it.
type Registry struct {
	mu   sync.RWMutex
	hubs map[ChannelType]*Hub
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		hubs: map[ChannelType]*Hub{},
	}
}

// Register adds a hub to the registry.
func (r *Registry) Register(hub *Hub) error {
	if hub == nil {
		return fmt.Errorf("hub is nil")
	}
	ct := normalizeChannelType(hub.Platform().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hubs[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.hubs[ct] = hub
	return nil
}

// Get returns the hub for the given channel type.
func (r *Registry) Get(channelType ChannelType) (*Hub, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	hub, ok := r.hubs[ct]
	return hub, ok
}

// MustGet returns the hub for channelType or ErrUnsupportedChannel.
func (r *Registry) MustGet(channelType ChannelType) (*Hub, error) {
	hub, ok := r.Get(channelType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channelType)
	}
	return hub, nil
}

// List returns all registered hubs ordered by channel type.
func (r *Registry) List() []*Hub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Hub, 0, len(r.hubs))
	for _, hub := range r.hubs {
		items = append(items, hub)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Platform() < items[j].Platform() })
	return items
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	hubs := r.List()
	items := make([]ChannelType, 0, len(hubs))
	for _, hub := range hubs {
		items = append(items, hub.Platform())
	}
	return items
}

// Refresh reconciles every hub. Hubs are independent, so one failing listing
// does not keep the others from reconciling.
func (r *Registry) Refresh(ctx context.Context) error {
	var errs []error
	for _, hub := range r.List() {
		if err := hub.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", hub.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every hub concurrently.
func (r *Registry) StopAll(ctx context.Context) error {
	hubs := r.List()
	errs := make([]error, len(hubs))
	var g errgroup.Group
	for i, hub := range hubs {
		g.Go(func() error {
			errs[i] = hub.StopAll(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Statuses returns the connection statuses of every hub.
func (r *Registry) Statuses() []ConnectionStatus {
	items := make([]ConnectionStatus, 0)
	for _, hub := range r.List() {
		items = append(items, hub.Statuses()...)
	}
	return items
}

// StatusesByProject returns the connection statuses of one project across hubs.
func (r *Registry) StatusesByProject(project string) []ConnectionStatus {
	items := make([]ConnectionStatus, 0)
	for _, status := range r.Statuses() {
		if status.Project == project {
			items = append(items, status)
		}
	}
	return items
}

// IsAnyRunning reports whether any hub has a polling runner.
func (r *Registry) IsAnyRunning() bool {
	for _, hub := range r.List() {
		if hub.IsAnyRunning() {
			return true
		}
	}
	return false
}
