package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
)

// WebhookRepository implements webhook.Repository.
type WebhookRepository struct {
	mu        sync.Mutex
	endpoints map[shared.ID]*webhook.Endpoint
}

var _ webhook.Repository = (*WebhookRepository)(nil)

// NewWebhookRepository creates an empty WebhookRepository.
func NewWebhookRepository() *WebhookRepository {
	return &WebhookRepository{endpoints: make(map[shared.ID]*webhook.Endpoint)}
}

func cloneEndpoint(e *webhook.Endpoint) *webhook.Endpoint {
	return webhook.Reconstruct(
		e.ID(), e.Owner(), e.Name(), e.URL(), slices.Clone(e.Events()), e.Secret(),
		e.IsActive(), e.FailureCount(), cloneTime(e.LastTriggeredAt()), e.CreatedAt(), e.UpdatedAt(),
	)
}

// Create stores an endpoint.
func (m *WebhookRepository) Create(_ context.Context, e *webhook.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[e.ID()]; ok {
		return fmt.Errorf("%w: webhook %s", shared.ErrAlreadyExists, e.ID())
	}
	m.endpoints[e.ID()] = cloneEndpoint(e)
	return nil
}

// GetByID returns a copy of the endpoint.
func (m *WebhookRepository) GetByID(_ context.Context, id webhook.ID) (*webhook.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return nil, webhook.ErrEndpointNotFound
	}
	return cloneEndpoint(e), nil
}

// List returns endpoints ordered by creation time.
func (m *WebhookRepository) List(_ context.Context, filter webhook.Filter) ([]*webhook.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webhook.Endpoint
	for _, e := range m.endpoints {
		if filter.Owner != "" && e.Owner() != filter.Owner {
			continue
		}
		if filter.ActiveOnly && !e.IsActive() {
			continue
		}
		out = append(out, cloneEndpoint(e))
	}
	sortEndpoints(out)
	return out, nil
}

// Update replaces a stored endpoint.
func (m *WebhookRepository) Update(_ context.Context, e *webhook.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[e.ID()]; !ok {
		return webhook.ErrEndpointNotFound
	}
	m.endpoints[e.ID()] = cloneEndpoint(e)
	return nil
}

// Delete removes an endpoint.
func (m *WebhookRepository) Delete(_ context.Context, id webhook.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return webhook.ErrEndpointNotFound
	}
	delete(m.endpoints, id)
	return nil
}

// ListCandidates returns active endpoints below threshold subscribed to event.
func (m *WebhookRepository) ListCandidates(_ context.Context, event string, threshold int) ([]*webhook.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webhook.Endpoint
	for _, e := range m.endpoints {
		if e.IsCandidate(event, threshold) {
			out = append(out, cloneEndpoint(e))
		}
	}
	sortEndpoints(out)
	return out, nil
}

// RecordSuccess resets the failure count and stamps the delivery time.
func (m *WebhookRepository) RecordSuccess(_ context.Context, id webhook.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return webhook.ErrEndpointNotFound
	}
	e.RecordSuccess(at)
	return nil
}

// RecordFailure increments the failure count under the lock.
func (m *WebhookRepository) RecordFailure(_ context.Context, id webhook.ID, threshold int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return false, webhook.ErrEndpointNotFound
	}
	return e.RecordFailure(threshold), nil
}

func sortEndpoints(out []*webhook.Endpoint) {
	slices.SortFunc(out, func(a, b *webhook.Endpoint) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		return a.ID().Compare(b.ID())
	})
}
