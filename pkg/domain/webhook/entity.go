package webhook

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// ID is a type alias for shared.ID.
type ID = shared.ID

// DefaultFailureThreshold is the failure count at which an endpoint is disabled.
const DefaultFailureThreshold = 10

// Event types delivered to endpoints.
const (
	EventRunCompleted      = "run.completed"
	EventRunFailed         = "run.failed"
	EventScheduleTriggered = "schedule.triggered"
	EventTest              = "webhook.test"
)

// SubscribableEvents are the events an endpoint may subscribe to.
var SubscribableEvents = []string{EventRunCompleted, EventRunFailed, EventScheduleTriggered}

// IsSubscribable returns true if endpoints may subscribe to event.
func IsSubscribable(event string) bool {
	return slices.Contains(SubscribableEvents, event)
}

// Endpoint is an external URL receiving signed event notifications.
type Endpoint struct {
	id              ID
	owner           string
	name            string
	url             string
	events          []string
	secret          string
	isActive        bool
	failureCount    int
	lastTriggeredAt *time.Time
	createdAt       time.Time
	updatedAt       time.Time
}

// NewEndpoint creates an active endpoint.
func NewEndpoint(owner, name, url string, events []string, secret string) (*Endpoint, error) {
	if strings.TrimSpace(url) == "" {
		return nil, shared.NewValidationError("url is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, shared.NewValidationError("secret is required")
	}
	if err := validateEvents(events); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Endpoint{
		id:        shared.NewID(),
		owner:     owner,
		name:      name,
		url:       url,
		events:    normalizeEvents(events),
		secret:    secret,
		isActive:  true,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// Reconstruct creates an Endpoint from stored data.
func Reconstruct(
	id ID,
	owner, name, url string,
	events []string,
	secret string,
	isActive bool,
	failureCount int,
	lastTriggeredAt *time.Time,
	createdAt, updatedAt time.Time,
) *Endpoint {
	return &Endpoint{
		id:              id,
		owner:           owner,
		name:            name,
		url:             url,
		events:          events,
		secret:          secret,
		isActive:        isActive,
		failureCount:    failureCount,
		lastTriggeredAt: lastTriggeredAt,
		createdAt:       createdAt,
		updatedAt:       updatedAt,
	}
}

// --- Getters ---

func (e *Endpoint) ID() ID                      { return e.id }
func (e *Endpoint) Owner() string               { return e.owner }
func (e *Endpoint) Name() string                { return e.name }
func (e *Endpoint) URL() string                 { return e.url }
func (e *Endpoint) Events() []string            { return e.events }
func (e *Endpoint) Secret() string              { return e.secret }
func (e *Endpoint) IsActive() bool              { return e.isActive }
func (e *Endpoint) FailureCount() int           { return e.failureCount }
func (e *Endpoint) LastTriggeredAt() *time.Time { return e.lastTriggeredAt }
func (e *Endpoint) CreatedAt() time.Time        { return e.createdAt }
func (e *Endpoint) UpdatedAt() time.Time        { return e.updatedAt }

// --- Setters ---

func (e *Endpoint) SetName(name string) { e.name = name; e.updatedAt = time.Now().UTC() }
func (e *Endpoint) SetURL(url string)   { e.url = url; e.updatedAt = time.Now().UTC() }
func (e *Endpoint) SetSecret(s string)  { e.secret = s; e.updatedAt = time.Now().UTC() }

// SetEvents replaces the subscription set.
func (e *Endpoint) SetEvents(events []string) error {
	if err := validateEvents(events); err != nil {
		return err
	}
	e.events = normalizeEvents(events)
	e.updatedAt = time.Now().UTC()
	return nil
}

// Subscribes reports whether the endpoint wants event.
func (e *Endpoint) Subscribes(event string) bool {
	return slices.Contains(e.events, event)
}

// IsCandidate reports whether the endpoint may receive fan-out deliveries.
func (e *Endpoint) IsCandidate(event string, threshold int) bool {
	return e.isActive && e.failureCount < threshold && e.Subscribes(event)
}

// RecordSuccess resets failure accounting after a 2xx delivery.
func (e *Endpoint) RecordSuccess(at time.Time) {
	at = at.UTC()
	e.failureCount = 0
	e.lastTriggeredAt = &at
	e.updatedAt = at
}

// RecordFailure counts one exhausted delivery and disables the endpoint once
// the count reaches threshold. It reports whether this call disabled it.
func (e *Endpoint) RecordFailure(threshold int) bool {
	e.failureCount++
	e.updatedAt = time.Now().UTC()
	if e.isActive && e.failureCount >= threshold {
		e.isActive = false
		return true
	}
	return false
}

// Enable re-activates the endpoint and clears its failure history.
func (e *Endpoint) Enable() {
	e.isActive = true
	e.failureCount = 0
	e.updatedAt = time.Now().UTC()
}

// Disable deactivates the endpoint.
func (e *Endpoint) Disable() {
	e.isActive = false
	e.updatedAt = time.Now().UTC()
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return shared.NewValidationError("at least one event is required")
	}
	for _, ev := range events {
		if !IsSubscribable(strings.TrimSpace(ev)) {
			return shared.NewValidationError(fmt.Sprintf("unsupported event %q", ev))
		}
	}
	return nil
}

func normalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		ev = strings.TrimSpace(ev)
		if !slices.Contains(out, ev) {
			out = append(out, ev)
		}
	}
	slices.Sort(out)
	return out
}

// --- Errors ---

var (
	ErrEndpointNotFound = fmt.Errorf("%w: webhook endpoint not found", shared.ErrNotFound)
)
