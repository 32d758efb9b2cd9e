// Package memory implements the run store in process memory. It is used by
// tests and single-process deployments (STORE_DRIVER=memory); claims are
// exactly-once within the process only.
package memory

import (
	"maps"
	"time"
)

// Store groups the in-memory repositories.
type Store struct {
	Runs      *RunRepository
	Findings  *FindingRepository
	Schedules *ScheduleRepository
	Webhooks  *WebhookRepository
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		Runs:      NewRunRepository(),
		Findings:  NewFindingRepository(),
		Schedules: NewScheduleRepository(),
		Webhooks:  NewWebhookRepository(),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
