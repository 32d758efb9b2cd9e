package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/ttlset"
)

const prefixDedupe = "orchestrator:dedupe"

// DedupeSet is a ttlset.Set backed by Redis keys with expiry, so every
// process sees the same members.
type DedupeSet struct {
	client *Client
	logger *logger.Logger
}

var _ ttlset.Set = (*DedupeSet)(nil)

// NewDedupeSet creates a new DedupeSet.
func NewDedupeSet(client *Client, log *logger.Logger) *DedupeSet {
	return &DedupeSet{client: client, logger: log}
}

func (s *DedupeSet) key(k string) string {
	return fmt.Sprintf("%s:%s", prefixDedupe, k)
}

// Insert adds key with SET NX, so concurrent inserts agree on one winner.
func (s *DedupeSet) Insert(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	ok, err := s.client.Client().SetNX(ctx, s.key(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe insert: %w", err)
	}
	return ok, nil
}

// Contains reports whether key is present. Redis drops expired keys itself.
func (s *DedupeSet) Contains(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	n, err := s.client.Client().Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe contains: %w", err)
	}
	return n > 0, nil
}

// SweepExpired is a no-op: Redis expires keys on its own.
func (s *DedupeSet) SweepExpired(context.Context) (int, error) {
	return 0, nil
}
