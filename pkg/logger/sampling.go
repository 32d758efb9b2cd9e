package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SamplingConfig configures log sampling. Within each Tick the first
// Threshold records sharing a level and message pass; the rest are dropped.
// Warnings and errors are never sampled.
type SamplingConfig struct {
	Enabled   bool
	Tick      time.Duration
	Threshold uint64
}

// samplingState is shared by a handler and every handler derived from it
// through WithAttrs or WithGroup.
type samplingState struct {
	mu       sync.Mutex
	window   time.Time
	counters map[string]uint64
	now      func() time.Time
}

type samplingHandler struct {
	next  slog.Handler
	cfg   SamplingConfig
	state *samplingState
}

// NewSamplingHandler wraps h. It returns h unchanged when sampling is disabled.
func NewSamplingHandler(h slog.Handler, cfg SamplingConfig) slog.Handler {
	if !cfg.Enabled {
		return h
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 100
	}
	return &samplingHandler{
		next: h,
		cfg:  cfg,
		state: &samplingState{
			counters: make(map[string]uint64),
			now:      time.Now,
		},
	}
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn || h.state.allow(r.Level.String()+"|"+r.Message, h.cfg) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{next: h.next.WithAttrs(attrs), cfg: h.cfg, state: h.state}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{next: h.next.WithGroup(name), cfg: h.cfg, state: h.state}
}

func (s *samplingState) allow(key string, cfg SamplingConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.window) >= cfg.Tick {
		s.window = now
		clear(s.counters)
	}
	s.counters[key]++
	return s.counters[key] <= cfg.Threshold
}
