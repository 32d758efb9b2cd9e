package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/logger"
)

const (
	maxConnectionsPerPeer = 10
	broadcastBufferSize   = 256
	lookupTimeout         = 5 * time.Second
)

// RunLookup resolves the run a client asks to watch. run.Repository
// satisfies it.
type RunLookup interface {
	GetByID(ctx context.Context, id run.ID) (*run.Run, error)
}

// Hub fans run snapshots out to the clients watching each run.
type Hub struct {
	runs   RunLookup
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan run.Snapshot
	done       chan struct{}

	mu        sync.RWMutex
	clients   map[*Client]struct{}
	peerConns map[string]int
	watchers  map[run.ID]map[*Client]struct{}
}

var _ app.ProgressPublisher = (*Hub)(nil)

// NewHub creates a Hub. Subscriptions are refused when runs is nil.
func NewHub(runs RunLookup, log *logger.Logger) *Hub {
	return &Hub{
		runs:       runs,
		logger:     log.With("component", "websocket_hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan run.Snapshot, broadcastBufferSize),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		peerConns:  make(map[string]int),
		watchers:   make(map[run.ID]map[*Client]struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopping")
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case snap := <-h.broadcast:
			h.deliver(snap)
		}
	}
}

// RegisterClient hands a new connection to the hub.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// UnregisterClient drops a connection and all of its subscriptions.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// PublishProgress queues a run snapshot for the run's watchers. It never
// blocks the dispatcher: when the buffer is full the snapshot is dropped.
func (h *Hub) PublishProgress(snap run.Snapshot) {
	select {
	case h.broadcast <- snap:
	default:
		h.logger.Warn("broadcast buffer full, dropping snapshot", "run_id", snap.ID.String())
	}
}

// Watchers returns how many clients watch a run.
func (h *Hub) Watchers(id run.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[id])
}

// lookup returns the run if the client may watch it. A run of another owner
// is reported exactly like a missing one.
func (h *Hub) lookup(c *Client, id run.ID) (*run.Run, bool) {
	if h.runs == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	r, err := h.runs.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, run.ErrRunNotFound) {
			h.logger.Warn("run lookup failed", "run_id", id.String(), "error", err)
		}
		return nil, false
	}
	if c.Owner != "" && r.Owner() != c.Owner {
		return nil, false
	}
	return r, true
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	count := h.peerConns[c.Peer]
	if count >= maxConnectionsPerPeer {
		h.mu.Unlock()
		h.logger.Warn("connection limit exceeded", "peer", c.Peer, "max", maxConnectionsPerPeer)
		c.Close()
		return
	}
	h.peerConns[c.Peer] = count + 1
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	h.logger.Debug("client registered", "client_id", c.ID, "peer", c.Peer, "owner", c.Owner)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, set := range h.watchers {
		delete(set, c)
		if len(set) == 0 {
			delete(h.watchers, id)
		}
	}
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if n := h.peerConns[c.Peer]; n > 1 {
		h.peerConns[c.Peer] = n - 1
	} else {
		delete(h.peerConns, c.Peer)
	}
	metrics.WebSocketConnections.Dec()
}

func (h *Hub) subscribe(c *Client, id run.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[id] == nil {
		h.watchers[id] = make(map[*Client]struct{})
	}
	h.watchers[id][c] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, id run.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[id]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.watchers, id)
		}
	}
}

func (h *Hub) deliver(snap run.Snapshot) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.watchers[snap.ID]))
	for c := range h.watchers[snap.ID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	frame := snapshotFrame(snap)
	for _, c := range targets {
		c.push(frame)
	}
	h.logger.Debug("snapshot delivered", "run_id", snap.ID.String(), "status", snap.Status, "recipients", len(targets))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
		metrics.WebSocketConnections.Dec()
	}
	h.clients = make(map[*Client]struct{})
	h.peerConns = make(map[string]int)
	h.watchers = make(map[run.ID]map[*Client]struct{})
}
