package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Client frames are small subscribe requests.
	maxFrameSize = 1024

	maxRunsPerClient = 50
	sendBufferSize   = 64
)

// Client is one WebSocket connection watching a set of runs.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	ID   string
	Peer string
	// Owner is the X-Owner of the upgrade request. Runs of other owners
	// cannot be watched; an empty owner may watch any run.
	Owner string

	mu     sync.Mutex
	runs   map[run.ID]struct{}
	closed bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, peer, owner string, log *logger.Logger) *Client {
	id := ulid.Make().String()
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: log.With("client_id", id),
		ID:     id,
		Peer:   peer,
		Owner:  owner,
		runs:   make(map[run.ID]struct{}),
	}
}

// Watching reports whether the client is subscribed to a run.
func (c *Client) Watching(id run.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[id]
	return ok
}

// push queues a frame without blocking. A slow client loses frames rather
// than holding up the hub.
func (c *Client) push(f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encode frame", "type", f.Type, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame", "type", f.Type, "channel", f.Channel)
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.conn.Close()
}

// ReadPump handles client frames until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.push(errorFrame(Frame{}, CodeInvalidFrame, "frame is not valid JSON"))
			continue
		}
		c.handle(f)
	}
}

// WritePump writes queued frames and keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(f Frame) {
	switch f.Type {
	case FrameSubscribe:
		c.subscribe(f)
	case FrameUnsubscribe:
		c.unsubscribe(f)
	case FramePing:
		c.push(replyTo(f, FramePong))
	default:
		c.push(errorFrame(f, CodeInvalidFrame, "unknown frame type "+string(f.Type)))
	}
}

// subscribe starts watching a run and sends its current snapshot right after
// the acknowledgement, so a client never waits for the next transition.
func (c *Client) subscribe(f Frame) {
	id, err := ParseRunChannel(f.Channel)
	if err != nil {
		c.push(errorFrame(f, CodeInvalidChannel, "channel must be run:{id}"))
		return
	}
	r, ok := c.hub.lookup(c, id)
	if !ok {
		c.push(errorFrame(f, CodeRunNotFound, "run not found"))
		return
	}

	c.mu.Lock()
	_, already := c.runs[id]
	if !already && len(c.runs) >= maxRunsPerClient {
		c.mu.Unlock()
		c.push(errorFrame(f, CodeSubscriptionLimit, "too many runs watched on one connection"))
		return
	}
	c.runs[id] = struct{}{}
	c.mu.Unlock()

	if !already {
		c.hub.subscribe(c, id)
		c.logger.Debug("client subscribed", "run_id", id.String())
	}
	c.push(replyTo(f, FrameSubscribed))
	c.push(snapshotFrame(r.Snapshot()))
}

func (c *Client) unsubscribe(f Frame) {
	id, err := ParseRunChannel(f.Channel)
	if err != nil {
		c.push(errorFrame(f, CodeInvalidChannel, "channel must be run:{id}"))
		return
	}

	c.mu.Lock()
	_, watching := c.runs[id]
	delete(c.runs, id)
	c.mu.Unlock()

	if watching {
		c.hub.unsubscribe(c, id)
	}
	c.push(replyTo(f, FrameUnsubscribed))
}
