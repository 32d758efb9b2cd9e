// Package websocket pushes run progress to subscribed WebSocket clients.
package websocket

import (
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// FrameType names a WebSocket frame.
type FrameType string

// Frames sent by clients.
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePing        FrameType = "ping"
)

// Frames sent by the server. progress and done carry the same run snapshot
// as the SSE stream; done is sent once the run reaches a terminal status.
const (
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FramePong         FrameType = "pong"
	FrameProgress     FrameType = "progress"
	FrameDone         FrameType = "done"
	FrameError        FrameType = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidFrame      = "INVALID_FRAME"
	CodeInvalidChannel    = "INVALID_CHANNEL"
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeSubscriptionLimit = "SUBSCRIPTION_LIMIT"
)

// Frame is the one message shape used in both directions.
type Frame struct {
	Type      FrameType       `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Run       *run.Snapshot   `json:"run,omitempty"`
	Error     *FrameErrorBody `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// FrameErrorBody explains why a client request was refused.
type FrameErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// replyTo answers a client frame, echoing its channel and request id.
func replyTo(req Frame, t FrameType) *Frame {
	return &Frame{
		Type:      t,
		Channel:   req.Channel,
		RequestID: req.RequestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

func errorFrame(req Frame, code, message string) *Frame {
	f := replyTo(req, FrameError)
	f.Error = &FrameErrorBody{Code: code, Message: message}
	return f
}

func snapshotFrame(snap run.Snapshot) *Frame {
	t := FrameProgress
	if snap.Status.IsTerminal() {
		t = FrameDone
	}
	return &Frame{
		Type:      t,
		Channel:   RunChannel(snap.ID),
		Run:       &snap,
		Timestamp: time.Now().UnixMilli(),
	}
}

const runChannelPrefix = "run:"

// RunChannel returns the channel carrying a run's progress: run:{id}.
func RunChannel(id run.ID) string {
	return runChannelPrefix + id.String()
}

// ParseRunChannel returns the run named by a run:{id} channel.
func ParseRunChannel(channel string) (run.ID, error) {
	raw, ok := strings.CutPrefix(channel, runChannelPrefix)
	if !ok {
		return run.ID{}, fmt.Errorf("%w: unsupported channel %q", shared.ErrValidation, channel)
	}
	return shared.IDFromString(raw)
}
