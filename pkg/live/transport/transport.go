// Package transport owns the duplex stream to the remote inference endpoint.
//
// A Dialer opens one Session per types.Descriptor. A Session emits a single
// ordered stream of typed Events: the first is always Opened, the last is
// Closed or Error, after which the channel is closed. The lifecycle
// controller is the only consumer allowed to act on these events.
package transport

import (
	"context"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPingInterval   = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	eventBuffer           = 256
)

// Dialer opens Transport Sessions.
type Dialer interface {
	// Open blocks until the endpoint acknowledged setup or the connect
	// timeout elapsed. Failures are *core.Error values.
	Open(ctx context.Context, desc types.Descriptor) (Session, error)
}

// Session is one live connection.
type Session interface {
	ID() string
	Events() <-chan Event
	SendAudio(pcm []byte) error
	SendText(text string) error
	SendToolResult(result types.ToolResult) error
	// Close is idempotent and returns once the receive loop has exited.
	Close() error
}

// Event is emitted by a Session. The set of implementations is closed.
type Event interface {
	transportEvent() string
}

type Opened struct {
	SessionID string
}

type AudioChunk struct {
	Data []byte
}

type TranscriptDelta struct {
	Role types.Role
	Text string
}

type ToolCall struct {
	Invocations []types.ToolInvocation
}

type TurnComplete struct{}

type Interrupted struct{}

// Closed reports that the stream ended. Reason is "client_closed" when the
// local side called Close.
type Closed struct {
	Reason string
	Code   int
}

// Error reports a terminal failure on the stream.
type Error struct {
	Message string
	Kind    core.Kind
	Err     error
}

func (Opened) transportEvent() string          { return "opened" }
func (AudioChunk) transportEvent() string      { return "audio_chunk" }
func (TranscriptDelta) transportEvent() string { return "transcript_delta" }
func (ToolCall) transportEvent() string        { return "tool_call" }
func (TurnComplete) transportEvent() string    { return "turn_complete" }
func (Interrupted) transportEvent() string     { return "interrupted" }
func (Closed) transportEvent() string          { return "closed" }
func (Error) transportEvent() string           { return "error" }

// EventName returns the wire-style name of an event, for logs and metrics.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.transportEvent()
}

// Terminal reports whether ev ends a Session's event stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Closed, Error:
		return true
	default:
		return false
	}
}

// ReasonClientClosed marks a Closed event caused by a local Close call.
const ReasonClientClosed = "client_closed"

// ReasonGoAway marks a Closed event that followed a server go_away notice.
const ReasonGoAway = "go_away"
