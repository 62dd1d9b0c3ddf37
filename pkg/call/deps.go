package call

import (
	"context"
	"encoding/json"

	"github.com/vango-go/voicegate/pkg/carrier"
	"github.com/vango-go/voicegate/pkg/model"
	"github.com/vango-go/voicegate/pkg/record"
	"github.com/vango-go/voicegate/pkg/routing"
)

// CarrierTransport is the carrier-side session the orchestrator bridges.
type CarrierTransport interface {
	Events() <-chan carrier.Event
	SendMedia(ulaw []byte)
	SendMark(name string)
	SendClear()
	StreamSID() string
	DroppedInboundFrames() int64
	DroppedOutboundFrames() int64
	Close(reason string)
}

// ModelSession is one open model conversation.
type ModelSession interface {
	Receive() <-chan model.Event
	SendAudio(pcm []byte) bool
	SendText(text string) error
	SendToolResponse(tr model.ToolResponse) error
	Handle() (handle string, updates int)
	DroppedAudioFrames() int64
	Reconnects() int64
	Close()
}

// ModelTransport opens model sessions.
type ModelTransport interface {
	Open(ctx context.Context, cfg model.SessionConfig, previousHandle string) (ModelSession, error)
}

// RoutingTable resolves an arriving call to an agent.
type RoutingTable interface {
	Resolve(direction routing.Direction, to, from string) routing.Decision
}

// Persistence is the lifecycle recorder boundary. Both operations are
// fire-and-forget from the orchestrator's point of view; durability and
// retries live behind this interface.
type Persistence interface {
	Append(callID string, ev record.Event)
	Finalize(callID string, fin record.Final)
}

// Tracker observes call admission so the router can count per-agent
// load. Register runs after the call is accepted; Release when it ends.
type Tracker interface {
	Register(callID, agentID string)
	Release(callID string)
}

// ToolHandler executes one tool call. Returning an error (or running
// past the configured tool timeout) falls back to the stub response.
type ToolHandler func(ctx context.Context, name string, args json.RawMessage) (map[string]any, error)
