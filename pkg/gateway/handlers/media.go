package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicegate/pkg/call"
	"github.com/vango-go/voicegate/pkg/carrier"
	"github.com/vango-go/voicegate/pkg/gateway/lifecycle"
	"github.com/vango-go/voicegate/pkg/gateway/sessions"
)

// MediaHandler upgrades the carrier's media WebSocket and runs one call
// orchestrator per connection.
type MediaHandler struct {
	Logger   *slog.Logger
	Life     *lifecycle.Lifecycle
	Registry *sessions.Registry

	Table  call.RoutingTable
	Models call.ModelTransport
	Store  call.Persistence

	CarrierOpts carrier.Options
	CallOpts    call.Options

	// BaseCtx outlives the HTTP request; the hijacked stream is torn
	// down by call shutdown, not request cancellation.
	BaseCtx context.Context
}

// The carrier connects server-to-server with no Origin header, so the
// upgrader accepts any origin.
var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Life.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Logger.Warn("media upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	cs := carrier.NewSession(conn, h.CarrierOpts)

	opts := h.CallOpts
	opts.Logger = h.Logger
	opts.Tracker = h.Registry
	c := call.New(cs, h.Table, h.Models, h.Store, opts)

	h.Registry.Attach(c.ID(), c.EmergencyStop)
	defer h.Registry.Detach(c.ID())

	ctx := h.BaseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	outcome := c.Run(ctx)
	h.Logger.Info("call finished",
		"call_id", c.ID(),
		"state", outcome.State,
		"reason", outcome.Reason,
		"refused", outcome.Refused,
	)
}
