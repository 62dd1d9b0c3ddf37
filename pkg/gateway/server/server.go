// Package server assembles the gateway's HTTP surface: the carrier
// media endpoint, the webhook answering machine, the control API, and
// the health probes.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/voicegate/pkg/call"
	"github.com/vango-go/voicegate/pkg/carrier"
	"github.com/vango-go/voicegate/pkg/gateway/config"
	"github.com/vango-go/voicegate/pkg/gateway/handlers"
	"github.com/vango-go/voicegate/pkg/gateway/lifecycle"
	"github.com/vango-go/voicegate/pkg/gateway/mw"
	"github.com/vango-go/voicegate/pkg/gateway/sessions"
	"github.com/vango-go/voicegate/pkg/model"
	"github.com/vango-go/voicegate/pkg/routing"
)

// AgentDirectory is the routing source plus the control operations the
// gateway drives against it.
type AgentDirectory interface {
	routing.Source
	AgentsByTenant(tenantID string) []string
	SetAgentActive(ctx context.Context, agentID string, active bool) error
}

// Deps are the externally constructed collaborators the server wires
// into its handlers.
type Deps struct {
	Agents   AgentDirectory
	Recorder call.Persistence
	Dialer   handlers.OutboundDialer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	life     *lifecycle.Lifecycle
	registry *sessions.Registry
	resolver *routing.Resolver
	models   call.ModelTransport

	deps Deps
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	registry := sessions.NewRegistry()

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		life:     &lifecycle.Lifecycle{},
		registry: registry,
		resolver: routing.NewResolver(deps.Agents, registry, logger),
		models: modelOpener{opts: model.Options{
			APIKey: cfg.GeminiAPIKey,
			Logger: logger,
		}},
		deps: deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{Gauge: s.registry})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Life: s.life})

	s.mux.Handle("GET "+s.cfg.CarrierPath, handlers.MediaHandler{
		Logger:   s.logger,
		Life:     s.life,
		Registry: s.registry,
		Table:    s.resolver,
		Models:   s.models,
		Store:    s.deps.Recorder,
		CarrierOpts: carrier.Options{
			Logger:            s.logger,
			OutboundQueueSize: s.cfg.OutboundQueueFrames,
			EventQueueSize:    s.cfg.EventQueueSize,
		},
		CallOpts: call.Options{
			SetupTimeout:   s.cfg.SetupTimeout,
			IdleTimeout:    s.cfg.IdleTimeout,
			HandoverBudget: s.cfg.HandoverBudget,
			FinalDrainWait: s.cfg.FinalDrainWait,
			ToolTimeout:    s.cfg.ToolTimeout,
		},
	})

	s.mux.Handle("POST /twiml", handlers.TwimlHandler{
		Logger:        s.logger,
		PublicHost:    s.cfg.PublicHost,
		CarrierPath:   s.cfg.CarrierPath,
		WebhookSecret: s.cfg.WebhookSecret,
	})

	s.mux.Handle("POST /v1/dial", s.control(handlers.DialHandler{
		Logger: s.logger,
		Dialer: s.deps.Dialer,
	}))
	s.mux.Handle("POST /v1/control/emergency-stop", s.control(handlers.EmergencyStopHandler{
		Logger:  s.logger,
		Stopper: s.registry,
		Tenants: s.deps.Agents,
	}))
	s.mux.Handle("POST /v1/control/agents/{id}", s.control(handlers.AgentActiveHandler{
		Logger: s.logger,
		Switch: s.deps.Agents,
	}))
}

func (s *Server) control(h http.Handler) http.Handler {
	return mw.ControlKey(s.cfg.ControlAPIKey, h)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the readiness probe and refuses new media streams.
// Calls already in flight keep running.
func (s *Server) SetDraining() {
	s.life.SetDraining(true)
}

// ActiveCalls reports how many calls this process is carrying.
func (s *Server) ActiveCalls() int {
	return s.registry.Count()
}

// WaitLiveSessions blocks until every live call has finished. Reports
// false if the context expired with calls still up.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CancelLiveSessions force-stops whatever calls remain.
func (s *Server) CancelLiveSessions() {
	n := s.registry.StopAll("shutting_down")
	if n > 0 {
		s.logger.Warn("canceled live calls at shutdown", "count", n)
	}
}

// modelOpener adapts the model package's session constructor to the
// orchestrator's transport boundary.
type modelOpener struct {
	opts model.Options
}

func (m modelOpener) Open(ctx context.Context, cfg model.SessionConfig, previousHandle string) (call.ModelSession, error) {
	return model.Open(ctx, cfg, previousHandle, m.opts)
}
