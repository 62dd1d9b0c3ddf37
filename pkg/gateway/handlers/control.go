package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// CallStopper is the registry slice the stop endpoint drives.
type CallStopper interface {
	StopCall(callID, reason string) bool
	StopAgent(agentID, reason string) int
	StopAll(reason string) int
}

// TenantDirectory maps a tenant to its agents for tenant-scoped stops.
type TenantDirectory interface {
	AgentsByTenant(tenantID string) []string
}

// EmergencyStopHandler tears down live calls by call, agent, or tenant.
type EmergencyStopHandler struct {
	Logger  *slog.Logger
	Stopper CallStopper
	Tenants TenantDirectory
}

type stopRequest struct {
	Scope  string `json:"scope"` // call, agent, tenant, all
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type stopResponse struct {
	Stopped int `json:"stopped"`
}

func (h EmergencyStopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "emergency_stop"
	}

	stopped := 0
	switch req.Scope {
	case "call":
		if req.ID == "" {
			http.Error(w, "id is required for scope=call", http.StatusBadRequest)
			return
		}
		if h.Stopper.StopCall(req.ID, req.Reason) {
			stopped = 1
		}
	case "agent":
		if req.ID == "" {
			http.Error(w, "id is required for scope=agent", http.StatusBadRequest)
			return
		}
		stopped = h.Stopper.StopAgent(req.ID, req.Reason)
	case "tenant":
		if req.ID == "" {
			http.Error(w, "id is required for scope=tenant", http.StatusBadRequest)
			return
		}
		for _, agentID := range h.Tenants.AgentsByTenant(req.ID) {
			stopped += h.Stopper.StopAgent(agentID, req.Reason)
		}
	case "all":
		stopped = h.Stopper.StopAll(req.Reason)
	default:
		http.Error(w, "scope must be one of call|agent|tenant|all", http.StatusBadRequest)
		return
	}

	h.Logger.Info("emergency stop executed", "scope", req.Scope, "id", req.ID, "stopped", stopped)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(stopResponse{Stopped: stopped})
}

// AgentSwitch flips an agent's availability in the routing source.
type AgentSwitch interface {
	SetAgentActive(ctx context.Context, agentID string, active bool) error
}

// AgentActiveHandler toggles one agent on or off for new calls.
type AgentActiveHandler struct {
	Logger *slog.Logger
	Switch AgentSwitch
}

type agentActiveRequest struct {
	Active bool `json:"active"`
}

func (h AgentActiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		http.Error(w, "agent id missing from path", http.StatusBadRequest)
		return
	}

	var req agentActiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	if err := h.Switch.SetAgentActive(r.Context(), agentID, req.Active); err != nil {
		h.Logger.Error("agent toggle failed", "agent_id", agentID, "active", req.Active, "error", err)
		http.Error(w, "agent update failed", http.StatusBadGateway)
		return
	}

	h.Logger.Info("agent toggled", "agent_id", agentID, "active", req.Active)
	w.WriteHeader(http.StatusNoContent)
}
