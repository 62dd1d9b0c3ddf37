package record

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/voicegate/pkg/model"
	"github.com/vango-go/voicegate/pkg/routing"
)

// vadJSON is the persisted shape of an agent's VAD tuning.
type vadJSON struct {
	StartSensitivity string `json:"start_sensitivity,omitempty"`
	EndSensitivity   string `json:"end_sensitivity,omitempty"`
	SilenceMS        int    `json:"silence_ms,omitempty"`
	PrefixMS         int    `json:"prefix_ms,omitempty"`
	Disabled         bool   `json:"disabled,omitempty"`
}

// hoursJSON is the persisted shape of an agent's availability schedule.
type hoursJSON struct {
	Timezone string `json:"timezone,omitempty"`
	Windows  []struct {
		Days  []int  `json:"days,omitempty"`
		Open  string `json:"open"`
		Close string `json:"close"`
	} `json:"windows,omitempty"`
}

// AgentSource serves routing snapshots from the agents tables. Load
// builds a fresh immutable snapshot; Run reloads on an interval so
// configuration edits reach new calls without a restart. Calls in
// flight keep the snapshot they resolved against.
type AgentSource struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	interval time.Duration

	version atomic.Int64
	snap    atomic.Pointer[routing.Snapshot]
}

// NewAgentSource builds a source over the pool. Call Load before
// serving; an unloaded source answers with an empty snapshot.
func NewAgentSource(pool *pgxpool.Pool, logger *slog.Logger, interval time.Duration) *AgentSource {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AgentSource{pool: pool, logger: logger, interval: interval}
}

// Snapshot returns the current configuration version.
func (s *AgentSource) Snapshot() *routing.Snapshot {
	if snap := s.snap.Load(); snap != nil {
		return snap
	}
	return routing.NewSnapshot(0, nil, nil, nil)
}

// Load queries the agents, number mappings, and DNC list and swaps in a
// new snapshot.
func (s *AgentSource) Load(ctx context.Context) error {
	agents, err := s.loadAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT prefix, agent_id FROM agent_numbers`)
	if err != nil {
		return fmt.Errorf("load number mappings: %w", err)
	}
	var mappings []routing.NumberMapping
	for rows.Next() {
		var m routing.NumberMapping
		if err := rows.Scan(&m.Prefix, &m.AgentID); err != nil {
			rows.Close()
			return fmt.Errorf("scan number mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load number mappings: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT number FROM dnc_numbers`)
	if err != nil {
		return fmt.Errorf("load dnc list: %w", err)
	}
	var dnc []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return fmt.Errorf("scan dnc number: %w", err)
		}
		dnc = append(dnc, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load dnc list: %w", err)
	}

	version := s.version.Add(1)
	s.snap.Store(routing.NewSnapshot(version, agents, dnc, mappings))
	s.logger.Debug("routing snapshot loaded",
		"version", version, "agents", len(agents), "mappings", len(mappings), "dnc", len(dnc))
	return nil
}

func (s *AgentSource) loadAgents(ctx context.Context) ([]routing.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, voice, language, system_prompt, model, vad,
			direction_policy, routing_type, forward_to, hours, max_concurrent,
			is_primary, active, created_at
		FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []routing.Agent
	for rows.Next() {
		var (
			a          routing.Agent
			vadRaw     []byte
			hoursRaw   []byte
			policyRaw  string
			routingRaw string
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Voice, &a.Language,
			&a.SystemPrompt, &a.Model, &vadRaw, &policyRaw, &routingRaw,
			&a.ForwardTo, &hoursRaw, &a.MaxConcurrent, &a.Primary, &a.Active,
			&a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Policy = routing.DirectionPolicy(policyRaw)
		a.Routing = routing.RoutingType(routingRaw)
		a.VAD = decodeVAD(s.logger, a.ID, vadRaw)
		a.Hours = decodeHours(s.logger, a.ID, hoursRaw)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func decodeVAD(logger *slog.Logger, agentID string, raw []byte) model.VADTuning {
	var v vadJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Warn("unreadable vad config, using defaults", "agent_id", agentID, "error", err)
			return model.VADTuning{}
		}
	}
	return model.VADTuning{
		StartSensitivity: model.Sensitivity(v.StartSensitivity),
		EndSensitivity:   model.Sensitivity(v.EndSensitivity),
		SilenceDuration:  time.Duration(v.SilenceMS) * time.Millisecond,
		PrefixPadding:    time.Duration(v.PrefixMS) * time.Millisecond,
		Disabled:         v.Disabled,
	}
}

func decodeHours(logger *slog.Logger, agentID string, raw []byte) routing.BusinessHours {
	var h hoursJSON
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &h); err != nil {
			logger.Warn("unreadable hours config, treating agent as always open", "agent_id", agentID, "error", err)
			return routing.BusinessHours{}
		}
	}
	out := routing.BusinessHours{Timezone: h.Timezone}
	for _, w := range h.Windows {
		win := routing.HoursWindow{Open: w.Open, Close: w.Close}
		for _, d := range w.Days {
			win.Days = append(win.Days, time.Weekday(d))
		}
		out.Windows = append(out.Windows, win)
	}
	return out
}

// SetAgentActive flips an agent on or off and reloads the snapshot so
// the change takes effect for the next call.
func (s *AgentSource) SetAgentActive(ctx context.Context, agentID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET active = $2 WHERE id = $1`, agentID, active)
	if err != nil {
		return fmt.Errorf("set agent %s active=%v: %w", agentID, active, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set agent %s active: unknown agent", agentID)
	}
	return s.Load(ctx)
}

// AgentsByTenant lists agent IDs for one tenant from the current
// snapshot. The control surface fans tenant-scoped stops out per agent.
func (s *AgentSource) AgentsByTenant(tenantID string) []string {
	var ids []string
	for _, a := range s.Snapshot().Agents() {
		if a.TenantID == tenantID {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Run reloads the snapshot on the configured interval until ctx ends.
func (s *AgentSource) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Load(ctx); err != nil {
				s.logger.Warn("routing snapshot reload failed, keeping previous version", "error", err)
			}
		}
	}
}
