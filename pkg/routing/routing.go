// Package routing decides which agent persona answers a call. The
// decision is a pure function of the call's direction, the two phone
// numbers, the wall clock, and an immutable configuration snapshot, so
// it can be tested without any live infrastructure.
package routing

import (
	"sort"
	"strings"
	"time"

	"github.com/vango-go/voicegate/pkg/model"
)

// Direction is the side of the call the gateway is on.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DirectionPolicy says which call directions an agent accepts.
type DirectionPolicy string

const (
	PolicyInbound  DirectionPolicy = "inbound"
	PolicyOutbound DirectionPolicy = "outbound"
	PolicyBoth     DirectionPolicy = "both"
)

func (p DirectionPolicy) admits(d Direction) bool {
	switch p {
	case PolicyBoth:
		return true
	case PolicyInbound:
		return d == DirectionInbound
	case PolicyOutbound:
		return d == DirectionOutbound
	}
	return false
}

// RoutingType is how a selected agent handles the call.
type RoutingType string

const (
	RouteDirect  RoutingType = "direct"
	RouteMenu    RoutingType = "menu"
	RouteForward RoutingType = "forward"
)

// HoursWindow is one open interval within a business-hours schedule.
// Open and Close are local wall-clock times in "15:04" form. An empty
// Days list applies the window to every day of the week.
type HoursWindow struct {
	Days  []time.Weekday
	Open  string
	Close string
}

// BusinessHours is an agent's availability schedule. A zero value means
// always open.
type BusinessHours struct {
	Timezone string
	Windows  []HoursWindow
}

// Agent is one configured persona. Snapshots hold agents by value;
// nothing mutates an Agent after snapshot construction.
type Agent struct {
	ID           string
	TenantID     string
	Name         string
	Voice        string
	Language     string
	SystemPrompt string
	Model        string
	VAD          model.VADTuning

	Policy        DirectionPolicy
	Routing       RoutingType
	ForwardTo     string
	Hours         BusinessHours
	MaxConcurrent int
	Primary       bool
	Active        bool
	CreatedAt     time.Time
}

// NumberMapping binds a dialed-number prefix to an agent. A full E.164
// number is just the longest possible prefix.
type NumberMapping struct {
	Prefix  string
	AgentID string
}

// Snapshot is one immutable version of the routing configuration.
// Calls in flight keep the snapshot they resolved against; readers pick
// up a newer version only at call start.
type Snapshot struct {
	Version  int64
	agents   []Agent
	byID     map[string]*Agent
	dnc      map[string]struct{}
	mappings []NumberMapping
}

// NewSnapshot normalizes the inputs and freezes them. Number mappings
// are kept sorted by descending prefix length so the first match during
// resolution is the most specific one.
func NewSnapshot(version int64, agents []Agent, dnc []string, mappings []NumberMapping) *Snapshot {
	s := &Snapshot{
		Version: version,
		agents:  make([]Agent, len(agents)),
		byID:    make(map[string]*Agent, len(agents)),
		dnc:     make(map[string]struct{}, len(dnc)),
	}
	copy(s.agents, agents)
	sort.SliceStable(s.agents, func(i, j int) bool {
		return s.agents[i].CreatedAt.Before(s.agents[j].CreatedAt)
	})
	for i := range s.agents {
		s.byID[s.agents[i].ID] = &s.agents[i]
	}
	for _, n := range dnc {
		s.dnc[NormalizeNumber(n)] = struct{}{}
	}
	for _, m := range mappings {
		m.Prefix = NormalizeNumber(m.Prefix)
		if m.Prefix == "" || m.AgentID == "" {
			continue
		}
		s.mappings = append(s.mappings, m)
	}
	sort.SliceStable(s.mappings, func(i, j int) bool {
		return len(s.mappings[i].Prefix) > len(s.mappings[j].Prefix)
	})
	return s
}

// Agent returns the agent with the given id, or nil.
func (s *Snapshot) Agent(id string) *Agent { return s.byID[id] }

// Agents returns all agents in creation order.
func (s *Snapshot) Agents() []Agent { return s.agents }

// OnDNC reports whether number is on the do-not-call set.
func (s *Snapshot) OnDNC(number string) bool {
	_, ok := s.dnc[NormalizeNumber(number)]
	return ok
}

// NormalizeNumber strips formatting punctuation so that "+1 (555) 000-1111"
// and "+15550001111" compare equal.
func NormalizeNumber(n string) string {
	var b strings.Builder
	for i, r := range n {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Source yields the current configuration snapshot. Implementations may
// reload in the background; the returned snapshot itself never changes.
type Source interface {
	Snapshot() *Snapshot
}

// StaticSource is a Source that always returns the same snapshot.
type StaticSource struct{ S *Snapshot }

func (s StaticSource) Snapshot() *Snapshot { return s.S }
