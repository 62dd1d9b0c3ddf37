// Package call orchestrates one telephone call: it resolves the agent,
// opens the model session, bridges audio between the carrier and the
// model, enforces turn-taking, and reports the call's lifecycle to the
// recorder. One accepted carrier connection maps to exactly one Call.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voicegate/pkg/audio"
	"github.com/vango-go/voicegate/pkg/carrier"
	"github.com/vango-go/voicegate/pkg/model"
	"github.com/vango-go/voicegate/pkg/record"
	"github.com/vango-go/voicegate/pkg/routing"
)

// State is the call's position in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateRinging    State = "ringing"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateAbandoned  State = "abandoned"
)

// Outcome is the terminal result of running one call.
type Outcome struct {
	State     State
	Reason    string
	ForwardTo string
	// Refused marks calls turned away before any media moved. No call
	// record is written for a refused attempt, and no refusal counter is
	// kept; the flag travels in the outcome only.
	Refused bool
}

// Options tunes one orchestrated call. Zero values take the defaults.
type Options struct {
	Logger  *slog.Logger
	Tracker Tracker

	SetupTimeout   time.Duration // default 8s
	IdleTimeout    time.Duration // default 30s
	HandoverBudget time.Duration // default 400ms
	FinalDrainWait time.Duration // default 3s
	ToolTimeout    time.Duration // default 5s
	ToolHandler    ToolHandler

	// StillTherePrompt is injected as a synthetic turn after the first
	// idle timeout so the agent checks on the caller.
	StillTherePrompt string
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 8 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.HandoverBudget <= 0 {
		o.HandoverBudget = 400 * time.Millisecond
	}
	if o.FinalDrainWait <= 0 {
		o.FinalDrainWait = 3 * time.Second
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 5 * time.Second
	}
	if o.StillTherePrompt == "" {
		o.StillTherePrompt = "The caller has been silent for a while. Briefly ask whether they are still there."
	}
}

// Call is one orchestrated telephone call.
type Call struct {
	id      string
	carrier CarrierTransport
	table   RoutingTable
	models  ModelTransport
	store   Persistence
	opts    Options
	logger  *slog.Logger

	model  ModelSession
	decode *audio.Codec
	encode *audio.Codec

	mu    sync.Mutex
	state State
	info  record.CallInfo

	stopCh   chan string
	stopOnce sync.Once

	agentSpoke bool
	prompted   bool
	turnN      int
}

// New prepares an orchestrator for one accepted carrier connection.
// Run drives it to completion.
func New(ct CarrierTransport, table RoutingTable, mt ModelTransport, store Persistence, opts Options) *Call {
	opts.withDefaults()
	return &Call{
		id:      uuid.NewString(),
		carrier: ct,
		table:   table,
		models:  mt,
		store:   store,
		opts:    opts,
		logger:  opts.Logger,
		decode:  audio.NewCodec(),
		encode:  audio.NewCodec(),
		state:   StatePending,
		stopCh:  make(chan string, 1),
	}
}

// ID returns the gateway's call identifier.
func (c *Call) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the call identity captured at start. Zero before the
// carrier's start frame arrives.
func (c *Call) Info() record.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// EmergencyStop asks the running call to fail out immediately. Safe to
// call from any flow, once or more.
func (c *Call) EmergencyStop(reason string) {
	c.stopOnce.Do(func() {
		if reason == "" {
			reason = "emergency_stop"
		}
		c.stopCh <- reason
	})
}

// Run drives the call to a terminal state. It blocks until the call is
// over and returns the outcome.
func (c *Call) Run(ctx context.Context) Outcome {
	c.logger = c.opts.Logger.With("call_id", c.id)

	// One budget covers everything between accept and InProgress: the
	// carrier start frames and the model session open share it.
	setupDeadline := time.Now().Add(c.opts.SetupTimeout)

	start, out, ok := c.awaitStart(ctx, setupDeadline)
	if !ok {
		return out
	}
	return c.bridge(ctx, start, setupDeadline)
}

// awaitStart runs the Pending and Ringing states: it waits for the
// carrier's connected and start frames until the setup deadline.
func (c *Call) awaitStart(ctx context.Context, deadline time.Time) (carrier.StartEvent, Outcome, bool) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.carrier.Close("shutdown")
			return carrier.StartEvent{}, Outcome{State: StateFailed, Reason: "canceled", Refused: true}, false

		case reason := <-c.stopCh:
			c.carrier.Close(reason)
			return carrier.StartEvent{}, Outcome{State: StateFailed, Reason: reason, Refused: true}, false

		case <-timer.C:
			c.carrier.Close("setup_timeout")
			return carrier.StartEvent{}, Outcome{State: StateFailed, Reason: "setup_timeout", Refused: true}, false

		case ev, open := <-c.carrier.Events():
			if !open {
				return carrier.StartEvent{}, Outcome{State: StateFailed, Reason: "carrier_closed", Refused: true}, false
			}
			switch ev := ev.(type) {
			case carrier.ConnectedEvent:
				c.setState(StateRinging)
			case carrier.StartEvent:
				return ev, Outcome{}, true
			case carrier.StopEvent, carrier.ClosedEvent:
				c.carrier.Close("carrier_closed")
				return carrier.StartEvent{}, Outcome{State: StateFailed, Reason: "carrier_closed", Refused: true}, false
			}
		}
	}
}

// bridge resolves the agent, opens the model session under what remains
// of the setup budget, and runs the steady-state media loop.
func (c *Call) bridge(ctx context.Context, start carrier.StartEvent, setupDeadline time.Time) Outcome {
	direction := routing.Direction(start.Direction)
	if direction == "" {
		direction = routing.DirectionInbound
	}
	decision := c.table.Resolve(direction, start.To, start.From)

	switch {
	case decision.Reject == routing.ReasonOverloaded:
		c.logger.Warn("call refused", "reason", decision.Reject, "from", start.From)
		c.carrier.Close(string(decision.Reject))
		return Outcome{State: StateFailed, Reason: string(decision.Reject), Refused: true}

	case decision.Reject != "":
		c.beginRecord(start, "", string(direction))
		c.carrier.Close(string(decision.Reject))
		return c.terminate(StateFailed, string(decision.Reject))

	case decision.ForwardTo != "":
		c.beginRecord(start, "", string(direction))
		c.carrier.Close("forwarded")
		out := c.terminate(StateCompleted, "forwarded")
		out.ForwardTo = decision.ForwardTo
		return out
	}

	agent := decision.Agent
	c.beginRecord(start, agent.ID, string(direction))
	if c.opts.Tracker != nil {
		c.opts.Tracker.Register(c.id, agent.ID)
		defer c.opts.Tracker.Release(c.id)
	}

	cfg, err := model.NewSessionConfig(agent.Model, agent.Voice, agent.Language,
		agent.SystemPrompt, agent.VAD, true, true, true)
	if err != nil {
		c.logger.Error("agent configuration rejected", "agent_id", agent.ID, "error", err)
		c.carrier.Close("invalid_config")
		return c.terminate(StateFailed, "invalid_config")
	}

	openCtx, cancel := context.WithDeadline(ctx, setupDeadline)
	session, err := c.models.Open(openCtx, cfg, "")
	cancel()
	if err != nil {
		reason := "model_error"
		var serr *model.SessionError
		if errors.As(err, &serr) {
			reason = string(serr.Kind)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "setup_timeout"
		}
		c.logger.Error("model session open failed", "reason", reason, "error", err)
		c.carrier.Close(reason)
		return c.terminate(StateFailed, reason)
	}
	c.model = session
	c.setState(StateInProgress)
	c.record(record.Event{Kind: record.EventStateChanged, State: string(StateInProgress)})
	c.logger.Info("call in progress",
		"agent_id", agent.ID, "stream_sid", start.StreamSID, "direction", direction)

	return c.steady(ctx)
}

// steady is the InProgress event loop: caller audio up, agent audio
// down, transcripts and tool calls to the recorder, timers for idleness
// and handover blackout.
func (c *Call) steady(ctx context.Context) Outcome {
	idle := time.NewTimer(c.opts.IdleTimeout)
	defer idle.Stop()

	var (
		handover   *time.Timer
		handoverC  <-chan time.Time
		finalDrain *time.Timer
		finalC     <-chan time.Time
		finalMark  string
	)
	defer func() {
		if handover != nil {
			handover.Stop()
		}
		if finalDrain != nil {
			finalDrain.Stop()
		}
	}()

	carrierCh := c.carrier.Events()
	modelCh := c.model.Receive()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(StateFailed, "canceled")

		case reason := <-c.stopCh:
			return c.shutdown(StateFailed, reason)

		case <-idle.C:
			if !c.prompted {
				c.prompted = true
				if err := c.model.SendText(c.opts.StillTherePrompt); err != nil {
					c.logger.Warn("idle prompt failed", "error", err)
				}
				idle.Reset(c.opts.IdleTimeout)
				continue
			}
			return c.shutdown(StateAbandoned, "idle_timeout")

		case <-handoverC:
			c.record(record.Event{Kind: record.EventWarning, Text: "session handover blackout exceeded budget"})
			return c.shutdown(StateFailed, "session_handover_failed")

		case <-finalC:
			return c.shutdown(StateCompleted, "agent_hangup")

		case ev, open := <-carrierCh:
			if !open {
				return c.shutdown(c.hangupState(), "carrier_closed")
			}
			switch ev := ev.(type) {
			case carrier.MediaEvent:
				pcm := c.decode.DecodeULawToPCM16k(ev.Payload)
				if c.model.SendAudio(pcm) {
					if handover != nil {
						handover.Stop()
						handover, handoverC = nil, nil
					}
				} else if handover == nil && finalDrain == nil {
					handover = time.NewTimer(c.opts.HandoverBudget)
					handoverC = handover.C
				}

			case carrier.DTMFEvent:
				c.record(record.Event{Kind: record.EventDTMF, Text: ev.Digit})
				c.resetIdle(idle)
				if err := c.model.SendText(fmt.Sprintf("The caller pressed the %s key on their keypad.", ev.Digit)); err != nil {
					c.logger.Warn("dtmf turn injection failed", "error", err)
				}

			case carrier.MarkEvent:
				c.record(record.Event{Kind: record.EventTurnDelivered, Name: ev.Name})
				if finalMark != "" && ev.Name == finalMark {
					return c.shutdown(StateCompleted, "agent_hangup")
				}

			case carrier.StopEvent:
				return c.shutdown(c.hangupState(), "caller_hangup")

			case carrier.ClosedEvent:
				if ev.Err != nil {
					c.logger.Error("carrier session failed", "error", ev.Err)
					return c.shutdown(StateFailed, "carrier_error")
				}
				return c.shutdown(c.hangupState(), "caller_hangup")
			}

		case ev, open := <-modelCh:
			if !open {
				return c.shutdown(StateFailed, "model_closed")
			}
			switch ev := ev.(type) {
			case model.AudioOutEvent:
				ulaw, err := c.encode.EncodePCM24kToULaw(ev.PCM)
				if err != nil {
					c.logger.Warn("undecodable agent audio chunk", "error", err)
					continue
				}
				c.carrier.SendMedia(ulaw)
				c.agentSpoke = true

			case model.InterruptedEvent:
				c.carrier.SendClear()
				c.encode.Reset()
				c.resetIdle(idle)

			case model.TurnCompleteEvent:
				c.turnN++
				c.carrier.SendMark(fmt.Sprintf("turn-%d", c.turnN))

			case model.InputTranscriptionEvent:
				c.record(record.Event{Kind: record.EventTranscript, Role: "caller", Text: ev.Text})
				c.resetIdle(idle)

			case model.OutputTranscriptionEvent:
				c.record(record.Event{Kind: record.EventTranscript, Role: "agent", Text: ev.Text})

			case model.ToolCallEvent:
				c.record(record.Event{Kind: record.EventToolCall, Name: ev.Name, Args: string(ev.Args)})
				go c.respondTool(ctx, ev)

			case model.GoAwayEvent:
				c.logger.Info("model session handover pending", "time_left", ev.TimeLeft)

			case model.ClosedEvent:
				// Agent side is done; let the paced outbound queue play
				// out, bounded by the final mark echo or the drain wait.
				c.turnN++
				finalMark = fmt.Sprintf("turn-%d", c.turnN)
				c.carrier.SendMark(finalMark)
				finalDrain = time.NewTimer(c.opts.FinalDrainWait)
				finalC = finalDrain.C
				modelCh = nil

			case model.ErrorEvent:
				c.logger.Error("model session failed", "kind", ev.Err.Kind, "error", ev.Err)
				return c.shutdown(StateFailed, string(ev.Err.Kind))
			}
		}
	}
}

// hangupState distinguishes a hangup after conversation from one before
// the agent ever spoke.
func (c *Call) hangupState() State {
	if c.agentSpoke {
		return StateCompleted
	}
	return StateAbandoned
}

func (c *Call) resetIdle(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(c.opts.IdleTimeout)
	c.prompted = false
}

// respondTool answers one tool call, with the stub response unless a
// handler is registered and returns in time.
func (c *Call) respondTool(ctx context.Context, ev model.ToolCallEvent) {
	resp := map[string]any{"result": "ok"}
	if c.opts.ToolHandler != nil {
		tctx, cancel := context.WithTimeout(ctx, c.opts.ToolTimeout)
		type result struct {
			out map[string]any
			err error
		}
		done := make(chan result, 1)
		go func() {
			out, err := c.opts.ToolHandler(tctx, ev.Name, ev.Args)
			done <- result{out: out, err: err}
		}()
		var r result
		select {
		case r = <-done:
		case <-tctx.Done():
			r.err = tctx.Err()
		}
		cancel()
		if r.err != nil {
			c.logger.Warn("tool handler failed, answering with stub", "tool", ev.Name, "error", r.err)
		} else if r.out != nil {
			resp = r.out
		}
	}
	if err := c.model.SendToolResponse(model.ToolResponse{ID: ev.ID, Name: ev.Name, Response: resp}); err != nil {
		c.logger.Warn("tool response not delivered", "tool", ev.Name, "error", err)
	}
}

// shutdown closes both transports and writes the terminal record.
func (c *Call) shutdown(state State, reason string) Outcome {
	c.carrier.Close(reason)
	c.model.Close()
	return c.terminate(state, reason)
}

// terminate records the terminal state and finalizes the call record.
func (c *Call) terminate(state State, reason string) Outcome {
	c.setState(state)
	c.record(record.Event{Kind: record.EventStateChanged, State: string(state), Text: reason})
	fin := record.Final{
		State:     string(state),
		Reason:    reason,
		StartedAt: c.Info().StartedAt,
		EndedAt:   time.Now(),
	}
	if c.model != nil {
		_, fin.ResumptionHandles = c.model.Handle()
		fin.DroppedCaller = c.model.DroppedAudioFrames()
	}
	fin.DroppedAgent = c.carrier.DroppedOutboundFrames()
	c.store.Finalize(c.id, fin)
	c.logger.Info("call ended", "state", state, "reason", reason,
		"dropped_caller", fin.DroppedCaller, "dropped_agent", fin.DroppedAgent)
	return Outcome{State: state, Reason: reason}
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// beginRecord captures the call identity and writes the creation event.
func (c *Call) beginRecord(start carrier.StartEvent, agentID, direction string) {
	info := record.CallInfo{
		CallID:    c.id,
		AgentID:   agentID,
		Direction: direction,
		From:      start.From,
		To:        start.To,
		StreamSID: start.StreamSID,
		CarrierID: start.CallSID,
		StartedAt: time.Now(),
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	c.record(record.Event{Kind: record.EventCallCreated, Info: &info})
}

func (c *Call) record(ev record.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.store.Append(c.id, ev)
}
