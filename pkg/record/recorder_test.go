package record

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu          sync.Mutex
	calls       map[string]CallRow
	events      []EventRow
	transcripts []TranscriptRow
	finals      map[string]FinalRow

	failures int // consume one failure per write while > 0
}

func newMemStore() *memStore {
	return &memStore{
		calls:  make(map[string]CallRow),
		finals: make(map[string]FinalRow),
	}
}

func (m *memStore) takeFailure() error {
	if m.failures > 0 {
		m.failures--
		return errors.New("store unavailable")
	}
	return nil
}

func (m *memStore) CreateCall(_ context.Context, row CallRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.calls[row.ID]; !ok {
		m.calls[row.ID] = row
	}
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, row EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, ev := range m.events {
		if ev.CallID == row.CallID && ev.Counter == row.Counter {
			return nil
		}
	}
	m.events = append(m.events, row)
	return nil
}

func (m *memStore) InsertTranscript(_ context.Context, row TranscriptRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, tr := range m.transcripts {
		if tr.CallID == row.CallID && tr.Seq == row.Seq {
			return nil
		}
	}
	m.transcripts = append(m.transcripts, row)
	return nil
}

func (m *memStore) FinalizeCall(_ context.Context, row FinalRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.finals[row.CallID] = row
	return nil
}

func (m *memStore) SetAnalysis(_ context.Context, callID, outcome string, sentiment float64) error {
	return nil
}

func testRecorder(store Store) *Recorder {
	return NewRecorder(store, Options{
		RetryBudget: time.Second,
		sleep:       func(context.Context, time.Duration) error { return nil },
	})
}

func drain(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("recorder close: %v", err)
	}
}

func created(callID string) Event {
	return Event{Kind: EventCallCreated, Info: &CallInfo{
		CallID:    callID,
		AgentID:   "a1",
		Direction: "inbound",
		From:      "+15550001111",
		To:        "+15550002222",
		StartedAt: time.Now().Add(-time.Minute),
	}}
}

func TestEventsGetMonotonicCounters(t *testing.T) {
	store := newMemStore()
	r := testRecorder(store)

	r.Append("c1", created("c1"))
	r.Append("c1", Event{Kind: EventStateChanged, State: "in_progress"})
	r.Append("c1", Event{Kind: EventDTMF, Text: "5"})
	r.Append("c1", Event{Kind: EventTurnDelivered, Name: "turn-1"})
	r.Finalize("c1", Final{State: "completed", EndedAt: time.Now()})
	drain(t, r)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 3 {
		t.Fatalf("store holds %d events, want 3", len(store.events))
	}
	for i, ev := range store.events {
		if ev.Counter != int64(i+1) {
			t.Errorf("event %d counter = %d", i, ev.Counter)
		}
	}
	if _, ok := store.calls["c1"]; !ok {
		t.Error("call row missing")
	}
}

func TestTranscriptAggregatedOnFinalize(t *testing.T) {
	store := newMemStore()
	r := testRecorder(store)

	r.Append("c1", created("c1"))
	r.Append("c1", Event{Kind: EventTranscript, Role: "caller", Text: "hi, "})
	r.Append("c1", Event{Kind: EventTranscript, Role: "caller", Text: "anyone there?"})
	r.Append("c1", Event{Kind: EventTranscript, Role: "agent", Text: "hello!"})
	r.Finalize("c1", Final{State: "completed", EndedAt: time.Now()})
	drain(t, r)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.transcripts) != 3 {
		t.Fatalf("store holds %d fragments, want 3", len(store.transcripts))
	}
	fin := store.finals["c1"]
	want := "caller: hi, anyone there?\nagent: hello!"
	if fin.Transcript != want {
		t.Fatalf("transcript = %q, want %q", fin.Transcript, want)
	}
}

func TestRetriesUntilStoreRecovers(t *testing.T) {
	store := newMemStore()
	store.failures = 2
	r := testRecorder(store)

	r.Append("c1", created("c1"))
	r.Finalize("c1", Final{State: "completed", EndedAt: time.Now()})
	drain(t, r)

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.calls["c1"]; !ok {
		t.Fatal("call row never written despite retries")
	}
	if store.finals["c1"].Partial {
		t.Fatal("recovered call marked partial")
	}
}

func TestBudgetExhaustionDowngradesToPartial(t *testing.T) {
	store := newMemStore()
	// Two failed attempts exhaust the budget on the create write, one
	// more swallows the single-shot DTMF write; finalize then succeeds.
	store.failures = 3
	r := NewRecorder(store, Options{
		RetryBudget: 500 * time.Millisecond,
		RetryBase:   250 * time.Millisecond,
		sleep:       func(context.Context, time.Duration) error { return nil },
	})

	r.Append("c1", created("c1"))
	r.Append("c1", Event{Kind: EventDTMF, Text: "1"})
	r.Finalize("c1", Final{State: "completed", EndedAt: time.Now()})
	drain(t, r)

	store.mu.Lock()
	defer store.mu.Unlock()
	fin, ok := store.finals["c1"]
	if !ok {
		t.Fatal("final record missing")
	}
	if !fin.Partial {
		t.Fatal("budget-exhausted call not marked partial")
	}
}

func TestFinalDurationFromCreation(t *testing.T) {
	store := newMemStore()
	r := testRecorder(store)

	start := time.Now().Add(-90 * time.Second)
	r.Append("c1", Event{Kind: EventCallCreated, Info: &CallInfo{CallID: "c1", StartedAt: start}})
	end := start.Add(75 * time.Second)
	r.Finalize("c1", Final{State: "completed", StartedAt: start, EndedAt: end})
	drain(t, r)

	store.mu.Lock()
	defer store.mu.Unlock()
	if got := store.finals["c1"].DurationSeconds; got != 75 {
		t.Fatalf("duration = %d s, want 75", got)
	}
}

func TestCallsAreIndependent(t *testing.T) {
	store := newMemStore()
	r := testRecorder(store)

	for _, id := range []string{"c1", "c2", "c3"} {
		r.Append(id, created(id))
		r.Append(id, Event{Kind: EventTranscript, Role: "caller", Text: "hello from " + id})
		r.Finalize(id, Final{State: "completed", EndedAt: time.Now()})
	}
	drain(t, r)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.finals) != 3 {
		t.Fatalf("store holds %d finals, want 3", len(store.finals))
	}
	for id, fin := range store.finals {
		if fin.Transcript != "caller: hello from "+id {
			t.Errorf("call %s transcript = %q", id, fin.Transcript)
		}
	}
}

func TestOnFinalizedFiresAfterDurableWrite(t *testing.T) {
	store := newMemStore()
	var (
		mu    sync.Mutex
		fired []FinalRow
	)
	r := NewRecorder(store, Options{
		RetryBudget: time.Second,
		OnFinalized: func(row FinalRow) {
			mu.Lock()
			fired = append(fired, row)
			mu.Unlock()
		},
		sleep: func(context.Context, time.Duration) error { return nil },
	})

	r.Append("c1", created("c1"))
	r.Append("c1", Event{Kind: EventTranscript, Role: "caller", Text: "hello"})
	r.Finalize("c1", Final{State: "completed", EndedAt: time.Now()})
	drain(t, r)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(fired))
	}
	if fired[0].CallID != "c1" || fired[0].Transcript != "caller: hello" {
		t.Fatalf("hook row = %+v", fired[0])
	}
}

func TestAppendAfterCloseIsIgnored(t *testing.T) {
	store := newMemStore()
	r := testRecorder(store)
	drain(t, r)

	r.Append("c1", created("c1"))
	r.Finalize("c1", Final{State: "completed", EndedAt: time.Now()})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.calls) != 0 || len(store.finals) != 0 {
		t.Fatal("writes accepted after close")
	}
}
