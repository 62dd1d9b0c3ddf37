package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type memStore struct {
	mu       sync.Mutex
	outcomes map[string]string
	scores   map[string]float64
	err      error
}

func newMemStore() *memStore {
	return &memStore{outcomes: make(map[string]string), scores: make(map[string]float64)}
}

func (m *memStore) SetAnalysis(_ context.Context, callID, outcome string, sentiment float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.outcomes[callID] = outcome
	m.scores[callID] = sentiment
	return nil
}

func (m *memStore) outcome(callID string) (string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[callID], m.scores[callID]
}

func testAnalyzer(store Store, gen generateFunc) *Analyzer {
	return newAnalyzer(store, Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		generate: gen,
	})
}

func TestAnalyzePersistsVerdict(t *testing.T) {
	store := newMemStore()
	var prompt string
	a := testAnalyzer(store, func(_ context.Context, p string) (string, error) {
		prompt = p
		return `{"outcome": "resolved", "sentiment": 0.75}`, nil
	})

	a.Enqueue("c1", "caller: my package arrived, thanks!\nagent: glad to hear it.")
	a.Close()

	outcome, score := store.outcome("c1")
	if outcome != "resolved" || score != 0.75 {
		t.Fatalf("analysis = %q/%v", outcome, score)
	}
	if !strings.Contains(prompt, "my package arrived") {
		t.Fatalf("transcript missing from prompt: %q", prompt)
	}
}

func TestAnalyzeSkipsEmptyTranscript(t *testing.T) {
	store := newMemStore()
	called := false
	a := testAnalyzer(store, func(context.Context, string) (string, error) {
		called = true
		return `{"outcome": "other", "sentiment": 0}`, nil
	})

	a.Enqueue("c1", "   ")
	a.Close()

	if called {
		t.Fatal("classifier invoked for transcriptless call")
	}
}

func TestAnalyzeFailureIsNonFatal(t *testing.T) {
	store := newMemStore()
	a := testAnalyzer(store, func(context.Context, string) (string, error) {
		return "", errors.New("model unavailable")
	})

	a.Enqueue("c1", "caller: hello")
	a.Close()

	if outcome, _ := store.outcome("c1"); outcome != "" {
		t.Fatalf("unexpected persisted outcome %q", outcome)
	}
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		outcome   string
		sentiment float64
		wantErr   bool
	}{
		{name: "plain", raw: `{"outcome":"callback","sentiment":-0.5}`, outcome: "callback", sentiment: -0.5},
		{name: "fenced", raw: "```json\n{\"outcome\":\"voicemail\",\"sentiment\":0}\n```", outcome: "voicemail"},
		{name: "unknown outcome folds to other", raw: `{"outcome":"escalated","sentiment":0.2}`, outcome: "other", sentiment: 0.2},
		{name: "sentiment clamped", raw: `{"outcome":"resolved","sentiment":3}`, outcome: "resolved", sentiment: 1},
		{name: "garbage", raw: "the call went fine", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := parseVerdict(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict: %v", err)
			}
			if v.Outcome != tc.outcome || v.Sentiment != tc.sentiment {
				t.Fatalf("verdict = %+v", v)
			}
		})
	}
}
