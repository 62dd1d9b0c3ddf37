// Package analysis classifies finished calls. One model request per
// completed call turns the aggregated transcript into an outcome tag
// and a sentiment score on the stored record. Analysis is best-effort:
// failures are logged and the call record stays unanalyzed.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// Outcomes the classifier may choose from. Anything else the model
// says is folded into "other".
var validOutcomes = map[string]struct{}{
	"resolved":    {},
	"callback":    {},
	"voicemail":   {},
	"no_interest": {},
	"other":       {},
}

// Store is the persistence slice the analyzer writes through.
type Store interface {
	SetAnalysis(ctx context.Context, callID, outcome string, sentiment float64) error
}

type generateFunc func(ctx context.Context, prompt string) (string, error)

type job struct {
	callID     string
	transcript string
}

// Options tunes the analyzer. Zero values take the defaults.
type Options struct {
	Logger         *slog.Logger
	QueueSize      int           // default 64 pending calls
	RequestTimeout time.Duration // default 30s per classification

	// generate is swapped in tests to avoid a live model dependency.
	generate generateFunc
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
}

// Analyzer runs classifications on a single background worker so a
// burst of finished calls cannot fan out into a burst of model calls.
type Analyzer struct {
	store    Store
	opts     Options
	logger   *slog.Logger
	generate generateFunc

	queue chan job
	done  chan struct{}

	closeOnce sync.Once
}

// New connects a live model client and starts the worker.
func New(ctx context.Context, apiKey, modelName string, store Store, opts Options) (*Analyzer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("open analysis client: %w", err)
	}
	opts.generate = func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, modelName, genai.Text(prompt), &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return newAnalyzer(store, opts), nil
}

func newAnalyzer(store Store, opts Options) *Analyzer {
	opts.withDefaults()
	a := &Analyzer{
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		generate: opts.generate,
		queue:    make(chan job, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Enqueue submits one finished call. Calls with no transcript are
// skipped; a full queue drops the job rather than delaying the caller.
func (a *Analyzer) Enqueue(callID, transcript string) {
	if strings.TrimSpace(transcript) == "" {
		return
	}
	select {
	case a.queue <- job{callID: callID, transcript: transcript}:
	default:
		a.logger.Warn("analysis queue full, call skipped", "call_id", callID)
	}
}

// Close stops accepting work and waits for the backlog to drain.
func (a *Analyzer) Close() {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
}

func (a *Analyzer) run() {
	defer close(a.done)
	for j := range a.queue {
		a.analyze(j)
	}
}

type verdict struct {
	Outcome   string  `json:"outcome"`
	Sentiment float64 `json:"sentiment"`
}

func (a *Analyzer) analyze(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.RequestTimeout)
	defer cancel()

	raw, err := a.generate(ctx, classifyPrompt(j.transcript))
	if err != nil {
		a.logger.Warn("call analysis failed", "call_id", j.callID, "error", err)
		return
	}
	v, err := parseVerdict(raw)
	if err != nil {
		a.logger.Warn("call analysis unparseable", "call_id", j.callID, "error", err)
		return
	}
	if err := a.store.SetAnalysis(ctx, j.callID, v.Outcome, v.Sentiment); err != nil {
		a.logger.Warn("call analysis not persisted", "call_id", j.callID, "error", err)
		return
	}
	a.logger.Info("call analyzed", "call_id", j.callID, "outcome", v.Outcome, "sentiment", v.Sentiment)
}

func classifyPrompt(transcript string) string {
	return `Classify this phone call transcript.

Respond with only a JSON object of the form
{"outcome": "<resolved|callback|voicemail|no_interest|other>", "sentiment": <number in [-1,1]>}
where sentiment reflects the caller's attitude (-1 hostile, 0 neutral, 1 delighted).

Transcript:
` + transcript
}

func parseVerdict(raw string) (verdict, error) {
	raw = strings.TrimSpace(raw)
	// Models occasionally wrap JSON in a fenced block despite the MIME
	// type hint.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var v verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if _, ok := validOutcomes[v.Outcome]; !ok {
		v.Outcome = "other"
	}
	if v.Sentiment < -1 {
		v.Sentiment = -1
	}
	if v.Sentiment > 1 {
		v.Sentiment = 1
	}
	return v, nil
}
