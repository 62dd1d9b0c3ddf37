package record

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Options tunes the recorder. Zero values take the defaults.
type Options struct {
	Logger      *slog.Logger
	RetryBudget time.Duration // default 30s per call
	RetryBase   time.Duration // default 250ms
	RetryMax    time.Duration // default 4s
	QueueSize   int           // default 256 items per call

	// OnFinalized runs on the call's writer goroutine after the
	// consolidated record is durably written. Post-call analysis hangs
	// off this hook.
	OnFinalized func(row FinalRow)

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 250 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 4 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.sleep == nil {
		o.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
}

// Recorder buffers lifecycle events per call and writes them to the
// store at-least-once. Writes for one call are serialized on that
// call's writer; calls do not wait on each other.
type Recorder struct {
	store  Store
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	writers map[string]*callWriter
	closed  bool
	wg      sync.WaitGroup
}

// NewRecorder builds a recorder over the given store.
func NewRecorder(store Store, opts Options) *Recorder {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		store:   store,
		opts:    opts,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		writers: make(map[string]*callWriter),
	}
}

type writeItem struct {
	ev  *Event
	fin *Final
}

// Append queues one lifecycle event. It never blocks the caller: a full
// queue drops the event and downgrades the call record to partial.
func (r *Recorder) Append(callID string, ev Event) {
	w := r.writer(callID)
	if w == nil {
		return
	}
	if !w.enqueue(writeItem{ev: &ev}) {
		r.logger.Warn("recorder queue full, event dropped", "call_id", callID, "kind", ev.Kind)
	}
}

// Finalize queues the terminal record. The call's writer drains its
// backlog, writes the consolidated record, and exits.
func (r *Recorder) Finalize(callID string, fin Final) {
	w := r.writer(callID)
	if w == nil {
		return
	}
	if !w.enqueue(writeItem{fin: &fin}) {
		r.logger.Error("recorder queue full on finalize, record lost", "call_id", callID)
	}
}

// Close waits for all call writers to drain, bounded by ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *Recorder) writer(callID string) *callWriter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if w, ok := r.writers[callID]; ok {
		return w
	}
	w := &callWriter{
		rec:    r,
		callID: callID,
		q:      make(chan writeItem, r.opts.QueueSize),
	}
	r.writers[callID] = w
	r.wg.Add(1)
	go w.run()
	return w
}

func (r *Recorder) drop(callID string) {
	r.mu.Lock()
	delete(r.writers, callID)
	r.mu.Unlock()
}

// callWriter owns the persistence of one call. All of its fields are
// touched only by its own goroutine, except the queue.
type callWriter struct {
	rec    *Recorder
	callID string
	q      chan writeItem

	counter    int64
	seq        int64
	startedAt  time.Time
	budgetUsed time.Duration
	partial    bool

	transcript strings.Builder
	lastRole   string
}

func (w *callWriter) enqueue(item writeItem) bool {
	select {
	case w.q <- item:
		return true
	default:
	}
	// An empty item tells the writer flow a loss happened, so the final
	// record carries the partial marker.
	select {
	case w.q <- writeItem{}:
	default:
	}
	return false
}

func (w *callWriter) run() {
	defer w.rec.wg.Done()
	for item := range w.q {
		switch {
		case item.fin != nil:
			w.finalize(*item.fin)
			w.rec.drop(w.callID)
			return
		case item.ev != nil:
			w.write(*item.ev)
		default:
			w.partial = true
		}
	}
}

func (w *callWriter) write(ev Event) {
	switch ev.Kind {
	case EventCallCreated:
		if ev.Info == nil {
			return
		}
		w.startedAt = ev.Info.StartedAt
		row := CallRow{
			ID:        ev.Info.CallID,
			TenantID:  ev.Info.TenantID,
			AgentID:   ev.Info.AgentID,
			Direction: ev.Info.Direction,
			FromNum:   ev.Info.From,
			ToNum:     ev.Info.To,
			StreamSID: ev.Info.StreamSID,
			CarrierID: ev.Info.CarrierID,
			StartedAt: ev.Info.StartedAt,
		}
		w.withRetry("create call", func(ctx context.Context) error {
			return w.rec.store.CreateCall(ctx, row)
		})

	case EventTranscript:
		w.seq++
		w.aggregate(ev.Role, ev.Text)
		row := TranscriptRow{CallID: w.callID, Seq: w.seq, Role: ev.Role, Text: ev.Text, At: ev.At}
		w.withRetry("insert transcript", func(ctx context.Context) error {
			return w.rec.store.InsertTranscript(ctx, row)
		})

	default:
		w.counter++
		payload, err := json.Marshal(struct {
			State string `json:"state,omitempty"`
			Role  string `json:"role,omitempty"`
			Text  string `json:"text,omitempty"`
			Name  string `json:"name,omitempty"`
			Args  string `json:"args,omitempty"`
		}{ev.State, ev.Role, ev.Text, ev.Name, ev.Args})
		if err != nil {
			w.rec.logger.Error("unencodable lifecycle event", "call_id", w.callID, "error", err)
			return
		}
		row := EventRow{CallID: w.callID, Counter: w.counter, Kind: string(ev.Kind), Payload: payload, At: ev.At}
		w.withRetry("insert event", func(ctx context.Context) error {
			return w.rec.store.InsertEvent(ctx, row)
		})
	}
}

func (w *callWriter) finalize(fin Final) {
	var duration time.Duration
	if !w.startedAt.IsZero() {
		duration = fin.EndedAt.Sub(w.startedAt)
	} else if !fin.StartedAt.IsZero() {
		duration = fin.EndedAt.Sub(fin.StartedAt)
	}
	row := FinalRow{
		CallID:            w.callID,
		Status:            fin.State,
		Reason:            fin.Reason,
		EndedAt:           fin.EndedAt,
		DurationSeconds:   int64(duration.Round(time.Second).Seconds()),
		RecordingURL:      fin.RecordingURL,
		Transcript:        w.transcript.String(),
		ResumptionHandles: fin.ResumptionHandles,
		DroppedCaller:     fin.DroppedCaller,
		DroppedAgent:      fin.DroppedAgent,
		Partial:           w.partial,
	}
	// The consolidated record is the one row that must exist, so the
	// finalize write gets a fresh retry budget even on a partial call.
	w.budgetUsed = 0
	ok := w.retry("finalize call", func(ctx context.Context) error {
		return w.rec.store.FinalizeCall(ctx, row)
	}, true)
	if ok && w.rec.opts.OnFinalized != nil {
		w.rec.opts.OnFinalized(row)
	}
}

func (w *callWriter) aggregate(role, text string) {
	if role != w.lastRole {
		if w.transcript.Len() > 0 {
			w.transcript.WriteByte('\n')
		}
		w.transcript.WriteString(role)
		w.transcript.WriteString(": ")
		w.lastRole = role
	}
	w.transcript.WriteString(text)
}

// withRetry runs op with exponential backoff until it succeeds or the
// call's retry budget is spent. Spending the budget downgrades the call
// to a partial record; later writes get one attempt each.
func (w *callWriter) withRetry(what string, op func(ctx context.Context) error) {
	w.retry(what, op, false)
}

func (w *callWriter) retry(what string, op func(ctx context.Context) error, force bool) bool {
	opts := w.rec.opts
	attempt := 0
	for {
		ctx, cancel := context.WithTimeout(w.rec.ctx, opts.RetryMax)
		err := op(ctx)
		cancel()
		if err == nil {
			return true
		}
		if w.partial && !force {
			w.rec.logger.Debug("partial-mode write failed", "call_id", w.callID, "op", what, "error", err)
			return false
		}
		attempt++
		delay := opts.RetryBase << uint(attempt-1)
		if delay > opts.RetryMax {
			delay = opts.RetryMax
		}
		if w.budgetUsed+delay > opts.RetryBudget {
			w.partial = true
			w.rec.logger.Warn("persistence retry budget spent, downgrading call record to partial",
				"call_id", w.callID, "op", what, "error", err)
			return false
		}
		w.budgetUsed += delay
		w.rec.logger.Debug("persistence write failed, retrying",
			"call_id", w.callID, "op", what, "attempt", attempt, "error", err)
		if w.rec.opts.sleep(w.rec.ctx, delay) != nil {
			return false
		}
	}
}
