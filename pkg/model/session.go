package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a WebSocket connection the session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a WebSocket to the model endpoint.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, *http.Response, error)
}

type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, url string) (Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Options tunes a session. Zero values take the documented defaults.
type Options struct {
	APIKey   string
	Endpoint string
	Dialer   Dialer
	Logger   *slog.Logger

	SetupTimeout      time.Duration // default 8s
	ReconnectAttempts int           // default 3
	ReconnectBase     time.Duration // default 250ms
	ReconnectMax      time.Duration // default 4s
	WriteTimeout      time.Duration // default 5s
	AudioQueueSize    int           // default 200
	EventQueueSize    int           // default 64

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) withDefaults() {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.Dialer == nil {
		o.Dialer = wsDialer{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 8 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 3
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 250 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 4 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.AudioQueueSize <= 0 {
		o.AudioQueueSize = 200
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 64
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

// ToolScheduling controls when the model folds a tool response into the
// conversation.
type ToolScheduling string

const (
	SchedulingBlocking  ToolScheduling = "blocking"
	SchedulingInterrupt ToolScheduling = "interrupt"
	SchedulingWhenIdle  ToolScheduling = "when_idle"
	SchedulingSilent    ToolScheduling = "silent"
)

func (s ToolScheduling) wire() string {
	switch s {
	case SchedulingInterrupt:
		return "INTERRUPT"
	case SchedulingWhenIdle:
		return "WHEN_IDLE"
	case SchedulingSilent:
		return "SILENT"
	}
	return ""
}

// ToolResponse completes a tool call initiated by the model.
type ToolResponse struct {
	ID         string
	Name       string
	Response   map[string]any
	Scheduling ToolScheduling
}

// Session is one streaming conversation with the model. It survives
// GoAway handovers and transient socket resets internally; consumers see
// a single uninterrupted event stream ending in ClosedEvent or
// ErrorEvent.
type Session struct {
	cfg    SessionConfig
	opts   Options
	logger *slog.Logger

	events chan Event
	audioQ chan []byte
	ctrlQ  chan any

	mu          sync.Mutex
	handle      string
	resumable   bool
	handleCount int
	goAwayLeft  time.Duration

	draining     atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once
	cancel       context.CancelFunc
	done         chan struct{}
	droppedAudio atomic.Int64
	reconnects   atomic.Int64
}

// Open dials the model, sends the configuration, and waits for the
// server acknowledgement before returning. previousHandle, when
// non-empty, asks the server to resume the prior conversation. A
// returned *SessionError carries the failure kind; transient dial
// failures are retried before Open gives up.
func Open(ctx context.Context, cfg SessionConfig, previousHandle string, opts Options) (*Session, error) {
	opts.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger,
		events: make(chan Event, opts.EventQueueSize),
		audioQ: make(chan []byte, opts.AudioQueueSize),
		ctrlQ:  make(chan any, 16),
		handle: previousHandle,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ready := make(chan *SessionError, 1)
	go s.run(runCtx, ready)

	select {
	case serr := <-ready:
		if serr != nil {
			cancel()
			<-s.done
			return nil, serr
		}
		return s, nil
	case <-ctx.Done():
		cancel()
		<-s.done
		return nil, sessionErr(ErrKindTransport, ctx.Err())
	}
}

// Receive returns the event stream. The channel closes after the final
// ClosedEvent or ErrorEvent.
func (s *Session) Receive() <-chan Event { return s.events }

// SendAudio enqueues one chunk of caller PCM (s16le @16 kHz). It never
// blocks: when the queue is full the oldest chunk is dropped and
// counted. It reports false while the session is draining toward a
// handover or already closed.
func (s *Session) SendAudio(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	if s.closed.Load() || s.draining.Load() {
		return false
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	for {
		select {
		case s.audioQ <- buf:
			return true
		default:
		}
		select {
		case <-s.audioQ:
			s.droppedAudio.Add(1)
		default:
		}
	}
}

// DroppedAudioFrames reports how many audio chunks were shed: caller
// chunks dropped by the bounded send queue plus model audio events
// dropped because the event queue was full.
func (s *Session) DroppedAudioFrames() int64 { return s.droppedAudio.Load() }

// Reconnects reports how many replacement sockets this session has
// opened (handover plus transient recovery).
func (s *Session) Reconnects() int64 { return s.reconnects.Load() }

// Handle returns the latest resumption handle and how many updates the
// server has issued.
func (s *Session) Handle() (handle string, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.handleCount
}

// SendText injects a synthetic user turn.
func (s *Session) SendText(text string) error {
	return s.enqueueCtrl(clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// SendToolResponse completes a tool call.
func (s *Session) SendToolResponse(tr ToolResponse) error {
	if tr.Response == nil {
		tr.Response = map[string]any{}
	}
	return s.enqueueCtrl(toolResponseMessage{ToolResponse: toolResponse{
		FunctionResponses: []functionResponse{{
			ID:         tr.ID,
			Name:       tr.Name,
			Response:   tr.Response,
			Scheduling: tr.Scheduling.wire(),
		}},
	}})
}

// ActivityStart marks the beginning of caller speech. Only meaningful
// when automatic detection is disabled in the configuration.
func (s *Session) ActivityStart() error {
	return s.enqueueCtrl(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}})
}

// ActivityEnd marks the end of caller speech.
func (s *Session) ActivityEnd() error {
	return s.enqueueCtrl(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}}})
}

// AudioStreamEnd announces intentional silence on the input stream.
func (s *Session) AudioStreamEnd() error {
	return s.enqueueCtrl(realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}

func (s *Session) enqueueCtrl(msg any) error {
	if s.closed.Load() {
		return errors.New("model session is closed")
	}
	select {
	case s.ctrlQ <- msg:
		return nil
	case <-s.done:
		return errors.New("model session is closed")
	}
}

// Close shuts the session down and waits for the run loop to finish.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	<-s.done
}

type serveReason int

const (
	serveReasonTransient serveReason = iota
	serveReasonHandover
	serveReasonClosed
	serveReasonCanceled
)

func (s *Session) run(ctx context.Context, ready chan<- *SessionError) {
	defer close(s.done)
	defer close(s.events)

	first := true
	attempt := 0
	for {
		if ctx.Err() != nil {
			if !first {
				s.emit(ClosedEvent{Reason: "canceled"})
			}
			return
		}

		conn, serr := s.connect(ctx)
		if serr != nil {
			if serr.Fatal() || attempt >= s.opts.ReconnectAttempts {
				if first {
					ready <- serr
					return
				}
				s.emit(ErrorEvent{Err: serr})
				return
			}
			attempt++
			s.logger.Warn("model connect failed, retrying",
				"attempt", attempt, "error", serr)
			if err := s.opts.sleep(ctx, s.backoff(attempt)); err != nil {
				if first {
					ready <- sessionErr(ErrKindTransport, err)
				}
				return
			}
			continue
		}
		attempt = 0
		if first {
			ready <- nil
			first = false
		} else {
			s.reconnects.Add(1)
			s.draining.Store(false)
		}

		reason, fatal := s.serve(ctx, conn)
		conn.Close()
		switch reason {
		case serveReasonClosed:
			if fatal != nil {
				s.emit(ErrorEvent{Err: fatal})
			} else {
				s.emit(ClosedEvent{Reason: "server_closed"})
			}
			return
		case serveReasonCanceled:
			s.emit(ClosedEvent{Reason: "closed"})
			return
		case serveReasonHandover:
			s.logger.Info("model session handover", "handle_updates", s.handleCount)
			continue
		case serveReasonTransient:
			attempt = 1
			if err := s.opts.sleep(ctx, s.backoff(attempt)); err != nil {
				s.emit(ClosedEvent{Reason: "canceled"})
				return
			}
			continue
		}
	}
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.opts.ReconnectBase << uint(attempt-1)
	if d > s.opts.ReconnectMax {
		d = s.opts.ReconnectMax
	}
	return d
}

// connect dials, sends the setup message (with the freshest resumption
// handle), and waits for the server acknowledgement. No realtime audio
// moves until the acknowledgement arrives.
func (s *Session) connect(ctx context.Context) (Conn, *SessionError) {
	url := s.opts.Endpoint + "?key=" + s.opts.APIKey
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.SetupTimeout)
	defer cancel()
	conn, resp, err := s.opts.Dialer.DialContext(dialCtx, url)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, sessionErr(ErrKindAuth, err)
			case http.StatusBadRequest:
				return nil, sessionErr(ErrKindInvalidConfig, err)
			case http.StatusNotFound:
				return nil, sessionErr(ErrKindIncompatibleModel, err)
			}
		}
		return nil, sessionErr(ErrKindTransport, err)
	}

	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	setup, err := json.Marshal(buildSetup(s.cfg, handle))
	if err != nil {
		conn.Close()
		return nil, sessionErr(ErrKindProtocol, fmt.Errorf("marshal setup: %w", err))
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, setup); err != nil {
		conn.Close()
		return nil, sessionErr(ErrKindTransport, fmt.Errorf("send setup: %w", err))
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.SetupTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, classifyReadError(err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.Close()
			return nil, sessionErr(ErrKindProtocol, fmt.Errorf("decode setup ack: %w", err))
		}
		if msg.SessionResumptionUpdate != nil {
			s.storeHandle(msg.SessionResumptionUpdate)
			continue
		}
		if msg.SetupComplete != nil {
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		}
		conn.Close()
		return nil, sessionErr(ErrKindProtocol, fmt.Errorf("unexpected first frame %.128s", data))
	}
}

func classifyReadError(err error) *SessionError {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation, websocket.CloseUnsupportedData:
			return sessionErr(ErrKindInvalidConfig, err)
		case websocket.CloseInvalidFramePayloadData, websocket.CloseProtocolError:
			return sessionErr(ErrKindProtocol, err)
		}
	}
	return sessionErr(ErrKindTransport, err)
}

type readResult struct {
	msg serverMessage
	err error
}

// serve pumps one socket until it ends. The returned reason tells the
// run loop whether to stop, reconnect immediately (handover), or back
// off and retry.
func (s *Session) serve(ctx context.Context, conn Conn) (serveReason, *SessionError) {
	reads := make(chan readResult, 8)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				reads <- readResult{err: err}
				return
			}
			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				reads <- readResult{err: fmt.Errorf("decode server frame: %w", err)}
				return
			}
			reads <- readResult{msg: msg}
		}
	}()

	var drainDeadline <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			s.sendClose(conn)
			return serveReasonCanceled, nil

		case <-drainDeadline:
			// GoAway budget spent without a turn boundary; hand over
			// anyway before the server drops us.
			s.sendClose(conn)
			return serveReasonHandover, nil

		case r := <-reads:
			if r.err != nil {
				if s.draining.Load() {
					return serveReasonHandover, nil
				}
				if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return serveReasonClosed, nil
				}
				serr := classifyReadError(r.err)
				if serr.Fatal() {
					return serveReasonClosed, serr
				}
				return serveReasonTransient, nil
			}
			if handover := s.handleServerMessage(r.msg); handover {
				s.sendClose(conn)
				return serveReasonHandover, nil
			}
			if s.draining.Load() && drainDeadline == nil {
				drainDeadline = time.After(s.drainBudget())
			}

		case pcm := <-s.audioQ:
			if s.draining.Load() {
				continue
			}
			msg := realtimeInputMessage{RealtimeInput: realtimeInput{
				MediaChunks: []inlineData{{
					MIMEType: "audio/pcm;rate=16000",
					Data:     base64.StdEncoding.EncodeToString(pcm),
				}},
			}}
			if err := s.writeJSON(conn, msg); err != nil {
				return serveReasonTransient, nil
			}

		case msg := <-s.ctrlQ:
			if err := s.writeJSON(conn, msg); err != nil {
				return serveReasonTransient, nil
			}
		}
	}
}

func (s *Session) drainBudget() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.goAwayLeft > 0 {
		return s.goAwayLeft
	}
	return 2 * time.Second
}

// handleServerMessage translates one wire frame into events. It reports
// whether a GoAway drain just completed and the socket should be handed
// over.
func (s *Session) handleServerMessage(msg serverMessage) (handover bool) {
	if msg.SessionResumptionUpdate != nil {
		s.storeHandle(msg.SessionResumptionUpdate)
		s.emit(ResumptionUpdateEvent{
			Handle:    msg.SessionResumptionUpdate.NewHandle,
			Resumable: msg.SessionResumptionUpdate.Resumable,
		})
	}
	if msg.GoAway != nil {
		left, err := parseTimeLeft(msg.GoAway.TimeLeft)
		if err != nil {
			s.logger.Warn("unparseable goAway timeLeft", "value", msg.GoAway.TimeLeft)
			left = 2 * time.Second
		}
		s.mu.Lock()
		s.goAwayLeft = left
		s.mu.Unlock()
		s.draining.Store(true)
		s.emit(GoAwayEvent{TimeLeft: left})
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			s.emit(ToolCallEvent{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			s.purgeBufferedAudio()
			s.emit(InterruptedEvent{})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			s.emit(InputTranscriptionEvent{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.emit(OutputTranscriptionEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					s.logger.Warn("undecodable model audio chunk", "error", err)
					continue
				}
				s.emit(AudioOutEvent{PCM: pcm})
			}
		}
		if sc.GenerationComplete {
			s.emit(GenerationCompleteEvent{})
		}
		if sc.TurnComplete {
			s.emit(TurnCompleteEvent{})
			if s.draining.Load() {
				return true
			}
		}
	}
	return false
}

func (s *Session) storeHandle(u *sessionResumptionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.NewHandle != "" {
		s.handle = u.NewHandle
		s.handleCount++
	}
	s.resumable = u.Resumable
}

// purgeBufferedAudio discards AudioOut events sitting unread in the
// event queue while keeping everything else in order. Runs on the
// reader flow only.
func (s *Session) purgeBufferedAudio() {
	n := len(s.events)
	for i := 0; i < n; i++ {
		select {
		case ev := <-s.events:
			if _, isAudio := ev.(AudioOutEvent); isAudio {
				continue
			}
			s.events <- ev
		default:
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Never block the socket reader on a slow consumer. Audio is
		// droppable; everything else waits.
		if _, isAudio := ev.(AudioOutEvent); isAudio {
			s.droppedAudio.Add(1)
			return
		}
		s.events <- ev
	}
}

func (s *Session) writeJSON(conn Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) sendClose(conn Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
