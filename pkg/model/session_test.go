package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	in    chan any
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan any, 32),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case v := <-c.in:
		switch m := v.(type) {
		case []byte:
			return websocket.TextMessage, m, nil
		case error:
			return 0, nil, m
		default:
			return 0, nil, fmt.Errorf("bad scripted frame %T", v)
		}
	case <-c.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.out <- buf:
		return nil
	case <-c.done:
		return errors.New("fake conn closed")
	}
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type dialOutcome struct {
	conn *fakeConn
	resp *http.Response
	err  error
}

type scriptDialer struct {
	mu       sync.Mutex
	outcomes []dialOutcome
	dials    int
}

func (d *scriptDialer) DialContext(context.Context, string) (Conn, *http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.outcomes) {
		return nil, nil, errors.New("no more scripted connections")
	}
	o := d.outcomes[d.dials]
	d.dials++
	if o.err != nil {
		return nil, o.resp, o.err
	}
	return o.conn, nil, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testConfig(t *testing.T) SessionConfig {
	t.Helper()
	cfg, err := NewSessionConfig("gemini-2.0-flash-live-001", "Puck", "en-US", "Be brief.",
		VADTuning{StartSensitivity: SensitivityHigh, EndSensitivity: SensitivityLow, SilenceDuration: 500 * time.Millisecond, PrefixPadding: 100 * time.Millisecond},
		true, true, false)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func testOptions(d Dialer) Options {
	return Options{
		APIKey:       "test-key",
		Endpoint:     "wss://example.invalid/session",
		Dialer:       d,
		SetupTimeout: 2 * time.Second,
		sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

// ackSetup consumes the setup frame the session writes on connect and
// answers with setupComplete. It returns the raw setup frame.
func ackSetup(t *testing.T, c *fakeConn) []byte {
	t.Helper()
	select {
	case frame := <-c.out:
		c.in <- []byte(`{"setupComplete":{}}`)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no setup frame written")
		return nil
	}
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Receive():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestOpenSendsSetupAndWaitsForAck(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptDialer{outcomes: []dialOutcome{{conn: conn}}}

	var setupFrame []byte
	ready := make(chan struct{})
	go func() {
		setupFrame = ackSetup(t, conn)
		close(ready)
	}()

	s, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	<-ready

	var msg setupMessage
	if err := json.Unmarshal(setupFrame, &msg); err != nil {
		t.Fatalf("decode setup: %v", err)
	}
	if msg.Setup.Model != "models/gemini-2.0-flash-live-001" {
		t.Errorf("setup model = %q", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("response modalities = %v", got)
	}
	if msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Errorf("voice = %+v", msg.Setup.GenerationConfig.SpeechConfig)
	}
	if msg.Setup.InputTranscription == nil || msg.Setup.OutputTranscription == nil {
		t.Error("transcription blocks missing from setup")
	}
	if msg.Setup.SessionResumption == nil {
		t.Error("session resumption block missing from setup")
	}
}

func TestOpenAuthFailure(t *testing.T) {
	dialer := &scriptDialer{outcomes: []dialOutcome{{
		resp: &http.Response{StatusCode: http.StatusUnauthorized},
		err:  errors.New("bad handshake"),
	}}}
	_, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	var serr *SessionError
	if !errors.As(err, &serr) || serr.Kind != ErrKindAuth {
		t.Fatalf("got %v, want SessionError kind auth", err)
	}
}

func TestOpenRetriesTransientDialFailures(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptDialer{outcomes: []dialOutcome{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{conn: conn},
	}}
	go ackSetup(t, conn)

	s, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	if err != nil {
		t.Fatalf("open after retries: %v", err)
	}
	defer s.Close()
	if dialer.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", dialer.dialCount())
	}
}

func TestSendAudioForwardsRealtimeInput(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptDialer{outcomes: []dialOutcome{{conn: conn}}}
	go ackSetup(t, conn)

	s, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if !s.SendAudio(pcm) {
		t.Fatal("SendAudio rejected")
	}

	select {
	case frame := <-conn.out:
		var msg realtimeInputMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("decode realtime input: %v", err)
		}
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks = %d, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mime type = %q", chunks[0].MIMEType)
		}
		data, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil || string(data) != string(pcm) {
			t.Errorf("payload mismatch: %v %v", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no realtime input frame written")
	}
}

func TestInterruptedPurgesBufferedAudio(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptDialer{outcomes: []dialOutcome{{conn: conn}}}
	go ackSetup(t, conn)

	s, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	chunk := base64.StdEncoding.EncodeToString([]byte{1, 2})
	audioFrame := fmt.Sprintf(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"%s"}}]}}}`, chunk)
	conn.in <- []byte(audioFrame)
	conn.in <- []byte(audioFrame)
	conn.in <- []byte(`{"serverContent":{"interrupted":true}}`)
	conn.in <- []byte(`{"serverContent":{"inputTranscription":{"text":"a"},"outputTranscription":{"text":"b"}}}`)

	// Only audio still sitting in the event queue can be purged, so wait
	// until every frame is handled before reading. The queue reaches three
	// events (Interrupted plus two transcripts) only after the last frame.
	deadline := time.Now().Add(2 * time.Second)
	for len(s.events) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("event queue holds %d events, want 3", len(s.events))
		}
		time.Sleep(time.Millisecond)
	}

	if ev := nextEvent(t, s); ev != (InterruptedEvent{}) {
		t.Fatalf("first event after barge-in = %T, want InterruptedEvent", ev)
	}
}

func TestGoAwayHandover(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &scriptDialer{outcomes: []dialOutcome{{conn: conn1}, {conn: conn2}}}
	go ackSetup(t, conn1)

	s, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	conn1.in <- []byte(`{"sessionResumptionUpdate":{"newHandle":"h1","resumable":true}}`)
	if ev, ok := nextEvent(t, s).(ResumptionUpdateEvent); !ok || ev.Handle != "h1" {
		t.Fatalf("want ResumptionUpdateEvent h1, got %#v", ev)
	}

	conn1.in <- []byte(`{"goAway":{"timeLeft":"5s"}}`)
	if ev, ok := nextEvent(t, s).(GoAwayEvent); !ok || ev.TimeLeft != 5*time.Second {
		t.Fatalf("want GoAwayEvent 5s, got %#v", ev)
	}
	if s.SendAudio([]byte{1, 2}) {
		t.Error("SendAudio accepted while draining")
	}

	conn1.in <- []byte(`{"serverContent":{"turnComplete":true}}`)
	if _, ok := nextEvent(t, s).(TurnCompleteEvent); !ok {
		t.Fatal("want TurnCompleteEvent")
	}

	setup2 := ackSetup(t, conn2)
	if !strings.Contains(string(setup2), `"handle":"h1"`) {
		t.Errorf("handover setup missing resumption handle: %s", setup2)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Reconnects() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("reconnects = %d, want 1", s.Reconnects())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if handle, updates := s.Handle(); handle != "h1" || updates != 1 {
		t.Errorf("handle = %q updates = %d", handle, updates)
	}
}

func TestTransientResetReconnects(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &scriptDialer{outcomes: []dialOutcome{{conn: conn1}, {conn: conn2}}}
	go ackSetup(t, conn1)

	s, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	go ackSetup(t, conn2)
	conn1.in <- error(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	deadline := time.Now().Add(2 * time.Second)
	for s.Reconnects() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("reconnects = %d, want 1", s.Reconnects())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseEmitsClosedEvent(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptDialer{outcomes: []dialOutcome{{conn: conn}}}
	go ackSetup(t, conn)

	s, err := Open(context.Background(), testConfig(t), "", testOptions(dialer))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()

	var sawClosed bool
	for ev := range s.Receive() {
		if _, ok := ev.(ClosedEvent); ok {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatal("no ClosedEvent before stream close")
	}
}

func TestSendAudioDropsOldestWhenFull(t *testing.T) {
	s := &Session{audioQ: make(chan []byte, 2)}
	s.SendAudio([]byte{1})
	s.SendAudio([]byte{2})
	s.SendAudio([]byte{3})

	if got := s.DroppedAudioFrames(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	first := <-s.audioQ
	if first[0] != 2 {
		t.Errorf("oldest surviving frame = %d, want 2", first[0])
	}
}

func TestParseTimeLeft(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5s", 5 * time.Second, false},
		{"4.5s", 4500 * time.Millisecond, false},
		{"250ms", 250 * time.Millisecond, false},
		{"", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := parseTimeLeft(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("parseTimeLeft(%q) err = %v", tc.in, err)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("parseTimeLeft(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewSessionConfigValidation(t *testing.T) {
	vad := VADTuning{StartSensitivity: SensitivityHigh, EndSensitivity: SensitivityLow}
	cases := []struct {
		name    string
		model   string
		voice   string
		lang    string
		wantErr bool
	}{
		{"valid", "gemini-2.0-flash-live-001", "Kore", "en-US", false},
		{"unknown model", "gpt-4o-realtime", "Kore", "en-US", true},
		{"unknown voice", "gemini-2.0-flash-live-001", "Bob", "en-US", true},
		{"missing language", "gemini-2.0-flash-live-001", "Kore", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSessionConfig(tc.model, tc.voice, tc.lang, "", vad, false, false, false)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
