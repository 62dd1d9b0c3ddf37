package carrier

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicegate/pkg/audio"
)

type fakeConn struct {
	in   chan any
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan any, 32),
		out:  make(chan []byte, 256),
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
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
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
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func startFrame(streamSID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"start","sequenceNumber":"1","streamSid":%q,"start":{"streamSid":%q,"callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"direction":"inbound","from":"+15550001111","to":"+15550002222"}}}`, streamSID, streamSID))
}

func mediaFrame(seq int, payload []byte) []byte {
	return []byte(fmt.Sprintf(`{"event":"media","sequenceNumber":"%d","media":{"payload":%q}}`, seq, base64.StdEncoding.EncodeToString(payload)))
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestInboundEventOrder(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{})
	defer s.Close("test")

	conn.in <- []byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	conn.in <- startFrame("MZ1")
	conn.in <- mediaFrame(2, make([]byte, audio.ULawFrameBytes))
	conn.in <- []byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"turn-1"}}`)
	conn.in <- []byte(`{"event":"dtmf","dtmf":{"track":"inbound_track","digit":"5"}}`)
	conn.in <- []byte(`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`)

	if _, ok := nextEvent(t, s).(ConnectedEvent); !ok {
		t.Fatal("want ConnectedEvent first")
	}
	start, ok := nextEvent(t, s).(StartEvent)
	if !ok {
		t.Fatal("want StartEvent second")
	}
	if start.StreamSID != "MZ1" || start.CallSID != "CA1" {
		t.Errorf("start identifiers = %q %q", start.StreamSID, start.CallSID)
	}
	if start.Direction != "inbound" || start.From != "+15550001111" || start.To != "+15550002222" {
		t.Errorf("start routing fields = %q %q %q", start.Direction, start.From, start.To)
	}
	media, ok := nextEvent(t, s).(MediaEvent)
	if !ok {
		t.Fatal("want MediaEvent third")
	}
	if len(media.Payload) != audio.ULawFrameBytes {
		t.Errorf("media payload = %d bytes", len(media.Payload))
	}
	if mark, ok := nextEvent(t, s).(MarkEvent); !ok || mark.Name != "turn-1" {
		t.Fatalf("want MarkEvent turn-1, got %#v", mark)
	}
	if dtmf, ok := nextEvent(t, s).(DTMFEvent); !ok || dtmf.Digit != "5" {
		t.Fatalf("want DTMFEvent 5, got %#v", dtmf)
	}
	if stop, ok := nextEvent(t, s).(StopEvent); !ok || stop.CallSID != "CA1" {
		t.Fatalf("want StopEvent CA1, got %#v", stop)
	}
	if s.StreamSID() != "MZ1" {
		t.Errorf("StreamSID = %q", s.StreamSID())
	}
}

func TestOversizedMediaIsProtocolError(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{})
	defer s.Close("test")

	conn.in <- startFrame("MZ1")
	nextEvent(t, s)
	conn.in <- mediaFrame(2, make([]byte, audio.ULawFrameBytes+1))

	closed, ok := nextEvent(t, s).(ClosedEvent)
	if !ok {
		t.Fatal("want ClosedEvent")
	}
	if !errors.Is(closed.Err, ErrProtocol) {
		t.Fatalf("closed err = %v, want ErrProtocol", closed.Err)
	}
}

func TestUnknownEventIsProtocolError(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{})
	defer s.Close("test")

	conn.in <- []byte(`{"event":"subtitles"}`)
	closed, ok := nextEvent(t, s).(ClosedEvent)
	if !ok || !errors.Is(closed.Err, ErrProtocol) {
		t.Fatalf("got %#v, want protocol ClosedEvent", closed)
	}
}

func TestSequenceGapCounted(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{})
	defer s.Close("test")

	conn.in <- startFrame("MZ1")
	nextEvent(t, s)
	conn.in <- mediaFrame(2, make([]byte, 10))
	nextEvent(t, s)
	conn.in <- mediaFrame(6, make([]byte, 10))
	nextEvent(t, s)

	if got := s.DroppedInboundFrames(); got != 3 {
		t.Fatalf("dropped inbound = %d, want 3", got)
	}
}

func collectOutbound(t *testing.T, conn *fakeConn, n int, timeout time.Duration) [][]byte {
	t.Helper()
	var frames [][]byte
	deadline := time.After(timeout)
	for len(frames) < n {
		select {
		case f := <-conn.out:
			frames = append(frames, f)
		case <-deadline:
			t.Fatalf("collected %d of %d outbound frames", len(frames), n)
		}
	}
	return frames
}

func TestSendMediaFramingAndResidue(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{FrameInterval: time.Millisecond})
	defer s.Close("test")

	conn.in <- startFrame("MZ1")
	nextEvent(t, s)

	// 2.5 frames: two full frames now, the residue completes later.
	s.SendMedia(make([]byte, audio.ULawFrameBytes*2+audio.ULawFrameBytes/2))
	frames := collectOutbound(t, conn, 2, 2*time.Second)
	for i, f := range frames {
		var msg outboundMedia
		if err := json.Unmarshal(f, &msg); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if msg.Event != "media" || msg.StreamSID != "MZ1" {
			t.Fatalf("frame %d envelope = %q %q", i, msg.Event, msg.StreamSID)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil || len(payload) != audio.ULawFrameBytes {
			t.Fatalf("frame %d payload = %d bytes (%v)", i, len(payload), err)
		}
	}

	s.SendMedia(make([]byte, audio.ULawFrameBytes/2))
	collectOutbound(t, conn, 1, 2*time.Second)
}

func TestSendClearDropsQueuedMedia(t *testing.T) {
	conn := newFakeConn()
	// Long interval so queued media cannot leak out before clear.
	s := NewSession(conn, Options{FrameInterval: time.Hour})
	defer s.Close("test")

	conn.in <- startFrame("MZ1")
	nextEvent(t, s)

	s.SendMedia(make([]byte, audio.ULawFrameBytes*10))
	s.SendClear()

	frame := collectOutbound(t, conn, 1, 2*time.Second)[0]
	var msg outboundClear
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("decode clear: %v", err)
	}
	if msg.Event != "clear" || msg.StreamSID != "MZ1" {
		t.Fatalf("clear envelope = %q %q", msg.Event, msg.StreamSID)
	}
	if len(s.mediaQ) != 0 {
		t.Errorf("media queue holds %d frames after clear", len(s.mediaQ))
	}
}

func TestSendMarkWritesMarkFrame(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{FrameInterval: time.Hour})
	defer s.Close("test")

	conn.in <- startFrame("MZ1")
	nextEvent(t, s)

	s.SendMark("turn-7")
	frame := collectOutbound(t, conn, 1, 2*time.Second)[0]
	var msg outboundMark
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("decode mark: %v", err)
	}
	if msg.Event != "mark" || msg.Mark.Name != "turn-7" {
		t.Fatalf("mark frame = %#v", msg)
	}
}

func TestOutboundPacing(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{FrameInterval: 50 * time.Millisecond})
	defer s.Close("test")

	conn.in <- startFrame("MZ1")
	nextEvent(t, s)

	s.SendMedia(make([]byte, audio.ULawFrameBytes*5))
	time.Sleep(120 * time.Millisecond)
	if got := len(conn.out); got > 3 {
		t.Fatalf("%d frames written in ~2 tick intervals, pacing broken", got)
	}
}

func TestOutboundQueueShedsOldest(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, Options{FrameInterval: time.Hour, OutboundQueueSize: 3})
	defer s.Close("test")

	s.SendMedia(make([]byte, audio.ULawFrameBytes*5))
	if got := s.DroppedOutboundFrames(); got != 2 {
		t.Fatalf("dropped outbound = %d, want 2", got)
	}
}
