package carrier

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicegate/pkg/audio"
)

// ErrProtocol marks a sub-protocol violation; the call cannot continue.
var ErrProtocol = errors.New("carrier: protocol violation")

// Conn is the subset of a WebSocket connection the session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options tunes a carrier session. Zero values take the defaults.
type Options struct {
	Logger            *slog.Logger
	OutboundQueueSize int           // default 200 frames (~4s)
	EventQueueSize    int           // default 256
	WriteTimeout      time.Duration // default 5s
	FrameInterval     time.Duration // default 20ms
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = 200
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = audio.FrameDurationMS * time.Millisecond
	}
}

// Session is one carrier media stream. Inbound frames surface on
// Events in strict arrival order; outbound media is cut into 20 ms
// frames and paced at real time by an internal clock.
type Session struct {
	conn   Conn
	opts   Options
	logger *slog.Logger

	events chan Event
	mediaQ chan []byte
	ctrlQ  chan any
	flush  chan struct{}

	stagingMu sync.Mutex
	staging   []byte

	mu        sync.Mutex
	streamSID string

	lastSeq         int64
	droppedInbound  atomic.Int64
	droppedOutbound atomic.Int64

	closeOnce  sync.Once
	closed     atomic.Bool
	writerDone chan struct{}
	readerDone chan struct{}
}

// NewSession wraps an accepted carrier connection and starts the reader
// and the paced writer.
func NewSession(conn Conn, opts Options) *Session {
	opts.withDefaults()
	s := &Session{
		conn:       conn,
		opts:       opts,
		logger:     opts.Logger,
		events:     make(chan Event, opts.EventQueueSize),
		mediaQ:     make(chan []byte, opts.OutboundQueueSize),
		ctrlQ:      make(chan any, 16),
		flush:      make(chan struct{}, 1),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

// Events returns the inbound event stream. The channel closes after the
// final ClosedEvent.
func (s *Session) Events() <-chan Event { return s.events }

// DroppedInboundFrames counts gaps observed in the carrier's sequence
// numbers.
func (s *Session) DroppedInboundFrames() int64 { return s.droppedInbound.Load() }

// DroppedOutboundFrames counts media frames shed by the bounded
// outbound queue.
func (s *Session) DroppedOutboundFrames() int64 { return s.droppedOutbound.Load() }

// StreamSID returns the carrier stream identifier, empty until the
// start frame arrives.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// SendMedia stages outbound mu-law audio. Bytes are cut into 20 ms
// frames; a residue shorter than one frame waits for the next call.
// Never blocks: a full queue sheds its oldest frame.
func (s *Session) SendMedia(ulaw []byte) {
	if s.closed.Load() || len(ulaw) == 0 {
		return
	}
	s.stagingMu.Lock()
	s.staging = append(s.staging, ulaw...)
	var frames [][]byte
	for len(s.staging) >= audio.ULawFrameBytes {
		frame := make([]byte, audio.ULawFrameBytes)
		copy(frame, s.staging[:audio.ULawFrameBytes])
		s.staging = s.staging[audio.ULawFrameBytes:]
		frames = append(frames, frame)
	}
	s.stagingMu.Unlock()

	for _, frame := range frames {
		for {
			select {
			case s.mediaQ <- frame:
			default:
				select {
				case <-s.mediaQ:
					s.droppedOutbound.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// SendMark asks the carrier to echo name back once everything queued
// before it has played.
func (s *Session) SendMark(name string) {
	s.enqueueCtrl(outboundMark{Event: "mark", StreamSID: s.StreamSID(), Mark: markPayload{Name: name}})
}

// SendClear discards all locally queued outbound audio and tells the
// carrier to drop whatever it has buffered too. This is the barge-in
// silencer.
func (s *Session) SendClear() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
	s.enqueueCtrl(outboundClear{Event: "clear", StreamSID: s.StreamSID()})
}

func (s *Session) enqueueCtrl(msg any) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ctrlQ <- msg:
	case <-s.writerDone:
	}
}

// Close tears the session down. reason is logged only; the carrier has
// no close-reason field in the sub-protocol.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.logger.Debug("closing carrier session", "reason", reason, "stream_sid", s.StreamSID())
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events <- ClosedEvent{}
			} else {
				s.events <- ClosedEvent{Err: err}
			}
			return
		}
		frame, err := decodeInbound(data)
		if err != nil {
			s.events <- ClosedEvent{Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
			return
		}
		ev, err := s.translate(frame)
		if err != nil {
			s.events <- ClosedEvent{Err: err}
			return
		}
		if ev != nil {
			s.events <- ev
		}
	}
}

func (s *Session) translate(f inboundFrame) (Event, error) {
	switch f.Event {
	case "connected":
		return ConnectedEvent{Protocol: f.Protocol, Version: f.Version}, nil

	case "start":
		if f.Start == nil {
			return nil, fmt.Errorf("%w: start frame without payload", ErrProtocol)
		}
		sid := f.Start.StreamSID
		if sid == "" {
			sid = f.StreamSID
		}
		s.mu.Lock()
		s.streamSID = sid
		s.mu.Unlock()
		params := f.Start.CustomParameters
		return StartEvent{
			StreamSID:  sid,
			CallSID:    f.Start.CallSID,
			Direction:  params["direction"],
			From:       params["from"],
			To:         params["to"],
			Parameters: params,
		}, nil

	case "media":
		if f.Media == nil {
			return nil, fmt.Errorf("%w: media frame without payload", ErrProtocol)
		}
		payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable media payload: %v", ErrProtocol, err)
		}
		if len(payload) == 0 || len(payload) > audio.ULawFrameBytes {
			return nil, fmt.Errorf("%w: media payload of %d bytes, want 1..%d", ErrProtocol, len(payload), audio.ULawFrameBytes)
		}
		seq := s.trackSeq(f.SequenceNumber)
		return MediaEvent{Seq: seq, Payload: payload}, nil

	case "mark":
		if f.Mark == nil {
			return nil, fmt.Errorf("%w: mark frame without payload", ErrProtocol)
		}
		return MarkEvent{Name: f.Mark.Name}, nil

	case "dtmf":
		if f.DTMF == nil {
			return nil, fmt.Errorf("%w: dtmf frame without payload", ErrProtocol)
		}
		return DTMFEvent{Digit: f.DTMF.Digit}, nil

	case "stop":
		callSID := ""
		if f.Stop != nil {
			callSID = f.Stop.CallSID
		}
		return StopEvent{CallSID: callSID}, nil

	default:
		return nil, fmt.Errorf("%w: unexpected event %q", ErrProtocol, f.Event)
	}
}

// trackSeq parses the carrier's frame counter and records gaps.
func (s *Session) trackSeq(raw string) int64 {
	if raw == "" {
		s.lastSeq++
		return s.lastSeq
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.lastSeq++
		return s.lastSeq
	}
	if s.lastSeq > 0 && seq > s.lastSeq+1 {
		s.droppedInbound.Add(seq - s.lastSeq - 1)
	}
	s.lastSeq = seq
	return seq
}

// writeLoop paces one 20 ms media frame per tick and sends control
// frames (mark, clear) ahead of queued media.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.readerDone:
			return

		case msg := <-s.ctrlQ:
			if err := s.writeJSON(msg); err != nil {
				return
			}

		case <-s.flush:
			s.drainMedia()

		case <-ticker.C:
			// Control first even when the tick fires.
			select {
			case msg := <-s.ctrlQ:
				if err := s.writeJSON(msg); err != nil {
					return
				}
				continue
			default:
			}
			select {
			case frame := <-s.mediaQ:
				sid := s.StreamSID()
				if sid == "" {
					continue
				}
				msg := outboundMedia{
					Event:     "media",
					StreamSID: sid,
					Media:     outboundMediaInner{Payload: base64.StdEncoding.EncodeToString(frame)},
				}
				if err := s.writeJSON(msg); err != nil {
					return
				}
			default:
			}
		}
	}
}

func (s *Session) drainMedia() {
	for {
		select {
		case <-s.mediaQ:
		default:
			s.stagingMu.Lock()
			s.staging = s.staging[:0]
			s.stagingMu.Unlock()
			return
		}
	}
}

func (s *Session) writeJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
