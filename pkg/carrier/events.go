package carrier

// Event is one item read from the carrier session, in strict arrival
// order.
type Event interface {
	carrierEvent()
}

// ConnectedEvent is the first frame on a fresh media stream.
type ConnectedEvent struct {
	Protocol string
	Version  string
}

// StartEvent announces stream identifiers and call metadata. Direction,
// From, and To travel in the stream's custom parameters, set by the
// answering TwiML.
type StartEvent struct {
	StreamSID  string
	CallSID    string
	Direction  string
	From       string
	To         string
	Parameters map[string]string
}

// MediaEvent carries one inbound 20 ms mu-law frame, already decoded
// from base64.
type MediaEvent struct {
	Seq     int64
	Payload []byte
}

// MarkEvent is the carrier's echo of a previously sent mark, meaning
// the audio injected before it has finished playing.
type MarkEvent struct {
	Name string
}

// DTMFEvent reports a keypad press.
type DTMFEvent struct {
	Digit string
}

// StopEvent announces the end of the media stream (hangup or stream
// redirect).
type StopEvent struct {
	CallSID string
}

// ClosedEvent is the final event; Err is nil on a clean socket close.
type ClosedEvent struct {
	Err error
}

func (ConnectedEvent) carrierEvent() {}
func (StartEvent) carrierEvent()     {}
func (MediaEvent) carrierEvent()     {}
func (MarkEvent) carrierEvent()      {}
func (DTMFEvent) carrierEvent()      {}
func (StopEvent) carrierEvent()      {}
func (ClosedEvent) carrierEvent()    {}
