// Package carrier speaks the telephony provider's media-stream
// WebSocket sub-protocol: JSON frames carrying base64 mu-law audio at
// 8 kHz in 20 ms chunks, plus the connected/start/mark/dtmf/stop
// control events that bracket a call.
package carrier

import (
	"encoding/json"
	"fmt"
	"strings"
)

// inboundFrame is the envelope for every frame the carrier sends.
type inboundFrame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Outbound frames.

type outboundMedia struct {
	Event     string             `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     outboundMediaInner `json:"media"`
}

type outboundMediaInner struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func decodeInbound(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode carrier frame: %w", err)
	}
	if strings.TrimSpace(f.Event) == "" {
		return f, fmt.Errorf("carrier frame missing event type")
	}
	return f, nil
}
