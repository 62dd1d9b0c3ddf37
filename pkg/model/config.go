// Package model implements the client side of the conversational model's
// bidirectional streaming session: connect and configure over a WebSocket,
// stream caller audio up, surface model audio and control events down, and
// keep the session alive across vendor-imposed time limits and transient
// socket resets using resumption handles.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultEndpoint is the streaming session endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// AllowedModels enumerates the model names a session may be opened with.
var AllowedModels = map[string]struct{}{
	"gemini-live-2.5-flash-preview":                {},
	"gemini-2.0-flash-live-001":                    {},
	"gemini-2.5-flash-preview-native-audio-dialog": {},
}

// AllowedVoices enumerates the prebuilt voice names.
var AllowedVoices = map[string]struct{}{
	"Puck":   {},
	"Charon": {},
	"Kore":   {},
	"Fenrir": {},
	"Aoede":  {},
	"Leda":   {},
	"Orus":   {},
	"Zephyr": {},
}

// Sensitivity is a coarse VAD tuning level.
type Sensitivity string

const (
	SensitivityLow  Sensitivity = "low"
	SensitivityMed  Sensitivity = "med"
	SensitivityHigh Sensitivity = "high"
)

func validSensitivity(s Sensitivity) bool {
	switch s {
	case SensitivityLow, SensitivityMed, SensitivityHigh:
		return true
	}
	return false
}

// VADTuning shapes the model's automatic voice-activity detection.
type VADTuning struct {
	StartSensitivity Sensitivity
	EndSensitivity   Sensitivity
	SilenceDuration  time.Duration
	PrefixPadding    time.Duration
	// Disabled turns automatic detection off entirely; the caller must
	// then bracket speech with ActivityStart/ActivityEnd.
	Disabled bool
}

// SessionConfig is the validated, immutable configuration for one
// session. Build one with NewSessionConfig; a zero value is not usable.
type SessionConfig struct {
	Model               string
	Voice               string
	Language            string
	SystemPrompt        string
	VAD                 VADTuning
	InputTranscription  bool
	OutputTranscription bool
	// SlidingWindowCompression asks the server to compress older turns
	// so the session can outlive the default context window.
	SlidingWindowCompression bool
}

// NewSessionConfig validates the fields against the enumerated allowed
// sets and returns an immutable config. Validation failures here are
// setup errors: they happen before any socket is opened.
func NewSessionConfig(modelName, voice, language, systemPrompt string, vad VADTuning, inputTranscription, outputTranscription, compression bool) (SessionConfig, error) {
	modelName = strings.TrimSpace(modelName)
	if _, ok := AllowedModels[modelName]; !ok {
		return SessionConfig{}, fmt.Errorf("model %q is not in the allowed set", modelName)
	}
	voice = strings.TrimSpace(voice)
	if _, ok := AllowedVoices[voice]; !ok {
		return SessionConfig{}, fmt.Errorf("voice %q is not in the allowed set", voice)
	}
	language = strings.TrimSpace(language)
	if language == "" {
		return SessionConfig{}, fmt.Errorf("language code is required")
	}
	if !vad.Disabled {
		if !validSensitivity(vad.StartSensitivity) {
			return SessionConfig{}, fmt.Errorf("invalid vad start sensitivity %q", vad.StartSensitivity)
		}
		if !validSensitivity(vad.EndSensitivity) {
			return SessionConfig{}, fmt.Errorf("invalid vad end sensitivity %q", vad.EndSensitivity)
		}
		if vad.SilenceDuration < 0 {
			return SessionConfig{}, fmt.Errorf("vad silence duration must be >= 0")
		}
		if vad.PrefixPadding < 0 {
			return SessionConfig{}, fmt.Errorf("vad prefix padding must be >= 0")
		}
	}
	return SessionConfig{
		Model:                    modelName,
		Voice:                    voice,
		Language:                 language,
		SystemPrompt:             systemPrompt,
		VAD:                      vad,
		InputTranscription:       inputTranscription,
		OutputTranscription:      outputTranscription,
		SlidingWindowCompression: compression,
	}, nil
}
