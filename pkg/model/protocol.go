package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire messages for the bidirectional streaming protocol. Field names
// follow the server's JSON contract; structs only carry the fields this
// gateway reads or writes.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model               string                  `json:"model"`
	GenerationConfig    generationConfig        `json:"generationConfig"`
	SystemInstruction   *content                `json:"systemInstruction,omitempty"`
	RealtimeInput       *realtimeInputConfig    `json:"realtimeInputConfig,omitempty"`
	InputTranscription  *struct{}               `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *struct{}               `json:"outputAudioTranscription,omitempty"`
	SessionResumption   *sessionResumptionSetup `json:"sessionResumption,omitempty"`
	ContextCompression  *contextCompression     `json:"contextWindowCompression,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMS          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMS        int    `json:"silenceDurationMs,omitempty"`
}

type sessionResumptionSetup struct {
	Handle string `json:"handle,omitempty"`
}

type contextCompression struct {
	SlidingWindow struct{} `json:"slidingWindow"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []inlineData `json:"mediaChunks,omitempty"`
	ActivityStart  *struct{}    `json:"activityStart,omitempty"`
	ActivityEnd    *struct{}    `json:"activityEnd,omitempty"`
	AudioStreamEnd bool         `json:"audioStreamEnd,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Response   map[string]any `json:"response"`
	Scheduling string         `json:"scheduling,omitempty"`
}

type serverMessage struct {
	SetupComplete           *struct{}                `json:"setupComplete,omitempty"`
	ServerContent           *serverContent           `json:"serverContent,omitempty"`
	ToolCall                *serverToolCall          `json:"toolCall,omitempty"`
	GoAway                  *goAway                  `json:"goAway,omitempty"`
	SessionResumptionUpdate *sessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type serverToolCall struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type sessionResumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

func sensitivityWire(s Sensitivity, start bool) string {
	prefix, def := "END_SENSITIVITY_", "END_SENSITIVITY_LOW"
	if start {
		prefix, def = "START_SENSITIVITY_", "START_SENSITIVITY_HIGH"
	}
	switch s {
	case SensitivityLow:
		return prefix + "LOW"
	case SensitivityMed:
		// The wire enum has no middle level; med maps to the default.
		return def
	case SensitivityHigh:
		return prefix + "HIGH"
	}
	return def
}

func buildSetup(cfg SessionConfig, handle string) setupMessage {
	payload := setupPayload{
		Model: "models/" + cfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig:  &voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
				LanguageCode: cfg.Language,
			},
		},
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemPrompt}}}
	}
	aad := automaticActivityDetection{Disabled: cfg.VAD.Disabled}
	if !cfg.VAD.Disabled {
		aad.StartOfSpeechSensitivity = sensitivityWire(cfg.VAD.StartSensitivity, true)
		aad.EndOfSpeechSensitivity = sensitivityWire(cfg.VAD.EndSensitivity, false)
		aad.PrefixPaddingMS = int(cfg.VAD.PrefixPadding / time.Millisecond)
		aad.SilenceDurationMS = int(cfg.VAD.SilenceDuration / time.Millisecond)
	}
	payload.RealtimeInput = &realtimeInputConfig{AutomaticActivityDetection: aad}
	if cfg.InputTranscription {
		payload.InputTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		payload.OutputTranscription = &struct{}{}
	}
	// The resumption block is always declared so the server issues
	// handles from the first connection on; a non-empty handle resumes.
	payload.SessionResumption = &sessionResumptionSetup{Handle: handle}
	if cfg.SlidingWindowCompression {
		payload.ContextCompression = &contextCompression{}
	}
	return setupMessage{Setup: payload}
}

// parseTimeLeft decodes the server's duration string ("5s", "4.5s").
func parseTimeLeft(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timeLeft")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("unparseable timeLeft %q", s)
}
