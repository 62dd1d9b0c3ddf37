package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// CarrierPath is where the carrier opens its media WebSocket.
	CarrierPath string

	// PublicHost is the externally reachable host[:port] the carrier is
	// told to call back, e.g. "gate.example.com". Required for outbound
	// dialing; inbound-only deployments may leave it empty.
	PublicHost string

	DatabaseURL string

	GeminiAPIKey string

	// AnalysisModel selects the model for post-call transcript analysis.
	// Empty disables the analyzer.
	AnalysisModel string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// ControlAPIKey guards /v1/dial and /v1/control. Empty leaves the
	// control surface open (dev mode).
	ControlAPIKey string

	// WebhookSecret enables carrier signature validation on the TwiML
	// callback. Empty disables validation (dev mode).
	WebhookSecret string

	SetupTimeout   time.Duration
	IdleTimeout    time.Duration
	HandoverBudget time.Duration
	ToolTimeout    time.Duration
	FinalDrainWait time.Duration

	OutboundQueueFrames int
	EventQueueSize      int

	PersistRetryBudget     time.Duration
	SnapshotReloadInterval time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("VOICEGATE_ADDR", ":8080"),
		CarrierPath:            envOr("VOICEGATE_CARRIER_PATH", "/twilio"),
		PublicHost:             envOr("VOICEGATE_PUBLIC_HOST", ""),
		DatabaseURL:            envOr("VOICEGATE_DATABASE_URL", ""),
		GeminiAPIKey:           envOr("VOICEGATE_GEMINI_API_KEY", ""),
		AnalysisModel:          envOr("VOICEGATE_ANALYSIS_MODEL", "gemini-2.5-flash"),
		TwilioAccountSID:       envOr("VOICEGATE_TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:        envOr("VOICEGATE_TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:       envOr("VOICEGATE_TWILIO_FROM_NUMBER", ""),
		ControlAPIKey:          envOr("VOICEGATE_CONTROL_API_KEY", ""),
		WebhookSecret:          envOr("VOICEGATE_WEBHOOK_SECRET", ""),
		SetupTimeout:           envDurationOr("VOICEGATE_SETUP_TIMEOUT", 8*time.Second),
		IdleTimeout:            envDurationOr("VOICEGATE_IDLE_TIMEOUT", 30*time.Second),
		HandoverBudget:         envDurationOr("VOICEGATE_HANDOVER_BUDGET", 400*time.Millisecond),
		ToolTimeout:            envDurationOr("VOICEGATE_TOOL_TIMEOUT", 5*time.Second),
		FinalDrainWait:         envDurationOr("VOICEGATE_FINAL_DRAIN_WAIT", 3*time.Second),
		OutboundQueueFrames:    envIntOr("VOICEGATE_OUTBOUND_QUEUE_FRAMES", 200),
		EventQueueSize:         envIntOr("VOICEGATE_EVENT_QUEUE_SIZE", 256),
		PersistRetryBudget:     envDurationOr("VOICEGATE_PERSIST_RETRY_BUDGET", 30*time.Second),
		SnapshotReloadInterval: envDurationOr("VOICEGATE_SNAPSHOT_RELOAD_INTERVAL", 30*time.Second),
		ReadHeaderTimeout:      envDurationOr("VOICEGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("VOICEGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("VOICEGATE_DATABASE_URL must be set")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("VOICEGATE_GEMINI_API_KEY must be set")
	}
	if cfg.TwilioAccountSID == "" {
		return Config{}, fmt.Errorf("VOICEGATE_TWILIO_ACCOUNT_SID must be set")
	}
	if cfg.TwilioAuthToken == "" {
		return Config{}, fmt.Errorf("VOICEGATE_TWILIO_AUTH_TOKEN must be set")
	}
	if !strings.HasPrefix(cfg.CarrierPath, "/") {
		return Config{}, fmt.Errorf("VOICEGATE_CARRIER_PATH must start with /")
	}
	if strings.Contains(cfg.PublicHost, "://") {
		return Config{}, fmt.Errorf("VOICEGATE_PUBLIC_HOST must be host[:port] without a scheme")
	}
	if cfg.SetupTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SETUP_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.HandoverBudget <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_HANDOVER_BUDGET must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.FinalDrainWait <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_FINAL_DRAIN_WAIT must be > 0")
	}
	if cfg.OutboundQueueFrames <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_OUTBOUND_QUEUE_FRAMES must be > 0")
	}
	if cfg.EventQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_EVENT_QUEUE_SIZE must be > 0")
	}
	if cfg.PersistRetryBudget <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_PERSIST_RETRY_BUDGET must be > 0")
	}
	if cfg.SnapshotReloadInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SNAPSHOT_RELOAD_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
