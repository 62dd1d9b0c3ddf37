package record

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CallRow is the calls table shape at creation time.
type CallRow struct {
	ID        string
	TenantID  string
	AgentID   string
	Direction string
	FromNum   string
	ToNum     string
	StreamSID string
	CarrierID string
	StartedAt time.Time
}

// EventRow is one idempotent lifecycle event write.
type EventRow struct {
	CallID  string
	Counter int64
	Kind    string
	Payload []byte
	At      time.Time
}

// TranscriptRow is one transcript fragment write.
type TranscriptRow struct {
	CallID string
	Seq    int64
	Role   string
	Text   string
	At     time.Time
}

// FinalRow consolidates a finished call.
type FinalRow struct {
	CallID            string
	Status            string
	Reason            string
	EndedAt           time.Time
	DurationSeconds   int64
	RecordingURL      string
	Transcript        string
	ResumptionHandles int
	DroppedCaller     int64
	DroppedAgent      int64
	Partial           bool
}

// Store is the durable side of the recorder. Every operation is safe to
// repeat: duplicate keys are absorbed, not errors.
type Store interface {
	CreateCall(ctx context.Context, row CallRow) error
	InsertEvent(ctx context.Context, row EventRow) error
	InsertTranscript(ctx context.Context, row TranscriptRow) error
	FinalizeCall(ctx context.Context, row FinalRow) error
	SetAnalysis(ctx context.Context, callID, outcome string, sentiment float64) error
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects a pool and verifies it with a ping.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations and health checks.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) CreateCall(ctx context.Context, row CallRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (id, tenant_id, agent_id, direction, from_number, to_number,
			stream_sid, carrier_call_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'in_progress', $9)
		ON CONFLICT (id) DO NOTHING`,
		row.ID, row.TenantID, row.AgentID, row.Direction, row.FromNum, row.ToNum,
		row.StreamSID, row.CarrierID, row.StartedAt)
	if err != nil {
		return fmt.Errorf("create call %s: %w", row.ID, err)
	}
	return nil
}

func (s *PGStore) InsertEvent(ctx context.Context, row EventRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_events (call_id, counter, kind, payload, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, counter) DO NOTHING`,
		row.CallID, row.Counter, row.Kind, row.Payload, row.At)
	if err != nil {
		return fmt.Errorf("insert event %s/%d: %w", row.CallID, row.Counter, err)
	}
	return nil
}

func (s *PGStore) InsertTranscript(ctx context.Context, row TranscriptRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_transcripts (call_id, seq, role, text, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, seq) DO NOTHING`,
		row.CallID, row.Seq, row.Role, row.Text, row.At)
	if err != nil {
		return fmt.Errorf("insert transcript %s/%d: %w", row.CallID, row.Seq, err)
	}
	return nil
}

func (s *PGStore) FinalizeCall(ctx context.Context, row FinalRow) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls SET status = $2, reason = $3, ended_at = $4, duration_seconds = $5,
			recording_url = $6, transcript = $7, resumption_handles = $8,
			dropped_caller_frames = $9, dropped_agent_frames = $10, record_partial = $11
		WHERE id = $1`,
		row.CallID, row.Status, row.Reason, row.EndedAt, row.DurationSeconds,
		row.RecordingURL, row.Transcript, row.ResumptionHandles, row.DroppedCaller,
		row.DroppedAgent, row.Partial)
	if err != nil {
		return fmt.Errorf("finalize call %s: %w", row.CallID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize call %s: %w", row.CallID, pgx.ErrNoRows)
	}
	return nil
}

func (s *PGStore) SetAnalysis(ctx context.Context, callID, outcome string, sentiment float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls SET analysis_outcome = $2, analysis_sentiment = $3 WHERE id = $1`,
		callID, outcome, sentiment)
	if err != nil {
		return fmt.Errorf("set analysis %s: %w", callID, err)
	}
	return nil
}
