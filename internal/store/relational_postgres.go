package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const createTurnsTableSQL = `
CREATE TABLE IF NOT EXISTS activity_turns (
	id SERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	model TEXT NOT NULL,
	provider_family TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	stop_reason TEXT NOT NULL,
	input_tokens INT NOT NULL,
	output_tokens INT NOT NULL,
	reasoning_tokens INT NOT NULL,
	tool_call_count INT NOT NULL,
	handoff_count INT NOT NULL DEFAULT 0,
	had_thinking BOOLEAN NOT NULL,
	cost JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_turns_session ON activity_turns (session_id, completed_at DESC);
`

// PostgresStore implements SessionStore against Postgres (spec §6: selected
// when postgresDsn is configured and mongoUri is not), grounded on the
// teacher corpus's database/sql + lib/pq usage (kadirpekel-hector's
// v2/session/store.go).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and ensures the activity_turns table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: postgres open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTurnsTableSQL); err != nil {
		return nil, fmt.Errorf("store: postgres create table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn TurnRecord) error {
	costJSON, err := json.Marshal(turn.Cost)
	if err != nil {
		return fmt.Errorf("store: marshal cost: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_turns
			(session_id, message_id, model, provider_family, started_at, completed_at,
			 stop_reason, input_tokens, output_tokens, reasoning_tokens, tool_call_count,
			 handoff_count, had_thinking, cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		turn.SessionID, turn.MessageID, turn.Model, turn.ProviderFamily, turn.StartedAt, turn.CompletedAt,
		turn.StopReason, turn.InputTokens, turn.OutputTokens, turn.ReasoningTokens, turn.ToolCallCount,
		turn.HandoffCount, turn.HadThinking, costJSON)
	if err != nil {
		return fmt.Errorf("store: postgres save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, message_id, model, provider_family, started_at, completed_at,
		       stop_reason, input_tokens, output_tokens, reasoning_tokens, tool_call_count,
		       handoff_count, had_thinking, cost
		FROM activity_turns
		WHERE session_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: postgres query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var t TurnRecord
		var costJSON []byte
		if err := rows.Scan(&t.SessionID, &t.MessageID, &t.Model, &t.ProviderFamily, &t.StartedAt, &t.CompletedAt,
			&t.StopReason, &t.InputTokens, &t.OutputTokens, &t.ReasoningTokens, &t.ToolCallCount,
			&t.HandoffCount, &t.HadThinking, &costJSON); err != nil {
			return nil, fmt.Errorf("store: postgres scan turn: %w", err)
		}
		if err := json.Unmarshal(costJSON, &t.Cost); err != nil {
			return nil, fmt.Errorf("store: postgres decode cost: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return s.db.Close()
}
