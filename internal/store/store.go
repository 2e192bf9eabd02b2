// Package store implements the SessionStore façade (spec §4, §6): turn
// records and a per-turn cost ledger, persisted through a Mongo or Postgres
// backend in platform mode, or a local append-only JSONL file in local/CLI
// mode (spec §12 supplemented feature, since the distilled spec only
// specifies the relational shape, not the local-mode fallback).
package store

import (
	"context"
	"time"
)

// CostLedger is the per-turn cost accounting persisted alongside a turn
// record (spec §12: "persisted cost ledger").
type CostLedger struct {
	InputCost  float64 `json:"inputCost" bson:"inputCost"`
	OutputCost float64 `json:"outputCost" bson:"outputCost"`
	TotalCost  float64 `json:"totalCost" bson:"totalCost"`
}

// TurnRecord is one completed (or aborted) turn, as persisted by the
// orchestrator's FINALIZE state.
type TurnRecord struct {
	SessionID     string     `json:"sessionId" bson:"sessionId"`
	MessageID     string     `json:"messageId" bson:"messageId"`
	Model         string     `json:"model" bson:"model"`
	ProviderFamily string    `json:"providerFamily" bson:"providerFamily"`
	StartedAt     time.Time  `json:"startedAt" bson:"startedAt"`
	CompletedAt   time.Time  `json:"completedAt" bson:"completedAt"`
	StopReason    string     `json:"stopReason" bson:"stopReason"`
	InputTokens   int        `json:"inputTokens" bson:"inputTokens"`
	OutputTokens  int        `json:"outputTokens" bson:"outputTokens"`
	ReasoningTokens int      `json:"reasoningTokens" bson:"reasoningTokens"`
	ToolCallCount int        `json:"toolCallCount" bson:"toolCallCount"`
	HandoffCount  int        `json:"handoffCount" bson:"handoffCount"`
	HadThinking   bool       `json:"hadThinking" bson:"hadThinking"`
	Cost          CostLedger `json:"cost" bson:"cost"`
}

// SessionStore persists turn records and reconstructs recent history for a
// session. Implementations: MongoStore, PostgresStore, LocalStore.
type SessionStore interface {
	SaveTurn(ctx context.Context, turn TurnRecord) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close(ctx context.Context) error
}
