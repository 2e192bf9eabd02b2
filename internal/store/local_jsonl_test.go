package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTurn(sessionID, messageID string) TurnRecord {
	now := time.Now().UTC()
	return TurnRecord{
		SessionID:       sessionID,
		MessageID:       messageID,
		Model:           "claude-sonnet-4-5",
		ProviderFamily:  "anthropic",
		StartedAt:       now,
		CompletedAt:     now,
		StopReason:      "end_turn",
		InputTokens:     100,
		OutputTokens:    50,
		ReasoningTokens: 10,
		ToolCallCount:   1,
		HadThinking:     true,
		Cost:            CostLedger{InputCost: 0.01, OutputCost: 0.02, TotalCost: 0.03},
	}
}

func TestLocalStore_SaveAndRecentTurns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "turns.jsonl")

	s, err := NewLocalStore(path)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.SaveTurn(ctx, newTestTurn("sess-1", "msg-1")))
	require.NoError(t, s.SaveTurn(ctx, newTestTurn("sess-1", "msg-2")))
	require.NoError(t, s.SaveTurn(ctx, newTestTurn("sess-2", "msg-3")))

	turns, err := s.RecentTurns(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "msg-2", turns[0].MessageID) // most recent first
	assert.Equal(t, "msg-1", turns[1].MessageID)
}

func TestLocalStore_RecentTurnsRespectsLimit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "turns.jsonl")

	s, err := NewLocalStore(path)
	require.NoError(t, err)
	defer s.Close(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveTurn(ctx, newTestTurn("sess-1", string(rune('a'+i)))))
	}

	turns, err := s.RecentTurns(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestLocalStore_RotatesPastSizeThreshold(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "turns.jsonl")

	s, err := NewLocalStore(path)
	require.NoError(t, err)
	defer s.Close(ctx)

	// Fill the file to the rotation threshold with whitespace-only lines,
	// which the reader skips as unparseable, so the next write rotates it and
	// the rotated file still scans line by line.
	pad := append(bytes.Repeat([]byte{' '}, 1023), '\n')
	_, err = s.file.Write(bytes.Repeat(pad, maxLocalFileBytes/1024))
	require.NoError(t, err)
	require.NoError(t, s.SaveTurn(ctx, newTestTurn("sess-1", "post-rotate")))

	rotatedPath := path + ".1"
	_, err = os.Stat(rotatedPath)
	assert.NoError(t, err, "expected rotated file to exist")

	turns, err := s.RecentTurns(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "post-rotate", turns[0].MessageID)
}

func TestLocalStore_RecentTurnsOnMissingFileReturnsEmpty(t *testing.T) {
	turns, err := readTurnsFromFile(filepath.Join(t.TempDir(), "does-not-exist.jsonl"), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, turns)
}
