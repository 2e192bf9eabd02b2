package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/pkg/event"
)

var errBoom = errors.New("boom")

// flushRecorder adds http.Flusher to httptest.ResponseRecorder, which chi's
// handler (and sseSink) require to detect streaming support.
type flushRecorder struct {
	*httptest.ResponseRecorder
	flushed int
}

func (f *flushRecorder) Flush() { f.flushed++ }

func TestSSESink_SendFramesEventAndFlushes(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := &sseSink{w: rec, flusher: rec}

	err := sink.Send(context.Background(), event.ActivityEvent{
		Type:      event.TypeContentDelta,
		SessionID: "sess-1",
		Delta:     "hello",
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.flushed)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: content_delta\ndata: "))
	require.Contains(t, body, `"delta":"hello"`)
	require.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSSESink_SendAfterCloseFails(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := &sseSink{w: rec, flusher: rec}

	require.NoError(t, sink.Close(context.Background()))
	err := sink.Send(context.Background(), event.ActivityEvent{Type: event.TypeContentDelta})
	require.Error(t, err)
}

func TestSSESink_HeartbeatWritesCommentFrames(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := &sseSink{w: rec, flusher: rec}

	ctx, cancel := context.WithCancel(context.Background())
	stop := sink.startHeartbeat(ctx, 10*time.Millisecond)
	time.Sleep(35 * time.Millisecond)
	stop()
	cancel()

	require.Contains(t, rec.Body.String(), ": keepalive\n\n")
}

func TestSSESink_WriteErrorEmitsErrorEvent(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sink := &sseSink{w: rec, flusher: rec}

	sink.writeError(context.Background(), "workflow_failed", errBoom)

	body := rec.Body.String()
	require.Contains(t, body, "event: error")
	require.Contains(t, body, `"code":"workflow_failed"`)
}
