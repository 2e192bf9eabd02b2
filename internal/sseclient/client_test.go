package sseclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/pkg/event"
)

// replayHandler writes the same `event: <type>\ndata: <json>\n\n` framing
// handleTurn produces (spec §6), so Client.Stream can be exercised against a
// recorded turn without standing up a live orchestrator/Temporal worker.
func replayHandler(t *testing.T, frames []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = w.Write([]byte(f))
			flusher.Flush()
		}
	}
}

func TestClient_StreamDecodesActivityEvents(t *testing.T) {
	srv := httptest.NewServer(replayHandler(t, []string{
		"event: activity_start\ndata: {\"type\":\"activity_start\",\"sessionId\":\"s1\"}\n\n",
		"event: content_delta\ndata: {\"type\":\"content_delta\",\"sessionId\":\"s1\",\"delta\":\"hi\"}\n\n",
		"event: activity_complete\ndata: {\"type\":\"activity_complete\",\"sessionId\":\"s1\",\"stopReason\":\"end_turn\"}\n\n",
	}))
	defer srv.Close()

	c := New(srv.URL, http.MethodPost, []byte(`{"sessionId":"s1"}`), map[string]string{})

	var received []event.ActivityEvent
	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		_ = c.Stream(ctx, func(ev event.ActivityEvent) {
			received = append(received, ev)
			if ev.Type == event.TypeActivityComplete {
				close(done)
			}
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for activity_complete")
	}

	require.Len(t, received, 3)
	require.Equal(t, event.TypeActivityStart, received[0].Type)
	require.Equal(t, "hi", received[1].Delta)
	require.Equal(t, event.StopReasonEndTurn, received[2].StopReason)
}
