package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/arcflow-run/activitycore/internal/engine"
	"github.com/arcflow-run/activitycore/internal/fanout"
	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// keepAliveInterval is how often the SSE handler writes a comment-only
// heartbeat frame while a turn is streaming, so an idle intermediary proxy
// doesn't time out the connection (spec §12 supplemented feature: the
// distilled spec specifies event framing but not keep-alive).
const keepAliveInterval = 15 * time.Second

// turnRequestBody is the wire shape of the POST /v1/turns body (spec §6).
type turnRequestBody struct {
	SessionID    string   `json:"sessionId"`
	UserID       string   `json:"userId"`
	Groups       []string `json:"groups"`
	Message      string   `json:"message"`
	Model        string   `json:"model"`
	EnabledTools []string `json:"enabledTools"`
}

// NewRouter builds the HTTP handler exposing the orchestration core's SSE
// endpoint, grounded on the teacher corpus's chi-based routing
// (kadirpekel-hector's pkg/transport) for route pattern + middleware
// composition.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(deps.Config.RequestTimeout() + keepAliveInterval))

	r.Get("/healthz", handleHealthz)
	r.Post("/v1/turns", handleTurn(deps))

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleTurn(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body turnRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if body.SessionID == "" {
			body.SessionID = uuid.NewString()
		}
		if body.Message == "" {
			http.Error(w, "message is required", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		sink := &sseSink{w: w, flusher: flusher}

		ctx, cancel := context.WithTimeout(r.Context(), deps.Config.RequestTimeout())
		defer cancel()

		fo := fanout.New(ctx, body.SessionID)
		fo.Subscribe(fanout.Subscriber{Name: "sse", Sink: sink, Policy: fanout.PolicyLossless})
		deps.Sessions.Register(body.SessionID, fo)
		defer func() {
			deps.Sessions.Unregister(body.SessionID)
			fo.Close()
		}()

		stopHeartbeat := sink.startHeartbeat(ctx, keepAliveInterval)
		defer stopHeartbeat()

		req := orchestrator.TurnRequest{
			SessionID:    body.SessionID,
			UserID:       body.UserID,
			Groups:       body.Groups,
			Message:      body.Message,
			ModelID:      body.Model,
			EnabledTools: body.EnabledTools,
		}

		opts := client.StartWorkflowOptions{
			ID:        "turn-" + body.SessionID + "-" + uuid.NewString(),
			TaskQueue: deps.Config.TemporalTaskQueue,
		}
		run, err := deps.TemporalCli.ExecuteWorkflow(ctx, opts, engine.TurnWorkflow, engine.TurnWorkflowInput{Request: req})
		if err != nil {
			sink.writeError(ctx, "workflow_start_failed", err)
			return
		}

		var result engine.TurnWorkflowResult
		if err := run.Get(ctx, &result); err != nil {
			sink.writeError(ctx, "workflow_failed", err)
		}
	}
}

// sseSink adapts fanout.Sink to an http.ResponseWriter/http.Flusher pair,
// framing each event as `event: <type>\ndata: <json>\n\n` (spec §6). A mutex
// guards concurrent writes from the fanout delivery goroutine and the
// heartbeat goroutine.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (s *sseSink) Send(ctx context.Context, ev event.ActivityEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("server: sse sink closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *sseSink) writeError(ctx context.Context, code string, err error) {
	_ = s.Send(ctx, event.ActivityEvent{
		Type:      event.TypeError,
		TS:        time.Now().UnixMilli(),
		ErrorCode: code,
		Error:     err.Error(),
	})
}

// startHeartbeat writes a comment-only SSE frame every interval until ctx is
// done or the returned stop function is called. Comment frames (leading
// colon) are ignored by EventSource clients per the SSE spec, so they carry
// no event type.
func (s *sseSink) startHeartbeat(ctx context.Context, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.closed {
					_, _ = fmt.Fprint(s.w, ": keepalive\n\n")
					s.flusher.Flush()
				}
				s.mu.Unlock()
			}
		}
	}()
	return func() { close(done) }
}
