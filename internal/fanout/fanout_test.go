package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/pkg/event"
)

type recordingSink struct {
	mu     sync.Mutex
	events []event.ActivityEvent
	closed bool
}

func (s *recordingSink) Send(ctx context.Context, ev event.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() []event.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.ActivityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFanout_DeliversToMultipleSubscribers(t *testing.T) {
	f := New(context.Background(), "sess-1")
	sseSink := &recordingSink{}
	metricsSink := &recordingSink{}
	f.Subscribe(Subscriber{Name: "sse", Sink: sseSink, Policy: PolicyLossless})
	f.Subscribe(Subscriber{Name: "metrics", Sink: metricsSink, Policy: PolicyLossyCoalesce})

	f.Publish(event.ActivityEvent{Type: event.TypeActivityStart, SessionID: "sess-1"})
	f.Publish(event.ActivityEvent{Type: event.TypeContentDelta, SessionID: "sess-1", Delta: "hi"})

	waitFor(t, func() bool { return len(sseSink.snapshot()) == 2 })
	waitFor(t, func() bool { return len(metricsSink.snapshot()) == 2 })

	f.Close()
	assert.True(t, sseSink.closed)
	assert.True(t, metricsSink.closed)
}

func TestFanout_LossyCoalescesDeltasButKeepsTerminalEvents(t *testing.T) {
	f := New(context.Background(), "sess-1")
	sink := &recordingSink{}
	f.Subscribe(Subscriber{Name: "metrics", Sink: sink, Policy: PolicyLossyCoalesce, BufferSize: 2})

	// Fill the buffer's single coalesce slot with many deltas sharing one
	// key faster than the delivery goroutine can drain, then a terminal
	// event: the terminal event must still arrive.
	for i := 0; i < 50; i++ {
		f.Publish(event.ActivityEvent{Type: event.TypeContentDelta, SessionID: "sess-1", Delta: "x"})
	}
	f.Publish(event.ActivityEvent{Type: event.TypeActivityComplete, SessionID: "sess-1"})

	waitFor(t, func() bool {
		events := sink.snapshot()
		for _, ev := range events {
			if ev.Type == event.TypeActivityComplete {
				return true
			}
		}
		return false
	})
	f.Close()
}

func TestFanout_NoSubscribersIsNoop(t *testing.T) {
	f := New(context.Background(), "sess-1")
	require.NotPanics(t, func() {
		f.Publish(event.ActivityEvent{Type: event.TypeActivityStart})
	})
	f.Close()
}
