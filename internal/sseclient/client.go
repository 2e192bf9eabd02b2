// Package sseclient replays a live SSE response into decoded ActivityEvents
// for integration tests, grounded on teradata-labs-loom's
// pkg/mcp/transport/http.go (the pack's only example wiring a real SSE
// client rather than a handwritten text/event-stream scanner).
package sseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/r3labs/sse/v2"

	"github.com/arcflow-run/activitycore/pkg/event"
)

// Client subscribes to a POST /v1/turns SSE response and decodes each frame
// into the canonical event.ActivityEvent wire shape (spec §6 framing:
// `event: <type>\ndata: <json>\n\n`).
type Client struct {
	sse *sse.Client
}

// New builds a Client against url, issuing method (the orchestration core's
// turn endpoint is a POST, unlike r3labs/sse's GET-subscribe default) with
// body as the request payload and headers applied verbatim.
func New(url, method string, body []byte, headers map[string]string) *Client {
	c := sse.NewClient(url)
	c.Method = method
	c.Body = bytes.NewReader(body)
	c.Headers = headers
	c.Headers["Content-Type"] = "application/json"
	return &Client{sse: c}
}

// Stream subscribes and delivers every decoded ActivityEvent to onEvent
// until ctx is canceled or the server closes the connection. Comment-only
// heartbeat frames (spec §12 supplemented feature) have no event name in
// r3labs' decoding and are dropped here rather than handed to onEvent.
func (c *Client) Stream(ctx context.Context, onEvent func(event.ActivityEvent)) error {
	err := c.sse.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		var ev event.ActivityEvent
		if jsonErr := json.Unmarshal(msg.Data, &ev); jsonErr != nil {
			return
		}
		onEvent(ev)
	})
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("sseclient: subscribe: %w", err)
	}
	return nil
}
