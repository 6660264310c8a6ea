package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rubiojr/relaybox/pkg/core"
)

// Publish sends a fire-and-forget event. It fails with core.ErrNotConnected
// when the transport is down; nothing is queued.
func (c *Client) Publish(event string, data any) error {
	if event == "" {
		return &core.ValidationError{Field: "event", Reason: "required"}
	}
	return c.socket.Fire(event, data)
}

// PublishWithAck sends an event and waits for the server acknowledgement.
func (c *Client) PublishWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	if event == "" {
		return nil, &core.ValidationError{Field: "event", Reason: "required"}
	}
	return c.socket.FireAndAck(ctx, event, data)
}

// Request sends an acknowledged request of messageType and decodes the
// acknowledgement data into T.
func Request[T any](ctx context.Context, c *Client, messageType string, body any) (T, error) {
	var out T
	data, err := c.PublishWithAck(ctx, messageType, body)
	if err != nil {
		return out, err
	}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding %s acknowledgement: %w", messageType, err)
	}
	return out, nil
}
