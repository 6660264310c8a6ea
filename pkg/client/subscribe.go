package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/protocol"
)

// Subscribe attaches h to server event. Attach counts are kept per handler,
// and only the first attach of an event issues an event:subscribe request.
// When the transport is down the attach is kept locally and bound on the
// next connect. Any other failure rolls the attach back: a server rejection
// is returned as a *core.AckError, an expired ctx or a dropped connection
// as the corresponding error.
//
// Handlers run one at a time on a dispatch goroutine fed by a queue of 256
// envelopes. While a handler blocks, further envelopes queue up and are
// dropped once the queue is full.
func (c *Client) Subscribe(ctx context.Context, event string, h *core.Handler) error {
	if event == "" {
		return &core.ValidationError{Field: "event", Reason: "required"}
	}
	if h == nil {
		return &core.ValidationError{Field: "handler", Reason: "required"}
	}

	c.subMu.Lock()
	_, bound := c.registry.HandlersForEvent(event)
	c.registry.Attach(event, h)
	c.subMu.Unlock()

	if bound {
		return nil
	}

	err := c.bind(ctx, protocol.TypeEventSubscribe, event)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotConnected):
		c.log.Debugf("not connected, %s will be bound on connect", event)
		return nil
	}

	// The server never confirmed the binding, so the next Subscribe of this
	// event has to send it again.
	c.subMu.Lock()
	c.registry.Detach(event, h)
	c.subMu.Unlock()
	return fmt.Errorf("subscribing to %s: %w", event, err)
}

// Unsubscribe detaches one attach of h from event. The last detach of an
// event issues an event:unsubscribe request. Detaching a handler that was
// never attached fails with a *core.ValidationError wrapping
// core.ErrUnknownHandler.
func (c *Client) Unsubscribe(ctx context.Context, event string, h *core.Handler) error {
	c.subMu.Lock()
	before := c.registry.Detach(event, h)
	_, stillBound := c.registry.HandlersForEvent(event)
	c.subMu.Unlock()

	if before == 0 {
		return &core.ValidationError{Field: "handler", Reason: "not attached to " + event, Err: core.ErrUnknownHandler}
	}
	if stillBound {
		return nil
	}

	err := c.bind(ctx, protocol.TypeEventUnsubscribe, event)
	if err == nil || errors.Is(err, core.ErrNotConnected) {
		return nil
	}
	return fmt.Errorf("unsubscribing from %s: %w", event, err)
}

func (c *Client) bind(ctx context.Context, messageType, event string) error {
	_, err := c.socket.FireAndAck(ctx, messageType, protocol.SubscriptionBody{Event: event})
	return err
}

// resync re-binds every locally held subscription after the transport
// (re)connects.
func (c *Client) resync() {
	events := c.registry.Events()
	if len(events) == 0 {
		return
	}
	c.log.Debugf("re-binding %d subscription(s)", len(events))
	for _, event := range events {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		err := c.bind(ctx, protocol.TypeEventSubscribe, event)
		cancel()
		if err != nil {
			c.log.Warnf("re-binding %s failed: %v", event, err)
		}
	}
}
