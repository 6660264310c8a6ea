package client

import (
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/protocol"
	"github.com/rubiojr/relaybox/pkg/realtime"
)

// On registers fn for public lifecycle events of kind. Callbacks run
// synchronously on the transport goroutine and must not block. The returned
// function removes the listener.
func (c *Client) On(kind core.EventKind, fn func(core.Event)) (remove func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()

	id := c.nextListener
	c.nextListener++
	set, ok := c.listeners[kind]
	if !ok {
		set = make(map[uint64]func(core.Event))
		c.listeners[kind] = set
	}
	set[id] = fn

	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		if set, ok := c.listeners[kind]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.listeners, kind)
			}
		}
	}
}

// Events returns a buffered stream of lifecycle events and inbound messages.
// Items are dropped for this consumer when its buffer is full. Call
// StopEvents with the returned id to release it.
func (c *Client) Events(buffer int) (uint64, <-chan realtime.Item) {
	return c.hub.RegisterBuffered(buffer)
}

// StopEvents closes the stream returned by Events.
func (c *Client) StopEvents(id uint64) {
	c.hub.Unregister(id)
}

// installBridge connects the transport's listeners to the public surface and
// the subscription dispatcher. It is a no-op when already installed.
func (c *Client) installBridge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridge != nil {
		return
	}

	inbox := make(chan protocol.Inbound, inboxSize)
	done := make(chan struct{})
	c.done = done

	for _, kind := range core.EventKinds() {
		c.bridge = append(c.bridge, c.socket.On(kind, c.forward))
	}
	// The transport reader must never wait on handlers: it also reads the
	// acknowledgements a handler may be waiting for.
	c.bridge = append(c.bridge, c.socket.OnAnyMessage(func(in protocol.Inbound) {
		select {
		case inbox <- in:
		case <-done:
		default:
			c.log.Warnf("dispatch queue full (%d), dropping %s", inboxSize, in.Type)
		}
	}))

	go c.dispatchLoop(inbox, done)
}

// removeBridge detaches the bridge listeners and stops the dispatcher.
func (c *Client) removeBridge() {
	c.mu.Lock()
	bridge := c.bridge
	done := c.done
	c.bridge = nil
	c.done = nil
	c.mu.Unlock()

	for _, remove := range bridge {
		remove()
	}
	if done != nil {
		close(done)
	}
}

// BridgeInstalled reports whether the transport bridge is active.
func (c *Client) BridgeInstalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge != nil
}

// dispatchLoop delivers inbound envelopes to subscription handlers on its own
// goroutine, so handlers may issue acknowledged requests without stalling
// the transport reader.
func (c *Client) dispatchLoop(inbox <-chan protocol.Inbound, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case in := <-inbox:
			c.hub.Broadcast(in)
			if in.Type == protocol.TypeMessageAcknowledged || in.Type == protocol.TypeConnectionAcknowledged {
				continue
			}
			handlers, ok := c.registry.HandlersForEvent(in.Type)
			if !ok {
				continue
			}
			for h := range handlers {
				h.Call(in.Body)
			}
		}
	}
}

// forward passes a transport lifecycle event to the public surface and
// reacts to the events the orchestrator owns.
func (c *Client) forward(ev core.Event) {
	switch ev.Kind {
	case core.EventConnect, core.EventReconnected:
		if len(c.registry.Events()) > 0 {
			go c.resync()
		}
	case core.EventAuthTokenExpired:
		go c.refreshAndReconnect()
	}
	c.emit(ev)
}

func (c *Client) emit(ev core.Event) {
	c.hub.Broadcast(ev)

	c.lmu.RLock()
	fns := make([]func(core.Event), 0, len(c.listeners[ev.Kind]))
	for _, fn := range c.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
