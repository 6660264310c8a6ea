package transport

import (
	"encoding/json"

	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/protocol"
)

// On registers fn for lifecycle events of kind. The returned function
// removes the listener and is safe to call more than once.
func (s *Socket) On(kind core.EventKind, fn func(core.Event)) (remove func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextListener
	s.nextListener++
	set, ok := s.listeners[kind]
	if !ok {
		set = make(map[uint64]func(core.Event))
		s.listeners[kind] = set
	}
	set[id] = fn

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		if set, ok := s.listeners[kind]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.listeners, kind)
			}
		}
	}
}

// OnMessage registers fn for inbound envelopes of the given type.
func (s *Socket) OnMessage(messageType string, fn func(body json.RawMessage)) (remove func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextListener
	s.nextListener++
	set, ok := s.msgListeners[messageType]
	if !ok {
		set = make(map[uint64]func(json.RawMessage))
		s.msgListeners[messageType] = set
	}
	set[id] = fn

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		if set, ok := s.msgListeners[messageType]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.msgListeners, messageType)
			}
		}
	}
}

// OnAnyMessage registers fn for every inbound envelope.
func (s *Socket) OnAnyMessage(fn func(protocol.Inbound)) (remove func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.anyListeners[id] = fn

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.anyListeners, id)
	}
}

// ListenerCount returns the number of lifecycle listeners for kind.
func (s *Socket) ListenerCount(kind core.EventKind) int {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	return len(s.listeners[kind])
}

// MessageListenerCount returns the number of listeners for messageType.
func (s *Socket) MessageListenerCount(messageType string) int {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	return len(s.msgListeners[messageType])
}

func (s *Socket) emit(ev core.Event) {
	if ev.Time.IsZero() {
		ev.Time = s.opts.Now()
	}

	s.lmu.RLock()
	fns := make([]func(core.Event), 0, len(s.listeners[ev.Kind]))
	for _, fn := range s.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Socket) emitMessage(in protocol.Inbound) {
	s.lmu.RLock()
	fns := make([]func(json.RawMessage), 0, len(s.msgListeners[in.Type]))
	for _, fn := range s.msgListeners[in.Type] {
		fns = append(fns, fn)
	}
	anys := make([]func(protocol.Inbound), 0, len(s.anyListeners))
	for _, fn := range s.anyListeners {
		anys = append(anys, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range anys {
		fn(in)
	}
	for _, fn := range fns {
		fn(in.Body)
	}
}

func (s *Socket) clearListeners() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = make(map[core.EventKind]map[uint64]func(core.Event))
	s.msgListeners = make(map[string]map[uint64]func(json.RawMessage))
	s.anyListeners = make(map[uint64]func(protocol.Inbound))
}
