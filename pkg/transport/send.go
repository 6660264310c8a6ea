package transport

import (
	"context"
	"encoding/json"

	"github.com/rubiojr/relaybox/pkg/ack"
	"github.com/rubiojr/relaybox/pkg/protocol"
)

// Fire sends a fire-and-forget envelope. Sends are only permitted while
// connected; otherwise the envelope is dropped and ErrNotConnected returned.
func (s *Socket) Fire(messageType string, body any) error {
	return s.send(protocol.NewOutbound(messageType, body, "", s.opts.Now()))
}

// FireWithCallback sends an acknowledged request and calls cb once with the
// acknowledgement or failure. When the send itself fails cb is not called
// and the error is returned.
func (s *Socket) FireWithCallback(messageType string, body any, cb ack.Callback) (string, error) {
	if _, err := s.currentConn(); err != nil {
		s.drop(messageType)
		return "", err
	}

	id := s.acks.GenerateID()
	if err := s.acks.Register(id, cb); err != nil {
		return "", err
	}
	s.opts.Observer.AcksPending(s.acks.Pending())

	if err := s.send(protocol.NewOutbound(messageType, body, id, s.opts.Now())); err != nil {
		s.acks.Forget(id)
		s.opts.Observer.AcksPending(s.acks.Pending())
		return "", err
	}
	return id, nil
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// FireAndAck sends an acknowledged request and waits for the matching
// acknowledgement. It fails fast with ErrNotConnected when the transport is
// not connected (nothing is registered in that case), returns the server's
// *core.AckError when the server rejects the request, ErrAckAbandoned when
// the connection drops first, or ctx.Err() when ctx ends first.
func (s *Socket) FireAndAck(ctx context.Context, messageType string, body any) (json.RawMessage, error) {
	results := make(chan ackResult, 1)
	id, err := s.FireWithCallback(messageType, body, func(data json.RawMessage, err error) {
		results <- ackResult{data: data, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-results:
		return r.data, r.err
	case <-ctx.Done():
		s.acks.Forget(id)
		s.opts.Observer.AcksPending(s.acks.Pending())
		return nil, ctx.Err()
	}
}

func (s *Socket) send(env protocol.Outbound) error {
	conn, err := s.currentConn()
	if err != nil {
		s.drop(env.Type)
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := s.write(conn, data); err != nil {
		s.log.Warnf("send %s failed: %v", env.Type, err)
		return err
	}
	s.opts.Observer.MessageSent(env.AckID != "")
	return nil
}

func (s *Socket) drop(messageType string) {
	s.log.Warnf("not connected, dropping %s", messageType)
	s.opts.Observer.MessageDropped()
}
