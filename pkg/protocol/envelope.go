// Package protocol defines the JSON envelopes exchanged with the realtime
// server and the reserved message types the client understands.
//
// Outbound (client -> server):
//
//	{"type": "...", "body": ..., "ackId": "...", "createdAt": "2006-01-02T15:04:05Z"}
//
// ackId is only present on requests that expect an acknowledgement.
//
// Inbound (server -> client):
//
//	{"type": "...", "body": ...}
//
// The reserved "ack" type carries {"ackId": "...", "data": ..., "err": {"message": "...", "status": 400}}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rubiojr/relaybox/pkg/core"
)

// Reserved message types.
const (
	TypeMessageAcknowledged    = "ack"
	TypeConnectionAcknowledged = "connection:acknowledged"
	TypeEventSubscribe         = "event:subscribe"
	TypeEventUnsubscribe       = "event:unsubscribe"
)

// Outbound is a client -> server envelope.
type Outbound struct {
	Type      string `json:"type"`
	Body      any    `json:"body,omitempty"`
	AckID     string `json:"ackId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Inbound is a server -> client envelope. Body is kept raw so it can be
// re-emitted to local listeners untouched.
type Inbound struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// AckBody is the body of a TypeMessageAcknowledged envelope.
type AckBody struct {
	AckID string          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
	Err   *core.AckError  `json:"err,omitempty"`
}

// Failure returns the server supplied error, or nil when the request
// succeeded.
func (a AckBody) Failure() error {
	if a.Err == nil || (a.Err.Message == "" && a.Err.Status == 0) {
		return nil
	}
	return a.Err
}

// ConnectionAck is the body of TypeConnectionAcknowledged, sent by the server
// once it has accepted the connection.
type ConnectionAck struct {
	ClientID     string `json:"clientId"`
	ConnectionID string `json:"connectionId"`
}

// SubscriptionBody is the body of subscribe/unsubscribe requests.
type SubscriptionBody struct {
	Event string `json:"event"`
}

// NewOutbound builds an envelope stamped with created.
func NewOutbound(typ string, body any, ackID string, created time.Time) Outbound {
	return Outbound{
		Type:      typ,
		Body:      body,
		AckID:     ackID,
		CreatedAt: created.UTC().Format(time.RFC3339Nano),
	}
}

// Encode serializes an outbound envelope.
func Encode(env Outbound) ([]byte, error) {
	if env.Type == "" {
		return nil, errors.New("protocol: envelope type is required")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses an inbound frame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("protocol: decoding frame: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, errors.New("protocol: frame has no type")
	}
	return in, nil
}

// DecodeAck parses the body of an acknowledgement envelope.
func DecodeAck(body json.RawMessage) (AckBody, error) {
	var ack AckBody
	if err := json.Unmarshal(body, &ack); err != nil {
		return AckBody{}, fmt.Errorf("protocol: decoding ack: %w", err)
	}
	if ack.AckID == "" {
		return AckBody{}, errors.New("protocol: ack has no ackId")
	}
	return ack, nil
}

// DecodeConnectionAck parses the body of a connection acknowledgement.
func DecodeConnectionAck(body json.RawMessage) (ConnectionAck, error) {
	var ca ConnectionAck
	if err := json.Unmarshal(body, &ca); err != nil {
		return ConnectionAck{}, fmt.Errorf("protocol: decoding connection ack: %w", err)
	}
	if ca.ConnectionID == "" {
		return ConnectionAck{}, errors.New("protocol: connection ack has no connectionId")
	}
	return ca, nil
}
