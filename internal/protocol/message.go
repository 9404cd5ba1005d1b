// Package protocol defines the control-message envelope exchanged with
// agents and the framing used to move it over a stream.
//
// A message is a JSON object:
//
//	{"agent_id":"…","message_type":"Checkin","payload":"…"}
//
// The payload is itself a string, usually JSON for the type at hand.
package protocol

import (
	"encoding/json"
	"fmt"

	"relayd/internal/errors"
)

// MessageType names the kind of a control message.
type MessageType string

const (
	Checkin      MessageType = "Checkin"
	TaskRequest  MessageType = "TaskRequest"
	TaskResponse MessageType = "TaskResponse"
	Execute      MessageType = "Execute"
	Upload       MessageType = "Upload"
	Download     MessageType = "Download"
)

// Valid reports whether t is one of the known types.
func (t MessageType) Valid() bool {
	switch t {
	case Checkin, TaskRequest, TaskResponse, Execute, Upload, Download:
		return true
	}
	return false
}

// UnmarshalText rejects unknown type names.
func (t *MessageType) UnmarshalText(b []byte) error {
	v := MessageType(b)
	if !v.Valid() {
		return fmt.Errorf("unknown message type %q", string(b))
	}
	*t = v
	return nil
}

// Message is the control-message envelope.  AuthToken is only sent by
// agents talking to servers that require it.
type Message struct {
	AgentID   string      `json:"agent_id"`
	Type      MessageType `json:"message_type"`
	Payload   string      `json:"payload"`
	AuthToken string      `json:"auth_token,omitempty"`
}

// Reply payloads.
const (
	ReplyOK  = "OK"
	ReplyACK = "ACK"
)

// Reply builds the TaskRequest the server answers with.
func Reply(agentID, payload string) *Message {
	return &Message{AgentID: agentID, Type: TaskRequest, Payload: payload}
}

// Decode parses one frame.  Any failure, including a missing or
// unknown message_type, is a DecodeError.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, errors.Decode("frame", err)
	}
	if m.Type == "" {
		return nil, errors.Decode("frame", fmt.Errorf("missing message_type"))
	}
	return &m, nil
}

// Encode serialises m.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodePayload parses the payload string as JSON into v.
func (m *Message) DecodePayload(v interface{}) error {
	if err := json.Unmarshal([]byte(m.Payload), v); err != nil {
		return errors.Decode("payload", err)
	}
	return nil
}

// NewMessage builds a message whose payload is v encoded as JSON.
func NewMessage(agentID string, t MessageType, v interface{}) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Message{AgentID: agentID, Type: t, Payload: string(payload)}, nil
}
