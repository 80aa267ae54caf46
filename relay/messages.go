// Package relay implements the queue wrap mode: senders forward store
// requests over a Unix domain socket as newline-delimited JSON, and a
// single writer drains them in arrival order into the real backend. The
// writer is the only process that touches the backing medium while the
// relay is up.
package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sweeplab/sweep/trajectory"
)

// MessageType identifies the type of relay message.
type MessageType string

const (
	// Requests (sender to writer)
	MsgStore MessageType = "store" // apply a batch of items to the backend
	MsgPing  MessageType = "ping"  // readiness probe
	MsgDone  MessageType = "done"  // sentinel: drain remaining work and exit

	// Responses (writer to sender)
	MsgAck   MessageType = "ack"
	MsgError MessageType = "error"
)

// Valid reports whether the message type is known.
func (t MessageType) Valid() bool {
	switch t {
	case MsgStore, MsgPing, MsgDone, MsgAck, MsgError:
		return true
	}
	return false
}

// IsRequest reports whether the message type flows from sender to writer.
func (t MessageType) IsRequest() bool {
	switch t {
	case MsgStore, MsgPing, MsgDone:
		return true
	}
	return false
}

// IsResponse reports whether the message type flows from writer to sender.
func (t MessageType) IsResponse() bool {
	return t == MsgAck || t == MsgError
}

// Message is the interface all relay messages implement.
type Message interface {
	MessageType() MessageType
}

// StoreMessage carries one store batch. Items travel in wire form; the
// writer decodes and applies them in the order batches arrived.
type StoreMessage struct {
	Type    MessageType               `json:"type"`
	Context trajectory.Context        `json:"context"`
	Items   []trajectory.ItemEnvelope `json:"items"`
}

func (m *StoreMessage) MessageType() MessageType { return MsgStore }

// PingMessage probes whether the writer is accepting connections.
type PingMessage struct {
	Type MessageType `json:"type"`
}

func (m *PingMessage) MessageType() MessageType { return MsgPing }

// DoneMessage is the termination sentinel. After acknowledging it the
// writer stops accepting new work, applies what is already queued and
// exits.
type DoneMessage struct {
	Type MessageType `json:"type"`
}

func (m *DoneMessage) MessageType() MessageType { return MsgDone }

// AckMessage confirms a request was accepted. For a store this means the
// batch is queued, not yet durable.
type AckMessage struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
}

func (m *AckMessage) MessageType() MessageType { return MsgAck }

// ErrorMessage reports a request the writer could not accept.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

func (m *ErrorMessage) MessageType() MessageType { return MsgError }

// RawMessage is used for initial parsing to determine the message type.
type RawMessage struct {
	Type MessageType `json:"type"`
}

// ParseMessage parses a JSON message and returns the appropriate typed
// struct.
func ParseMessage(data []byte) (any, error) {
	var raw RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	switch raw.Type {
	case MsgStore:
		var msg StoreMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse store message: %w", err)
		}
		return &msg, nil
	case MsgPing:
		var msg PingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse ping message: %w", err)
		}
		return &msg, nil
	case MsgDone:
		var msg DoneMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse done message: %w", err)
		}
		return &msg, nil
	case MsgAck:
		var msg AckMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse ack message: %w", err)
		}
		return &msg, nil
	case MsgError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse error message: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", raw.Type)
	}
}

// Marshal serializes a message to a single JSON line without the trailing
// newline delimiter.
func Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// SocketPath returns the socket path for a trajectory's relay.
func SocketPath(trajectoryName string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("sweep-relay-%s.sock", trajectoryName))
}
