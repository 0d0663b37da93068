package websocket

import (
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/surface"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Surface messages
	MessageTypeSnapshot   MessageType = "snapshot"
	MessageTypeAdvisory   MessageType = "advisory"
	MessageTypeTransition MessageType = "plan_transition"
	MessageTypeBinding    MessageType = "binding"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Connection messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message. Surface is empty for messages
// that concern the whole system.
type Message struct {
	Type      MessageType `json:"type"`
	Surface   string      `json:"surface,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ClientMessage is what clients send: the auth message first, then
// subscribe requests.
type ClientMessage struct {
	Type     string   `json:"type"`
	Token    string   `json:"token,omitempty"`
	Surfaces []string `json:"surfaces,omitempty"`
}

type AdvisoryData struct {
	Message string `json:"message"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromUpdate converts a surface update into the message clients see.
// Snapshot-only updates carry the snapshot; the others carry their event.
func FromUpdate(u surface.Update) Message {
	var msg Message
	switch u.Kind {
	case surface.UpdateAdvisory:
		msg = NewMessage(MessageTypeAdvisory, AdvisoryData{Message: u.Advisory})
	case surface.UpdateTransition:
		msg = NewMessage(MessageTypeTransition, u.Transition)
	case surface.UpdateBinding:
		msg = NewMessage(MessageTypeBinding, u.Binding)
	default:
		msg = NewMessage(MessageTypeSnapshot, u.Snapshot)
	}
	msg.Surface = u.Snapshot.Surface
	return msg
}
