// Package message provides typed, addressed message delivery between
// named participants.
//
// A message is delivered at most once per matching route and is discarded
// after delivery; the kernel never persists it. Publish enqueues, and a
// single dispatch loop drains the queue, so delivery order equals publish
// order within a message type.
package message

import (
	"github.com/google/uuid"
)

// Message is an addressed payload exchanged between participants.
// Immutable once constructed; Content, Context, and Metadata are opaque
// payloads interpreted only by handlers.
type Message struct {
	ID       string
	Sender   string
	Receiver string
	Type     string
	Content  map[string]any
	Context  map[string]any
	Metadata map[string]any
}

// New creates a message with a generated ID.
func New(sender, receiver, msgType string, content map[string]any) Message {
	return Message{
		ID:       uuid.New().String(),
		Sender:   sender,
		Receiver: receiver,
		Type:     msgType,
		Content:  content,
		Context:  make(map[string]any),
		Metadata: make(map[string]any),
	}
}

// WithContext returns a copy of the message carrying the given context map.
func (m Message) WithContext(ctx map[string]any) Message {
	m.Context = ctx
	return m
}

// WithMetadata returns a copy of the message carrying the given metadata map.
func (m Message) WithMetadata(meta map[string]any) Message {
	m.Metadata = meta
	return m
}
