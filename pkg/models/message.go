// Package models defines the conversation data model shared by the event
// pipeline and the durable store: messages, their typed parts, and chats.
//
// A message is the stored unit. Its parts form a discriminated union keyed
// by part_kind; deserialization is tag-driven and never fails construction —
// malformed legacy parts degrade to text parts with the error recorded in
// part metadata.
package models

import (
	"time"
)

// MessageKind distinguishes user requests from model responses.
type MessageKind string

const (
	MessageKindRequest  MessageKind = "request"
	MessageKindResponse MessageKind = "response"
)

// MessageStatus is the lifecycle state of a stored message.
type MessageStatus string

const (
	MessageStatusPending     MessageStatus = "pending"
	MessageStatusComplete    MessageStatus = "complete"
	MessageStatusError       MessageStatus = "error"
	MessageStatusUserStopped MessageStatus = "user_stopped"
)

// Message is one durable conversation entry. For responses the MessageID
// equals the response_id of the stream that produced it.
type Message struct {
	MessageID string         `json:"message_id"`
	ChatID    string         `json:"chat_id"`
	ParentID  string         `json:"parent_id,omitempty"` // request message that triggered a response
	UserID    string         `json:"user_id,omitempty"`
	Kind      MessageKind    `json:"kind"`
	Parts     []Part         `json:"parts"`
	Status    MessageStatus  `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Response-only fields.
	ModelName string         `json:"model_name,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
}

// NewRequestMessage creates a user request message in pending status.
func NewRequestMessage(messageID, chatID, userID string, parts []Part) *Message {
	return &Message{
		MessageID: messageID,
		ChatID:    chatID,
		UserID:    userID,
		Kind:      MessageKindRequest,
		Parts:     parts,
		Status:    MessageStatusPending,
		Timestamp: time.Now().UTC(),
	}
}

// NewResponsePlaceholder creates the empty pending response message written
// when a response starts streaming. The message id is the response id.
func NewResponsePlaceholder(responseID, chatID, parentID, modelName string) *Message {
	return &Message{
		MessageID: responseID,
		ChatID:    chatID,
		ParentID:  parentID,
		Kind:      MessageKindResponse,
		Parts:     []Part{},
		Status:    MessageStatusPending,
		ModelName: modelName,
		Timestamp: time.Now().UTC(),
	}
}

// SetMetadata sets one metadata key, allocating the map on first use.
func (m *Message) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Chat is the metadata record for one conversation.
type Chat struct {
	ChatID    string         `json:"chat_id"`
	UserID    string         `json:"user_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
