// Package domain contains core domain types for the Montana relay.
package domain

import (
	"time"
)

// Sender identifies who wrote a conversation message.
type Sender string

const (
	// SenderUser marks a message typed by the person chatting.
	SenderUser Sender = "user"
	// SenderAI marks a message produced by the assistant (or a failure notice shown in its place).
	SenderAI Sender = "ai"
)

// Role is the provider-neutral role of a turn sent to the completion endpoint.
type Role string

const (
	// RoleSystem carries the persona prompt.
	RoleSystem Role = "system"
	// RoleUser carries a message typed by the person chatting.
	RoleUser Role = "user"
	// RoleAssistant carries an earlier assistant reply.
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation. Messages are never mutated once appended.
type Message struct {
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	IsError   bool   `json:"isError,omitempty"`
}

// NewUserMessage returns a user message stamped at now.
func NewUserMessage(text string, now time.Time) Message {
	return Message{
		Sender:    SenderUser,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}
}

// Role maps the sender to the neutral role understood by the completion endpoint.
func (m Message) Role() Role {
	if m.Sender == SenderAI {
		return RoleAssistant
	}
	return RoleUser
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
