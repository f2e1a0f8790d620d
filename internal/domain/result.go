package domain

import "time"

// ErrorKind categorizes why an orchestrated call did not produce a reply.
type ErrorKind string

const (
	// ErrorKindBlocked indicates the usage gate is active or a reply is already in flight.
	ErrorKindBlocked ErrorKind = "blocked"
	// ErrorKindInvalidSecret indicates a wrong unlock credential.
	ErrorKindInvalidSecret ErrorKind = "invalid_secret"
	// ErrorKindUpstream indicates the completion endpoint answered with a non-success status.
	ErrorKindUpstream ErrorKind = "upstream_error"
	// ErrorKindAggregation indicates the response body could not be parsed.
	ErrorKindAggregation ErrorKind = "aggregation_error"
	// ErrorKindTransport indicates a connection, timeout or network failure.
	ErrorKindTransport ErrorKind = "transport_error"
)

// User-safe texts used when a call does not yield model output.
const (
	NoContentText       = "No content was returned by the assistant."
	AggregationFailText = "The assistant's reply could not be read. Please try again."
	TransportFailText   = "We seem to be having connection problems. Please try again in a few moments."
	BlockedText         = "Message limit reached. Please wait for the cooldown to finish."
	BusyText            = "A reply is still in progress for this conversation."
)

// CompletionResult is the normalized outcome of one orchestrated call.
// Success implies Text is non-empty and Kind is empty; failure implies Kind
// is set and Text carries a fallback suitable for display.
type CompletionResult struct {
	Success bool      `json:"success"`
	Text    string    `json:"text"`
	Kind    ErrorKind `json:"error_kind,omitempty"`
}

// Succeeded builds a successful result, substituting the no-content text for an empty reply.
func Succeeded(text string) CompletionResult {
	if text == "" {
		text = NoContentText
	}
	return CompletionResult{Success: true, Text: text}
}

// Failed builds a failed result of the given kind.
func Failed(kind ErrorKind, text string) CompletionResult {
	return CompletionResult{Kind: kind, Text: text}
}

// Message renders the result as an AI-turn message stamped at now.
func (r CompletionResult) Message(now time.Time) Message {
	return Message{
		Sender:    SenderAI,
		Text:      r.Text,
		Timestamp: now.UnixMilli(),
		IsError:   !r.Success,
	}
}
