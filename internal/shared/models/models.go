package models

import "time"

// ConversationStatus describes how the stream behind a conversation ended
type ConversationStatus string

const (
	StatusComplete           ConversationStatus = "complete"
	StatusPartial            ConversationStatus = "partial"
	StatusFailedBeforeOutput ConversationStatus = "failed-before-output"
)

// Valid reports whether s is one of the known statuses
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusComplete, StatusPartial, StatusFailedBeforeOutput:
		return true
	}
	return false
}

// Conversation is one persisted prompt/response exchange
type Conversation struct {
	ID        string             `json:"id"`
	Prompt    string             `json:"prompt"`
	Response  string             `json:"response"`
	Status    ConversationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// ConversationPage is one page of history, newest first
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}
