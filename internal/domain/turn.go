package domain

import (
	"strings"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ConversationTurn is one finalized utterance exchanged with the avatar.
// A turn with neither text nor an audio reference is never persisted.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	AudioURL  string    `json:"audioUrl,omitempty"`
	PatientID *int      `json:"patientId,omitempty"`
	UserID    *int      `json:"userId,omitempty"`
	ConsultID *int      `json:"consultaId,omitempty"`
	AgentID   string    `json:"agentId"`
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

// Empty reports whether the turn carries no persistable content.
func (t ConversationTurn) Empty() bool {
	return strings.TrimSpace(t.Text) == "" && t.AudioURL == ""
}

// Message is one stored utterance inside a Conversation aggregate.
type Message struct {
	Role      Role      `bson:"role" json:"role"`
	Content   string    `bson:"content" json:"content"`
	Audio     string    `bson:"audio,omitempty" json:"audio,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Conversation groups turns under an (agentId, chatId) pair. Messages are
// append-only; insertion order is conversation order.
type Conversation struct {
	ID        string    `bson:"-" json:"id"`
	AgentID   string    `bson:"agentId" json:"agentId"`
	ChatID    string    `bson:"chatId" json:"chatId"`
	UserID    *int      `bson:"userId" json:"userId"`
	PatientID *int      `bson:"patientId" json:"patientId"`
	Messages  []Message `bson:"messages" json:"messages"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// ConversationSummary is the listing shape returned for a user's or
// patient's conversations.
type ConversationSummary struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId"`
	ChatID       string    `json:"chatId"`
	UserID       *int      `json:"userId"`
	PatientID    *int      `json:"patientId"`
	MessageCount int       `json:"messageCount"`
	LastMessage  *Message  `json:"lastMessage"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
