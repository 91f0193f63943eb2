// ABOUTME: Store interface and data types for readsync persistence
// ABOUTME: Defines Participant, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrParticipantNotFound is returned when a referenced participant does not exist
var ErrParticipantNotFound = errors.New("participant not found")

// ErrDuplicateAddress is returned when creating a participant whose address is taken
var ErrDuplicateAddress = errors.New("address already registered")

// Participant is a user who belongs to conversations and can acknowledge
// messages. Address is the private delivery channel name for this participant.
type Participant struct {
	ID           string
	Address      string
	Name         string
	PasswordHash string // bcrypt hash, empty if externally authenticated
	CreatedAt    time.Time
}

// Conversation groups an ordered message sequence with a participant set.
type Conversation struct {
	ID             string
	Name           string
	ParticipantIDs []string
	CreatedAt      time.Time
}

// HasParticipant reports whether the given participant belongs to the conversation.
func (c *Conversation) HasParticipant(participantID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == participantID {
			return true
		}
	}
	return false
}

// Message is a single entry in a conversation's append-only sequence.
// Position is the send-order index assigned by the store (1-based, strictly
// increasing per conversation). SeenBy holds the IDs of participants who have
// acknowledged this message; it only ever grows.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Position       int64
	SeenBy         []string
	CreatedAt      time.Time
}

// Seen reports whether the participant has already acknowledged this message.
func (m *Message) Seen(participantID string) bool {
	for _, id := range m.SeenBy {
		if id == participantID {
			return true
		}
	}
	return false
}

// ConversationPreview pairs a conversation with its last message for inbox views.
type ConversationPreview struct {
	Conversation *Conversation
	LastMessage  *Message // nil for empty conversations
}

// Store defines the interface for conversation, message and read-state persistence
type Store interface {
	// Participants
	CreateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	GetParticipantByAddress(ctx context.Context, address string) (*Participant, error)

	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// GetConversationWithLastMessage loads a conversation and its most recent
	// message in one call. The message is nil when the conversation is empty.
	GetConversationWithLastMessage(ctx context.Context, id string) (*Conversation, *Message, error)
	ListConversationsForParticipant(ctx context.Context, participantID string, limit int) ([]*ConversationPreview, error)

	// Messages
	SaveMessage(ctx context.Context, m *Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)

	// PersistSeen atomically adds the participant to the message's SeenBy set
	// and returns the updated message. Adding an already-present participant is
	// a no-op; the set never shrinks.
	PersistSeen(ctx context.Context, messageID, participantID string) (*Message, error)

	// Close releases any resources held by the store
	Close() error
}
