// ABOUTME: Service is the central layer for read-state synchronization and fan-out
// ABOUTME: Persistence happens-before publishing - durable state is the source of truth

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatterbox-im/readsync/internal/pubsub"
	"github.com/chatterbox-im/readsync/internal/readstate"
	"github.com/chatterbox-im/readsync/internal/store"
)

// Event names for the two delivery scopes. EventConversationUpdate and
// EventMessageNew travel on participant-address channels and conversation-ID
// channels respectively; EventMessageUpdate is the conversation-scoped seen
// broadcast.
const (
	EventConversationUpdate = "conversation:update"
	EventMessageUpdate      = "message:update"
	EventMessageNew         = "messages:new"
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetParticipant(ctx context.Context, id string) (*store.Participant, error)

	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversationWithLastMessage(ctx context.Context, id string) (*store.Conversation, *store.Message, error)
	ListConversationsForParticipant(ctx context.Context, participantID string, limit int) ([]*store.ConversationPreview, error)

	SaveMessage(ctx context.Context, m *store.Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	PersistSeen(ctx context.Context, messageID, participantID string) (*store.Message, error)
}

// Service orchestrates the read-state tracker, the store and the publisher
// behind idempotent operations. Each call is an independent unit of work:
// there are no background tasks and no cross-call ordering guarantees beyond
// what the store's atomic set-add provides.
type Service struct {
	store     ConversationStore
	publisher pubsub.Publisher
	logger    *slog.Logger
}

// New creates a new conversation Service
func New(st ConversationStore, publisher pubsub.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		publisher: publisher,
		logger:    logger.With("component", "conversation"),
	}
}

// MessageView is the wire representation of a message carried in events and
// API responses, including the current seen set.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	Position       int64     `json:"position"`
	SeenBy         []string  `json:"seen_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessageView converts a stored message to its wire representation
func NewMessageView(m *store.Message) *MessageView {
	seenBy := m.SeenBy
	if seenBy == nil {
		seenBy = []string{}
	}
	return &MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Position:       m.Position,
		SeenBy:         seenBy,
		CreatedAt:      m.CreatedAt,
	}
}

// ConversationUpdate is the payload of EventConversationUpdate on a
// participant's private address channel.
type ConversationUpdate struct {
	ID       string         `json:"id"`
	Messages []*MessageView `json:"messages"`
}

// SeenResult is the outcome of one MarkSeen call. AlreadySeen is the
// idempotence witness; Message is nil when the conversation was empty.
type SeenResult struct {
	Conversation *store.Conversation
	Message      *store.Message
	AlreadySeen  bool
	NoOp         bool
}

// MarkSeen records that the participant has seen the conversation's last
// message and fans the update out.
//
// Ordering within the call: the persistence write happens-before both
// publishes; the two publishes have no required relative order. If
// persistence fails the operation fails atomically and nothing is published.
// If a publish fails after persistence succeeded, the returned error is a
// *PublishError and the SeenResult is still valid.
//
// Fan-out gating: the participant-scoped EventConversationUpdate always fires
// (it keeps the acknowledging client's own inbox preview in sync even when
// nothing changed for others); the conversation-scoped EventMessageUpdate
// fires only when this call actually transitioned the pair to Seen, so
// duplicate acknowledgements never cause redundant broadcast storms.
func (s *Service) MarkSeen(ctx context.Context, conversationID, participantID string) (*SeenResult, error) {
	if participantID == "" {
		return nil, ErrUnauthenticated
	}

	conv, last, err := s.store.GetConversationWithLastMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if !conv.HasParticipant(participantID) {
		return nil, ErrNotParticipant
	}

	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("resolving participant: %w", err)
	}

	update := readstate.ComputeUpdate(last, participantID)
	if update.NoOp {
		// Empty conversation: nothing to acknowledge, no publish
		s.logger.Debug("mark seen on empty conversation",
			"conversation_id", conversationID,
			"participant_id", participantID)
		return &SeenResult{Conversation: conv, NoOp: true}, nil
	}

	// The set-add is atomic in the store and idempotent, so repeating it for
	// an already-seen pair is harmless and keeps persistence ahead of fan-out.
	updated, err := s.store.PersistSeen(ctx, last.ID, participantID)
	if err != nil {
		return nil, fmt.Errorf("persisting seen state: %w", err)
	}

	s.logger.Debug("seen state persisted",
		"conversation_id", conversationID,
		"participant_id", participantID,
		"message_id", updated.ID,
		"already_seen", update.AlreadySeen)

	result := &SeenResult{
		Conversation: conv,
		Message:      updated,
		AlreadySeen:  update.AlreadySeen,
	}

	var publishErrs []error

	// Participant-scoped update always fires: the acknowledging client's own
	// conversation list needs the fresh seen set either way.
	if err := s.publisher.Publish(participant.Address, EventConversationUpdate, &ConversationUpdate{
		ID:       conversationID,
		Messages: []*MessageView{NewMessageView(updated)},
	}); err != nil {
		publishErrs = append(publishErrs, &PublishError{
			Channel: participant.Address,
			Event:   EventConversationUpdate,
			Err:     err,
		})
	}

	// Conversation-scoped broadcast only on a genuine Unseen -> Seen transition
	if !update.AlreadySeen {
		if err := s.publisher.Publish(conversationID, EventMessageUpdate, NewMessageView(updated)); err != nil {
			publishErrs = append(publishErrs, &PublishError{
				Channel: conversationID,
				Event:   EventMessageUpdate,
				Err:     err,
			})
		}
	}

	if len(publishErrs) > 0 {
		err := errors.Join(publishErrs...)
		s.logger.Warn("seen state persisted but fan-out degraded",
			"conversation_id", conversationID,
			"participant_id", participantID,
			"error", err)
		return result, err
	}

	return result, nil
}

// SendMessage appends a message to a conversation and fans it out: the new
// message goes to the conversation channel, and each member's private address
// receives a conversation update for their inbox preview. The sender counts
// as having seen their own message.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, body string) (*store.Message, error) {
	if senderID == "" {
		return nil, ErrUnauthenticated
	}
	if body == "" {
		return nil, fmt.Errorf("message body is required")
	}

	conv, _, err := s.store.GetConversationWithLastMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	updated, err := s.store.PersistSeen(ctx, msg.ID, senderID)
	if err != nil {
		return nil, fmt.Errorf("recording sender seen state: %w", err)
	}

	s.logger.Debug("message saved",
		"conversation_id", conversationID,
		"message_id", updated.ID,
		"sender_id", senderID)

	var publishErrs []error

	if err := s.publisher.Publish(conversationID, EventMessageNew, NewMessageView(updated)); err != nil {
		publishErrs = append(publishErrs, &PublishError{
			Channel: conversationID,
			Event:   EventMessageNew,
			Err:     err,
		})
	}

	for _, pid := range conv.ParticipantIDs {
		member, err := s.store.GetParticipant(ctx, pid)
		if err != nil {
			s.logger.Warn("skipping inbox update for unknown participant",
				"participant_id", pid, "error", err)
			continue
		}
		if err := s.publisher.Publish(member.Address, EventConversationUpdate, &ConversationUpdate{
			ID:       conversationID,
			Messages: []*MessageView{NewMessageView(updated)},
		}); err != nil {
			publishErrs = append(publishErrs, &PublishError{
				Channel: member.Address,
				Event:   EventConversationUpdate,
				Err:     err,
			})
		}
	}

	if len(publishErrs) > 0 {
		err := errors.Join(publishErrs...)
		s.logger.Warn("message saved but fan-out degraded",
			"conversation_id", conversationID,
			"message_id", updated.ID,
			"error", err)
		return updated, err
	}

	return updated, nil
}

// CreateConversation creates a conversation containing the given participants.
// The creator must be part of the set.
func (s *Service) CreateConversation(ctx context.Context, name, creatorID string, participantIDs []string) (*store.Conversation, error) {
	if creatorID == "" {
		return nil, ErrUnauthenticated
	}

	members := participantIDs
	found := false
	for _, id := range members {
		if id == creatorID {
			found = true
			break
		}
	}
	if !found {
		members = append([]string{creatorID}, members...)
	}

	conv := &store.Conversation{
		ID:             uuid.New().String(),
		Name:           name,
		ParticipantIDs: members,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"participants", len(members))
	return conv, nil
}

// Inbox returns the caller's conversations with their last messages,
// newest activity first.
func (s *Service) Inbox(ctx context.Context, participantID string, limit int) ([]*store.ConversationPreview, error) {
	if participantID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.ListConversationsForParticipant(ctx, participantID, limit)
}

// History returns the messages of a conversation the caller belongs to,
// in send order.
func (s *Service) History(ctx context.Context, conversationID, participantID string, limit int) ([]*store.Message, error) {
	if participantID == "" {
		return nil, ErrUnauthenticated
	}

	conv, _, err := s.store.GetConversationWithLastMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(participantID) {
		return nil, ErrNotParticipant
	}

	return s.store.GetMessages(ctx, conversationID, limit)
}
