// ABOUTME: Tests for the conversation service
// ABOUTME: Verifies idempotence, fan-out gating, empty-conversation no-op, and convergence

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterbox-im/readsync/internal/store"
)

// recordedEvent is one captured publish call
type recordedEvent struct {
	Channel string
	Name    string
	Payload any
}

// recordingPublisher implements pubsub.Publisher for testing
type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *recordingPublisher) Publish(channel, name string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, recordedEvent{Channel: channel, Name: name, Payload: payload})
	return nil
}

func (p *recordingPublisher) recorded() []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedEvent(nil), p.events...)
}

func (p *recordingPublisher) byName(name string) []recordedEvent {
	var out []recordedEvent
	for _, e := range p.recorded() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addParticipant(t *testing.T, s *store.SQLiteStore, id, address string) {
	t.Helper()
	require.NoError(t, s.CreateParticipant(context.Background(), &store.Participant{
		ID:        id,
		Address:   address,
		Name:      id,
		CreatedAt: time.Now().UTC(),
	}))
}

func addConversation(t *testing.T, s *store.SQLiteStore, id string, participantIDs ...string) {
	t.Helper()
	require.NoError(t, s.CreateConversation(context.Background(), &store.Conversation{
		ID:             id,
		Name:           "test",
		ParticipantIDs: participantIDs,
		CreatedAt:      time.Now().UTC(),
	}))
}

func addMessage(t *testing.T, s *store.SQLiteStore, id, conversationID, senderID string) {
	t.Helper()
	require.NoError(t, s.SaveMessage(context.Background(), &store.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           "hello",
		CreatedAt:      time.Now().UTC(),
	}))
}

// newSeenFixture builds conversation C1 with one message M1 sent by A,
// with B as the other member (the scenario from the service contract).
func newSeenFixture(t *testing.T) (*Service, *recordingPublisher, *store.SQLiteStore) {
	t.Helper()
	st := createTestStore(t)
	addParticipant(t, st, "user-a", "a@example.com")
	addParticipant(t, st, "user-b", "b@example.com")
	addConversation(t, st, "conv-1", "user-a", "user-b")
	addMessage(t, st, "msg-1", "conv-1", "user-a")

	pub := &recordingPublisher{}
	return New(st, pub, nil), pub, st
}

func TestMarkSeen_FirstTime(t *testing.T) {
	svc, pub, _ := newSeenFixture(t)

	result, err := svc.MarkSeen(context.Background(), "conv-1", "user-b")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, result.AlreadySeen)
	assert.False(t, result.NoOp)
	require.NotNil(t, result.Message)
	assert.Equal(t, []string{"user-b"}, result.Message.SeenBy)

	// Exactly 2 publishes: participant-scoped + conversation-scoped
	events := pub.recorded()
	require.Len(t, events, 2)

	participantEvents := pub.byName(EventConversationUpdate)
	require.Len(t, participantEvents, 1)
	assert.Equal(t, "b@example.com", participantEvents[0].Channel)
	update := participantEvents[0].Payload.(*ConversationUpdate)
	assert.Equal(t, "conv-1", update.ID)
	require.Len(t, update.Messages, 1)
	assert.Equal(t, "msg-1", update.Messages[0].ID)
	assert.Equal(t, []string{"user-b"}, update.Messages[0].SeenBy)

	convEvents := pub.byName(EventMessageUpdate)
	require.Len(t, convEvents, 1)
	assert.Equal(t, "conv-1", convEvents[0].Channel)
	view := convEvents[0].Payload.(*MessageView)
	assert.Equal(t, "msg-1", view.ID)
	assert.Equal(t, "user-a", view.SenderID)
	assert.Equal(t, []string{"user-b"}, view.SeenBy)
}

func TestMarkSeen_RepeatIsIdempotent(t *testing.T) {
	svc, pub, _ := newSeenFixture(t)
	ctx := context.Background()

	first, err := svc.MarkSeen(ctx, "conv-1", "user-b")
	require.NoError(t, err)
	assert.False(t, first.AlreadySeen)

	second, err := svc.MarkSeen(ctx, "conv-1", "user-b")
	require.NoError(t, err)
	assert.True(t, second.AlreadySeen)

	// SeenBy contains user-b exactly once after both calls
	assert.Equal(t, []string{"user-b"}, second.Message.SeenBy)

	// 2 publishes for the first call, only 1 (participant-scoped) for the repeat
	events := pub.recorded()
	require.Len(t, events, 3)
	assert.Len(t, pub.byName(EventConversationUpdate), 2)
	assert.Len(t, pub.byName(EventMessageUpdate), 1)
	assert.Equal(t, "b@example.com", events[2].Channel)
}

func TestMarkSeen_EmptyConversationNoOp(t *testing.T) {
	st := createTestStore(t)
	addParticipant(t, st, "user-b", "b@example.com")
	addConversation(t, st, "conv-2", "user-b")
	pub := &recordingPublisher{}
	svc := New(st, pub, nil)

	result, err := svc.MarkSeen(context.Background(), "conv-2", "user-b")
	require.NoError(t, err)

	assert.True(t, result.NoOp)
	assert.Nil(t, result.Message)
	assert.Equal(t, "conv-2", result.Conversation.ID)
	assert.Empty(t, pub.recorded(), "empty conversation must not publish")
}

func TestMarkSeen_ConversationNotFound(t *testing.T) {
	svc, pub, _ := newSeenFixture(t)

	_, err := svc.MarkSeen(context.Background(), "missing", "user-b")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, pub.recorded())
}

func TestMarkSeen_Unauthenticated(t *testing.T) {
	svc, pub, _ := newSeenFixture(t)

	_, err := svc.MarkSeen(context.Background(), "conv-1", "")
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, pub.recorded())
}

func TestMarkSeen_NotParticipant(t *testing.T) {
	svc, pub, st := newSeenFixture(t)
	addParticipant(t, st, "user-c", "c@example.com")

	_, err := svc.MarkSeen(context.Background(), "conv-1", "user-c")
	require.ErrorIs(t, err, ErrNotParticipant)
	assert.Empty(t, pub.recorded())
}

func TestMarkSeen_PublishFailureIsNonFatal(t *testing.T) {
	st := createTestStore(t)
	addParticipant(t, st, "user-a", "a@example.com")
	addParticipant(t, st, "user-b", "b@example.com")
	addConversation(t, st, "conv-1", "user-a", "user-b")
	addMessage(t, st, "msg-1", "conv-1", "user-a")

	pub := &recordingPublisher{err: errors.New("transport down")}
	svc := New(st, pub, nil)

	result, err := svc.MarkSeen(context.Background(), "conv-1", "user-b")

	// The error is a degraded-publish error, not a failure of the operation
	require.Error(t, err)
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)

	// State is durably correct despite the failed fan-out
	require.NotNil(t, result)
	assert.Equal(t, []string{"user-b"}, result.Message.SeenBy)

	msg, getErr := st.GetMessage(context.Background(), "msg-1")
	require.NoError(t, getErr)
	assert.Equal(t, []string{"user-b"}, msg.SeenBy)
}

func TestMarkSeen_LastMessageWins(t *testing.T) {
	svc, pub, st := newSeenFixture(t)
	addMessage(t, st, "msg-2", "conv-1", "user-a")

	result, err := svc.MarkSeen(context.Background(), "conv-1", "user-b")
	require.NoError(t, err)

	// Only the message with the greatest position is acknowledged
	assert.Equal(t, "msg-2", result.Message.ID)

	msg1, err := st.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Empty(t, msg1.SeenBy, "earlier messages are untouched")

	convEvents := pub.byName(EventMessageUpdate)
	require.Len(t, convEvents, 1)
	assert.Equal(t, "msg-2", convEvents[0].Payload.(*MessageView).ID)
}

func TestMarkSeen_ConcurrentDistinctParticipantsConverge(t *testing.T) {
	st := createTestStore(t)
	const n = 6

	addParticipant(t, st, "sender", "sender@example.com")
	ids := []string{"sender"}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("user-%d", i)
		addParticipant(t, st, id, id+"@example.com")
		ids = append(ids, id)
	}
	addConversation(t, st, "conv-1", ids...)
	addMessage(t, st, "msg-1", "conv-1", "sender")

	pub := &recordingPublisher{}
	svc := New(st, pub, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.MarkSeen(ctx, "conv-1", fmt.Sprintf("user-%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent MarkSeen failed: %v", err)
	}

	msg, err := st.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Len(t, msg.SeenBy, n, "seen set must converge to the union of all participants")
	for i := 0; i < n; i++ {
		assert.True(t, msg.Seen(fmt.Sprintf("user-%d", i)))
	}
}

func TestMarkSeen_Monotonicity(t *testing.T) {
	svc, _, st := newSeenFixture(t)
	ctx := context.Background()

	_, err := svc.MarkSeen(ctx, "conv-1", "user-b")
	require.NoError(t, err)
	_, err = svc.MarkSeen(ctx, "conv-1", "user-a")
	require.NoError(t, err)
	_, err = svc.MarkSeen(ctx, "conv-1", "user-b")
	require.NoError(t, err)

	msg, err := st.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, msg.SeenBy,
		"no previously-added participant may be lost")
}

func TestSendMessage_FansOutToConversationAndInboxes(t *testing.T) {
	svc, pub, _ := newSeenFixture(t)

	msg, err := svc.SendMessage(context.Background(), "conv-1", "user-b", "hi there")
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, "conv-1", msg.ConversationID)
	assert.Equal(t, "user-b", msg.SenderID)
	assert.Equal(t, int64(2), msg.Position)
	assert.Equal(t, []string{"user-b"}, msg.SeenBy, "sender has seen their own message")

	newEvents := pub.byName(EventMessageNew)
	require.Len(t, newEvents, 1)
	assert.Equal(t, "conv-1", newEvents[0].Channel)

	inboxEvents := pub.byName(EventConversationUpdate)
	require.Len(t, inboxEvents, 2)
	channels := []string{inboxEvents[0].Channel, inboxEvents[1].Channel}
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, channels)
}

func TestSendMessage_NotParticipant(t *testing.T) {
	svc, pub, st := newSeenFixture(t)
	addParticipant(t, st, "user-c", "c@example.com")

	_, err := svc.SendMessage(context.Background(), "conv-1", "user-c", "let me in")
	require.ErrorIs(t, err, ErrNotParticipant)
	assert.Empty(t, pub.recorded())
}

func TestSendMessage_RequiresBody(t *testing.T) {
	svc, _, _ := newSeenFixture(t)

	_, err := svc.SendMessage(context.Background(), "conv-1", "user-b", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body")
}

func TestCreateConversation_IncludesCreator(t *testing.T) {
	st := createTestStore(t)
	addParticipant(t, st, "user-a", "a@example.com")
	addParticipant(t, st, "user-b", "b@example.com")
	svc := New(st, &recordingPublisher{}, nil)

	conv, err := svc.CreateConversation(context.Background(), "pair", "user-a", []string{"user-b"})
	require.NoError(t, err)

	assert.True(t, conv.HasParticipant("user-a"), "creator must be a member")
	assert.True(t, conv.HasParticipant("user-b"))
}

func TestInbox_ReturnsPreviews(t *testing.T) {
	svc, _, _ := newSeenFixture(t)

	previews, err := svc.Inbox(context.Background(), "user-b", 10)
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, "conv-1", previews[0].Conversation.ID)
	require.NotNil(t, previews[0].LastMessage)
	assert.Equal(t, "msg-1", previews[0].LastMessage.ID)
}

func TestHistory_MembershipEnforced(t *testing.T) {
	svc, _, st := newSeenFixture(t)
	addParticipant(t, st, "user-c", "c@example.com")

	msgs, err := svc.History(context.Background(), "conv-1", "user-b", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = svc.History(context.Background(), "conv-1", "user-c", 10)
	require.ErrorIs(t, err, ErrNotParticipant)
}
