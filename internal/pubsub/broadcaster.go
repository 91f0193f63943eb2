// ABOUTME: In-memory fan-out publisher for named delivery channels
// ABOUTME: Publishes events to participant-address and conversation-ID channels

package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event is one delivered fan-out payload. Channel names form two disjoint
// namespaces: participant notification addresses (private) and conversation
// IDs (shared by all members of the conversation).
type Event struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher is the fan-out primitive the conversation service depends on.
type Publisher interface {
	Publish(channel, name string, payload any) error
}

// Broadcaster provides in-memory pub/sub over named channels. Subscribers
// register for a channel name and receive events in publish order; there is
// no ordering guarantee across different channels.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[string]chan *Event // channel -> subID -> ch
	logger      *slog.Logger
	closed      bool
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "pubsub"),
	}
}

// Subscribe registers a subscriber for events on the given channel name.
// Returns a receive channel and a subscription ID for later unsubscription.
// The subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan *Event)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"channel", channel,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(channel, subID)
	}()

	return ch, subID
}

// Publish delivers an event to all subscribers of the named channel. The call
// is synchronous: a payload that cannot be encoded is reported as an error.
// Delivery to each subscriber is non-blocking; events are dropped for
// subscribers whose buffers are full (logged, slow consumer). Sends happen
// under the broadcaster lock so events on one channel stay in publish order.
func (b *Broadcaster) Publish(channel, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	event := &Event{
		ID:      uuid.New().String(),
		Channel: channel,
		Name:    name,
		Payload: data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("publish on closed broadcaster")
	}

	subs := b.subscribers[channel]
	for subID, ch := range subs {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber buffer full - drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"channel", channel,
				"sub_id", subID,
				"event", name)
		}
	}

	b.logger.Debug("event published",
		"channel", channel,
		"event", name,
		"subscribers", len(subs))
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty channel entries
	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}

	b.logger.Debug("subscriber removed",
		"channel", channel,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for channel, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channel)
	}

	b.logger.Debug("broadcaster closed")
}
