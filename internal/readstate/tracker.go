// ABOUTME: Pure read-state decision logic with no I/O
// ABOUTME: Decides seen-set updates and which fan-out events must fire

package readstate

import (
	"github.com/chatterbox-im/readsync/internal/store"
)

// Update is the result of one read-state computation. AlreadySeen is the
// idempotence witness: true means the call was a no-op with respect to state
// and the conversation-scoped broadcast must be suppressed.
type Update struct {
	Message     *store.Message // the target message, nil when NoOp
	Participant string
	SeenBy      []string // the updated seen set (unchanged when AlreadySeen)
	AlreadySeen bool
	NoOp        bool // true when the conversation had no message to acknowledge
}

// ComputeUpdate decides the read-state transition for one acknowledgement.
//
// The caller is responsible for having verified that the participant belongs
// to the conversation; this function only applies the set semantics:
//
//   - nil lastMessage: the conversation is empty, nothing to acknowledge
//   - participant already in SeenBy: no state change, AlreadySeen=true
//   - otherwise: SeenBy gains the participant exactly once
//
// The returned SeenBy is a copy; the input message is never mutated.
func ComputeUpdate(lastMessage *store.Message, participantID string) Update {
	if lastMessage == nil {
		return Update{Participant: participantID, NoOp: true}
	}

	if lastMessage.Seen(participantID) {
		return Update{
			Message:     lastMessage,
			Participant: participantID,
			SeenBy:      append([]string(nil), lastMessage.SeenBy...),
			AlreadySeen: true,
		}
	}

	updated := make([]string, 0, len(lastMessage.SeenBy)+1)
	updated = append(updated, lastMessage.SeenBy...)
	updated = append(updated, participantID)

	return Update{
		Message:     lastMessage,
		Participant: participantID,
		SeenBy:      updated,
	}
}

// LastMessage selects the authoritative last message from a conversation's
// sequence: the one with the greatest send-order position. Positions are
// unique per conversation, but if the store ever hands back duplicates the
// higher ID wins so the choice stays deterministic.
func LastMessage(msgs []*store.Message) *store.Message {
	var last *store.Message
	for _, m := range msgs {
		if last == nil || m.Position > last.Position ||
			(m.Position == last.Position && m.ID > last.ID) {
			last = m
		}
	}
	return last
}
