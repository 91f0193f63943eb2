// Package conversation provides the read-state synchronization service.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and the leaf
// layers (store, readstate tracker, pubsub broadcaster), orchestrating them
// behind idempotent operations:
//
//	svc := conversation.New(store, broadcaster, logger)
//
// Key operations:
//
//   - MarkSeen(ctx, conversationID, participantID): acknowledge the last message
//   - SendMessage(ctx, conversationID, senderID, body): append and fan out
//   - Inbox(ctx, participantID, limit): conversation previews for a participant
//   - History(ctx, conversationID, participantID, limit): message sequence
//
// # MarkSeen pipeline
//
// MarkSeen is the core of the system. One call flows tracker -> store ->
// publisher:
//
//  1. Load the conversation and its last message
//  2. Verify the caller is a member
//  3. Let the readstate tracker decide (pure, no I/O)
//  4. Persist through the store's atomic set-add
//  5. Publish to the participant's private address channel (always)
//  6. Publish to the conversation channel (only on a new Unseen -> Seen
//     transition)
//
// Persistence happens-before fan-out; a failed write aborts the call with no
// publish. A failed publish after a successful write surfaces as a
// *PublishError: durable state is correct and the caller may safely retry
// the whole call.
//
// # Consistency model
//
// Concurrent MarkSeen calls for the same conversation converge because
// set-union is commutative and idempotent. Clients may briefly observe a seen
// set that lags the persisted state until their event arrives; the design
// accepts this eventual-consistency window.
package conversation
