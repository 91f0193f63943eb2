// Package store provides persistent storage for readsync using SQLite.
//
// # Architecture
//
// The Store interface covers participants, conversations, messages and the
// per-message seen set. SQLiteStore is the production implementation; the
// conversation service depends only on the interface so its decision logic
// can be tested against lightweight fakes.
//
// # Data Models
//
//   - Participant: identity plus a notification address (the name of the
//     participant's private delivery channel)
//   - Conversation: participant set plus an append-only message sequence
//   - Message: body, sender, send-order position, and the SeenBy set
//
// # Read-state semantics
//
// A message's SeenBy set is the only shared mutable state in the system. It
// is mutated exclusively through PersistSeen, which is an atomic set-add
// (INSERT OR IGNORE on the (message_id, participant_id) primary key).
// Set-union is commutative and idempotent, so concurrent acknowledgements
// converge regardless of arrival order and the set never shrinks.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: conversation or message does not exist
//   - ErrParticipantNotFound: referenced participant does not exist
//   - ErrDuplicateAddress: participant address already registered
//
// All methods accept context.Context for cancellation support.
package store
