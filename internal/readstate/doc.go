// Package readstate holds the pure decision logic for message acknowledgements.
//
// The package deliberately performs no I/O: it receives the current last
// message of a conversation and an acknowledging participant, and returns the
// updated seen set together with the AlreadySeen flag. The conversation
// service translates that decision into persistence and fan-out. Keeping the
// decision separate from storage is what makes the state machine - each
// (message, participant) pair transitions Unseen -> Seen exactly once, and
// Seen is terminal - testable without a database.
package readstate
