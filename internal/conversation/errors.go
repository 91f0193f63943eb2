// ABOUTME: Error taxonomy for the conversation service
// ABOUTME: Distinguishes auth, membership, persistence and degraded-publish failures

package conversation

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when no verified participant identity was provided
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrNotParticipant is returned when the caller is not a member of the conversation
var ErrNotParticipant = errors.New("not a conversation participant")

// PublishError reports that event fan-out failed after state was durably
// persisted. It is deliberately a distinct type: callers may treat it as a
// degraded-but-non-fatal outcome: the read state is correct, only the
// real-time notification was lost. Retrying the whole operation is safe
// because MarkSeen is idempotent.
type PublishError struct {
	Channel string
	Event   string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing %s to %s: %v", e.Event, e.Channel, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
