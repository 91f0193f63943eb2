// ABOUTME: SSE streaming endpoint for subscribing to event channels
// ABOUTME: Enforces channel entitlement - own address or member conversations only

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chatterbox-im/readsync/internal/pubsub"
	"github.com/chatterbox-im/readsync/internal/store"
)

// heartbeatInterval is how often a comment line is written to keep
// intermediaries from closing an idle SSE stream.
const heartbeatInterval = 30 * time.Second

// handleEvents handles GET /api/events?channel=X requests.
// The caller may subscribe to their own address channel or to the channel of
// any conversation they belong to; everything else is forbidden.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		g.sendJSONError(w, http.StatusBadRequest, "channel query param required")
		return
	}

	if !g.channelEntitled(r, channel, identity.ParticipantID, identity.Address) {
		g.sendJSONError(w, http.StatusForbidden, "not entitled to this channel")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.broadcaster.Subscribe(r.Context(), channel)
	defer g.broadcaster.Unsubscribe(channel, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"channel": channel})
	flusher.Flush()

	g.logger.Debug("SSE subscriber attached",
		"channel", channel,
		"participant_id", identity.ParticipantID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case evt, ok := <-events:
			if !ok {
				// Broadcaster closed (shutdown)
				return
			}
			g.writeSSERaw(w, evt)
			flusher.Flush()
		}
	}
}

// channelEntitled reports whether the participant may subscribe to the channel.
func (g *Gateway) channelEntitled(r *http.Request, channel, participantID, address string) bool {
	if channel == address {
		return true
	}

	conv, err := g.store.GetConversation(r.Context(), channel)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		g.logger.Error("failed to check channel entitlement", "channel", channel, "error", err)
		return false
	}
	return conv.HasParticipant(participantID)
}

// writeSSEEvent marshals data and writes a single SSE event.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeSSERaw writes a broadcaster event whose payload is already encoded.
func (g *Gateway) writeSSERaw(w http.ResponseWriter, evt *pubsub.Event) {
	fmt.Fprintf(w, "id: %s\n", evt.ID)
	fmt.Fprintf(w, "event: %s\n", evt.Name)
	fmt.Fprintf(w, "data: %s\n\n", evt.Payload)
}
