// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds participant identity to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/chatterbox-im/readsync/internal/store"
)

// ParticipantStore defines the participant lookup the middleware needs
type ParticipantStore interface {
	GetParticipant(ctx context.Context, id string) (*store.Participant, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// JWT tokens. It resolves the participant and attaches an Identity to the
// request context using the WithIdentity/FromContext pattern.
func HTTPAuthMiddleware(participants ParticipantStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			participantID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			participant, err := participants.GetParticipant(r.Context(), participantID)
			if err != nil {
				http.Error(w, `{"error":"participant not found"}`, http.StatusUnauthorized)
				return
			}

			identity := &Identity{
				ParticipantID: participant.ID,
				Address:       participant.Address,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
