// ABOUTME: HTTP API handlers for accounts, conversations, messages and seen acknowledgements
// ABOUTME: Maps service errors to HTTP statuses; publish failures degrade, never fail the request

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatterbox-im/readsync/internal/auth"
	"github.com/chatterbox-im/readsync/internal/conversation"
	"github.com/chatterbox-im/readsync/internal/store"
)

// RegisterRequest is the JSON request body for POST /api/register.
type RegisterRequest struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

// ParticipantResponse is the JSON representation of a participant account.
type ParticipantResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participant_id"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	Name           string   `json:"name,omitempty"`
	ParticipantIDs []string `json:"participant_ids"`
}

// ConversationResponse is the JSON representation of a conversation.
type ConversationResponse struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name,omitempty"`
	ParticipantIDs []string                  `json:"participant_ids"`
	LastMessage    *conversation.MessageView `json:"last_message,omitempty"`
	CreatedAt      string                    `json:"created_at"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
// ClientRef is an optional client-chosen token used to absorb retries.
type SendMessageRequest struct {
	Body      string `json:"body"`
	ClientRef string `json:"client_ref,omitempty"`
}

// SendMessageResponse is the JSON response for a sent message.
type SendMessageResponse struct {
	Message         *conversation.MessageView `json:"message"`
	Duplicate       bool                      `json:"duplicate,omitempty"`
	PublishDegraded bool                      `json:"publish_degraded,omitempty"`
}

// SeenResponse is the JSON response for POST /api/conversations/{id}/seen.
type SeenResponse struct {
	ConversationID  string                    `json:"conversation_id"`
	Message         *conversation.MessageView `json:"message,omitempty"`
	AlreadySeen     bool                      `json:"already_seen"`
	NoOp            bool                      `json:"no_op"`
	PublishDegraded bool                      `json:"publish_degraded,omitempty"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string                      `json:"conversation_id"`
	Messages       []*conversation.MessageView `json:"messages"`
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendServiceError maps service and store errors to HTTP statuses.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, conversation.ErrNotParticipant):
		g.sendJSONError(w, http.StatusForbidden, "not a participant of this conversation")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrParticipantNotFound):
		g.sendJSONError(w, http.StatusNotFound, "participant not found")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// requireIdentity fetches the authenticated identity from the request context.
// The auth middleware guarantees it is present on protected routes.
func (g *Gateway) requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id := auth.FromContext(r.Context())
	if id == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return id, true
}

// parseLimit parses an optional ?limit=N query parameter (default 50, max 1000).
func parseLimit(r *http.Request) (int, error) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return 0, errors.New("limit must be a positive integer")
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}
	return limit, nil
}

// parseRegisterRequest parses and validates a RegisterRequest from the given reader.
func parseRegisterRequest(r io.Reader) (*RegisterRequest, error) {
	var req RegisterRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Address == "" {
		return nil, errors.New("address is required")
	}
	if req.Password == "" {
		return nil, errors.New("password is required")
	}
	return &req, nil
}

// handleRegister handles POST /api/register requests.
// Creates a participant account with a bcrypt-hashed password.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseRegisterRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		g.logger.Error("failed to hash password", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	p := &store.Participant{
		ID:           uuid.New().String(),
		Address:      req.Address,
		Name:         req.Name,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.store.CreateParticipant(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicateAddress) {
			g.sendJSONError(w, http.StatusConflict, "address already registered")
			return
		}
		g.logger.Error("failed to create participant", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("participant registered", "participant_id", p.ID, "address", p.Address)
	g.sendJSON(w, http.StatusCreated, ParticipantResponse{
		ID:      p.ID,
		Address: p.Address,
		Name:    p.Name,
	})
}

// handleLogin handles POST /api/login requests.
// Verifies credentials and issues a bearer token.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Address == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "address and password are required")
		return
	}

	p, err := g.store.GetParticipantByAddress(r.Context(), req.Address)
	if errors.Is(err, store.ErrParticipantNotFound) {
		// Same answer as a wrong password so addresses cannot be probed
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		g.logger.Error("failed to look up participant", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.verifier.Generate(p.ID, g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("failed to generate token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, LoginResponse{
		Token:         token,
		ParticipantID: p.ID,
	})
}

// handleConversations routes /api/conversations by HTTP method.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListConversations handles GET /api/conversations.
// Returns the caller's conversations with their last messages, newest first.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	previews, err := g.service.Inbox(r.Context(), identity.ParticipantID, limit)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	response := make([]ConversationResponse, len(previews))
	for i, p := range previews {
		var last *conversation.MessageView
		if p.LastMessage != nil {
			last = conversation.NewMessageView(p.LastMessage)
		}
		response[i] = ConversationResponse{
			ID:             p.Conversation.ID,
			Name:           p.Conversation.Name,
			ParticipantIDs: p.Conversation.ParticipantIDs,
			LastMessage:    last,
			CreatedAt:      p.Conversation.CreatedAt.Format(time.RFC3339),
		}
	}

	g.sendJSON(w, http.StatusOK, response)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Every listed participant must exist before the conversation is created
	for _, pid := range req.ParticipantIDs {
		if _, err := g.store.GetParticipant(r.Context(), pid); err != nil {
			if errors.Is(err, store.ErrParticipantNotFound) {
				g.sendJSONError(w, http.StatusBadRequest, "unknown participant: "+pid)
				return
			}
			g.sendServiceError(w, err)
			return
		}
	}

	conv, err := g.service.CreateConversation(r.Context(), req.Name, identity.ParticipantID, req.ParticipantIDs)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, ConversationResponse{
		ID:             conv.ID,
		Name:           conv.Name,
		ParticipantIDs: conv.ParticipantIDs,
		CreatedAt:      conv.CreatedAt.Format(time.RFC3339),
	})
}

// handleConversationRoutes dispatches /api/conversations/{id}/(messages|seen).
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	conversationID := parts[0]
	switch parts[1] {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			g.handleGetMessages(w, r, conversationID)
		case http.MethodPost:
			g.handleSendMessage(w, r, conversationID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "seen":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleMarkSeen(w, r, conversationID)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
	}
}

// handleGetMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := g.service.History(r.Context(), conversationID, identity.ParticipantID, limit)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	response := MessagesResponse{
		ConversationID: conversationID,
		Messages:       make([]*conversation.MessageView, len(messages)),
	}
	for i, m := range messages {
		response.Messages[i] = conversation.NewMessageView(m)
	}

	g.sendJSON(w, http.StatusOK, response)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// When the request carries a client_ref that was already processed, the
// original message is returned instead of appending a duplicate.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Body == "" {
		g.sendJSONError(w, http.StatusBadRequest, "body is required")
		return
	}

	var dedupeKey string
	if req.ClientRef != "" {
		dedupeKey = identity.ParticipantID + "/" + req.ClientRef
		if messageID, hit := g.dedupe.Lookup(dedupeKey); hit {
			original, err := g.store.GetMessage(r.Context(), messageID)
			if err == nil {
				g.logger.Debug("send retry absorbed",
					"conversation_id", conversationID,
					"message_id", messageID)
				g.sendJSON(w, http.StatusOK, SendMessageResponse{
					Message:   conversation.NewMessageView(original),
					Duplicate: true,
				})
				return
			}
			// Cache entry outlived the message; fall through and send fresh
			g.logger.Warn("dedupe hit for missing message", "message_id", messageID, "error", err)
		}
	}

	msg, err := g.service.SendMessage(r.Context(), conversationID, identity.ParticipantID, req.Body)
	var pubErr *conversation.PublishError
	if err != nil && !errors.As(err, &pubErr) {
		g.sendServiceError(w, err)
		return
	}

	if dedupeKey != "" {
		g.dedupe.Remember(dedupeKey, msg.ID)
	}

	g.sendJSON(w, http.StatusCreated, SendMessageResponse{
		Message:         conversation.NewMessageView(msg),
		PublishDegraded: pubErr != nil,
	})
}

// handleMarkSeen handles POST /api/conversations/{id}/seen.
// Persistence failures fail the request; publish failures after a successful
// write degrade the response instead of failing it.
func (g *Gateway) handleMarkSeen(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity, ok := g.requireIdentity(w, r)
	if !ok {
		return
	}

	result, err := g.service.MarkSeen(r.Context(), conversationID, identity.ParticipantID)
	var pubErr *conversation.PublishError
	if err != nil && !errors.As(err, &pubErr) {
		g.sendServiceError(w, err)
		return
	}

	response := SeenResponse{
		ConversationID:  conversationID,
		AlreadySeen:     result.AlreadySeen,
		NoOp:            result.NoOp,
		PublishDegraded: pubErr != nil,
	}
	if result.Message != nil {
		response.Message = conversation.NewMessageView(result.Message)
	}

	g.sendJSON(w, http.StatusOK, response)
}
