// ABOUTME: Test fixture and lifecycle tests for the gateway
// ABOUTME: Covers health endpoints, readiness, and graceful shutdown on context cancel

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterbox-im/readsync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "readsync.db")},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret",
			TokenTTL:  time.Hour,
		},
		Dedupe: config.DedupeConfig{
			TTL:     time.Minute,
			MaxSize: 100,
		},
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(testConfig(t), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.broadcaster.Close()
		gw.dedupe.Close()
		_ = gw.store.Close()
	})
	return gw
}

// doJSON sends a JSON request through the full handler chain and returns the recorder.
func doJSON(t *testing.T, gw *Gateway, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	return rec
}

// registerAndLogin creates an account and returns its participant ID and token.
func registerAndLogin(t *testing.T, gw *Gateway, address string) (participantID, token string) {
	t.Helper()
	rec := doJSON(t, gw, http.MethodPost, "/api/register", "", RegisterRequest{
		Address:  address,
		Password: "hunter2-long-enough",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var p ParticipantResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))

	rec = doJSON(t, gw, http.MethodPost, "/api/login", "", LoginRequest{
		Address:  address,
		Password: "hunter2-long-enough",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var login LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&login))
	require.Equal(t, p.ID, login.ParticipantID)

	return p.ID, login.Token
}

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleReady(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestHandleReady_StoreClosed(t *testing.T) {
	gw := newTestGateway(t)
	require.NoError(t, gw.store.Close())

	rec := doJSON(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRun_GracefulShutdownOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(testConfig(t), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- gw.Run(ctx)
	}()

	// Give the server a moment to start listening, then cancel
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
