package expert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
	"sparkwise/internal/infra/httpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHTTPClient() *http.Client {
	return httpclient.New(time.Second, 5*time.Second, config.PoolConfig{})
}

func TestHTTPClientConsult(t *testing.T) {
	var got domain.AgentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/consult", r.URL.Path)
		assert.Equal(t, "Bearer expert-key", r.Header.Get("Authorization"))
		assert.Equal(t, "designer", r.Header.Get("X-Agent-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(domain.AgentResponse{
			Narrative:      "Use 6mm2 cable on a 40A MCB.",
			StructuredData: json.RawMessage(`{"schema_version":"1","cable_size_mm2":6}`),
			Confidence:     0.85,
			Citations:      []domain.Citation{{ID: "bs7671-433"}},
		})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL+"/", "expert-key", testHTTPClient(), testLogger())
	resp, err := c.Consult(context.Background(), domain.AgentDesigner, domain.AgentRequest{
		UserMessage: "Cable for a 9.5kW shower?",
	})
	require.NoError(t, err)

	assert.Equal(t, "Cable for a 9.5kW shower?", got.UserMessage)
	assert.Equal(t, "Use 6mm2 cable on a 40A MCB.", resp.Narrative)
	assert.InDelta(t, 0.85, resp.Confidence, 1e-9)
	assert.JSONEq(t, `{"schema_version":"1","cable_size_mm2":6}`, string(resp.StructuredData))
	require.Len(t, resp.Citations, 1)
}

func TestHTTPClientResolveChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/challenge", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req domain.ChallengeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ch-1", req.ChallengeID)

		json.NewEncoder(w).Encode(domain.ChallengeResponse{Action: "accept", Reasoning: "agreed"})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "", testHTTPClient(), testLogger())
	resp, err := c.ResolveChallenge(context.Background(), domain.AgentDesigner, domain.ChallengeRequest{ChallengeID: "ch-1"})
	require.NoError(t, err)
	assert.Equal(t, "accept", resp.Action)
}

func TestHTTPClientStatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		wantErr error
	}{
		{http.StatusBadRequest, domain.ErrValidation},
		{http.StatusUnprocessableEntity, domain.ErrValidation},
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusServiceUnavailable, domain.ErrTransient},
		{http.StatusInternalServerError, domain.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			c := NewHTTPClient(server.URL, "", testHTTPClient(), testLogger())
			_, err := c.Consult(context.Background(), domain.AgentInstaller, domain.AgentRequest{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), "expert API error")
		})
	}
}

func TestHTTPClientMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>oops</html>`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "", testHTTPClient(), testLogger())
	_, err := c.Consult(context.Background(), domain.AgentInstaller, domain.AgentRequest{})
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestHTTPClientContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewHTTPClient(server.URL, "", testHTTPClient(), testLogger())
	_, err := c.Consult(ctx, domain.AgentInstaller, domain.AgentRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
