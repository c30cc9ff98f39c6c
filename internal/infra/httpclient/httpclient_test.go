package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrValidation},
		{http.StatusUnprocessableEntity, domain.ErrValidation},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusNotFound, domain.ErrAgentNotFound},
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusRequestTimeout, domain.ErrTransient},
		{http.StatusInternalServerError, domain.ErrTransient},
		{http.StatusServiceUnavailable, domain.ErrTransient},
	}
	for _, tt := range tests {
		err := MapStatus("expert", tt.status, []byte("boom"))
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		assert.Contains(t, err.Error(), "expert API error")
	}

	err := MapStatus("", http.StatusTeapot, []byte("short and stout"))
	assert.Equal(t, "API error 418: short and stout", err.Error())
}

func TestMapStatusTruncatesBody(t *testing.T) {
	err := MapStatus("", http.StatusBadGateway, []byte(strings.Repeat("x", 2000)))
	assert.Less(t, len(err.Error()), 700)
	assert.True(t, strings.HasSuffix(err.Error(), "..."))
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte(`{"echo":`), append(body, '}')...))
	}))
	defer srv.Close()

	out, err := PostJSON(context.Background(), srv.Client(), "expert", srv.URL, []byte(`"hi"`),
		map[string]string{"Authorization": "Bearer k"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"hi"}`, string(out))
}

func TestPostJSONMapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := PostJSON(context.Background(), srv.Client(), "expert", srv.URL, []byte(`{}`), nil)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Contains(t, err.Error(), "expert API error 502: upstream down")
}

func TestPostJSONHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := PostJSON(ctx, srv.Client(), "expert", srv.URL, []byte(`{}`), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline exceeded"))
}

func TestNewPooledTransportDefaults(t *testing.T) {
	tr := NewPooledTransport(0, 0, config.PoolConfig{})
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultMaxConnsPerHost, tr.MaxConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.Equal(t, defaultRespTimeout, tr.ResponseHeaderTimeout)

	tr = NewPooledTransport(time.Second, 5*time.Second, config.PoolConfig{MaxIdleConns: 4, MaxConnsPerHost: 2})
	assert.Equal(t, 4, tr.MaxIdleConns)
	assert.Equal(t, 2, tr.MaxConnsPerHost)
	assert.Equal(t, 5*time.Second, tr.ResponseHeaderTimeout)
}

func TestNewClientTimeout(t *testing.T) {
	c := New(2*time.Second, 8*time.Second, config.PoolConfig{})
	assert.Equal(t, 10*time.Second, c.Timeout)
	_, ok := c.Transport.(*http.Transport)
	assert.True(t, ok)
}
