package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/tracer"
	"sparkwise/internal/usecase"
)

// Consulter runs one consultation. *usecase.Orchestrator satisfies it.
type Consulter interface {
	Consult(ctx context.Context, req domain.ConsultRequest, sink domain.EventSink) (*domain.ConsultResult, error)
}

// Recorder receives gateway metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	StreamOpened(transport string)
	StreamClosed(transport string)
	HTTPRequest(route string, code int, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) StreamOpened(string)                    {}
func (nopRecorder) StreamClosed(string)                    {}
func (nopRecorder) HTTPRequest(string, int, time.Duration) {}

// HandlerDeps holds dependencies needed by the HTTP handlers.
type HandlerDeps struct {
	Consulter      Consulter
	Auth           Authenticator // nil = no auth
	Recorder       Recorder      // nil = no metrics
	MetricsHandler http.Handler  // nil = /metrics not served
	HealthChecks   []HealthCheck
	Version        string
	Logger         *slog.Logger
	MaxBodyBytes   int64
	AllowedOrigins []string
}

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
)

// wantsStream reports whether the client asked for an event stream.
func wantsStream(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Response-Mode"), "stream") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// decodeConsultRequest reads and validates the request body.
func decodeConsultRequest(r io.Reader) (domain.ConsultRequest, error) {
	var req domain.ConsultRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, err
		}
		return req, domain.NewDomainError("gateway.decode", domain.ErrValidation, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// consultHandler serves POST /api/v1/consult in JSON or SSE mode.
func consultHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream := wantsStream(r)
		ctx, span := tracer.StartSpan(r.Context(), "gateway.consult",
			trace.WithAttributes(tracer.BoolAttr("gateway.stream", stream)),
		)
		defer span.End()

		if deps.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, deps.MaxBodyBytes)
		}
		req, err := decodeConsultRequest(r.Body)
		if err != nil {
			tracer.RecordError(span, err)
			writeError(w, err)
			return
		}
		span.SetAttributes(tracer.StringAttr("session.id", req.SessionID))

		var result *domain.ConsultResult
		if stream {
			result, err = serveSSE(ctx, w, deps, req)
		} else {
			result, err = deps.Consulter.Consult(ctx, req, nil)
			if err == nil {
				writeJSON(w, http.StatusOK, newConsultResponse(result))
			} else {
				writeError(w, err)
			}
		}
		if err != nil {
			deps.Logger.Error("consultation failed", "session_id", req.SessionID, "stream", stream, "error", err)
			tracer.RecordError(span, err)
			return
		}
		span.SetAttributes(
			tracer.StringAttr("consultation.id", result.ConsultationID),
			tracer.BoolAttr("cached", result.FromCache),
		)
		tracer.SetOK(span)
	}
}

// sseSink writes consultation events as server-sent events.
type sseSink struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) Emit(_ context.Context, ev domain.Event) error {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// serveSSE streams the consultation. The request is already validated, so
// any error from here on is reported as an error event.
func serveSSE(ctx context.Context, w http.ResponseWriter, deps HandlerDeps, req domain.ConsultRequest) (*domain.ConsultResult, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w)
	_ = sink.rc.Flush()

	deps.Recorder.StreamOpened(transportSSE)
	defer deps.Recorder.StreamClosed(transportSSE)

	result, err := deps.Consulter.Consult(ctx, req, sink)
	if err != nil {
		_, msg := errorStatus(err)
		_ = sink.Emit(ctx, domain.NewEvent(domain.EventError, req.SessionID,
			usecase.ErrorPayload{Error: msg, Code: errorCode(err)}))
	}
	return result, err
}
