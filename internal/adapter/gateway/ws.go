package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/tracer"
	"sparkwise/internal/usecase"
)

const wsWriteTimeout = 5 * time.Second

// consultWSHandler serves GET /api/v1/consult/ws. The client sends one
// consult request; the server writes each event as a JSON frame, then
// closes the connection.
func consultWSHandler(deps HandlerDeps) http.HandlerFunc {
	originPatterns := originHosts(deps.AllowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			deps.Logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer ws.CloseNow()
		if deps.MaxBodyBytes > 0 {
			ws.SetReadLimit(deps.MaxBodyBytes)
		}

		ctx, span := tracer.StartSpan(r.Context(), "gateway.consult_ws")
		defer span.End()

		var req domain.ConsultRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			deps.Logger.Debug("websocket read failed", "error", err)
			ws.Close(websocket.StatusInvalidFramePayloadData, "expected a consult request")
			return
		}

		writeEvent := func(ctx context.Context, ev domain.Event) error {
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return wsjson.Write(wctx, ws, ev)
		}

		if err := req.Validate(); err != nil {
			tracer.RecordError(span, err)
			_ = writeEvent(ctx, domain.NewEvent(domain.EventError, req.SessionID,
				usecase.ErrorPayload{Error: err.Error(), Code: errorCode(err)}))
			ws.Close(websocket.StatusPolicyViolation, "invalid consult request")
			return
		}
		span.SetAttributes(tracer.StringAttr("session.id", req.SessionID))

		deps.Recorder.StreamOpened(transportWebSocket)
		defer deps.Recorder.StreamClosed(transportWebSocket)

		// CloseRead cancels ctx when the client goes away.
		ctx = ws.CloseRead(ctx)
		result, err := deps.Consulter.Consult(ctx, req, domain.EventSinkFunc(writeEvent))
		if err != nil {
			deps.Logger.Error("consultation failed", "session_id", req.SessionID, "transport", transportWebSocket, "error", err)
			tracer.RecordError(span, err)
			_, msg := errorStatus(err)
			_ = writeEvent(ctx, domain.NewEvent(domain.EventError, req.SessionID,
				usecase.ErrorPayload{Error: msg, Code: errorCode(err)}))
			ws.Close(websocket.StatusInternalError, "consultation failed")
			return
		}
		span.SetAttributes(tracer.BoolAttr("cached", result.FromCache))
		tracer.SetOK(span)
		ws.Close(websocket.StatusNormalClosure, "consultation complete")
	}
}

// originHosts converts allowed origins into websocket host patterns.
// Same-origin requests are always accepted.
func originHosts(allowed []string) []string {
	hosts := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, strings.TrimSuffix(o, "/"))
	}
	return hosts
}
