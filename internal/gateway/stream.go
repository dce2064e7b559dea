package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/otel"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"
)

const (
	transportSSE = "sse"
	transportWS  = "ws"
)

// notFoundPayload is the body of the single error frame sent for unknown tasks.
func notFoundPayload(taskID string) map[string]string {
	return map[string]string{"message": "Task not found", "task_id": taskID}
}

// follow feeds every event of sub to emit until the terminal event, the end
// of ctx, or a write failure. idle runs whenever no event arrived within the
// heartbeat interval.
func (s *Server) follow(ctx context.Context, sub *bus.Subscriber, transport string, idle func() error, emit func(bus.StreamEvent) error) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Heartbeat)
		ev, err := sub.Take(waitCtx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, bus.ErrChannelClosed):
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if idle() != nil {
				return
			}
			continue
		default:
			s.logger.Warn("stream take failed", "error", err)
			return
		}

		if err := emit(ev); err != nil {
			s.logger.Debug("stream write failed", "transport", transport, "error", err)
			return
		}
		s.metrics.StreamFrames.Add(ctx, 1, metric.WithAttributes(
			otel.AttrEvent.String(string(ev.Kind)),
			otel.AttrTransport.String(transport),
		))
		if ev.Kind.Terminal() {
			return
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch, err := s.cfg.Registry.Channel(taskID)
	if err != nil {
		_ = writeSSEFrame(w, "error", notFoundPayload(taskID))
		flusher.Flush()
		return
	}

	ctx := r.Context()
	clients := metric.WithAttributes(otel.AttrTransport.String(transportSSE))
	s.metrics.StreamClients.Add(ctx, 1, clients)
	defer s.metrics.StreamClients.Add(context.WithoutCancel(ctx), -1, clients)

	heartbeat := func() error {
		if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	s.follow(ctx, ch.Subscribe(), transportSSE, heartbeat, func(ev bus.StreamEvent) error {
		if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
			return err
		}
		if err := writeSSEFrame(w, string(ev.Kind), ev.Payload); err != nil {
			msg := map[string]string{"message": err.Error(), "task_id": taskID}
			_ = writeSSEFrame(w, string(bus.KindError), msg)
			flusher.Flush()
			return err
		}
		flusher.Flush()
		return nil
	})
	s.logger.Debug("sse stream closed", "task_id", taskID)
}

func writeSSEFrame(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// wsMessage is one WebSocket frame: the SSE event name and its payload.
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.CORS.AllowOrigins),
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// Incoming messages are ignored; CloseRead ends ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	ch, err := s.cfg.Registry.Channel(taskID)
	if err != nil {
		_ = wsjson.Write(ctx, conn, wsMessage{Event: string(bus.KindError), Data: notFoundPayload(taskID)})
		_ = conn.Close(websocket.StatusNormalClosure, "task not found")
		return
	}

	clients := metric.WithAttributes(otel.AttrTransport.String(transportWS))
	s.metrics.StreamClients.Add(ctx, 1, clients)
	defer s.metrics.StreamClients.Add(context.WithoutCancel(ctx), -1, clients)

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.Ping(pingCtx)
	}
	s.follow(ctx, ch.Subscribe(), transportWS, ping, func(ev bus.StreamEvent) error {
		return wsjson.Write(ctx, conn, wsMessage{Event: string(ev.Kind), Data: ev.Payload})
	})
	_ = conn.Close(websocket.StatusNormalClosure, "stream finished")
}

// originPatterns turns configured origins into the host patterns the
// websocket library matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
