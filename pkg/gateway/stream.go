package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/log"
)

// sink writes stream records to one client
type sink interface {
	send(ctx context.Context, event *events.Event) error
	close(reason string)
}

type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (s *sseSink) send(_ context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// not every writer supports deadlines; the write itself still fails on a dead peer
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) close(string) {}

type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) send(ctx context.Context, event *events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, event)
}

func (s *wsSink) close(reason string) {
	_ = s.conn.Close(websocket.StatusNormalClosure, reason)
}

func isWebSocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleEvents authenticates with the token header or a ?token= query
// parameter holding a stream ticket or the shared token, then streams
// events as SSE or WebSocket frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get(s.config.TokenHeader)
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	if err := s.checkToken(r, presented, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.broker == nil {
		s.writeError(w, r, apierr.NotFound("event stream is not enabled"))
		return
	}

	cid := CorrelationID(r.Context())
	logger := log.WithCorrelationID(s.logger, cid)
	ctx := r.Context()

	var out sink
	transport := "sse"
	if isWebSocket(r) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("websocket handshake failed")
			return
		}
		// the client never sends anything we care about; CloseRead also
		// cancels ctx when the peer goes away
		ctx = conn.CloseRead(ctx)
		out = &wsSink{conn: conn, timeout: s.config.WriteTimeout}
		transport = "websocket"
	} else {
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		out = &sseSink{w: w, rc: http.NewResponseController(w), timeout: s.config.WriteTimeout}
	}

	sub := s.broker.Subscribe(s.config.QueueCapacity)
	defer sub.Close()

	logger.Info().Str("transport", transport).Msg("event stream opened")
	reason := s.pump(ctx, out, sub, cid, logger)
	out.close(reason)
	logger.Info().Str("transport", transport).Str("reason", reason).Msg("event stream closed")
}

// pump forwards events and heartbeats until the client leaves, the
// gateway shuts down or the subscription ends. It returns why it stopped.
func (s *Server) pump(ctx context.Context, out sink, sub *events.Subscription, cid string, logger zerolog.Logger) string {
	ticker := s.clock.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	if err := out.send(ctx, s.heartbeat(cid)); err != nil {
		return "write_failed"
	}
	for {
		select {
		case <-ctx.Done():
			return "client_gone"
		case <-s.shutdownCh:
			return "shutdown"
		case <-ticker.C:
			if err := out.send(ctx, s.heartbeat(cid)); err != nil {
				logger.Debug().Err(err).Msg("heartbeat write failed")
				return "write_failed"
			}
		case event, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					logger.Warn().Msg("event subscriber fell behind and was dropped")
					return "overflow"
				}
				return "closed"
			}
			if err := out.send(ctx, event); err != nil {
				logger.Debug().Err(err).Msg("event write failed")
				return "write_failed"
			}
		}
	}
}

func (s *Server) heartbeat(cid string) *events.Event {
	return &events.Event{
		Timestamp:     s.clock.Now().UTC(),
		Type:          events.EventHeartbeat,
		Severity:      events.SeverityDebug,
		CorrelationID: cid,
		Summary:       "heartbeat",
	}
}
