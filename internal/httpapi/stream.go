package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"whalestream/internal/domain"
	"whalestream/internal/live"
)

// emitter writes one stream event. A non-nil error ends the stream.
type emitter func(event string, body WhalesResponse) error

// pump is the transport-independent stream loop. It sends the subscription
// snapshot first, then one insert event per accepted whale, a full snapshot
// after a reset, and a full heartbeat snapshot whenever the heartbeat
// interval passes. It returns when ctx ends, the subscription is dropped,
// or emit fails.
func (s *WhaleServer) pump(ctx context.Context, q live.Query, emit emitter) {
	sub, page := s.model.Subscribe(q)
	defer s.model.Unsubscribe(sub.ID)

	if err := emit(eventSnapshot, s.response(page)); err != nil {
		return
	}

	hb := time.NewTimer(s.heartbeatInterval())
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C:
			if !ok {
				s.log.Info("stream subscriber dropped", "id", sub.ID)
				return
			}
			var err error
			switch ev.Kind {
			case live.EventInsert:
				err = emit(eventInsert, WhalesResponse{
					Data:      []domain.Whale{ev.Whale},
					Timestamp: ev.Whale.IngestTS.Unix(),
					Total:     1,
				})
			case live.EventReset:
				err = emit(eventSnapshot, s.response(s.model.Snapshot(q, 0, 0)))
			}
			if err != nil {
				return
			}

		case <-hb.C:
			if err := emit(eventHeartbeat, s.response(s.model.Snapshot(q, 0, 0))); err != nil {
				return
			}
			hb.Reset(s.heartbeatInterval())
		}
	}
}

// ---------------------------------------------------------------------------
// Server-sent events
// ---------------------------------------------------------------------------

func (s *WhaleServer) handleStream(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.pump(r.Context(), q, func(event string, body WhalesResponse) error {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

func (s *WhaleServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: the client sends nothing useful, but reading drives pong
	// handling and notices the close.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// WriteControl may run concurrently with the pump's writes.
	go func() {
		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	write := func(event string, body WhalesResponse) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(StreamMessage{Type: event, WhalesResponse: body})
	}

	s.pump(ctx, q, write)

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
