package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/metrics"
)

const (
	streamPollInterval = 250 * time.Millisecond
	streamBatchLimit   = 64
	maxBacklogReplay   = 1024
	defaultKeepalive   = 15 * time.Second
)

// streamParams are shared by the SSE and websocket gateways.
type streamParams struct {
	types     map[string]struct{}
	lastID    int64
	backlog   int
	forceFull bool
}

func parseStreamParams(r *http.Request) streamParams {
	q := r.URL.Query()
	p := streamParams{forceFull: q.Get("force_full") == "1"}
	if raw := strings.TrimSpace(q.Get("types")); raw != "" {
		p.types = map[string]struct{}{}
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	if n, err := strconv.Atoi(q.Get("backlog")); err == nil && n > 0 {
		p.backlog = n
		if p.backlog > maxBacklogReplay {
			p.backlog = maxBacklogReplay
		}
	}
	// Last-Event-ID is the SSE reconnect convention; last_id serves
	// websocket clients, which have no equivalent header.
	if id, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64); err == nil && id > 0 {
		p.lastID = id
	}
	if id, err := strconv.ParseInt(q.Get("last_id"), 10, 64); err == nil && id > p.lastID {
		p.lastID = id
	}
	return p
}

func (p streamParams) match(eventType string) bool {
	if p.types == nil {
		return true
	}
	_, ok := p.types[eventType]
	return ok
}

func (s *Server) keepaliveEvery() time.Duration {
	if d := s.cfg.HTTP.SSEKeepalive; d > 0 {
		return d
	}
	return defaultKeepalive
}

// handleEventsSSE streams bus events as text/event-stream frames. The
// handler polls the bus with a bounded batch so shutdown and disconnect
// are observed promptly.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	p := parseStreamParams(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	release := s.bus.ConsumerConnected()
	defer release()

	// A forced full precedes backlog replay so reconnecting clients
	// re-anchor before any diff reaches them.
	if p.forceFull {
		if frame, ok := s.syntheticFull(); ok {
			if _, err := w.Write(frame); err != nil {
				return
			}
			fl.Flush()
		}
	}
	if p.backlog > 0 {
		replayed := 0
		for _, ev := range s.bus.GetSince(p.lastID, 0) {
			p.lastID = ev.ID
			if !p.match(ev.Type) {
				continue
			}
			if err := s.writeSSEEvent(w, ev); err != nil {
				return
			}
			s.bus.MarkEmitted(ev.Type)
			if replayed++; replayed >= p.backlog {
				break
			}
		}
		fl.Flush()
	}

	keepalive := s.keepaliveEvery()
	idle := s.cfg.HTTP.SSEIdleTimeout
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	lastWrite := time.Now()
	lastEvent := lastWrite

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		wrote := false
		for _, ev := range s.bus.GetSince(p.lastID, streamBatchLimit) {
			p.lastID = ev.ID
			if !p.match(ev.Type) {
				continue
			}
			if err := s.writeSSEEvent(w, ev); err != nil {
				return
			}
			s.bus.MarkEmitted(ev.Type)
			wrote = true
		}
		now := time.Now()
		if wrote {
			fl.Flush()
			lastWrite, lastEvent = now, now
			continue
		}
		if idle > 0 && now.Sub(lastEvent) >= idle {
			return
		}
		if now.Sub(lastWrite) >= keepalive {
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			fl.Flush()
			lastWrite = now
		}
	}
}

// syntheticFull renders a panel_full frame from the bus's latest full
// snapshot. The frame carries id 0 so it never disturbs the client's
// Last-Event-ID tracking, and the current generation rather than the
// stamped one so diffs that follow share it.
func (s *Server) syntheticFull() ([]byte, bool) {
	snap, _, ok := s.bus.LatestFullSnapshot()
	if !ok {
		return nil, false
	}
	snap["generation"] = s.bus.Generation()
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, false
	}
	s.reg.Observe(metrics.MSSESerializeSeconds, time.Since(start).Seconds())
	return []byte(fmt.Sprintf("event: %s\nid: 0\ndata: %s\n\n", events.TypePanelFull, data)), true
}

func (s *Server) writeSSEEvent(w io.Writer, ev *events.Event) error {
	data := ev.Serialized
	if data == nil {
		start := time.Now()
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		s.reg.Observe(metrics.MSSESerializeSeconds, time.Since(start).Seconds())
		data = b
	}
	_, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.ID, data)
	return err
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsFrame struct {
	ID      int64          `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// handleEventsWS mirrors the SSE gateway over a websocket. Frames are
// JSON objects {id, type, payload}; keepalive is a ping control frame.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	p := parseStreamParams(r)
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	release := s.bus.ConsumerConnected()
	defer release()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if p.forceFull {
		if snap, _, ok := s.bus.LatestFullSnapshot(); ok {
			snap["generation"] = s.bus.Generation()
			if err := conn.WriteJSON(wsFrame{ID: 0, Type: events.TypePanelFull, Payload: snap}); err != nil {
				return
			}
		}
	}
	if p.backlog > 0 {
		replayed := 0
		for _, ev := range s.bus.GetSince(p.lastID, 0) {
			p.lastID = ev.ID
			if !p.match(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(wsFrame{ID: ev.ID, Type: ev.Type, Payload: ev.Payload}); err != nil {
				return
			}
			s.bus.MarkEmitted(ev.Type)
			if replayed++; replayed >= p.backlog {
				break
			}
		}
	}

	keepalive := s.keepaliveEvery()
	idle := s.cfg.HTTP.SSEIdleTimeout
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	lastWrite := time.Now()
	lastEvent := lastWrite

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}

		wrote := false
		for _, ev := range s.bus.GetSince(p.lastID, streamBatchLimit) {
			p.lastID = ev.ID
			if !p.match(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(wsFrame{ID: ev.ID, Type: ev.Type, Payload: ev.Payload}); err != nil {
				return
			}
			s.bus.MarkEmitted(ev.Type)
			wrote = true
		}
		now := time.Now()
		if wrote {
			lastWrite, lastEvent = now, now
			continue
		}
		if idle > 0 && now.Sub(lastEvent) >= idle {
			return
		}
		if now.Sub(lastWrite) >= keepalive {
			deadline := now.Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			lastWrite = now
		}
	}
}
