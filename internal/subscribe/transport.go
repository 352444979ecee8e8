package subscribe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/types"
)

// SSEWriter frames messages as server-sent events:
//
//	event: <type>
//	data: <json>
//
// followed by a blank line, flushed per frame.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewSSEWriter prepares w for streaming and returns the writer. It fails
// when the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("%w: response writer does not support streaming", types.ErrUnavailable)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

// Send writes one SSE frame.
func (s *SSEWriter) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: sse stream closed", types.ErrUnavailable)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", msg.Type, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close marks the stream finished and unblocks Wait.
func (s *SSEWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Wait blocks until the writer is closed.
func (s *SSEWriter) Wait() <-chan struct{} { return s.done }

// WSWriter frames messages as JSON text frames over a WebSocket.
type WSWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSWriter wraps an upgraded connection.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

// Send writes one JSON text frame.
func (w *WSWriter) Send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

// Close closes the underlying connection.
func (w *WSWriter) Close() error {
	return w.conn.Close()
}

// SSEHandler serves event streams. The client subscribes via query
// parameters: ns (required), filter (JSON), ops (comma list),
// includeState.
func SSEHandler(m *Manager, auth *Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actx := AuthFromRequest(r)
		if !auth.Allow(actx, ScopeSubscribe) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		req, err := subscribeRequestFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		sw, err := NewSSEWriter(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		connID, err := m.AddConnection(sw)
		if err != nil {
			return
		}
		if req.Ns != "" {
			m.Subscribe(connID, req)
		}

		select {
		case <-r.Context().Done():
			m.RemoveConnection(connID)
		case <-sw.Wait():
		}
	})
}

// WSHandler serves the bidirectional WebSocket protocol: clients send
// subscribe, unsubscribe, and ping frames and receive the manager's
// message stream.
func WSHandler(m *Manager, auth *Authorizer, upgrader websocket.Upgrader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actx := AuthFromRequest(r)
		if !auth.Allow(actx, ScopeSubscribe) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			debug.Logf("subscribe: websocket upgrade: %v", err)
			return
		}
		ww := NewWSWriter(conn)
		connID, err := m.AddConnection(ww)
		if err != nil {
			return
		}
		defer m.RemoveConnection(connID)

		for {
			var frame wsClientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			m.Touch(connID)
			switch frame.Type {
			case MsgSubscribe:
				subID := m.Subscribe(connID, SubscribeRequest{
					Ns:           frame.Ns,
					Filter:       frame.Filter,
					Ops:          frame.Ops,
					IncludeState: frame.IncludeState,
				})
				if frame.ID != "" {
					status := "subscribed"
					if subID == "" {
						status = "error"
					}
					ww.Send(Message{Type: MsgAck, ID: frame.ID, Status: status})
				}
			case MsgUnsubscribe:
				m.Unsubscribe(connID, frame.SubscriptionID)
				if frame.ID != "" {
					ww.Send(Message{Type: MsgAck, ID: frame.ID, Status: "unsubscribed"})
				}
			case MsgPing:
				// Touch above is the whole point; ack so clients can
				// measure round trips.
				ww.Send(Message{Type: MsgPong, TS: frame.TS})
			}
		}
	})
}

type wsClientFrame struct {
	Type           string         `json:"type"`
	ID             string         `json:"id,omitempty"`
	Ns             string         `json:"ns,omitempty"`
	Filter         map[string]any `json:"filter,omitempty"`
	Ops            []types.Op     `json:"ops,omitempty"`
	IncludeState   bool           `json:"includeState,omitempty"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	TS             int64          `json:"ts,omitempty"`
}

func subscribeRequestFromQuery(r *http.Request) (SubscribeRequest, error) {
	q := r.URL.Query()
	req := SubscribeRequest{Ns: q.Get("ns")}
	if raw := q.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Filter); err != nil {
			return SubscribeRequest{}, fmt.Errorf("bad filter: %w", err)
		}
	}
	if raw := q.Get("ops"); raw != "" {
		for _, op := range splitComma(raw) {
			req.Ops = append(req.Ops, types.Op(op))
		}
	}
	req.IncludeState = q.Get("includeState") == "true"
	return req, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
