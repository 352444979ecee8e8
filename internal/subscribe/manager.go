// Package subscribe fans database events out to long-lived connections
// over SSE or WebSocket transports. Subscriptions filter by namespace,
// operation, and document predicate; dropped connections resume with
// missed-event replay.
package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/filter"
	"github.com/parquedb/parquedb/internal/telemetry"
	"github.com/parquedb/parquedb/internal/types"
)

// Message types on the wire.
const (
	MsgConnected    = "connected"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgChange       = "change"
	MsgError        = "error"
	MsgPong         = "pong"
	MsgPing         = "ping"
	MsgAck          = "ack"
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
)

// CodeMaxSubscriptions rejects a subscribe at the per-connection cap.
const CodeMaxSubscriptions = "MAX_SUBSCRIPTIONS"

// ChangeData is the payload of a change message.
type ChangeData struct {
	ID       string         `json:"id"`
	TS       time.Time      `json:"ts"`
	Op       types.Op       `json:"op"`
	Ns       string         `json:"ns"`
	EntityID string         `json:"entityId"`
	FullID   string         `json:"fullId"`
	Before   types.Entity   `json:"before,omitempty"`
	After    types.Entity   `json:"after,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is one frame sent to a connection.
type Message struct {
	Type           string      `json:"type"`
	ConnectionID   string      `json:"connectionId,omitempty"`
	SubscriptionID string      `json:"subscriptionId,omitempty"`
	Ns             string      `json:"ns,omitempty"`
	Error          string      `json:"error,omitempty"`
	Code           string      `json:"code,omitempty"`
	TS             int64       `json:"ts,omitempty"`
	Data           *ChangeData `json:"data,omitempty"`
	// Ack fields.
	ID      string `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Writer delivers frames to one client. Send errors evict the
// connection.
type Writer interface {
	Send(msg Message) error
	Close() error
}

// SubscribeRequest opens one subscription.
type SubscribeRequest struct {
	Ns           string         `json:"ns"`
	Filter       map[string]any `json:"filter,omitempty"`
	Ops          []types.Op     `json:"ops,omitempty"`
	IncludeState bool           `json:"includeState,omitempty"`
}

// Stats is a live snapshot of manager counters.
type Stats struct {
	ActiveConnections  int            `json:"activeConnections"`
	TotalSubscriptions int            `json:"totalSubscriptions"`
	EventsProcessed    uint64         `json:"eventsProcessed"`
	EventsDelivered    uint64         `json:"eventsDelivered"`
	EventsFiltered     uint64         `json:"eventsFiltered"`
	QueueDepth         int            `json:"queueDepth"`
	SubscriptionsByNs  map[string]int `json:"subscriptionsByNs"`
}

// Options tune the manager.
type Options struct {
	// MaxSubsPerConn caps subscriptions per connection. Default 10.
	MaxSubsPerConn int
	// HeartbeatInterval spaces pong frames. Default 30s.
	HeartbeatInterval time.Duration
	// IdleTimeout evicts connections without activity. Default 2m.
	IdleTimeout time.Duration
	// RetainEvents bounds the replay ring for resume. Default 1000.
	RetainEvents int
}

func (o Options) withDefaults() Options {
	if o.MaxSubsPerConn <= 0 {
		o.MaxSubsPerConn = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	if o.RetainEvents <= 0 {
		o.RetainEvents = 1000
	}
	return o
}

type subscription struct {
	id           string
	connID       string
	ns           string
	filter       map[string]any
	ops          map[types.Op]bool
	includeState bool
	lastEventID  string
}

type connection struct {
	id           string
	writer       Writer
	subs         map[string]*subscription
	lastActivity time.Time
}

// Manager owns connections and subscriptions and dispatches events.
type Manager struct {
	opts Options

	mu       sync.Mutex
	conns    map[string]*connection
	byNs     map[string]map[string]*subscription
	retained []types.Event

	processed uint64
	delivered uint64
	filtered  uint64
	queue     int
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts.withDefaults(),
		conns: make(map[string]*connection),
		byNs:  make(map[string]map[string]*subscription),
	}
}

// AddConnection registers a writer and sends the connected frame.
func (m *Manager) AddConnection(w Writer) (string, error) {
	conn := &connection{
		id:           uuid.NewString(),
		writer:       w,
		subs:         make(map[string]*subscription),
		lastActivity: time.Now(),
	}
	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()
	if err := w.Send(Message{Type: MsgConnected, ConnectionID: conn.id}); err != nil {
		m.RemoveConnection(conn.id)
		return "", err
	}
	return conn.id, nil
}

// RemoveConnection closes the writer and drops every subscription.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
		for _, sub := range conn.subs {
			m.dropSubLocked(sub)
		}
	}
	m.mu.Unlock()
	if ok {
		conn.writer.Close()
	}
}

func (m *Manager) dropSubLocked(sub *subscription) {
	if nsSubs, ok := m.byNs[sub.ns]; ok {
		delete(nsSubs, sub.id)
		if len(nsSubs) == 0 {
			delete(m.byNs, sub.ns)
		}
	}
}

// Subscribe opens a subscription on a connection. At the per-connection
// cap it sends an error frame and returns "".
func (m *Manager) Subscribe(connID string, req SubscribeRequest) string {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return ""
	}
	if len(conn.subs) >= m.opts.MaxSubsPerConn {
		w := conn.writer
		m.mu.Unlock()
		if err := w.Send(Message{Type: MsgError, Error: "subscription limit reached", Code: CodeMaxSubscriptions}); err != nil {
			m.RemoveConnection(connID)
		}
		return ""
	}
	sub := &subscription{
		id:           uuid.NewString(),
		connID:       connID,
		ns:           req.Ns,
		filter:       req.Filter,
		includeState: req.IncludeState,
	}
	if len(req.Ops) > 0 {
		sub.ops = make(map[types.Op]bool, len(req.Ops))
		for _, op := range req.Ops {
			sub.ops[op] = true
		}
	}
	conn.subs[sub.id] = sub
	nsSubs, ok := m.byNs[req.Ns]
	if !ok {
		nsSubs = make(map[string]*subscription)
		m.byNs[req.Ns] = nsSubs
	}
	nsSubs[sub.id] = sub
	conn.lastActivity = time.Now()
	w := conn.writer
	m.mu.Unlock()

	if err := w.Send(Message{Type: MsgSubscribed, SubscriptionID: sub.id, Ns: req.Ns}); err != nil {
		m.RemoveConnection(connID)
		return ""
	}
	return sub.id
}

// Unsubscribe closes one subscription. Unknown ids are a no-op.
func (m *Manager) Unsubscribe(connID, subID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub, ok := conn.subs[subID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(conn.subs, subID)
	m.dropSubLocked(sub)
	w := conn.writer
	m.mu.Unlock()
	if err := w.Send(Message{Type: MsgUnsubscribed, SubscriptionID: subID}); err != nil {
		m.RemoveConnection(connID)
	}
}

// Touch records client activity (pings, acks) for the idle reaper.
func (m *Manager) Touch(connID string) {
	m.mu.Lock()
	if conn, ok := m.conns[connID]; ok {
		conn.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// Dispatch routes one event to every matching subscription. Malformed
// targets are dropped with a debug log.
func (m *Manager) Dispatch(ev types.Event) {
	m.mu.Lock()
	m.processed++
	m.retained = append(m.retained, ev)
	if len(m.retained) > m.opts.RetainEvents {
		m.retained = m.retained[len(m.retained)-m.opts.RetainEvents:]
	}

	eid, err := types.ParseTarget(ev.Target)
	if err != nil {
		m.mu.Unlock()
		debug.Logf("subscribe: dropping event with malformed target %q", ev.Target)
		return
	}

	type delivery struct {
		connID string
		writer Writer
		msg    Message
	}
	var deliveries []delivery
	for _, sub := range m.byNs[eid.Ns] {
		msg, match := m.matchLocked(sub, &ev, eid.Local)
		if !match {
			m.filtered++
			continue
		}
		sub.lastEventID = ev.ID
		conn := m.conns[sub.connID]
		deliveries = append(deliveries, delivery{connID: sub.connID, writer: conn.writer, msg: msg})
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		if err := d.writer.Send(d.msg); err != nil {
			debug.Logf("subscribe: writer failed, evicting connection %s: %v", d.connID, err)
			m.RemoveConnection(d.connID)
			continue
		}
		m.mu.Lock()
		m.delivered++
		m.mu.Unlock()
		telemetry.AddChangeDelivered(context.Background(), d.msg.Data.Ns)
	}
}

// matchLocked checks ops membership and the document filter against the
// event's state slot, and builds the change frame.
func (m *Manager) matchLocked(sub *subscription, ev *types.Event, localID string) (Message, bool) {
	if sub.ops != nil && !sub.ops[types.OpAll] && !sub.ops[ev.Op] {
		return Message{}, false
	}
	if sub.filter != nil {
		slot := ev.State()
		if slot == nil {
			return Message{}, false
		}
		ok, err := filter.Matches(slot, sub.filter)
		if err != nil {
			debug.Logf("subscribe: bad filter on subscription %s: %v", sub.id, err)
			return Message{}, false
		}
		if !ok {
			return Message{}, false
		}
	}
	data := &ChangeData{
		ID:       ev.ID,
		TS:       ev.TS,
		Op:       ev.Op,
		Ns:       ev.Ns(),
		EntityID: localID,
		FullID:   ev.Ns() + "/" + localID,
		Actor:    ev.Actor,
		Metadata: ev.Metadata,
	}
	if sub.includeState {
		data.Before = ev.Before
		data.After = ev.After
	}
	return Message{Type: MsgChange, SubscriptionID: sub.id, Data: data}, true
}

// Run pumps a source channel into Dispatch until ctx ends, heartbeating
// along the way.
func (m *Manager) Run(ctx context.Context, source <-chan types.Event) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-source:
			if !ok {
				return
			}
			m.mu.Lock()
			m.queue = len(source)
			m.mu.Unlock()
			m.Dispatch(ev)
		case <-ticker.C:
			m.Heartbeat()
		}
	}
}

// Heartbeat sends pong to every connection and evicts idle ones.
func (m *Manager) Heartbeat() {
	now := time.Now()
	m.mu.Lock()
	type target struct {
		id     string
		writer Writer
		idle   bool
	}
	targets := make([]target, 0, len(m.conns))
	for id, conn := range m.conns {
		targets = append(targets, target{
			id:     id,
			writer: conn.writer,
			idle:   now.Sub(conn.lastActivity) > m.opts.IdleTimeout,
		})
	}
	m.mu.Unlock()

	for _, tg := range targets {
		if tg.idle {
			debug.Logf("subscribe: evicting idle connection %s", tg.id)
			m.RemoveConnection(tg.id)
			continue
		}
		if err := tg.writer.Send(Message{Type: MsgPong, TS: now.UnixMilli()}); err != nil {
			m.RemoveConnection(tg.id)
		}
	}
}

// StatsSnapshot returns current counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		ActiveConnections: len(m.conns),
		EventsProcessed:   m.processed,
		EventsDelivered:   m.delivered,
		EventsFiltered:    m.filtered,
		QueueDepth:        m.queue,
		SubscriptionsByNs: make(map[string]int, len(m.byNs)),
	}
	for ns, subs := range m.byNs {
		st.SubscriptionsByNs[ns] = len(subs)
		st.TotalSubscriptions += len(subs)
	}
	return st
}

// ResumeRequest reconnects a dropped client.
type ResumeRequest struct {
	ConnectionID  string             `json:"connectionId"`
	LastEventIDs  map[string]string  `json:"lastEventIds,omitempty"` // old subscription id -> event id
	Subscriptions []SubscribeRequest `json:"subscriptions"`
	// OldSubscriptionIDs aligns with Subscriptions to map LastEventIDs.
	OldSubscriptionIDs []string `json:"oldSubscriptionIds,omitempty"`
}

// ResumeResult reports a resume.
type ResumeResult struct {
	Success              bool          `json:"success"`
	ConnectionID         string        `json:"connectionId"`
	ResumedSubscriptions []string      `json:"resumedSubscriptions"`
	FailedSubscriptions  []string      `json:"failedSubscriptions,omitempty"`
	MissedEvents         []types.Event `json:"missedEvents,omitempty"`
}

// ResumeConnection opens a fresh connection, replays each subscription,
// and delivers still-retained events past each old cursor before any new
// live events.
func (m *Manager) ResumeConnection(w Writer, req ResumeRequest) (ResumeResult, error) {
	connID, err := m.AddConnection(w)
	if err != nil {
		return ResumeResult{}, err
	}
	res := ResumeResult{ConnectionID: connID}

	for i, subReq := range req.Subscriptions {
		subID := m.Subscribe(connID, subReq)
		if subID == "" {
			res.FailedSubscriptions = append(res.FailedSubscriptions, subReq.Ns)
			continue
		}
		res.ResumedSubscriptions = append(res.ResumedSubscriptions, subID)

		var lastEventID string
		if i < len(req.OldSubscriptionIDs) {
			lastEventID = req.LastEventIDs[req.OldSubscriptionIDs[i]]
		}
		missed := m.replayMissed(connID, subID, subReq, lastEventID)
		res.MissedEvents = append(res.MissedEvents, missed...)
	}
	res.Success = len(res.FailedSubscriptions) == 0
	return res, nil
}

// replayMissed sends retained events newer than lastEventID that match
// the subscription.
func (m *Manager) replayMissed(connID, subID string, req SubscribeRequest, lastEventID string) []types.Event {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	sub, ok := conn.subs[subID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	start := 0
	if lastEventID != "" {
		for i := range m.retained {
			if m.retained[i].ID == lastEventID {
				start = i + 1
				break
			}
		}
	}
	type delivery struct {
		ev  types.Event
		msg Message
	}
	var deliveries []delivery
	for _, ev := range m.retained[start:] {
		eid, err := types.ParseTarget(ev.Target)
		if err != nil || eid.Ns != req.Ns {
			continue
		}
		msg, match := m.matchLocked(sub, &ev, eid.Local)
		if !match {
			continue
		}
		sub.lastEventID = ev.ID
		deliveries = append(deliveries, delivery{ev: ev, msg: msg})
	}
	writer := conn.writer
	m.mu.Unlock()

	var missed []types.Event
	for _, d := range deliveries {
		if err := writer.Send(d.msg); err != nil {
			m.RemoveConnection(connID)
			return missed
		}
		missed = append(missed, d.ev)
		m.mu.Lock()
		m.delivered++
		m.mu.Unlock()
	}
	return missed
}
