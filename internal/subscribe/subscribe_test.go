package subscribe

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/internal/types"
)

// memWriter records frames and can be told to start failing.
type memWriter struct {
	mu     sync.Mutex
	msgs   []Message
	fail   bool
	closed bool
}

func (w *memWriter) Send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broken pipe")
	}
	w.msgs = append(w.msgs, msg)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *memWriter) frames(typ string) []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Message
	for _, m := range w.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func postEvent(id string, op types.Op, local, status string) types.Event {
	doc := types.Entity{"$id": local, "title": "post " + local, "status": status}
	ev := types.Event{
		ID:     id,
		TS:     time.Now().UTC(),
		Op:     op,
		Target: "posts:" + local,
	}
	if op == types.OpDelete {
		ev.Before = doc
	} else {
		ev.After = doc
	}
	return ev
}

func TestConnectedFrame(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, err := m.AddConnection(w)
	require.NoError(t, err)
	require.NotEmpty(t, connID)

	frames := w.frames(MsgConnected)
	require.Len(t, frames, 1)
	require.Equal(t, connID, frames[0].ConnectionID)
}

func TestFilteredDispatch(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, err := m.AddConnection(w)
	require.NoError(t, err)

	subID := m.Subscribe(connID, SubscribeRequest{
		Ns:     "posts",
		Filter: map[string]any{"status": "published"},
		Ops:    []types.Op{types.OpCreate, types.OpUpdate},
	})
	require.NotEmpty(t, subID)
	require.Len(t, w.frames(MsgSubscribed), 1)

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))
	m.Dispatch(postEvent("ev2", types.OpCreate, "p2", "draft"))
	m.Dispatch(postEvent("ev3", types.OpUpdate, "p1", "published"))

	changes := w.frames(MsgChange)
	require.Len(t, changes, 2)
	require.Equal(t, "ev1", changes[0].Data.ID)
	require.Equal(t, "posts/p1", changes[0].Data.FullID)
	require.Equal(t, "p1", changes[0].Data.EntityID)
	require.Equal(t, types.OpCreate, changes[0].Data.Op)
	require.Equal(t, "ev3", changes[1].Data.ID)

	st := m.StatsSnapshot()
	require.Equal(t, uint64(3), st.EventsProcessed)
	require.Equal(t, uint64(2), st.EventsDelivered)
	require.Equal(t, uint64(1), st.EventsFiltered)
	require.Equal(t, 1, st.ActiveConnections)
	require.Equal(t, map[string]int{"posts": 1}, st.SubscriptionsByNs)
}

func TestBadFilterDropsEvent(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, err := m.AddConnection(w)
	require.NoError(t, err)

	// A filter that cannot evaluate must not break dispatch or evict the
	// connection; its events just never deliver.
	bad := m.Subscribe(connID, SubscribeRequest{
		Ns:     "posts",
		Filter: map[string]any{"$not": "bad"},
	})
	good := m.Subscribe(connID, SubscribeRequest{Ns: "posts"})
	require.NotEmpty(t, bad)
	require.NotEmpty(t, good)

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))

	changes := w.frames(MsgChange)
	require.Len(t, changes, 1)
	require.Equal(t, good, changes[0].SubscriptionID)

	st := m.StatsSnapshot()
	require.Equal(t, 1, st.ActiveConnections)
	require.Equal(t, uint64(1), st.EventsDelivered)
	require.Equal(t, uint64(1), st.EventsFiltered)
}

func TestOpsMembership(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)

	// ALL admits every op; DELETE-only filters creates out.
	all := m.Subscribe(connID, SubscribeRequest{Ns: "posts", Ops: []types.Op{types.OpAll}})
	deletes := m.Subscribe(connID, SubscribeRequest{Ns: "posts", Ops: []types.Op{types.OpDelete}})
	require.NotEmpty(t, all)
	require.NotEmpty(t, deletes)

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))
	m.Dispatch(postEvent("ev2", types.OpDelete, "p1", "published"))

	var allGot, delGot []string
	for _, f := range w.frames(MsgChange) {
		switch f.SubscriptionID {
		case all:
			allGot = append(allGot, f.Data.ID)
		case deletes:
			delGot = append(delGot, f.Data.ID)
		}
	}
	require.Equal(t, []string{"ev1", "ev2"}, allGot)
	require.Equal(t, []string{"ev2"}, delGot)
}

func TestDeleteFiltersOnBefore(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)
	m.Subscribe(connID, SubscribeRequest{
		Ns:     "posts",
		Filter: map[string]any{"status": "published"},
	})

	m.Dispatch(postEvent("ev1", types.OpDelete, "p1", "published"))
	m.Dispatch(postEvent("ev2", types.OpDelete, "p2", "draft"))

	changes := w.frames(MsgChange)
	require.Len(t, changes, 1)
	require.Equal(t, "ev1", changes[0].Data.ID)
}

func TestIncludeState(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)
	bare := m.Subscribe(connID, SubscribeRequest{Ns: "posts"})
	full := m.Subscribe(connID, SubscribeRequest{Ns: "posts", IncludeState: true})

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))

	for _, f := range w.frames(MsgChange) {
		switch f.SubscriptionID {
		case bare:
			require.Nil(t, f.Data.After)
		case full:
			require.Equal(t, "published", f.Data.After["status"])
		}
	}
}

func TestMaxSubscriptionsPerConnection(t *testing.T) {
	m := NewManager(Options{MaxSubsPerConn: 2})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)

	require.NotEmpty(t, m.Subscribe(connID, SubscribeRequest{Ns: "a"}))
	require.NotEmpty(t, m.Subscribe(connID, SubscribeRequest{Ns: "b"}))
	require.Empty(t, m.Subscribe(connID, SubscribeRequest{Ns: "c"}))

	errFrames := w.frames(MsgError)
	require.Len(t, errFrames, 1)
	require.Equal(t, CodeMaxSubscriptions, errFrames[0].Code)
	require.Equal(t, 2, m.StatsSnapshot().TotalSubscriptions)
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)
	subID := m.Subscribe(connID, SubscribeRequest{Ns: "posts"})

	m.Unsubscribe(connID, subID)
	require.Len(t, w.frames(MsgUnsubscribed), 1)

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))
	require.Empty(t, w.frames(MsgChange))
	require.Equal(t, 0, m.StatsSnapshot().TotalSubscriptions)
}

func TestMalformedTargetDropped(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)
	m.Subscribe(connID, SubscribeRequest{Ns: "posts"})

	m.Dispatch(types.Event{ID: "bad", Op: types.OpCreate, Target: "no-separator"})

	require.Empty(t, w.frames(MsgChange))
	st := m.StatsSnapshot()
	require.Equal(t, uint64(1), st.EventsProcessed)
	require.Equal(t, uint64(0), st.EventsDelivered)
}

func TestWriterErrorEvictsConnection(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)
	m.Subscribe(connID, SubscribeRequest{Ns: "posts"})

	w.mu.Lock()
	w.fail = true
	w.mu.Unlock()

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))

	st := m.StatsSnapshot()
	require.Equal(t, 0, st.ActiveConnections)
	require.Equal(t, 0, st.TotalSubscriptions)
	w.mu.Lock()
	require.True(t, w.closed)
	w.mu.Unlock()
}

func TestHeartbeatEvictsIdle(t *testing.T) {
	m := NewManager(Options{IdleTimeout: 10 * time.Millisecond})
	idle := &memWriter{}
	idleID, _ := m.AddConnection(idle)
	_ = idleID

	time.Sleep(20 * time.Millisecond)
	active := &memWriter{}
	activeID, _ := m.AddConnection(active)

	m.Heartbeat()

	require.Equal(t, 1, m.StatsSnapshot().ActiveConnections)
	require.Empty(t, idle.frames(MsgPong))
	pongs := active.frames(MsgPong)
	require.Len(t, pongs, 1)
	require.NotZero(t, pongs[0].TS)

	// Touch keeps a connection alive across the timeout.
	time.Sleep(20 * time.Millisecond)
	m.Touch(activeID)
	m.Heartbeat()
	require.Equal(t, 1, m.StatsSnapshot().ActiveConnections)
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	m := NewManager(Options{})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)
	req := SubscribeRequest{Ns: "posts", Filter: map[string]any{"status": "published"}}
	oldSub := m.Subscribe(connID, req)

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))
	m.Dispatch(postEvent("ev2", types.OpCreate, "p2", "published"))
	m.Dispatch(postEvent("ev3", types.OpCreate, "p3", "draft"))
	m.Dispatch(postEvent("ev4", types.OpUpdate, "p2", "published"))

	// Client saw ev1 then dropped.
	m.RemoveConnection(connID)

	w2 := &memWriter{}
	res, err := m.ResumeConnection(w2, ResumeRequest{
		ConnectionID:       connID,
		LastEventIDs:       map[string]string{oldSub: "ev1"},
		OldSubscriptionIDs: []string{oldSub},
		Subscriptions:      []SubscribeRequest{req},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.ResumedSubscriptions, 1)

	var missed []string
	for _, ev := range res.MissedEvents {
		missed = append(missed, ev.ID)
	}
	require.Equal(t, []string{"ev2", "ev4"}, missed)

	changes := w2.frames(MsgChange)
	require.Len(t, changes, 2)
	require.Equal(t, "ev2", changes[0].Data.ID)
	require.Equal(t, "ev4", changes[1].Data.ID)

	// Live events keep flowing on the resumed subscription.
	m.Dispatch(postEvent("ev5", types.OpCreate, "p5", "published"))
	require.Len(t, w2.frames(MsgChange), 3)
}

func TestRetentionBoundsReplay(t *testing.T) {
	m := NewManager(Options{RetainEvents: 2})
	w := &memWriter{}
	connID, _ := m.AddConnection(w)
	req := SubscribeRequest{Ns: "posts"}
	oldSub := m.Subscribe(connID, req)

	m.Dispatch(postEvent("ev1", types.OpCreate, "p1", "published"))
	m.Dispatch(postEvent("ev2", types.OpCreate, "p2", "published"))
	m.Dispatch(postEvent("ev3", types.OpCreate, "p3", "published"))
	m.RemoveConnection(connID)

	// ev1 fell off the ring, so replay from it starts at the ring head.
	w2 := &memWriter{}
	res, err := m.ResumeConnection(w2, ResumeRequest{
		LastEventIDs:       map[string]string{oldSub: "ev1"},
		OldSubscriptionIDs: []string{oldSub},
		Subscriptions:      []SubscribeRequest{req},
	})
	require.NoError(t, err)

	var missed []string
	for _, ev := range res.MissedEvents {
		missed = append(missed, ev.ID)
	}
	require.Equal(t, []string{"ev2", "ev3"}, missed)
}

func TestSSEFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewSSEWriter(rec)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	require.NoError(t, sw.Send(Message{Type: MsgConnected, ConnectionID: "c1"}))
	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: connected\ndata: "), body)
	require.True(t, strings.HasSuffix(body, "\n\n"), body)
	require.Contains(t, body, `"connectionId":"c1"`)

	require.NoError(t, sw.Close())
	require.Error(t, sw.Send(Message{Type: MsgPong}))
}

func TestSubscribeRequestFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", `/subscribe?ns=posts&ops=CREATE,UPDATE&includeState=true&filter={"status":"published"}`, nil)
	req, err := subscribeRequestFromQuery(r)
	require.NoError(t, err)
	require.Equal(t, "posts", req.Ns)
	require.Equal(t, []types.Op{types.OpCreate, types.OpUpdate}, req.Ops)
	require.True(t, req.IncludeState)
	require.Equal(t, map[string]any{"status": "published"}, req.Filter)

	bad := httptest.NewRequest("GET", `/subscribe?ns=posts&filter={broken`, nil)
	_, err = subscribeRequestFromQuery(bad)
	require.Error(t, err)
}

func TestAuth(t *testing.T) {
	admin := AuthContext{Scopes: []string{ScopeAdmin}}
	reader := AuthContext{Scopes: []string{ScopeRead}}
	require.True(t, admin.HasScope(ScopeSubscribe))
	require.True(t, reader.HasScope(ScopeRead))
	require.False(t, reader.HasScope(ScopeSubscribe))

	open := &Authorizer{Open: true}
	require.True(t, open.Allow(AuthContext{}, ScopeSubscribe))

	resolver := func(token string) AuthContext {
		if token == "secret" {
			return AuthContext{Scopes: []string{ScopeSubscribe}}
		}
		return AuthContext{}
	}
	auth := &Authorizer{Resolver: resolver}
	require.True(t, auth.Allow(AuthContext{Token: "secret"}, ScopeSubscribe))
	require.False(t, auth.Allow(AuthContext{Token: "nope"}, ScopeSubscribe))

	r := httptest.NewRequest("GET", "/subscribe", nil)
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("X-Client-Id", "cli-1")
	actx := AuthFromRequest(r)
	require.Equal(t, "secret", actx.Token)
	require.Equal(t, "cli-1", actx.ClientID)
}
