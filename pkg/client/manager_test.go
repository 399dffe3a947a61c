package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/pkg/client/cache"
	"chatsync/pkg/models"
	"chatsync/pkg/wire"
)

// fakeConn is an in-memory Conn. Tests deliver inbound envelopes and
// inspect recorded writes.
type fakeConn struct {
	mu     sync.Mutex
	writes []wire.Envelope

	inbound chan wire.Envelope
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan wire.Envelope, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read() (wire.Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.done:
		return wire.Envelope{}, errors.New("connection closed")
	}
}

func (c *fakeConn) Write(env wire.Envelope) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) deliver(env wire.Envelope) { c.inbound <- env }

func (c *fakeConn) written() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Envelope(nil), c.writes...)
}

// waitForWrite polls until a write matching pred shows up.
func (c *fakeConn) waitForWrite(t *testing.T, what string, pred func(wire.Envelope) bool) wire.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range c.written() {
			if pred(env) {
				return env
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s written within deadline; writes: %v", what, c.written())
	return wire.Envelope{}
}

// fakeDialer serves queued conns in order; a nil slot fails that dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("dial refused")
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testOpts() Options {
	return Options{
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		MaxAttempts:       3,
		HeartbeatInterval: time.Hour,
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.NewMemoryTier(0), cache.WithFlushInterval(time.Hour))
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectResyncWithAnchor(t *testing.T) {
	c := newTestCache(t)
	c.Append("s1", cache.CachedMessage{
		Message:   models.Message{ID: "id1", SessionID: "s1", Role: models.RoleUser, Content: "a", TS: 100},
		SyncState: cache.StateConfirmed,
	})
	c.Append("s1", cache.CachedMessage{
		Message:   models.Message{ID: "id2", SessionID: "s1", Role: models.RoleAssistant, Content: "b", TS: 200},
		SyncState: cache.StateConfirmed,
	})

	conn := newFakeConn()
	m := New(&fakeDialer{conns: []*fakeConn{conn}}, c, "s1", testOpts())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	waitState(t, m, StateConnected)

	req := conn.waitForWrite(t, "sync_request", func(e wire.Envelope) bool { return e.Type == wire.TypeSyncRequest })
	if req.LastMessageID != "id2" {
		t.Fatalf("sync anchor = %q, want id2", req.LastMessageID)
	}

	conn.deliver(wire.Envelope{Type: wire.TypeSyncResponse, Messages: []models.Message{
		{ID: "id3", SessionID: "s1", Role: models.RoleAssistant, Content: "c", TS: 300},
	}})

	waitFor(t, "cache to hold 3 messages", func() bool { return len(c.Messages("s1")) == 3 })
	got := c.Messages("s1")
	for i, want := range []string{"id1", "id2", "id3"} {
		if got[i].ID != want {
			t.Fatalf("cache[%d] = %s, want %s (%v)", i, got[i].ID, want, got)
		}
		if got[i].SyncState != cache.StateConfirmed {
			t.Fatalf("cache[%d] state = %s", i, got[i].SyncState)
		}
	}
}

func TestColdStartRequestsHistory(t *testing.T) {
	c := newTestCache(t)
	conn := newFakeConn()
	opts := testOpts()
	opts.HistoryLimit = 25
	m := New(&fakeDialer{conns: []*fakeConn{conn}}, c, "s1", opts)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	waitState(t, m, StateConnected)

	req := conn.waitForWrite(t, "history_request", func(e wire.Envelope) bool { return e.Type == wire.TypeHistoryRequest })
	if req.Limit != 25 {
		t.Fatalf("history limit = %d, want 25", req.Limit)
	}

	conn.deliver(wire.Envelope{Type: wire.TypeHistory, Messages: []models.Message{
		{ID: "h1", SessionID: "s1", Role: models.RoleUser, Content: "x", TS: 10},
		{ID: "h2", SessionID: "s1", Role: models.RoleAssistant, Content: "y", TS: 20},
	}})

	waitFor(t, "history to land in cache", func() bool { return len(c.Messages("s1")) == 2 })
	got := c.Messages("s1")
	if got[0].ID != "h1" || got[1].ID != "h2" {
		t.Fatalf("unexpected cache contents: %v", got)
	}
}

func TestOfflineSendsFlushInOrder(t *testing.T) {
	c := newTestCache(t)
	conn := newFakeConn()
	m := New(&fakeDialer{conns: []*fakeConn{conn}}, c, "s1", testOpts())
	defer m.Close()

	m.Send(models.RoleUser, "first", nil)
	m.Send(models.RoleUser, "second", nil)

	got := c.Messages("s1")
	if len(got) != 2 || got[0].SyncState != cache.StatePending {
		t.Fatalf("offline sends not cached as pending: %v", got)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, StateConnected)
	conn.waitForWrite(t, "reconciliation request", func(e wire.Envelope) bool {
		return e.Type == wire.TypeHistoryRequest || e.Type == wire.TypeSyncRequest
	})

	var contents []string
	for _, env := range conn.written() {
		if env.Type == wire.TypeMessage {
			contents = append(contents, env.Content)
		}
	}
	if len(contents) != 2 || contents[0] != "first" || contents[1] != "second" {
		t.Fatalf("outbox not flushed FIFO: %v", contents)
	}
}

func TestSendWhileConnectedConfirms(t *testing.T) {
	c := newTestCache(t)
	conn := newFakeConn()
	m := New(&fakeDialer{conns: []*fakeConn{conn}}, c, "s1", testOpts())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	waitState(t, m, StateConnected)

	clientID := m.Send(models.RoleUser, "hello", nil)
	sent := conn.waitForWrite(t, "message frame", func(e wire.Envelope) bool { return e.Type == wire.TypeMessage })
	if sent.Meta[models.MetaClientID] != clientID {
		t.Fatalf("frame missing provisional id: %v", sent.Meta)
	}

	// server echo with the assigned id and original client id
	conn.deliver(wire.Envelope{
		Type: wire.TypeMessage, ID: "srv-1", Role: models.RoleUser, Content: "hello", TS: 999,
		Meta: map[string]string{models.MetaClientID: clientID},
	})

	waitFor(t, "confirmation to apply", func() bool {
		msgs := c.Messages("s1")
		return len(msgs) == 1 && msgs[0].SyncState == cache.StateConfirmed
	})
	msgs := c.Messages("s1")
	if msgs[0].ID != "srv-1" || msgs[0].TS != 999 {
		t.Fatalf("confirmation did not adopt server fields: %+v", msgs[0])
	}
}

func TestReconnectsAfterReadError(t *testing.T) {
	c := newTestCache(t)
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	m := New(dialer, c, "s1", testOpts())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	waitState(t, m, StateConnected)

	// kill the first channel; the manager should back off and redial
	_ = first.Close()
	waitFor(t, "redial", func() bool { return dialer.dialCount() >= 2 })
	waitState(t, m, StateConnected)

	second.waitForWrite(t, "reconciliation after reconnect", func(e wire.Envelope) bool {
		return e.Type == wire.TypeHistoryRequest || e.Type == wire.TypeSyncRequest
	})
}

func TestFailsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{} // every dial refused
	m := New(dialer, newTestCache(t), "s1", testOpts())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, StateFailed)
	if n := dialer.dialCount(); n != 4 {
		// initial attempt plus MaxAttempts retries
		t.Fatalf("dial count = %d, want 4", n)
	}

	// terminal: no further dials
	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != 4 {
		t.Fatalf("dialed again after failure: %d", n)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn, newFakeConn()}}
	m := New(dialer, newTestCache(t), "s1", testOpts())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, StateConnected)

	m.Close()
	if m.State() != StateClosed {
		t.Fatalf("state after Close = %s", m.State())
	}

	// the closed conn must not trigger a reconnect
	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("manager redialed after Close: %d dials", n)
	}
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect after Close should fail")
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	conn := newFakeConn()
	m := New(&fakeDialer{conns: []*fakeConn{conn}}, newTestCache(t), "s1", testOpts())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("second Connect should fail")
	}
}

func TestStateObserver(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	conn := newFakeConn()
	m := New(&fakeDialer{conns: []*fakeConn{conn}}, newTestCache(t), "s1", testOpts())
	m.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	waitState(t, m, StateConnected)

	waitFor(t, "observer to see connected", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == StateConnected {
				return true
			}
		}
		return false
	})
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != StateConnecting {
		t.Fatalf("first observed state = %s, want connecting", seen[0])
	}
}
