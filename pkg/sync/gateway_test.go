package sync

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chatsync/pkg/config"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/wire"
)

func testSyncCfg() config.SyncConfig {
	return config.SyncConfig{
		IdleTimeout:   config.Duration(time.Minute),
		WriteTimeout:  config.Duration(5 * time.Second),
		MaxFrameBytes: config.SizeBytes(1 << 20),
	}
}

// newTestServer opens a throwaway store and serves the gateway over
// httptest. Returns the ws base URL.
func newTestServer(t *testing.T, cfg config.SyncConfig) string {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	r := mux.NewRouter()
	New(cfg).Register(r.PathPrefix("/v1").Subrouter())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialSession(t *testing.T, base, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/v1/sessions/"+sessionID+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func expectNoEnvelope(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestMessagePersistedAndConfirmed(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	conn := dialSession(t, base, "s1")

	send := wire.Envelope{
		Type: wire.TypeMessage, Role: models.RoleUser, Content: "hello there",
		Meta: map[string]string{models.MetaClientID: "c-123"},
	}
	if err := conn.WriteJSON(send); err != nil {
		t.Fatal(err)
	}

	echo := readEnvelope(t, conn)
	if echo.Type != wire.TypeMessage {
		t.Fatalf("echo type = %s", echo.Type)
	}
	if echo.ID == "" || echo.TS == 0 {
		t.Fatalf("echo missing server-assigned fields: %+v", echo)
	}
	if echo.Meta[models.MetaClientID] != "c-123" {
		t.Fatalf("client id not echoed: %v", echo.Meta)
	}

	msgs, err := store.ListMessages("s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != echo.ID || msgs[0].Content != "hello there" {
		t.Fatalf("message not persisted as echoed: %v", msgs)
	}
}

func TestBroadcastReachesAllSessionChannels(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	a := dialSession(t, base, "s1")
	b := dialSession(t, base, "s1")
	other := dialSession(t, base, "s2")

	if err := a.WriteJSON(wire.Envelope{Type: wire.TypeMessage, Role: models.RoleUser, Content: "fanout"}); err != nil {
		t.Fatal(err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		echo := readEnvelope(t, conn)
		if echo.Type != wire.TypeMessage || echo.Content != "fanout" {
			t.Fatalf("bad broadcast frame: %+v", echo)
		}
	}
	// the other session's channel stays silent
	expectNoEnvelope(t, other)
}

func TestHistoryRequest(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		m, err := store.AppendMessage("s1", models.RoleUser, content, "", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	conn := dialSession(t, base, "s1")
	if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeHistoryRequest, Limit: 2}); err != nil {
		t.Fatal(err)
	}
	resp := readEnvelope(t, conn)
	if resp.Type != wire.TypeHistory {
		t.Fatalf("resp type = %s", resp.Type)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].ID != ids[1] || resp.Messages[1].ID != ids[2] {
		t.Fatalf("history should be the newest 2 ascending: %v", resp.Messages)
	}
}

func TestSyncRequestWithKnownAnchor(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	var ids []string
	for i := 0; i < 3; i++ {
		m, err := store.AppendMessage("s1", models.RoleUser, "m", "", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	conn := dialSession(t, base, "s1")
	if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeSyncRequest, LastMessageID: ids[1]}); err != nil {
		t.Fatal(err)
	}
	resp := readEnvelope(t, conn)
	if resp.Type != wire.TypeSyncResponse {
		t.Fatalf("resp type = %s", resp.Type)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != ids[2] {
		t.Fatalf("expected only the message after the anchor: %v", resp.Messages)
	}
}

func TestSyncRequestUnknownAnchorFallsBack(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	for i := 0; i < 3; i++ {
		if _, err := store.AppendMessage("s1", models.RoleUser, "m", "", "", nil); err != nil {
			t.Fatal(err)
		}
	}

	conn := dialSession(t, base, "s1")
	if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeSyncRequest, LastMessageID: "never-confirmed"}); err != nil {
		t.Fatal(err)
	}
	resp := readEnvelope(t, conn)
	if resp.Type != wire.TypeSyncResponse {
		t.Fatalf("resp type = %s", resp.Type)
	}
	// the anchor is unknown, so the reply degrades to recent history
	if len(resp.Messages) != 3 {
		t.Fatalf("fallback should return full recent history, got %d", len(resp.Messages))
	}
}

func TestHeartbeatEcho(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	conn := dialSession(t, base, "s1")
	if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeHeartbeat}); err != nil {
		t.Fatal(err)
	}
	if echo := readEnvelope(t, conn); echo.Type != wire.TypeHeartbeat {
		t.Fatalf("echo type = %s", echo.Type)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	conn := dialSession(t, base, "s1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus_kind"}`)); err != nil {
		t.Fatal(err)
	}

	// the channel survives both protocol errors
	if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeHeartbeat}); err != nil {
		t.Fatal(err)
	}
	if echo := readEnvelope(t, conn); echo.Type != wire.TypeHeartbeat {
		t.Fatalf("echo type = %s", echo.Type)
	}
}

func TestInvalidMessageDropped(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	conn := dialSession(t, base, "s1")

	if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeMessage, Role: "robot", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	expectNoEnvelope(t, conn)

	if msgs, _ := store.ListMessages("s1", 0, 0); len(msgs) != 0 {
		t.Fatalf("invalid message persisted: %v", msgs)
	}
}

func TestRateLimitSkipsFrames(t *testing.T) {
	cfg := testSyncCfg()
	cfg.RateRPS = 1
	cfg.RateBurst = 2
	base := newTestServer(t, cfg)
	conn := dialSession(t, base, "s1")

	for i := 0; i < 5; i++ {
		if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeMessage, Role: models.RoleUser, Content: "burst"}); err != nil {
			t.Fatal(err)
		}
	}

	// only the burst allowance should land; give the server a moment
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.GetMessageCount("s1"); n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := store.GetMessageCount("s1"); n != 2 {
		t.Fatalf("persisted %d messages, want the burst allowance of 2", n)
	}

	// heartbeats bypass the limiter
	if err := conn.WriteJSON(wire.Envelope{Type: wire.TypeHeartbeat}); err != nil {
		t.Fatal(err)
	}
	found := false
	for !found {
		env := readEnvelope(t, conn)
		if env.Type == wire.TypeHeartbeat {
			found = true
		}
	}
}

func TestRejectsBadSessionID(t *testing.T) {
	base := newTestServer(t, testSyncCfg())
	_, resp, err := websocket.DefaultDialer.Dial(base+"/v1/sessions/"+strings.Repeat("x", 200)+"/ws", nil)
	if err == nil {
		t.Fatal("dial with oversized session id should fail")
	}
	if resp != nil && resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
