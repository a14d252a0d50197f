package wsserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/jrow/internal/config"
	"github.com/adred-codev/jrow/internal/conn"
	"github.com/adred-codev/jrow/internal/pubsub"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		Addr:                        "127.0.0.1:0",
		StorePath:                   filepath.Join(t.TempDir(), "jrow.db"),
		MaxConnections:              100,
		ConnSendBuffer:              16,
		BatchMaxSize:                100,
		BatchMode:                   "parallel",
		WorkerCount:                 4,
		WorkerQueueLen:              64,
		MsgRatePerSec:               1000,
		MsgRateBurst:                1000,
		AcceptIPBurst:               1000,
		AcceptIPRate:                1000,
		AcceptIPTTL:                 time.Minute,
		AcceptGlobalBurst:           1000,
		AcceptGlobalRate:            1000,
		CPURejectThreshold:          100,
		CPUPauseThreshold:           100,
		RetentionInterval:           time.Hour,
		PersistentInactivityTimeout: 0,
		LogLevel:                    "info",
		LogFormat:                   "json",
	}

	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.runCtx = ctx
	s.cancelRun = cancel
	s.pool.Start(ctx)

	return s
}

// registerPipe wires a connected net.Pipe pair into s's registry and starts
// its write pump, returning the client side so a test can read frames the
// server sends this connection.
func registerPipe(t *testing.T, s *Server) (*conn.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := s.registry.Register(server)
	go conn.WritePump(c, zerolog.Nop())
	return c, client
}

// readNotification reads one text frame off client and decodes it as a
// jsonrpc.Notification, failing the test if the read doesn't complete
// promptly.
func readNotification(t *testing.T, client net.Conn) (method string, params json.RawMessage) {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	msg, _, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}

	var notif struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(msg, &notif); err != nil {
		t.Fatalf("unmarshal notification: %v, raw=%s", err, msg)
	}
	return notif.Method, notif.Params
}

func TestPublishDeliversExactUnwrapped(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	s.exact.Subscribe(pubsub.ConnID(c.ID), "orders.new")

	data := json.RawMessage(`{"id":1}`)
	delivered := s.Publish("orders.new", data)
	if delivered != 1 {
		t.Fatalf("Publish returned %d, want 1", delivered)
	}

	method, params := readNotification(t, client)
	if method != "orders.new" {
		t.Errorf("method = %q, want orders.new", method)
	}
	if string(params) != string(data) {
		t.Errorf("params = %s, want %s (exact delivery is unwrapped)", params, data)
	}
}

func TestPublishDeliversPatternWrapped(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	if _, err := s.pattern.Subscribe(pubsub.ConnID(c.ID), "sub1", "orders.*"); err != nil {
		t.Fatalf("pattern.Subscribe: %v", err)
	}

	data := json.RawMessage(`{"id":2}`)
	delivered := s.Publish("orders.new", data)
	if delivered != 1 {
		t.Fatalf("Publish returned %d, want 1", delivered)
	}

	method, params := readNotification(t, client)
	if method != "orders.*" {
		t.Errorf("method = %q, want the subscribed pattern orders.*", method)
	}

	var wrapped struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(params, &wrapped); err != nil {
		t.Fatalf("unmarshal wrapped params: %v", err)
	}
	if wrapped.Topic != "orders.new" || string(wrapped.Data) != string(data) {
		t.Errorf("wrapped = %+v, want topic=orders.new data=%s", wrapped, data)
	}
}

func TestPublishNotifiesConnectionAtMostOnceAcrossOverlappingPatterns(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	// Both patterns match "orders.new"; the connection must be notified
	// once, under whichever pattern was subscribed first.
	s.pattern.Subscribe(pubsub.ConnID(c.ID), "sub1", "orders.*")
	s.pattern.Subscribe(pubsub.ConnID(c.ID), "sub2", "orders.>")

	delivered := s.Publish("orders.new", json.RawMessage(`{}`))
	if delivered != 1 {
		t.Fatalf("Publish returned %d, want 1 (a connection appears at most once)", delivered)
	}

	method, _ := readNotification(t, client)
	if method != "orders.*" {
		t.Errorf("method = %q, want orders.* (the first pattern subscribed that matches)", method)
	}
}

func TestPublishNotifiesEachDistinctConnectionUnderItsOwnPattern(t *testing.T) {
	s := newTestServer(t)
	c1, client1 := registerPipe(t, s)
	c2, client2 := registerPipe(t, s)

	s.pattern.Subscribe(pubsub.ConnID(c1.ID), "sub1", "orders.*")
	s.pattern.Subscribe(pubsub.ConnID(c2.ID), "sub2", "orders.>")

	delivered := s.Publish("orders.new", json.RawMessage(`{}`))
	if delivered != 2 {
		t.Fatalf("Publish returned %d, want 2 (one per distinct connection)", delivered)
	}

	method1, _ := readNotification(t, client1)
	method2, _ := readNotification(t, client2)
	if method1 != "orders.*" || method2 != "orders.>" {
		t.Errorf("methods = %q, %q, want orders.* and orders.>", method1, method2)
	}
}

func TestPublishPersistentWrapsSequenceID(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	if _, err := s.persist.Register("sub-a", "orders.new", pubsub.ConnID(c.ID)); err != nil {
		t.Fatalf("persist.Register: %v", err)
	}

	data := json.RawMessage(`{"amount":5}`)
	seq, err := s.PublishPersistent("orders.new", data)
	if err != nil {
		t.Fatalf("PublishPersistent: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq = %d, want 1", seq)
	}

	method, params := readNotification(t, client)
	if method != "orders.new" {
		t.Errorf("method = %q, want the subscribed topic", method)
	}

	var wrapped struct {
		SequenceID int64           `json:"sequence_id"`
		Topic      string          `json:"topic"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(params, &wrapped); err != nil {
		t.Fatalf("unmarshal wrapped params: %v", err)
	}
	if wrapped.SequenceID != 1 || wrapped.Topic != "orders.new" || string(wrapped.Data) != string(data) {
		t.Errorf("wrapped = %+v", wrapped)
	}
}

func TestPublishBatchDeliversEachTopicIndependently(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	s.exact.Subscribe(pubsub.ConnID(c.ID), "orders.new")
	s.exact.Subscribe(pubsub.ConnID(c.ID), "orders.cancelled")

	counts := s.PublishBatch([]TopicMessage{
		{Topic: "orders.new", Data: json.RawMessage(`{"id":1}`)},
		{Topic: "orders.cancelled", Data: json.RawMessage(`{"id":2}`)},
		{Topic: "orders.unsubscribed", Data: json.RawMessage(`{"id":3}`)},
	})
	if len(counts) != 3 {
		t.Fatalf("got %d counts, want 3", len(counts))
	}
	if counts[0] != 1 || counts[1] != 1 || counts[2] != 0 {
		t.Fatalf("counts = %v, want [1 1 0]", counts)
	}

	seen := map[string]json.RawMessage{}
	for i := 0; i < 2; i++ {
		method, params := readNotification(t, client)
		seen[method] = params
	}
	if string(seen["orders.new"]) != `{"id":1}` {
		t.Errorf("orders.new params = %s, want {\"id\":1}", seen["orders.new"])
	}
	if string(seen["orders.cancelled"]) != `{"id":2}` {
		t.Errorf("orders.cancelled params = %s, want {\"id\":2}", seen["orders.cancelled"])
	}
}

func TestPublishBatchEmptyReturnsNil(t *testing.T) {
	s := newTestServer(t)
	if got := s.PublishBatch(nil); got != nil {
		t.Errorf("got %v, want nil for an empty batch", got)
	}
}

func TestDeliverDisconnectsSlowConsumer(t *testing.T) {
	s := newTestServer(t)
	_, server := net.Pipe()
	defer server.Close()

	// Don't start a write pump: the outbound queue fills and never drains.
	c := s.registry.Register(server)

	for i := 0; i < s.cfg.ConnSendBuffer; i++ {
		s.deliver(c.ID, []byte("x"))
	}
	if _, ok := s.registry.Get(c.ID); !ok {
		t.Fatalf("connection disconnected before queue was full")
	}

	// One more delivery overflows the queue and must tear the connection down.
	if ok := s.deliver(c.ID, []byte("overflow")); ok {
		t.Error("deliver succeeded on a full queue, want failure")
	}
	if _, ok := s.registry.Get(c.ID); ok {
		t.Error("slow consumer not disconnected after queue overflow")
	}
}

func TestDispatchRequestRoundTrip(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	req := []byte(`{"jsonrpc":"2.0","method":"rpc.subscribe","params":{"topic":"orders.new"},"id":1}`)
	s.handleFrame(c.ID, req)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, _, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}

	var resp struct {
		Result map[string]any `json:"result"`
		Error  any            `json:"error"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	if resp.Result["subscribed"] != true {
		t.Errorf("result = %+v, want subscribed", resp.Result)
	}
	if subs := s.exact.Subscribers("orders.new"); len(subs) != 1 || subs[0] != pubsub.ConnID(c.ID) {
		t.Errorf("exact index not updated by dispatched request: %v", subs)
	}
}

func TestDispatchNotificationSendsNoResponse(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	notif := []byte(`{"jsonrpc":"2.0","method":"rpc.subscribe","params":{"topic":"orders.new"}}`)
	s.handleFrame(c.ID, notif)

	// The frame carries no id, so no response is expected; the subscription
	// still takes effect.
	deadline := time.Now().Add(50 * time.Millisecond)
	client.SetReadDeadline(deadline)
	if _, _, err := wsutil.ReadServerData(client); err == nil {
		t.Error("expected no frame for a notification, got one")
	}
	if subs := s.exact.Subscribers("orders.new"); len(subs) != 1 {
		t.Errorf("notification should still have side effects: %v", subs)
	}
}

func TestDispatchBatchReturnsArray(t *testing.T) {
	s := newTestServer(t)
	c, client := registerPipe(t, s)

	batch := []byte(`[
		{"jsonrpc":"2.0","method":"rpc.subscribe","params":{"topic":"a"},"id":1},
		{"jsonrpc":"2.0","method":"rpc.subscribe","params":{"topic":"b"},"id":2}
	]`)
	s.handleFrame(c.ID, batch)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, _, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}

	var responses []map[string]any
	if err := json.Unmarshal(msg, &responses); err != nil {
		t.Fatalf("unmarshal batch response: %v, raw=%s", err, msg)
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
}

func TestHandleWebSocketRejectsWhenShuttingDown(t *testing.T) {
	s := newTestServer(t)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.shutdownAt != 1 {
		t.Error("shutdownAt flag not set after Shutdown")
	}

	rec := httptest.NewRecorder()
	s.handleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d after Shutdown, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
