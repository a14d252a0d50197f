package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/jrow/internal/jsonrpc"
)

// fakeServer is a minimal jrow stand-in: it echoes rpc.subscribe as
// {"subscribed":true}, and lets the test push arbitrary notifications or
// close the connection on demand.
type fakeServer struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeServer() (*fakeServer, *httptest.Server) {
	fs := &fakeServer{}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	return fs, srv
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		decoded, err := jsonrpc.Decode(data)
		if err != nil || decoded.Kind != jsonrpc.KindRequest {
			continue
		}
		result, _ := json.Marshal(map[string]bool{"subscribed": true})
		resp := jsonrpc.Response{Version: jsonrpc.Version, ID: decoded.Request.ID, Result: result}
		encoded, _ := jsonrpc.Encode(resp)
		conn.WriteMessage(websocket.TextMessage, encoded)
	}
}

func (fs *fakeServer) pushNotification(t *testing.T, method string, params any) {
	t.Helper()
	raw, err := jsonrpc.EncodeNotification(method, params)
	if err != nil {
		t.Fatal(err)
	}
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	if conn == nil {
		t.Fatal("fakeServer: no connection established yet")
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatal(err)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientRequestRoundTrip(t *testing.T) {
	_, srv := newFakeServer()
	defer srv.Close()

	c, err := Connect(wsURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result struct {
		Subscribed bool `json:"subscribed"`
	}
	if err := c.Request(ctx, "rpc.subscribe", map[string]string{"topic": "orders.new"}, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Subscribed {
		t.Fatal("expected subscribed=true")
	}
}

func TestClientSubscribeDispatchesNotification(t *testing.T) {
	fs, srv := newFakeServer()
	defer srv.Close()

	c, err := Connect(wsURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	received := make(chan json.RawMessage, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Subscribe(ctx, "orders.new", func(params json.RawMessage) {
		received <- params
	}); err != nil {
		t.Fatal(err)
	}

	fs.pushNotification(t, "orders.new", map[string]int{"id": 7})

	select {
	case params := <-received:
		var got struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(params, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != 7 {
			t.Fatalf("got id %d, want 7", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestClientBatch(t *testing.T) {
	_, srv := newFakeServer()
	defer srv.Close()

	c, err := Connect(wsURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var b Batch
	id1 := c.requests.nextID()
	id2 := c.requests.nextID()
	if err := b.AddRequest("rpc.subscribe", map[string]string{"topic": "a"}, id1); err != nil {
		t.Fatal(err)
	}
	if err := b.AddRequest("rpc.subscribe", map[string]string{"topic": "b"}, id2); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Batch(ctx, &b)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Len() != 2 {
		t.Fatalf("got %d responses, want 2", resp.Len())
	}
	if !resp.AllSuccess() {
		t.Fatal("expected all batch responses to succeed")
	}
}

func TestClientStateTransitionsOnClose(t *testing.T) {
	_, srv := newFakeServer()
	defer srv.Close()

	c, err := Connect(wsURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateConnected {
		t.Fatalf("got state %v, want connected", c.State())
	}

	c.Close()
	time.Sleep(50 * time.Millisecond)
	if c.State() != StateDisconnected {
		t.Fatalf("got state %v, want disconnected after close with no reconnect strategy", c.State())
	}
}
