package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/jrow/internal/jsonrpc"
)

// persistentSubInfo is enough to replay a subscribe_persistent call after
// reconnecting: the subscription id and the topic pattern it was opened on.
type persistentSubInfo struct {
	subscriptionID string
	topic          string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithReconnect enables automatic reconnection using strategy. Without this
// option a dropped connection fails every pending request and the client
// does not attempt to recover.
func WithReconnect(strategy ReconnectionStrategy) Option {
	return func(c *Client) { c.reconnect = strategy }
}

// WithMetrics attaches a Metrics instance the client updates as it runs.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger overrides the client's logger, which defaults to a no-op one.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer overrides the gorilla/websocket dialer used to connect, e.g.
// to set a handshake timeout or TLS config.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// Client is a JSON-RPC 2.0 client over one WebSocket connection to a jrow
// server. A Client is safe for concurrent use: Request/Notify/Subscribe/etc.
// may be called from multiple goroutines.
type Client struct {
	id     uuid.UUID
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger
	metrics *Metrics

	connMu sync.Mutex
	conn   *websocket.Conn

	requests      *requestManager
	notifications *notificationHandlers

	subMu            sync.Mutex
	subscribedTopics map[string]struct{}
	persistentSubs   map[string]persistentSubInfo

	reconnect ReconnectionStrategy
	state     *connectionStateTracker

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials url and starts the client's receive loop. If opts includes
// WithReconnect, a dropped connection is retried per that strategy and every
// tracked subscription is resumed once reconnection succeeds.
func Connect(url string, opts ...Option) (*Client, error) {
	c := &Client{
		id:               uuid.New(),
		url:              url,
		dialer:           websocket.DefaultDialer,
		logger:           zerolog.Nop(),
		requests:         newRequestManager(),
		notifications:    newNotificationHandlers(),
		subscribedTopics: make(map[string]struct{}),
		persistentSubs:   make(map[string]persistentSubInfo),
		state:            &connectionStateTracker{},
		closed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := c.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c.conn = conn
	c.state.set(StateConnected)

	go c.receiveLoop()

	c.logger.Info().Str("client_id", c.id.String()).Str("url", url).Msg("jrow client connected")
	return c, nil
}

// State reports the client's current connection state.
func (c *Client) State() ConnectionState { return c.state.get() }

// ID returns the client's process-unique instance id, used in the connect
// log line to tell apart more than one Client in the same process.
func (c *Client) ID() uuid.UUID { return c.id }

// Close shuts the connection down and stops the receive loop. Safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.connMu.Unlock()
		c.requests.failAll()
	})
	return err
}

func (c *Client) sendFrame(data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Request sends method/params and blocks until the matching response
// arrives, ctx is cancelled, or the connection is closed without
// reconnecting. result may be nil to discard a successful response.
func (c *Client) Request(ctx context.Context, method string, params, result any) error {
	start := time.Now()
	id := c.requests.nextID()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: marshal params: %w", err)
	}
	req := jsonrpc.Request{Version: jsonrpc.Version, Method: method, Params: raw, ID: id}

	ch := c.requests.register(id)
	encoded, err := jsonrpc.Encode(req)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	if err := c.sendFrame(encoded); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		duration := time.Since(start).Seconds()
		if resp.Error != nil {
			c.recordRequestMetrics(method, "error", duration)
			return resp.Error
		}
		c.recordRequestMetrics(method, "success", duration)
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)

	case <-ctx.Done():
		return ctx.Err()

	case <-c.closed:
		return fmt.Errorf("client: connection closed")
	}
}

func (c *Client) recordRequestMetrics(method, status string, seconds float64) {
	if c.metrics != nil {
		c.metrics.recordRequest(method, status, seconds)
	}
}

// Notify sends a fire-and-forget notification; the server sends no reply.
func (c *Client) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: marshal params: %w", err)
	}
	notif := jsonrpc.Notification{Version: jsonrpc.Version, Method: method, Params: raw}
	encoded, err := jsonrpc.Encode(notif)
	if err != nil {
		return fmt.Errorf("client: encode notification: %w", err)
	}
	return c.sendFrame(encoded)
}

// Batch sends every request/notification in b as one wire frame and blocks
// until every request in it has a response.
func (c *Client) Batch(ctx context.Context, b *Batch) (*BatchResponse, error) {
	if b.Len() == 0 {
		return nil, fmt.Errorf("client: batch must not be empty")
	}

	type waiter struct {
		id jsonrpc.ID
		ch chan jsonrpc.Response
	}
	waiters := make([]waiter, 0, len(b.requests))
	for _, r := range b.requests {
		waiters = append(waiters, waiter{id: r.ID, ch: c.requests.register(r.ID)})
	}

	elements, err := b.elements()
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(elements)
	if err != nil {
		return nil, fmt.Errorf("client: encode batch: %w", err)
	}
	if err := c.sendFrame(encoded); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.BatchSize.Observe(float64(b.Len()))
	}

	responses := make([]jsonrpc.Response, 0, len(waiters))
	for _, w := range waiters {
		select {
		case resp := <-w.ch:
			responses = append(responses, resp)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, fmt.Errorf("client: connection closed")
		}
	}
	return newBatchResponse(responses), nil
}

// Subscribe opens an exact or pattern topic subscription and registers
// handler for notifications arriving under it. The subscription is
// resumed automatically after a reconnect.
func (c *Client) Subscribe(ctx context.Context, topic string, handler NotificationFunc) error {
	c.notifications.register(topic, handler)

	var result struct {
		Subscribed bool `json:"subscribed"`
	}
	if err := c.Request(ctx, "rpc.subscribe", map[string]string{"topic": topic}, &result); err != nil {
		c.notifications.unregister(topic)
		return err
	}
	if !result.Subscribed {
		c.notifications.unregister(topic)
		return fmt.Errorf("client: server declined subscription to %q", topic)
	}

	c.subMu.Lock()
	c.subscribedTopics[topic] = struct{}{}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe removes a topic subscription and its handler.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	if err := c.Request(ctx, "rpc.unsubscribe", map[string]string{"topic": topic}, nil); err != nil {
		return err
	}
	c.notifications.unregister(topic)
	c.subMu.Lock()
	delete(c.subscribedTopics, topic)
	c.subMu.Unlock()
	return nil
}

// SubscribePersistent opens a durable subscription, replaying any backlog
// before this call returns (replayed messages arrive as notifications to
// handler before Request's response completes, mirroring the server's
// replay-before-reply ordering). It returns the sequence id the
// subscription resumed from.
func (c *Client) SubscribePersistent(ctx context.Context, subscriptionID, topic string, handler NotificationFunc) (int64, error) {
	c.notifications.register(topic, handler)

	var result struct {
		Subscribed     bool  `json:"subscribed"`
		ResumedFromSeq int64 `json:"resumed_from_seq"`
	}
	params := map[string]string{"subscription_id": subscriptionID, "topic": topic}
	if err := c.Request(ctx, "rpc.subscribe_persistent", params, &result); err != nil {
		c.notifications.unregister(topic)
		return 0, err
	}
	if !result.Subscribed {
		c.notifications.unregister(topic)
		return 0, fmt.Errorf("client: server declined persistent subscription %q", subscriptionID)
	}

	c.subMu.Lock()
	c.persistentSubs[subscriptionID] = persistentSubInfo{subscriptionID: subscriptionID, topic: topic}
	c.subMu.Unlock()
	return result.ResumedFromSeq, nil
}

// AckPersistent advances subscriptionID's replay cursor past sequenceID.
func (c *Client) AckPersistent(ctx context.Context, subscriptionID string, sequenceID int64) error {
	params := map[string]any{"subscription_id": subscriptionID, "sequence_id": sequenceID}
	return c.Request(ctx, "rpc.ack_persistent", params, nil)
}

// UnsubscribePersistent detaches a durable subscription from this
// connection without deleting its durable cursor on the server.
func (c *Client) UnsubscribePersistent(ctx context.Context, subscriptionID string) error {
	if err := c.Request(ctx, "rpc.unsubscribe_persistent", map[string]string{"subscription_id": subscriptionID}, nil); err != nil {
		return err
	}
	c.subMu.Lock()
	info, ok := c.persistentSubs[subscriptionID]
	delete(c.persistentSubs, subscriptionID)
	c.subMu.Unlock()
	if ok {
		c.notifications.unregister(info.topic)
	}
	return nil
}

// receiveLoop reads frames until the connection errs, then either enters
// the reconnect loop (if configured) or fails every pending request and
// exits.
func (c *Client) receiveLoop() {
	for {
		conn := c.currentConn()
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("jrow client read error")
			break
		}
		c.handleMessage(data)
	}

	if c.reconnect != nil {
		c.reconnectLoop()
		return
	}

	c.state.set(StateDisconnected)
	c.requests.failAll()
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) handleMessage(data []byte) {
	decoded, err := jsonrpc.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("jrow client: failed to decode frame")
		return
	}

	switch decoded.Kind {
	case jsonrpc.KindResponse:
		c.requests.complete(*decoded.Response)

	case jsonrpc.KindNotification:
		if c.metrics != nil {
			c.metrics.recordNotification(decoded.Notification.Method)
		}
		c.notifications.dispatch(decoded.Notification.Method, decoded.Notification.Params)

	case jsonrpc.KindBatch:
		for _, elem := range decoded.Batch {
			inner, err := jsonrpc.Decode(elem)
			if err != nil || inner.Kind != jsonrpc.KindResponse {
				continue
			}
			c.requests.complete(*inner.Response)
		}

	case jsonrpc.KindRequest:
		c.logger.Debug().Msg("jrow client: ignoring unexpected request frame from server")
	}
}

// reconnectLoop retries Dial per c.reconnect's schedule, and on success
// resubscribes every tracked topic and persistent subscription before
// resuming the receive loop.
func (c *Client) reconnectLoop() {
	c.state.set(StateReconnecting)
	c.requests.failAll()

	for {
		attempt := c.state.nextAttempt()
		delay, ok := c.reconnect.NextDelay(attempt)
		if !ok {
			c.logger.Error().Int("attempts", attempt).Msg("jrow client: giving up reconnecting")
			c.state.set(StateFailed)
			return
		}

		if c.metrics != nil {
			c.metrics.ReconnectionAttempts.Inc()
		}

		select {
		case <-time.After(delay):
		case <-c.closed:
			return
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("jrow client: reconnect failed")
			if c.metrics != nil {
				c.metrics.recordError("reconnection")
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.reconnect.Reset()
		c.state.set(StateConnected)
		if c.metrics != nil {
			c.metrics.ReconnectionSuccesses.Inc()
		}
		c.logger.Info().Msg("jrow client: reconnected")

		c.resubscribeAll()
		go c.receiveLoop()
		return
	}
}

// resubscribeAll replays rpc.subscribe and rpc.subscribe_persistent for
// everything the client had open before the connection dropped. Failures
// are logged rather than returned since there is no caller left waiting on
// the original Subscribe call.
func (c *Client) resubscribeAll() {
	c.subMu.Lock()
	topics := make([]string, 0, len(c.subscribedTopics))
	for t := range c.subscribedTopics {
		topics = append(topics, t)
	}
	persistent := make([]persistentSubInfo, 0, len(c.persistentSubs))
	for _, info := range c.persistentSubs {
		persistent = append(persistent, info)
	}
	c.subMu.Unlock()

	ctx := context.Background()
	for _, topic := range topics {
		if err := c.Request(ctx, "rpc.subscribe", map[string]string{"topic": topic}, nil); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("jrow client: resubscribe failed")
		}
	}
	for _, info := range persistent {
		params := map[string]string{"subscription_id": info.subscriptionID, "topic": info.topic}
		if err := c.Request(ctx, "rpc.subscribe_persistent", params, nil); err != nil {
			c.logger.Warn().Err(err).Str("subscription_id", info.subscriptionID).Msg("jrow client: resume persistent subscription failed")
		}
	}
}
