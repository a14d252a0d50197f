// Package wsserver assembles every other internal package into the running
// jrow process: it accepts WebSocket connections, admits them through the
// rate limiters and capacity check, wires each one to the RPC router and
// batch processor, and exposes Publish/PublishPersistent for delivering
// events into the subscription fanout.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/jrow/internal/batch"
	"github.com/adred-codev/jrow/internal/config"
	"github.com/adred-codev/jrow/internal/conn"
	"github.com/adred-codev/jrow/internal/jsonrpc"
	"github.com/adred-codev/jrow/internal/metrics"
	"github.com/adred-codev/jrow/internal/persistent"
	"github.com/adred-codev/jrow/internal/platform"
	"github.com/adred-codev/jrow/internal/pubsub"
	"github.com/adred-codev/jrow/internal/ratelimit"
	"github.com/adred-codev/jrow/internal/retention"
	"github.com/adred-codev/jrow/internal/rpcserver"
	"github.com/adred-codev/jrow/internal/store"
	"github.com/adred-codev/jrow/internal/workerpool"
)

// Server ties the engine's building blocks -- subscription indexes, the
// durable store, the RPC router, rate limiters, and the connection
// registry -- into one process with an HTTP/WebSocket front door.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store   *store.Store
	exact   *pubsub.ExactIndex
	pattern *pubsub.PatternIndex
	persist *persistent.Manager

	registry      *conn.Registry
	router        *rpcserver.Router
	batchProc     *batch.Processor
	metrics       *metrics.Registry
	msgLimiter    *ratelimit.MessageLimiter
	acceptLimiter *ratelimit.ConnectionAcceptLimiter
	pool          *workerpool.Pool
	cpu           *platform.CPUMonitor
	retentionTask *retention.Task

	maxConnections int64
	connCount      int64 // atomic

	listener   net.Listener
	httpServer *http.Server

	runCtx     context.Context
	cancelRun  context.CancelFunc
	wg         sync.WaitGroup
	shutdownAt int32 // atomic bool
}

// New wires every component from cfg but does not start listening; call
// Start for that. The durable store is opened here, so New's caller owns
// closing the Server (via Shutdown) even if Start is never called.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("wsserver: open store: %w", err)
	}

	exact := pubsub.NewExactIndex()
	pattern := pubsub.NewPatternIndex()
	persist := persistent.NewManager(s, cfg.PersistentInactivityTimeout)
	registry := conn.NewRegistry(cfg.ConnSendBuffer, exact, pattern, persist, logger)
	metricsReg := metrics.New()

	msgLimiter := ratelimit.NewMessageLimiter(cfg.MsgRatePerSec, cfg.MsgRateBurst)
	acceptLimiter := ratelimit.NewConnectionAcceptLimiter(ratelimit.AcceptLimiterConfig{
		IPBurst:     cfg.AcceptIPBurst,
		IPRate:      cfg.AcceptIPRate,
		IPTTL:       cfg.AcceptIPTTL,
		GlobalBurst: cfg.AcceptGlobalBurst,
		GlobalRate:  cfg.AcceptGlobalRate,
	}, logger)

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0) * 4
	}
	pool := workerpool.New(workerCount, cfg.WorkerQueueLen, logger)

	cpuMon := platform.NewCPUMonitor(logger)

	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = platform.MaxConnections(cfg.MemoryLimit)
	}

	retentionTask := retention.NewTask(s, persist, cfg.RetentionInterval, logger)

	batchMode := batch.Parallel
	if cfg.BatchMode == "sequential" {
		batchMode = batch.Sequential
	}

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		store:          s,
		exact:          exact,
		pattern:        pattern,
		persist:        persist,
		registry:       registry,
		batchProc:      batch.NewProcessor(batchMode, cfg.BatchMaxSize, pool),
		metrics:        metricsReg,
		msgLimiter:     msgLimiter,
		acceptLimiter:  acceptLimiter,
		pool:           pool,
		cpu:            cpuMon,
		retentionTask:  retentionTask,
		maxConnections: int64(maxConnections),
	}

	retentionTask.OnTopicDeleted = func(topicName string, deleted int) {
		metricsReg.RecordRetentionDeleted(topicName, deleted)
	}

	router := rpcserver.NewRouter()
	router.Use(rpcserver.LoggingMiddleware{Logger: logger})
	router.Use(rpcserver.TimingMiddleware{})
	rpcserver.RegisterBuiltins(router, rpcserver.Deps{
		Exact:    exact,
		Pattern:  pattern,
		Persist:  persist,
		Store:    s,
		Notifier: srv,
	})
	srv.router = router

	return srv, nil
}

// Start opens the listener, mounts the HTTP handlers, and launches the
// worker pool and retention task. It returns once the listener is open;
// the accept loop and background tasks run in goroutines tracked by s.wg.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx, s.cancelRun = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.pool.Start(s.runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retentionTask.Run(s.runCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http serve error")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Int64("max_connections", s.maxConnections).Msg("jrow server started")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": atomic.LoadInt64(&s.connCount),
	})
}

// handleWebSocket admits and upgrades one incoming connection, rejecting it
// before the upgrade if the server is shutting down, over capacity, or the
// accepting IP has exceeded its connection-attempt rate.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shutdownAt) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if atomic.LoadInt64(&s.connCount) >= s.maxConnections {
		s.logger.Debug().Int64("max_connections", s.maxConnections).Msg("connection rejected: at capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	if pct, _, err := s.cpu.Percent(); err == nil && pct >= s.cfg.CPURejectThreshold {
		s.logger.Debug().Float64("cpu_percent", pct).Msg("connection rejected: CPU over reject threshold")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	if !s.acceptLimiter.Allow(remoteIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := s.registry.Register(raw)
	atomic.AddInt64(&s.connCount, 1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.WritePump(c, s.logger)
	}()
	go func() {
		defer s.wg.Done()
		reason := conn.ReadPump(c, s.logger, func(data []byte) { s.handleFrame(c.ID, data) })
		s.teardownConn(c.ID, reason)
	}()
}

func (s *Server) teardownConn(id conn.ID, reason conn.DisconnectReason) {
	s.registry.Disconnect(id, reason)
	s.msgLimiter.Remove(uint64(id))
	atomic.AddInt64(&s.connCount, -1)
	s.metrics.ConnectionsActive.Dec()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleFrame decodes and dispatches one inbound wire frame from connID,
// sending back whatever reply (if any) the JSON-RPC kind demands.
func (s *Server) handleFrame(connID conn.ID, data []byte) {
	s.metrics.MessagesReceived.Inc()

	if !s.msgLimiter.Allow(uint64(connID)) {
		resp := jsonrpc.NewErrorResponse(jsonrpc.NullID, jsonrpc.InternalError("rate limit exceeded"))
		s.sendResponse(connID, resp)
		return
	}

	// Above the pause threshold, shed new inbound work before it reaches the
	// router rather than let dispatch latency climb across every connection.
	if pct, _, err := s.cpu.Percent(); err == nil && pct >= s.cfg.CPUPauseThreshold {
		resp := jsonrpc.NewErrorResponse(jsonrpc.NullID, jsonrpc.InternalError("server under heavy load, retry shortly"))
		s.sendResponse(connID, resp)
		return
	}

	decoded, err := jsonrpc.Decode(data)
	if err != nil {
		s.sendResponse(connID, jsonrpc.NewErrorResponse(jsonrpc.NullID, jsonrpc.ToWire(err)))
		return
	}

	switch decoded.Kind {
	case jsonrpc.KindRequest:
		resp, ok := s.dispatch(s.runCtx, connID, decoded.Request.Method, decoded.Request.Params, decoded.Request.ID)
		if ok {
			s.sendResponse(connID, resp)
		}

	case jsonrpc.KindNotification:
		s.dispatch(s.runCtx, connID, decoded.Notification.Method, decoded.Notification.Params, jsonrpc.NullID)

	case jsonrpc.KindBatch:
		s.metrics.BatchSize.Observe(float64(len(decoded.Batch)))
		elements := make([][]byte, len(decoded.Batch))
		for i, e := range decoded.Batch {
			elements[i] = []byte(e)
		}
		responses := s.batchProc.Process(s.runCtx, elements, func(ctx context.Context, method string, params []byte, id jsonrpc.ID) (jsonrpc.Response, bool) {
			return s.dispatch(ctx, connID, method, params, id)
		})
		if len(responses) > 0 {
			s.sendRaw(connID, mustEncode(responses))
		}

	case jsonrpc.KindResponse:
		// jrow's clients don't receive requests from the server, so an
		// inbound response frame has no waiter to complete. Log and drop.
		s.logger.Debug().Uint64("conn_id", uint64(connID)).Msg("ignoring unsolicited response frame")
	}
}

// dispatch routes one decoded call through the RPC router, timing it for
// jrow_dispatch_duration_seconds, and builds the Response a Request owes.
// A Notification (NullID) dispatches the same way but its result is
// discarded by the caller.
func (s *Server) dispatch(ctx context.Context, connID conn.ID, method string, params []byte, id jsonrpc.ID) (jsonrpc.Response, bool) {
	start := time.Now()
	rctx := rpcserver.NewContext(ctx, method, params, pubsub.ConnID(connID), id)
	result, err := s.router.Route(ctx, rctx)
	s.metrics.RecordDispatch(method, time.Since(start).Seconds())

	if id.IsNull() {
		return jsonrpc.Response{}, false
	}
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ToWire(err)), true
	}
	return jsonrpc.NewResultResponse(id, result), true
}

func (s *Server) sendResponse(connID conn.ID, resp jsonrpc.Response) {
	s.sendRaw(connID, mustEncode(resp))
}

func (s *Server) sendRaw(connID conn.ID, data []byte) {
	if data == nil {
		return
	}
	s.deliver(connID, data)
}

func mustEncode(v any) []byte {
	data, err := jsonrpc.Encode(v)
	if err != nil {
		return nil
	}
	return data
}

// Notify implements rpcserver.Notifier: it encodes method/payload as a
// notification frame and enqueues it on connID's outbound queue. Both
// backlog replay (driven by the rpc.* handlers) and live publish fanout go
// through this one path.
func (s *Server) Notify(connID pubsub.ConnID, method string, payload any) bool {
	data, err := jsonrpc.EncodeNotification(method, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("failed to encode notification")
		return false
	}
	return s.deliver(conn.ID(connID), data)
}

// deliver enqueues data on id's outbound queue. A full queue marks the
// connection a slow consumer and tears it down immediately rather than
// growing the queue or silently dropping future frames -- the same
// disconnect-on-overflow choice conn.Conn.Send documents.
func (s *Server) deliver(id conn.ID, data []byte) bool {
	c, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	if c.Send(data) {
		s.metrics.MessagesSent.Inc()
		s.metrics.OutboundQueueDepth.Set(float64(c.QueueLen()))
		return true
	}

	s.metrics.OutboundQueueDrops.Inc()
	s.logger.Warn().Uint64("conn_id", uint64(id)).Msg("outbound queue full, disconnecting slow consumer")
	s.teardownConn(id, conn.ReasonSlowConsumer)
	return false
}

// Publish delivers data to topic's exact and pattern subscribers, per the
// two-path fanout: exact subscribers get method=topic/params=data verbatim,
// pattern subscribers get method=<their pattern>/params={topic,data}.
// Deliveries run on the worker pool so one publish with many subscribers
// doesn't spawn an unbounded number of goroutines; a delivery the pool has
// no room for counts against workerpool's own drop counter, not this
// publish's returned count. It returns the number of notifications
// successfully enqueued.
func (s *Server) Publish(topicName string, data json.RawMessage) int {
	exactSubs := s.exact.Subscribers(topicName)
	matches := s.pattern.MatchingPatterns(topicName)

	var delivered int64
	var wg sync.WaitGroup

	for _, cid := range exactSubs {
		cid := cid
		wg.Add(1)
		if !s.pool.Submit(func() {
			defer wg.Done()
			if s.Notify(pubsub.ConnID(cid), topicName, data) {
				atomic.AddInt64(&delivered, 1)
			}
		}) {
			wg.Done()
		}
	}
	for _, m := range matches {
		m := m
		wg.Add(1)
		if !s.pool.Submit(func() {
			defer wg.Done()
			payload := map[string]any{"topic": topicName, "data": data}
			if s.Notify(m.Conn, m.Pattern, payload) {
				atomic.AddInt64(&delivered, 1)
			}
		}) {
			wg.Done()
		}
	}

	wg.Wait()
	s.metrics.RecordFanout(metrics.FanoutExact, len(exactSubs))
	s.metrics.RecordFanout(metrics.FanoutPattern, len(matches))
	return int(delivered)
}

// PublishPersistent appends data to topic's durable log and delivers it to
// every active persistent subscription whose pattern matches, wrapping the
// payload with the sequence id so a reconnecting client can resume exactly
// where it left off. It returns the assigned sequence id.
func (s *Server) PublishPersistent(topicName string, data json.RawMessage) (int64, error) {
	seq, err := s.store.StoreMessage(topicName, data)
	if err != nil {
		return 0, err
	}
	s.metrics.StoreAppendTotal.Inc()
	if meta, ok := s.store.TopicMetadataFor(topicName); ok {
		s.metrics.StoreBytes.Set(float64(meta.TotalBytes))
	}

	matches := s.persist.MatchingSubscriptions(topicName)
	var wg sync.WaitGroup
	for _, m := range matches {
		m := m
		wg.Add(1)
		if !s.pool.Submit(func() {
			defer wg.Done()
			payload := map[string]any{"sequence_id": seq, "topic": topicName, "data": data}
			s.Notify(m.Conn, m.Topic, payload)
		}) {
			wg.Done()
		}
	}
	wg.Wait()
	s.metrics.RecordFanout(metrics.FanoutPersistent, len(matches))

	return seq, nil
}

// TopicMessage pairs a topic with the payload to publish to it, for use
// with PublishBatch.
type TopicMessage struct {
	Topic string
	Data  json.RawMessage
}

// PublishBatch delivers many (topic, data) pairs in one call, resolving the
// exact and pattern subscriber indexes under a single lock acquisition each
// rather than once per topic, per §4.13's publish_batch optimization. It
// returns the number of notifications successfully enqueued per message, in
// the same order as msgs.
//
// All messages' deliveries share one wg.Wait(), unlike Publish's per-call
// wait: if msgs contains two entries for the same topic, a subscriber
// common to both can have its two notifications enqueued to the worker
// pool out of order relative to msgs. Acceptable for this optimization
// path, since callers batching the same topic twice have no ordering
// expectation to begin with.
func (s *Server) PublishBatch(msgs []TopicMessage) []int {
	if len(msgs) == 0 {
		return nil
	}

	topics := make([]string, len(msgs))
	for i, m := range msgs {
		topics[i] = m.Topic
	}
	exactByTopic := s.exact.SubscribersMulti(topics)
	patternByTopic := s.pattern.MatchingPatternsMulti(topics)

	delivered := make([]int64, len(msgs))
	var wg sync.WaitGroup

	for i, m := range msgs {
		i, m := i, m
		exactSubs := exactByTopic[m.Topic]
		matches := patternByTopic[m.Topic]

		for _, cid := range exactSubs {
			cid := cid
			wg.Add(1)
			if !s.pool.Submit(func() {
				defer wg.Done()
				if s.Notify(pubsub.ConnID(cid), m.Topic, m.Data) {
					atomic.AddInt64(&delivered[i], 1)
				}
			}) {
				wg.Done()
			}
		}
		for _, pm := range matches {
			pm := pm
			wg.Add(1)
			if !s.pool.Submit(func() {
				defer wg.Done()
				payload := map[string]any{"topic": m.Topic, "data": m.Data}
				if s.Notify(pm.Conn, pm.Pattern, payload) {
					atomic.AddInt64(&delivered[i], 1)
				}
			}) {
				wg.Done()
			}
		}

		s.metrics.RecordFanout(metrics.FanoutExact, len(exactSubs))
		s.metrics.RecordFanout(metrics.FanoutPattern, len(matches))
	}

	wg.Wait()

	counts := make([]int, len(msgs))
	for i, n := range delivered {
		counts[i] = int(n)
	}
	return counts
}

// Metrics exposes the server's Prometheus registry, e.g. for mounting
// /metrics on a separate listener from cmd/jrowd.
func (s *Server) Metrics() *metrics.Registry { return s.metrics }

// Connections reports the number of currently live connections.
func (s *Server) Connections() int64 { return atomic.LoadInt64(&s.connCount) }

// Shutdown stops accepting new connections, closes every live connection,
// and waits for background tasks to exit or ctx to expire, whichever comes
// first.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.shutdownAt, 0, 1) {
		return nil
	}
	s.logger.Info().Msg("jrow server shutting down")

	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	s.registry.DisconnectAll(conn.ReasonServerShutdown)
	s.acceptLimiter.Stop()

	if s.cancelRun != nil {
		s.cancelRun()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline exceeded, some goroutines may still be running")
	}

	return s.store.Close()
}
