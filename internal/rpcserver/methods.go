package rpcserver

import (
	"context"
	"encoding/json"

	"github.com/adred-codev/jrow/internal/jsonrpc"
	"github.com/adred-codev/jrow/internal/persistent"
	"github.com/adred-codev/jrow/internal/pubsub"
	"github.com/adred-codev/jrow/internal/store"
	"github.com/adred-codev/jrow/internal/topic"
)

// Notifier delivers a server-to-client notification to one connection's
// outbound queue. Handlers in this file use it for backlog replay during
// rpc.subscribe_persistent; live publish delivery goes through the same
// interface from the server facade.
type Notifier interface {
	Notify(conn pubsub.ConnID, method string, payload any) bool
}

// Deps bundles the subscription and storage state the built-in rpc.*
// methods read and mutate.
type Deps struct {
	Exact    *pubsub.ExactIndex
	Pattern  *pubsub.PatternIndex
	Persist  *persistent.Manager
	Store    *store.Store
	Notifier Notifier
}

// RegisterBuiltins wires the reserved rpc.* namespace -- subscribe,
// unsubscribe, and their persistent/batch variants -- onto r.
func RegisterBuiltins(r *Router, deps Deps) {
	r.Register("rpc.subscribe", deps.handleSubscribe)
	r.Register("rpc.unsubscribe", deps.handleUnsubscribe)
	r.Register("rpc.subscribe_persistent", deps.handleSubscribePersistent)
	r.Register("rpc.ack_persistent", deps.handleAckPersistent)
	r.Register("rpc.unsubscribe_persistent", deps.handleUnsubscribePersistent)
	r.Register("rpc.subscribe_persistent_batch", deps.handleSubscribePersistentBatch)
	r.Register("rpc.ack_persistent_batch", deps.handleAckPersistentBatch)
	r.Register("rpc.unsubscribe_persistent_batch", deps.handleUnsubscribePersistentBatch)
}

type topicParams struct {
	Topic string `json:"topic"`
}

func (d Deps) handleSubscribe(_ context.Context, rctx *Context, params []byte) (any, error) {
	var p topicParams
	if err := json.Unmarshal(params, &p); err != nil || p.Topic == "" {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.subscribe requires a non-empty topic")
	}

	pattern, err := topic.Compile(p.Topic)
	if err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.subscribe: %v", err)
	}

	if pattern.IsPattern() {
		if _, err := d.Pattern.Subscribe(rctx.Conn, p.Topic, p.Topic); err != nil {
			return nil, jsonrpc.NewInvalidParamsErr("rpc.subscribe: %v", err)
		}
	} else {
		d.Exact.Subscribe(rctx.Conn, p.Topic)
	}

	return map[string]any{"subscribed": true, "topic": p.Topic, "pattern": pattern.IsPattern()}, nil
}

func (d Deps) handleUnsubscribe(_ context.Context, rctx *Context, params []byte) (any, error) {
	var p topicParams
	if err := json.Unmarshal(params, &p); err != nil || p.Topic == "" {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.unsubscribe requires a non-empty topic")
	}

	pattern, err := topic.Compile(p.Topic)
	if err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.unsubscribe: %v", err)
	}

	var unsubscribed bool
	if pattern.IsPattern() {
		unsubscribed = d.Pattern.Unsubscribe(rctx.Conn, p.Topic)
	} else {
		unsubscribed = d.Exact.Unsubscribe(rctx.Conn, p.Topic)
	}

	return map[string]any{"unsubscribed": unsubscribed, "topic": p.Topic}, nil
}

type persistentSubParams struct {
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
}

// subscribePersistent registers subID on conn, replays its backlog, and
// returns the result record shared by the single and batch-form handlers.
// Replay is enqueued before this returns, so a caller that sends the RPC
// reply right after gets the ordering §4.9 requires: subscribe reply only
// after every backlog notification is already in-flight.
func (d Deps) subscribePersistent(conn pubsub.ConnID, p persistentSubParams) (map[string]any, error) {
	if p.SubscriptionID == "" || p.Topic == "" {
		return nil, jsonrpc.NewInvalidParamsErr("subscription_id and topic are required")
	}

	state, err := d.Persist.Register(p.SubscriptionID, p.Topic, conn)
	if err != nil {
		return nil, jsonrpc.NewInvalidRequestErr("%v", err)
	}

	pattern, err := topic.Compile(p.Topic)
	if err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.subscribe_persistent: %v", err)
	}

	backlog, err := d.Store.MessagesMatchingPattern(pattern, state.LastAckSeq)
	if err != nil {
		return nil, jsonrpc.NewInvalidRequestErr("rpc.subscribe_persistent: %v", err)
	}

	for _, msg := range backlog {
		d.Notifier.Notify(conn, p.Topic, map[string]any{
			"sequence_id": msg.SequenceID,
			"topic":       msg.Topic,
			"data":        msg.Data,
		})
	}

	return map[string]any{
		"subscription_id":   p.SubscriptionID,
		"topic":             p.Topic,
		"resumed_from_seq":  state.LastAckSeq,
		"undelivered_count": len(backlog),
	}, nil
}

func (d Deps) handleSubscribePersistent(_ context.Context, rctx *Context, params []byte) (any, error) {
	var p persistentSubParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.subscribe_persistent: %v", err)
	}

	result, err := d.subscribePersistent(rctx.Conn, p)
	if err != nil {
		return nil, err
	}
	result["subscribed"] = true
	return result, nil
}

func (d Deps) handleSubscribePersistentBatch(_ context.Context, rctx *Context, params []byte) (any, error) {
	var items []persistentSubParams
	if err := json.Unmarshal(params, &items); err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.subscribe_persistent_batch: %v", err)
	}

	results := make([]map[string]any, len(items))
	for i, item := range items {
		result, err := d.subscribePersistent(rctx.Conn, item)
		if err != nil {
			results[i] = map[string]any{
				"subscription_id": item.SubscriptionID,
				"topic":           item.Topic,
				"success":         false,
				"error":           err.Error(),
			}
			continue
		}
		result["success"] = true
		results[i] = result
	}
	return results, nil
}

type ackParams struct {
	SubscriptionID string `json:"subscription_id"`
	SequenceID     int64  `json:"sequence_id"`
}

func (d Deps) ackPersistent(conn pubsub.ConnID, p ackParams) (map[string]any, error) {
	if p.SubscriptionID == "" {
		return nil, jsonrpc.NewInvalidParamsErr("subscription_id is required")
	}
	if err := d.Persist.Acknowledge(p.SubscriptionID, p.SequenceID, conn); err != nil {
		return nil, jsonrpc.NewInvalidRequestErr("%v", err)
	}
	return map[string]any{
		"subscription_id": p.SubscriptionID,
		"sequence_id":     p.SequenceID,
	}, nil
}

func (d Deps) handleAckPersistent(_ context.Context, rctx *Context, params []byte) (any, error) {
	var p ackParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.ack_persistent: %v", err)
	}
	result, err := d.ackPersistent(rctx.Conn, p)
	if err != nil {
		return nil, err
	}
	result["acknowledged"] = true
	return result, nil
}

func (d Deps) handleAckPersistentBatch(_ context.Context, rctx *Context, params []byte) (any, error) {
	var items []ackParams
	if err := json.Unmarshal(params, &items); err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.ack_persistent_batch: %v", err)
	}

	results := make([]map[string]any, len(items))
	for i, item := range items {
		result, err := d.ackPersistent(rctx.Conn, item)
		if err != nil {
			results[i] = map[string]any{
				"subscription_id": item.SubscriptionID,
				"sequence_id":     item.SequenceID,
				"acknowledged":    false,
				"error":           err.Error(),
			}
			continue
		}
		result["acknowledged"] = true
		results[i] = result
	}
	return results, nil
}

func (d Deps) unsubscribePersistent(conn pubsub.ConnID, subID string) (map[string]any, error) {
	if subID == "" {
		return nil, jsonrpc.NewInvalidParamsErr("subscription_id is required")
	}
	unsubscribed, err := d.Persist.Unsubscribe(subID, conn)
	if err != nil {
		return nil, jsonrpc.NewInvalidRequestErr("%v", err)
	}
	return map[string]any{"subscription_id": subID, "unsubscribed": unsubscribed}, nil
}

type unsubscribePersistentParams struct {
	SubscriptionID string `json:"subscription_id"`
}

func (d Deps) handleUnsubscribePersistent(_ context.Context, rctx *Context, params []byte) (any, error) {
	var p unsubscribePersistentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.unsubscribe_persistent: %v", err)
	}
	return d.unsubscribePersistent(rctx.Conn, p.SubscriptionID)
}

func (d Deps) handleUnsubscribePersistentBatch(_ context.Context, rctx *Context, params []byte) (any, error) {
	var subIDs []string
	if err := json.Unmarshal(params, &subIDs); err != nil {
		return nil, jsonrpc.NewInvalidParamsErr("rpc.unsubscribe_persistent_batch: %v", err)
	}

	results := make([]map[string]any, len(subIDs))
	for i, subID := range subIDs {
		result, err := d.unsubscribePersistent(rctx.Conn, subID)
		if err != nil {
			results[i] = map[string]any{
				"subscription_id": subID,
				"unsubscribed":    false,
				"error":           err.Error(),
			}
			continue
		}
		results[i] = result
	}
	return results, nil
}
