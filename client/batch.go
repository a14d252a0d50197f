package client

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/jrow/internal/jsonrpc"
)

// Batch accumulates requests and notifications for a single JSON-RPC batch
// frame. Zero value is ready to use.
type Batch struct {
	requests      []jsonrpc.Request
	notifications []jsonrpc.Notification
}

// AddRequest appends a request with the caller-chosen id to the batch; the
// same id is used for later lookup in the BatchResponse.
func (b *Batch) AddRequest(method string, params any, id jsonrpc.ID) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: marshal batch request params: %w", err)
	}
	b.requests = append(b.requests, jsonrpc.Request{Version: jsonrpc.Version, Method: method, Params: raw, ID: id})
	return nil
}

// AddNotification appends a notification to the batch; it never appears in
// the BatchResponse since the server sends no reply for it.
func (b *Batch) AddNotification(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: marshal batch notification params: %w", err)
	}
	b.notifications = append(b.notifications, jsonrpc.Notification{Version: jsonrpc.Version, Method: method, Params: raw})
	return nil
}

// Len reports the total number of requests and notifications queued.
func (b *Batch) Len() int { return len(b.requests) + len(b.notifications) }

// elements returns every wire frame in the batch as raw JSON, in request-
// then-notification order.
func (b *Batch) elements() ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, b.Len())
	for _, r := range b.requests {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	for _, n := range b.notifications {
		raw, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// BatchResponse indexes a batch's responses by request id for lookup after
// the batch completes.
type BatchResponse struct {
	byID map[string]jsonrpc.Response
}

func newBatchResponse(responses []jsonrpc.Response) *BatchResponse {
	byID := make(map[string]jsonrpc.Response, len(responses))
	for _, r := range responses {
		byID[r.ID.String()] = r
	}
	return &BatchResponse{byID: byID}
}

// Get decodes the result for id into v, or returns the server's error for
// that id if the request failed.
func (br *BatchResponse) Get(id jsonrpc.ID, v any) error {
	resp, ok := br.byID[id.String()]
	if !ok {
		return fmt.Errorf("client: no response for id %s", id)
	}
	if resp.Error != nil {
		return resp.Error
	}
	return json.Unmarshal(resp.Result, v)
}

// AllSuccess reports whether every response in the batch carried a result
// rather than an error.
func (br *BatchResponse) AllSuccess() bool {
	for _, r := range br.byID {
		if r.Error != nil {
			return false
		}
	}
	return true
}

// Len returns the number of responses in the batch.
func (br *BatchResponse) Len() int { return len(br.byID) }
