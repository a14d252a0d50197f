package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decoded is the result of classifying one top-level wire frame.
type Decoded struct {
	Kind         Kind
	Request      *Request
	Notification *Notification
	Response     *Response
	Batch        Batch
}

// Decode parses a single UTF-8 JSON frame and classifies it as a Request,
// Notification, Response, or Batch per §4.1. It never looks inside batch
// elements; those are classified independently by the caller (the batch
// processor), since a malformed element must not fail its siblings.
func Decode(data []byte) (Decoded, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Decoded{}, ParseError("empty message")
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return Decoded{}, ParseError(err.Error())
		}
		if len(raw) == 0 {
			return Decoded{}, InvalidRequest("batch must not be empty")
		}
		return Decoded{Kind: KindBatch, Batch: Batch(raw)}, nil
	}

	var probe struct {
		Method  *string         `json:"method"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
		hasID   bool
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Decoded{}, ParseError(err.Error())
	}
	probe.hasID = hasField(trimmed, "id")

	switch {
	case probe.Method != nil && probe.hasID:
		var req Request
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return Decoded{}, InvalidRequest(err.Error())
		}
		if req.Version != Version {
			req.Version = Version
		}
		return Decoded{Kind: KindRequest, Request: &req}, nil

	case probe.Method != nil && !probe.hasID:
		var notif Notification
		if err := json.Unmarshal(trimmed, &notif); err != nil {
			return Decoded{}, InvalidRequest(err.Error())
		}
		notif.Version = Version
		return Decoded{Kind: KindNotification, Notification: &notif}, nil

	case probe.Method == nil && probe.hasID:
		hasResult := hasField(trimmed, "result")
		hasError := hasField(trimmed, "error")
		if hasResult == hasError {
			return Decoded{}, InvalidRequest("response must carry exactly one of result or error")
		}
		var resp Response
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return Decoded{}, InvalidRequest(err.Error())
		}
		resp.Version = Version
		return Decoded{Kind: KindResponse, Response: &resp}, nil

	default:
		return Decoded{}, InvalidRequest("message is neither request, notification, nor response")
	}
}

// hasField reports whether the given top-level key is present in a JSON
// object, even when its value is null -- which matters because `"id":null`
// must still classify as "has an id" for Response/Request discrimination,
// while a field that's entirely absent must not.
func hasField(data []byte, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Encode serializes any of Request/Notification/Response/[]Response into its
// wire form. Encoding is pure: it never mutates or inspects engine state.
func Encode(v any) ([]byte, error) {
	switch v.(type) {
	case Request, *Request, Notification, *Notification, Response, *Response, []Response:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("jsonrpc: cannot encode %T", v)
	}
}

// EncodeNotification builds and serializes a server-to-client notification
// whose params are an arbitrary JSON-marshalable value.
func EncodeNotification(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Notification{Version: Version, Method: method, Params: raw})
}
