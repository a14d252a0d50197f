// Package jsonrpc implements the JSON-RPC 2.0 envelope types and wire codec
// used by the rest of jrow: requests, notifications, responses, batches,
// and the reserved error codes from https://www.jsonrpc.org/specification.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// idKind discriminates the three wire representations a request id may take.
type idKind uint8

const (
	idKindNull idKind = iota
	idKindString
	idKindNumber
)

// ID is a JSON-RPC request identifier: string, integer, or null. Equality is
// by variant and value, matching the union semantics of the spec exactly
// (a string "1" and a number 1 are distinct ids).
type ID struct {
	kind idKind
	str  string
	num  int64
}

// NullID is the reserved id for responses whose originating id could not be
// recovered (e.g. because the request itself failed to parse).
var NullID = ID{kind: idKindNull}

// StringID builds a string-valued id.
func StringID(s string) ID { return ID{kind: idKindString, str: s} }

// NumberID builds an integer-valued id.
func NumberID(n int64) ID { return ID{kind: idKindNumber, num: n} }

// IsNull reports whether the id is the null variant.
func (id ID) IsNull() bool { return id.kind == idKindNull }

// Equal reports whether two ids have the same variant and value.
func (id ID) Equal(other ID) bool {
	if id.kind != other.kind {
		return false
	}
	switch id.kind {
	case idKindString:
		return id.str == other.str
	case idKindNumber:
		return id.num == other.num
	default:
		return true
	}
}

func (id ID) String() string {
	switch id.kind {
	case idKindString:
		return fmt.Sprintf("%q", id.str)
	case idKindNumber:
		return fmt.Sprintf("%d", id.num)
	default:
		return "null"
	}
}

// MarshalJSON encodes the id as its underlying JSON value (no discriminator),
// matching the untagged union the spec requires.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idKindString:
		return json.Marshal(id.str)
	case idKindNumber:
		return json.Marshal(id.num)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a string, number, or null into the appropriate variant.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		*id = NullID
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("jsonrpc: id must be string, number, or null: %w", err)
	}
	*id = NumberID(n)
	return nil
}
