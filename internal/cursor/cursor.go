// Package cursor encodes and decodes opaque pagination cursors for the
// latest-object listing.
//
// A cursor carries the (created_at, id) ordering key of a record,
// serialized as base64url-encoded JSON. The encoding is self-contained
// and stable across process restarts, so clients may hold a cursor
// indefinitely; they must still treat it as an opaque string.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCursor reports a cursor string that does not decode to a
// well-formed ordering key.
var ErrInvalidCursor = errors.New("invalid cursor")

// token is the serialized form. Short field names keep cursors compact.
type token struct {
	CreatedAt int64 `json:"c"`
	ID        int64 `json:"i"`
}

// Encode serializes an ordering key into an opaque cursor string.
func Encode(createdAt, id int64) string {
	data, _ := json.Marshal(token{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a cursor string back into its ordering key.
// Malformed input fails with ErrInvalidCursor.
func Decode(s string) (createdAt, id int64, err error) {
	if s == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}

	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	var tok token
	if err := json.Unmarshal(data, &tok); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if tok.ID < 1 || tok.CreatedAt < 0 {
		return 0, 0, fmt.Errorf("%w: out of range", ErrInvalidCursor)
	}

	return tok.CreatedAt, tok.ID, nil
}
