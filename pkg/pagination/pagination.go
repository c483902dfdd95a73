// Package pagination implements opaque cursor paging for list operations.
// Cursors encode a position into the stable sort order of the listing; a
// client treats them as opaque tokens.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DefaultLimit is applied when a list request carries no limit
const DefaultLimit = 100

// MaxLimit caps the page size a client may request
const MaxLimit = 1000

// cursor is the decoded form of the opaque token
type cursor struct {
	Offset int `json:"o"`
}

// Encode builds the opaque token for a position
func Encode(offset int) string {
	data, _ := json.Marshal(cursor{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses an opaque token back into a position. An empty token means
// the start of the listing.
func Decode(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}
	if c.Offset < 0 {
		return 0, fmt.Errorf("malformed cursor: negative offset")
	}
	return c.Offset, nil
}

// Slice pages through a stably ordered listing. It returns the page, the
// continuation cursor and whether more items remain.
func Slice[T any](items []T, limit int, token string) ([]T, string, bool, error) {
	offset, err := Decode(token)
	if err != nil {
		return nil, "", false, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if offset >= len(items) {
		return []T{}, "", false, nil
	}
	end := offset + limit
	if end >= len(items) {
		return items[offset:], "", false, nil
	}
	return items[offset:end], Encode(end), true, nil
}
