// Package pagination pages through ordered in-memory listings with opaque
// cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a position in a listing ordered by (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether c sorts before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// Encode returns the opaque string form of c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Paginate returns up to limit items that sort after the cursor. items must
// already be ordered by key. A nil cursor starts from the beginning.
func Paginate[T any](items []T, after *Cursor, limit int, key func(T) Cursor) Page[T] {
	start := 0
	if after != nil {
		for start < len(items) && !after.Before(key(items[start])) {
			start++
		}
	}
	rest := items[start:]
	if limit <= 0 || len(rest) <= limit {
		return Page[T]{Items: rest}
	}
	page := rest[:limit]
	return Page[T]{
		Items:      page,
		NextCursor: key(page[len(page)-1]).Encode(),
		HasMore:    true,
	}
}
