// Package pagination implements the keyset cursors used by dispute
// listings. Rows are ordered by (created_at, id) ascending and a cursor
// names the last row of the previous page.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/PlayraLive/h-ai-sub005/internal/apperrors"
)

// Limits applied to list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	ErrInvalidCursor = apperrors.Validation("invalid_cursor", "cursor is malformed")
	ErrInvalidLimit  = apperrors.Validation("invalid_limit", "limit must be a positive integer")
)

// Cursor is a position in a (created_at, id) ordered listing.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// Keyed is a row that can be listed by keyset.
type Keyed interface {
	PageKey() (createdAt time.Time, id string)
}

// CursorFor returns the cursor positioned on row.
func CursorFor(row Keyed) *Cursor {
	createdAt, id := row.PageKey()
	return &Cursor{CreatedAt: createdAt, ID: id}
}

// Precedes reports whether the cursor sorts strictly before the row at
// (createdAt, id). A nil cursor precedes everything.
func (c *Cursor) Precedes(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id > c.ID
	}
	return createdAt.After(c.CreatedAt)
}

// Encode returns the opaque form of the cursor.
func (c *Cursor) Encode() string {
	raw, _ := json.Marshal(Cursor{CreatedAt: c.CreatedAt.UTC(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses an opaque cursor. Empty input means the first page and
// returns nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor.WithCause(err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrInvalidCursor.WithCause(err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

// ParseLimit reads a page size from a query value. Empty means
// DefaultLimit; values above MaxLimit are clamped.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, ErrInvalidLimit
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	return n, nil
}

// Page is one page of a keyset listing.
type Page[T Keyed] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Paginate trims rows fetched with limit+1 to limit and sets the cursor
// of the next page when there is one.
func Paginate[T Keyed](rows []T, limit int) Page[T] {
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	return Page[T]{
		Items:      rows,
		NextCursor: CursorFor(rows[len(rows)-1]).Encode(),
		HasMore:    true,
	}
}
