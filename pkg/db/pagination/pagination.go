package pagination

import (
	"encoding/base64"
	"encoding/json"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit" binding:"omitempty,gte=1"`
}

// Normalized fills a zero limit and caps it at MaxLimit.
func (p Pagination) Normalized() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Cursor points at the last row of a page; rows are ordered by ID.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) string {
	b, _ := json.Marshal(data)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(data string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return Cursor{}, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return Cursor{}, err
	}

	return cursor, nil
}

// Trim cuts data, fetched with limit+1 rows, down to one page and reports
// whether more rows follow.
func Trim[T any](data []T, limit int, cursorOf func(T) Cursor) ([]T, PageInfo) {
	if len(data) <= limit {
		return data, PageInfo{}
	}

	data = data[:limit]
	return data, PageInfo{
		HasMore:    true,
		NextCursor: EncodeCursor(cursorOf(data[len(data)-1])),
	}
}
