package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c, err := DecodeCursor(EncodeCursor(Cursor{ID: "1850000000000000001"}))
	require.NoError(t, err)
	require.Equal(t, "1850000000000000001", c.ID)

	_, err = DecodeCursor("not base64!")
	require.Error(t, err)
}

func TestTrim(t *testing.T) {
	ids := func(s string) Cursor { return Cursor{ID: s} }

	page, info := Trim([]string{"a", "b"}, 2, ids)
	require.Equal(t, []string{"a", "b"}, page)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)

	page, info = Trim([]string{"a", "b", "c"}, 2, ids)
	require.Equal(t, []string{"a", "b"}, page)
	require.True(t, info.HasMore)
	next, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "b", next.ID)
}

func TestNormalized(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Normalized().Limit)
	require.Equal(t, MaxLimit, Pagination{Limit: 5000}.Normalized().Limit)
	require.Equal(t, 7, Pagination{Limit: 7}.Normalized().Limit)
}
