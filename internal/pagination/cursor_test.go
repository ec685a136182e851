package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	encoded := Encode(ts, "lst_abc123")
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "lst_abc123", cursor.ID)
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// Valid base64 but no separator
	_, err = Decode("bm9waXBl") // "nopipe"
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// Separator but non-numeric timestamp
	_, err = Decode("eHx5") // "x|y"
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestComputePage(t *testing.T) {
	type row struct {
		id string
		at time.Time
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := func(r row) (time.Time, string) { return r.at, r.id }

	// Fewer rows than the limit: no next page
	rows := []row{{"a", base}, {"b", base.Add(time.Second)}}
	page, next, more := ComputePage(rows, 5, key)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
	assert.False(t, more)

	// Limit+1 rows: trimmed, cursor points at the last kept row
	rows = []row{{"a", base}, {"b", base.Add(time.Second)}, {"c", base.Add(2 * time.Second)}}
	page, next, more = ComputePage(rows, 2, key)
	require.Len(t, page, 2)
	assert.True(t, more)

	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.ID)
	assert.Equal(t, base.Add(time.Second), cursor.CreatedAt)
}
