package apiclient

import (
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{`"2024-03-01T10:20:30Z"`, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{`"2024-03-01T10:20:30.5+02:00"`, time.Date(2024, 3, 1, 8, 20, 30, 500000000, time.UTC)},
		{`"2024-03-01T10:20:30.123456"`, time.Date(2024, 3, 1, 10, 20, 30, 123456000, time.UTC)},
		{`"2024-03-01 10:20:30"`, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{`"2024-03-01"`, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{`1709288430`, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
	}
	for _, tc := range cases {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(tc.in), &ts), tc.in)
		assert.True(t, ts.Equal(tc.want), "%s: got %v", tc.in, ts.Time)
	}

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestID(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`42`), &id))
	assert.Equal(t, ID("42"), id)
	require.NoError(t, json.Unmarshal([]byte(`" abc "`), &id))
	assert.Equal(t, ID("abc"), id)
	assert.Error(t, json.Unmarshal([]byte(`true`), &id))
}

func TestNormalizeKeys(t *testing.T) {
	in := map[string]any{
		"id":            1.0,
		"totalPages":    3.0,
		"file-key":      "k",
		"book_metadata": map[string]any{"pageCount": 1.0},
	}
	out, renamed := normalizeKeys(in)
	m := out.(map[string]any)
	assert.Equal(t, 3.0, m["total_pages"])
	assert.Equal(t, "k", m["file_key"])
	assert.Contains(t, m["book_metadata"].(map[string]any), "pageCount", "nested objects are left alone")
	assert.Equal(t, []string{"file-key", "totalPages"}, renamed)

	_, renamed = normalizeKeys(map[string]any{"id": 1.0, "total_pages": 2.0})
	assert.Empty(t, renamed)
}

func TestNormalizeKeys_CanonicalKeyWins(t *testing.T) {
	out, _ := normalizeKeys(map[string]any{"total_pages": 5.0, "totalPages": 9.0})
	assert.Equal(t, 5.0, out.(map[string]any)["total_pages"])
}
