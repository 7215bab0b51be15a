package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_InvalidateAndReauth(t *testing.T) {
	c := New(" abc ")
	tok, ok := c.Token()
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	var seen []bool
	c.OnChange(func(valid bool) { seen = append(seen, valid) })

	c.Invalidate()
	c.Invalidate()
	_, ok = c.Token()
	assert.False(t, ok)
	assert.True(t, c.Invalidated())

	require.NoError(t, c.SetToken("fresh"))
	tok, ok = c.Token()
	assert.True(t, ok)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, []bool{false, true}, seen)
}

func TestContext_EmptyTokenIsValid(t *testing.T) {
	c := New("")
	tok, ok := c.Token()
	assert.True(t, ok)
	assert.Empty(t, tok)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth", "token")

	c, err := LoadFile(path)
	require.NoError(t, err)
	tok, ok := c.Token()
	assert.True(t, ok)
	assert.Empty(t, tok)

	require.NoError(t, c.SetToken("persisted"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "persisted\n", string(data))

	again, err := LoadFile(path)
	require.NoError(t, err)
	tok, _ = again.Token()
	assert.Equal(t, "persisted", tok)
}
