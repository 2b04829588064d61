package localcache

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	assert.Equal(t, err, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	_, ok, err := c.Get("board-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, c.Put("board-1", json.RawMessage(`{"a":1}`)), nil)
	assert.Equal(t, c.Put("board-1", json.RawMessage(`{"a":2}`)), nil)
	assert.Equal(t, c.Put("board-0", json.RawMessage(`{}`)), nil)

	doc, ok, err := c.Get("board-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(doc), `{"a":2}`)

	entry, err := c.Entry("board-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.UpdatedAt.Equal(fixed), true)

	ids, err := c.List()
	assert.Equal(t, err, nil)
	assert.Equal(t, ids, []string{"board-0", "board-1"})

	// survives reopen
	assert.Equal(t, c.Close(), nil)
	c, err = Open(path)
	assert.Equal(t, err, nil)
	defer c.Close()
	doc, ok, err = c.Get("board-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(doc), `{"a":2}`)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(" ")
	assert.NotEqual(t, err, nil)
}

func TestPutRequiresID(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	assert.Equal(t, err, nil)
	defer c.Close()
	assert.NotEqual(t, c.Put("", json.RawMessage(`{}`)), nil)
}
