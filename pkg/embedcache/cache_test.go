package embedcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, shard string, vec ...float32) Entry {
	return Entry{ID: id, Vector: vec, Metadata: Metadata{Event: id, Shard: shard, Type: shard, Strength: 0.5}}
}

func TestSearchFloorAndOrder(t *testing.T) {
	c, err := Open("", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Add(entry("close", "semantic", 1, 0.1)))
	require.NoError(t, c.Add(entry("closer", "episodic", 1, 0)))
	require.NoError(t, c.Add(entry("far", "semantic", 0, 1)))

	hits := c.Search(context.Background(), []float32{1, 0}, 0.25, 10, nil)
	require.Len(t, hits, 2)
	assert.Equal(t, "closer", hits[0].ID)
	assert.Equal(t, "close", hits[1].ID)

	hits = c.Search(context.Background(), []float32{1, 0}, 0.25, 10, func(m Metadata) bool { return m.Shard == "semantic" })
	require.Len(t, hits, 1)
	assert.Equal(t, "close", hits[0].ID)

	assert.Len(t, c.Search(context.Background(), []float32{1, 0}, 0.25, 1, nil), 1)
	assert.Empty(t, c.Search(context.Background(), nil, 0.25, 10, nil))
}

func TestNearest(t *testing.T) {
	c, _ := Open("", zerolog.Nop())
	_, ok := c.Nearest([]float32{1, 0})
	assert.False(t, ok)

	require.NoError(t, c.Add(entry("a", "semantic", 1, 0)))
	require.NoError(t, c.Add(entry("b", "semantic", 0, 1)))
	hit, ok := c.Nearest([]float32{0.9, 0.1})
	require.True(t, ok)
	assert.Equal(t, "a", hit.ID)
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")
	c, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Add(entry("a", "semantic", 1, 0)))
	require.NoError(t, c.Add(Entry{ID: "no-vector"}))
	require.NoError(t, c.Add(entry("a", "semantic", 0, 1)))

	reloaded, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	got, ok := reloaded.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, got.Vector)

	reloaded.UpdateStrength("a", 0.9)
	require.NoError(t, reloaded.Flush())
	again, _ := Open(path, zerolog.Nop())
	got, _ = again.Get("a")
	assert.Equal(t, 0.9, got.Metadata.Strength)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")
	require.NoError(t, os.WriteFile(path, []byte("[{"), 0644))

	c, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}
