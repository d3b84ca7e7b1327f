package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, shard, event, content string, strength float64, last time.Time) memory.Record {
	return memory.Record{
		ID:               id,
		Shard:            shard,
		Event:            event,
		Content:          content,
		Strength:         strength,
		EncodingStrength: strength,
		LastActivated:    last,
		Activations:      1,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := New("semantic")

	_, err := s.Execute(ctx, "semantic", store.Create(record("sem-1", "semantic", "Pricing", "Plans cost $10", 0.5, time.Now())))
	require.NoError(t, err)

	_, err = s.Execute(ctx, "semantic", store.Create(record("sem-1", "semantic", "dup", "dup", 0.5, time.Now())))
	assert.Error(t, err)

	res, err := s.Execute(ctx, "semantic", store.Get("sem-1"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Pricing", res.Rows[0].Record.Event)

	res, err = s.Execute(ctx, "semantic", store.Get("missing"))
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestSearchRanksByRecencyWeightedStrength(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New("episodic")
	s.Put(record("a", "episodic", "Revenue report", "Q3 revenue up", 0.9, now.Add(-10*time.Hour)))
	s.Put(record("b", "episodic", "Revenue call", "discussed revenue", 0.5, now))
	s.Put(record("c", "episodic", "Revenue", "faded", 0.04, now))
	s.Put(record("d", "episodic", "Lunch", "sandwich", 0.9, now))

	res, err := s.Execute(ctx, "episodic", store.Search([]string{"revenue"}, 10, now))
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "b", res.Rows[0].Record.ID)
	assert.Equal(t, "a", res.Rows[1].Record.ID)
	assert.Greater(t, res.Rows[0].Relevance, res.Rows[1].Relevance)
}

func TestLinkAssociatesRecentStrongRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New("semantic")
	s.Put(record("old", "semantic", "old", "old", 0.9, now.Add(-2*time.Hour)))
	s.Put(record("weak", "semantic", "weak", "weak", 0.05, now))
	s.Put(record("peer", "semantic", "peer", "topic", 0.8, now))
	s.Put(record("new", "semantic", "new", "topic", 0.6, now))

	res, err := s.Execute(ctx, "semantic", store.Link("new", 0.6, now))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	got, err := s.Execute(ctx, "semantic", store.Get("new"))
	require.NoError(t, err)
	require.Len(t, got.Rows[0].Associations, 1)
	assert.Equal(t, "peer", got.Rows[0].Associations[0].ID)
	assert.InDelta(t, 0.45, got.Rows[0].Associations[0].Weight, 1e-9)

	search, err := s.Execute(ctx, "semantic", store.Search([]string{"topic"}, 10, now))
	require.NoError(t, err)
	for _, row := range search.Rows {
		assert.Len(t, row.Associations, 1)
	}
}

func TestReinforceCapsStrength(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New("semantic")
	s.Put(record("a", "semantic", "a", "a", 0.5, now.Add(-time.Hour)))
	s.Put(record("b", "semantic", "b", "b", 0.99, now.Add(-time.Hour)))

	res, err := s.Execute(ctx, "semantic", store.Reinforce([]string{"a", "b", "missing"}, 1.05, 1.0, now))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	a, _ := s.Record("semantic", "a")
	b, _ := s.Record("semantic", "b")
	assert.InDelta(t, 0.525, a.Strength, 1e-9)
	assert.Equal(t, 1.0, b.Strength)
	assert.Equal(t, 2, a.Activations)
	assert.Equal(t, now, a.LastActivated)
}

func TestDecayAndStats(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New("procedural")
	s.Put(record("a", "procedural", "a", "a", 0.9, now.Add(-24*30*time.Hour)))
	s.Put(record("b", "procedural", "b", "b", 0.9, now))

	res, err := s.Execute(ctx, "procedural", store.Decay(store.DefaultDecayRate, now))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Decay.Decayed)
	assert.Equal(t, 0, res.Decay.Dead)

	stats, err := s.Execute(ctx, "procedural", store.StatsOp())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Stats.Memories)
	assert.Less(t, stats.Stats.AvgStrength, 0.9)
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New("episodic")
	s.Put(record("a", "episodic", "a", "a", 0.5, now.Add(-time.Minute)))
	s.Put(record("b", "episodic", "b", "b", 0.5, now))
	s.Put(record("c", "episodic", "c", "c", 0.5, now.Add(-3*time.Hour)))

	res, err := s.Execute(ctx, "episodic", store.Recent(2*time.Hour, 10, now))
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "b", res.Rows[0].Record.ID)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New("episodic")

	s.SetDown("episodic", true)
	_, err := s.Execute(ctx, "episodic", store.Ping())
	assert.True(t, errors.Is(err, store.ErrUnreachable))
	assert.Equal(t, 1, s.Calls("episodic", store.OpPing))

	s.SetDown("episodic", false)
	s.FailNext("episodic", 1)
	_, err = s.Execute(ctx, "episodic", store.Ping())
	assert.Error(t, err)
	_, err = s.Execute(ctx, "episodic", store.Ping())
	assert.NoError(t, err)

	s.SetLatency("episodic", time.Second)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = s.Execute(tctx, "episodic", store.Ping())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShardRef(t *testing.T) {
	s := New("association")
	_, err := s.Execute(context.Background(), "association", store.ShardRef(record("sem-1", "semantic", "e", "c", 0.5, time.Now()), time.Now()))
	require.NoError(t, err)
	_, err = s.Execute(context.Background(), "association", store.ShardRef(record("sem-1", "semantic", "e", "c", 0.6, time.Now()), time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Refs("association"))
}
