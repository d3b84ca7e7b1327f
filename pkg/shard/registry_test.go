package shard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTransitions(t *testing.T) {
	reg := NewRegistry(DefaultShards("http://localhost:7474", ""), 2)
	assert.Equal(t, StatusUnknown, reg.Status(Episodic))

	assert.True(t, reg.RecordSuccess(Episodic), "unknown to online counts as a recovery")
	assert.False(t, reg.RecordSuccess(Episodic))
	assert.Equal(t, StatusOnline, reg.Status(Episodic))

	assert.False(t, reg.RecordFailure(Episodic, errors.New("boom")))
	assert.Equal(t, StatusOnline, reg.Status(Episodic))
	assert.True(t, reg.RecordFailure(Episodic, errors.New("boom again")))
	assert.Equal(t, StatusOffline, reg.Status(Episodic))
	assert.False(t, reg.RecordFailure(Episodic, errors.New("still down")), "only the transition is reported")

	h, ok := reg.Health(Episodic)
	require.True(t, ok)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, "still down", h.LastError)

	assert.True(t, reg.RecordSuccess(Episodic))
	h, _ = reg.Health(Episodic)
	assert.Equal(t, StatusOnline, h.Status)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
	assert.False(t, h.RecoveredAt.IsZero())
}

func TestRegistryDefaultThreshold(t *testing.T) {
	reg := NewRegistry(DefaultShards("", ""), 0)
	assert.Equal(t, DefaultFailureThreshold, reg.Threshold())
}

func TestRegistryViews(t *testing.T) {
	reg := NewRegistry(DefaultShards("", ""), 1)
	reg.RecordSuccess(Semantic)
	reg.RecordFailure(Procedural, errors.New("down"))

	assert.Equal(t, []Category{Semantic}, reg.Online())
	assert.Equal(t, []Category{Episodic, Semantic, Association}, reg.Available())

	snap := reg.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, Roles[Episodic], snap[0].Role)
	snap[1].Status = StatusOffline
	assert.Equal(t, StatusOnline, reg.Status(Semantic), "snapshots are copies")

	_, err := reg.Lookup("bogus")
	assert.True(t, errors.Is(err, ErrUnknownShard))
}
