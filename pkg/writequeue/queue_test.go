package writequeue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Event string `json:"event"`
}

func openQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	return q
}

func TestAppendPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write-queue.json")
	q := openQueue(t, path)

	_, err := q.Append("episodic", payload{Event: "first"})
	require.NoError(t, err)
	_, err = q.Append("semantic", payload{Event: "second"})
	require.NoError(t, err)

	reloaded := openQueue(t, path)
	items := reloaded.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "episodic", items[0].Shard)

	var p payload
	require.NoError(t, items[0].Decode(&p))
	assert.Equal(t, "first", p.Event)
	assert.Equal(t, []string{"episodic", "semantic"}, reloaded.Shards())
}

func TestDrainRemovesOnlySuccesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write-queue.json")
	q := openQueue(t, path)
	for _, ev := range []string{"ok-1", "bad", "ok-2"} {
		_, err := q.Append("episodic", payload{Event: ev})
		require.NoError(t, err)
	}
	_, err := q.Append("semantic", payload{Event: "other"})
	require.NoError(t, err)

	report, err := q.Drain(context.Background(), "episodic", func(_ context.Context, it Item) error {
		var p payload
		require.NoError(t, it.Decode(&p))
		if p.Event == "bad" {
			return errors.New("still failing")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Replayed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Remaining)

	reloaded := openQueue(t, path)
	items := reloaded.Items()
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "still failing", items[0].LastErr)
	assert.Equal(t, 1, reloaded.LenFor("semantic"))
}

func TestDrainKeepsItemsAppendedMidDrain(t *testing.T) {
	q := openQueue(t, "")
	_, err := q.Append("episodic", payload{Event: "before"})
	require.NoError(t, err)

	report, err := q.Drain(context.Background(), "episodic", func(context.Context, Item) error {
		_, err := q.Append("episodic", payload{Event: "during"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, q.LenFor("episodic"))
}

func TestConcurrentDrainsReplayOnce(t *testing.T) {
	q := openQueue(t, "")
	for i := 0; i < 5; i++ {
		_, err := q.Append("episodic", payload{Event: "x"})
		require.NoError(t, err)
	}

	var replays atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	replay := func(context.Context, Item) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		replays.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Drain(context.Background(), "episodic", replay)
	}()
	<-started

	report, err := q.Drain(context.Background(), "episodic", replay)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(5), replays.Load())
	assert.Zero(t, q.Len())
}

func TestDrainEmptyShard(t *testing.T) {
	q := openQueue(t, "")
	report, err := q.Drain(context.Background(), "procedural", func(context.Context, Item) error {
		t.Fatal("replay must not run")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, report.Replayed)
}

func TestDrainStopsOnCancel(t *testing.T) {
	q := openQueue(t, "")
	for i := 0; i < 3; i++ {
		_, err := q.Append("episodic", payload{Event: "x"})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	report, err := q.Drain(ctx, "episodic", func(context.Context, Item) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 2, q.Len())
}
