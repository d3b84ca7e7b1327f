package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harun/memgate/pkg/hooks"
	"github.com/harun/memgate/pkg/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
	data   map[string]map[string]any
}

func (l *eventLog) record(_ context.Context, event string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if l.data == nil {
		l.data = make(map[string]map[string]any)
	}
	l.data[event] = data
	return nil
}

func (l *eventLog) seen(event string) (map[string]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.data[event]
	return d, ok
}

func TestEventsFollowShardLifecycle(t *testing.T) {
	st := newStore()
	log := &eventLog{}
	g := newGateway(t, st, func(o *Options) { o.OnEvent = log.record })
	ctx := context.Background()

	st.SetDown("episodic", true)
	g.CheckHealth(ctx)
	g.CheckHealth(ctx)
	require.Equal(t, shard.StatusOffline, g.Registry().Status(shard.Episodic))

	res, err := g.Write(ctx, WriteRequest{Shard: "episodic", Content: "Rotated the staging TLS certificates"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	st.SetDown("episodic", false)
	g.CheckHealth(ctx)
	require.True(t, g.WaitIdle(2*time.Second))

	offline, ok := log.seen(hooks.EventShardOffline)
	require.True(t, ok)
	assert.Equal(t, "episodic", offline["shard"])
	assert.NotEmpty(t, offline["last_error"])

	online, ok := log.seen(hooks.EventShardOnline)
	require.True(t, ok)
	assert.NotEmpty(t, online["shard"])

	drained, ok := log.seen(hooks.EventQueueDrained)
	require.True(t, ok)
	assert.Equal(t, "episodic", drained["shard"])
	assert.Equal(t, 1, drained["replayed"])
	assert.Equal(t, 0, drained["remaining"])
}

func TestDecayEmitsEvent(t *testing.T) {
	log := &eventLog{}
	g := newGateway(t, newStore(), func(o *Options) { o.OnEvent = log.record })

	_, err := g.Decay(context.Background())
	require.NoError(t, err)
	require.True(t, g.WaitIdle(2*time.Second))

	data, ok := log.seen(hooks.EventDecayed)
	require.True(t, ok)
	assert.Equal(t, 0, data["decayed"])
	assert.Equal(t, "", data["skipped"])
}

func TestNoEventsWithoutHandler(t *testing.T) {
	st := newStore()
	g := newGateway(t, st)
	ctx := context.Background()

	st.SetDown("semantic", true)
	g.CheckHealth(ctx)
	g.CheckHealth(ctx)
	assert.True(t, g.WaitIdle(time.Second))
}
