package memory

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivate(t *testing.T) {
	m := NewMotivations(nil)

	t.Run("empty delta gives minimum strength", func(t *testing.T) {
		a := m.Activate(nil)
		assert.Equal(t, 0.0, a.Magnitude)
		assert.Equal(t, SignalReward, a.Signal)
		assert.Equal(t, MinStrength, a.Strength())
	})

	t.Run("positive delta is a reward", func(t *testing.T) {
		a := m.Activate(map[string]float64{"serve": 0.5, "build": 0.4})
		assert.Equal(t, SignalReward, a.Signal)
		assert.Greater(t, a.Magnitude, 0.3)
		assert.LessOrEqual(t, a.Magnitude, 1.0)
	})

	t.Run("negative delta is a threat", func(t *testing.T) {
		a := m.Activate(map[string]float64{"protect": -1})
		assert.Equal(t, SignalThreat, a.Signal)
		assert.Greater(t, a.Magnitude, 0.0)
	})

	t.Run("magnitude is capped at one", func(t *testing.T) {
		a := m.Activate(map[string]float64{"survive": 5, "serve": 5, "grow": 5, "protect": 5, "build": 5})
		assert.Equal(t, 1.0, a.Magnitude)
	})
}

func TestMotivationsSetClamps(t *testing.T) {
	m := NewMotivations(nil)
	got := m.Set(map[string]float64{"grow": 5, "protect": 0, "unknown": 0.5})

	assert.Equal(t, MaxWeight, got["grow"])
	assert.Equal(t, MinWeight, got["protect"])
	_, ok := got["unknown"]
	assert.False(t, ok)

	got["grow"] = 0.3
	assert.Equal(t, MaxWeight, m.Weights()["grow"], "Weights returns a copy")
}

func TestNewID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	id := NewID("episodic", now)

	assert.Regexp(t, regexp.MustCompile(`^epi-1700000000000-[0-9a-z]{6}$`), id)
	assert.True(t, strings.HasPrefix(NewID("ab", now), "ab-"))
	assert.NotEqual(t, id, NewID("episodic", now))
}

func TestDefaultEvent(t *testing.T) {
	assert.Equal(t, "unnamed memory", DefaultEvent(""))
	assert.Equal(t, "short", DefaultEvent("short"))
	assert.Len(t, []rune(DefaultEvent(strings.Repeat("é", 100))), 80)
}

func TestCloneResults(t *testing.T) {
	orig := []Result{{ID: "a", Associations: []Association{{ID: "b"}}}}
	cp := CloneResults(orig)
	require.Len(t, cp, 1)

	cp[0].Associations[0].ID = "changed"
	cp[0].ID = "changed"
	assert.Equal(t, "a", orig[0].ID)
	assert.Equal(t, "b", orig[0].Associations[0].ID)
	assert.Nil(t, CloneResults(nil))
}

func TestEmbeddingText(t *testing.T) {
	r := Record{Event: "Launch", Content: "Shipped v2"}
	assert.Equal(t, "Launch. Shipped v2", r.Text())
}
