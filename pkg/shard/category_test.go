package shard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"", Episodic},
		{"episodic", Episodic},
		{" Semantic ", Semantic},
		{"PROCEDURAL", Procedural},
		{"association", Association},
		{"technical", Semantic},
		{"market", Semantic},
		{"strategic", Semantic},
		{"competitive", Semantic},
		{"economic", Semantic},
		{"functional", Procedural},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCategory(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCategoryRejectsUnknown(t *testing.T) {
	_, err := ParseCategory("gossip")
	assert.True(t, errors.Is(err, ErrUnknownCategory))
	assert.Contains(t, err.Error(), "gossip")
}

func TestRecallableCategories(t *testing.T) {
	assert.Equal(t, []Category{Episodic, Semantic, Procedural}, RecallableCategories())
	assert.False(t, Association.Recallable())
}
