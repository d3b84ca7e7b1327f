package store

import (
	"time"

	"github.com/harun/memgate/pkg/memory"
)

const (
	// SearchMinStrength excludes nearly forgotten records from keyword search.
	SearchMinStrength = 0.05
	// AssociationMinStrength is the floor for a neighbour to be linked or listed.
	AssociationMinStrength = 0.1
	// MaxAssociations caps the neighbours returned per search row.
	MaxAssociations = 3
	// LinkFanout caps the recent records a new record is linked to.
	LinkFanout = 5
	// LinkWindow is how recently a record must have been active to be linked.
	LinkWindow = 30 * time.Minute
	// DeadStrength is the strength below which a record counts as forgotten.
	DeadStrength = 0.01
	// DecayEpsilon is the smallest change a decay sweep writes back.
	DecayEpsilon = 0.001
	// DefaultDecayRate is the per-hour decay constant.
	DefaultDecayRate = 0.001
)

func Ping() Operation {
	return Operation{Kind: OpPing}
}

func Create(rec memory.Record) Operation {
	return Operation{Kind: OpCreate, Record: &rec}
}

// Link associates the record id with recent strong records on the same shard.
func Link(id string, strength float64, now time.Time) Operation {
	return Operation{
		Kind:        OpLink,
		ID:          id,
		Weight:      LinkWeight(strength),
		Window:      LinkWindow,
		Limit:       LinkFanout,
		MinStrength: AssociationMinStrength,
		Now:         now,
	}
}

// ShardRef upserts a cross-shard reference to rec.
func ShardRef(rec memory.Record, now time.Time) Operation {
	return Operation{Kind: OpShardRef, Record: &rec, Now: now}
}

func Search(words []string, limit int, now time.Time) Operation {
	return Operation{Kind: OpSearch, Words: words, Limit: limit, MinStrength: SearchMinStrength, Now: now}
}

func Reinforce(ids []string, factor, max float64, now time.Time) Operation {
	return Operation{Kind: OpReinforce, IDs: ids, Factor: factor, Max: max, Now: now}
}

func Decay(rate float64, now time.Time) Operation {
	return Operation{Kind: OpDecay, Rate: rate, Now: now}
}

func StatsOp() Operation {
	return Operation{Kind: OpStats}
}

func Get(id string) Operation {
	return Operation{Kind: OpGet, ID: id}
}

// Recent lists records activated within window, newest first.
func Recent(window time.Duration, limit int, now time.Time) Operation {
	return Operation{Kind: OpRecent, Window: window, Limit: limit, Now: now}
}
