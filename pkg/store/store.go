package store

import (
	"context"
	"errors"
	"time"

	"github.com/harun/memgate/pkg/memory"
)

// ErrUnreachable is returned by backends when a shard cannot be contacted.
var ErrUnreachable = errors.New("shard unreachable")

// ErrNotFound is returned by OpGet when no record has the requested id.
var ErrNotFound = errors.New("record not found")

// OpKind names a logical store operation.
type OpKind string

const (
	OpPing      OpKind = "ping"
	OpCreate    OpKind = "create"
	OpLink      OpKind = "link"
	OpShardRef  OpKind = "shard_ref"
	OpSearch    OpKind = "search"
	OpReinforce OpKind = "reinforce"
	OpDecay     OpKind = "decay"
	OpStats     OpKind = "stats"
	OpGet       OpKind = "get"
	OpRecent    OpKind = "recent"
)

// Operation is one logical request against a shard. Only the fields relevant
// to Kind are read.
type Operation struct {
	Kind OpKind

	Record *memory.Record
	ID     string
	IDs    []string
	Words  []string
	Limit  int

	MinStrength float64
	Weight      float64
	Window      time.Duration
	Factor      float64
	Max         float64
	Rate        float64

	Now time.Time
}

// Row is one record returned by a read operation.
type Row struct {
	Record       memory.Record
	Relevance    float64
	Associations []memory.Association
}

// Stats summarises a shard.
type Stats struct {
	Memories    int     `json:"memories"`
	Links       int     `json:"relationships"`
	AvgStrength float64 `json:"avg_strength"`
}

// DecayReport summarises a decay sweep on one shard.
type DecayReport struct {
	Decayed int `json:"decayed"`
	Dead    int `json:"dead"`
}

// Result is what a Store returns for an Operation.
type Result struct {
	Rows  []Row
	Count int
	Stats *Stats
	Decay *DecayReport
}

// Store executes operations against named shards. Implementations must honour
// ctx cancellation and report an unreachable shard as an error.
type Store interface {
	Execute(ctx context.Context, shard string, op Operation) (*Result, error)
}

// Closer is implemented by stores holding resources.
type Closer interface {
	Close() error
}
