package shard

import (
	"fmt"
	"sync"
	"time"
)

// Status is the health state of a shard.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DefaultFailureThreshold is the number of consecutive failures that takes a
// shard offline.
const DefaultFailureThreshold = 2

// Shard is the static description of one partition.
type Shard struct {
	Category Category `json:"category"`
	Endpoint string   `json:"endpoint"`
	Role     string   `json:"role"`
	Auth     string   `json:"-"`
}

// Health is the mutable state of one shard.
type Health struct {
	Status              Status    `json:"status"`
	LastSeen            time.Time `json:"last_seen,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecoveredAt         time.Time `json:"recovered_at,omitempty"`
}

// ShardHealth pairs a shard with a snapshot of its health.
type ShardHealth struct {
	Shard
	Health
}

// DefaultShards builds the four standard shards all pointing at endpoint.
func DefaultShards(endpoint, auth string) []Shard {
	out := make([]Shard, 0, len(Categories))
	for _, c := range Categories {
		out = append(out, Shard{Category: c, Endpoint: endpoint, Role: Roles[c], Auth: auth})
	}
	return out
}

// Registry holds the shard topology and per-shard health. Topology is fixed at
// construction; health is safe for concurrent use.
type Registry struct {
	shards    []Shard
	index     map[Category]int
	threshold int
	now       func() time.Time

	mu     sync.RWMutex
	health map[Category]*Health
}

// NewRegistry creates a Registry. A threshold below 1 uses DefaultFailureThreshold.
func NewRegistry(shards []Shard, threshold int) *Registry {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	r := &Registry{
		shards:    append([]Shard(nil), shards...),
		index:     make(map[Category]int, len(shards)),
		threshold: threshold,
		now:       time.Now,
		health:    make(map[Category]*Health, len(shards)),
	}
	for i, s := range r.shards {
		if s.Role == "" {
			r.shards[i].Role = Roles[s.Category]
		}
		r.index[s.Category] = i
		r.health[s.Category] = &Health{Status: StatusUnknown}
	}
	return r
}

// Shards returns the topology in registration order.
func (r *Registry) Shards() []Shard {
	return append([]Shard(nil), r.shards...)
}

// Categories returns the registered categories in order.
func (r *Registry) Categories() []Category {
	out := make([]Category, len(r.shards))
	for i, s := range r.shards {
		out[i] = s.Category
	}
	return out
}

// Lookup returns the shard for c.
func (r *Registry) Lookup(c Category) (Shard, error) {
	i, ok := r.index[c]
	if !ok {
		return Shard{}, fmt.Errorf("%w: %s", ErrUnknownShard, c)
	}
	return r.shards[i], nil
}

// Threshold returns the consecutive-failure threshold.
func (r *Registry) Threshold() int {
	return r.threshold
}

// Health returns a copy of the health of c.
func (r *Registry) Health(c Category) (Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[c]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// Status returns the status of c, or StatusUnknown for an unregistered shard.
func (r *Registry) Status(c Category) Status {
	h, ok := r.Health(c)
	if !ok {
		return StatusUnknown
	}
	return h.Status
}

// Snapshot returns every shard with a copy of its health.
func (r *Registry) Snapshot() []ShardHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShardHealth, len(r.shards))
	for i, s := range r.shards {
		out[i] = ShardHealth{Shard: s, Health: *r.health[s.Category]}
	}
	return out
}

// Online returns the categories currently online.
func (r *Registry) Online() []Category {
	return r.withStatus(func(s Status) bool { return s == StatusOnline })
}

// Available returns the categories not known to be offline.
func (r *Registry) Available() []Category {
	return r.withStatus(func(s Status) bool { return s != StatusOffline })
}

func (r *Registry) withStatus(keep func(Status) bool) []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Category
	for _, s := range r.shards {
		if keep(r.health[s.Category].Status) {
			out = append(out, s.Category)
		}
	}
	return out
}

// RecordSuccess marks c online. It reports whether c was not online before,
// which is the signal to replay writes queued for it.
func (r *Registry) RecordSuccess(c Category) (recovered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[c]
	if !ok {
		return false
	}
	now := r.now()
	recovered = h.Status != StatusOnline
	h.Status = StatusOnline
	h.LastSeen = now
	h.LastError = ""
	h.ConsecutiveFailures = 0
	if recovered {
		h.RecoveredAt = now
	}
	return recovered
}

// RecordFailure counts a failure against c. It reports whether this failure
// took c offline.
func (r *Registry) RecordFailure(c Category, err error) (wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[c]
	if !ok {
		return false
	}
	h.ConsecutiveFailures++
	if err != nil {
		h.LastError = err.Error()
	}
	if h.ConsecutiveFailures >= r.threshold && h.Status != StatusOffline {
		h.Status = StatusOffline
		return true
	}
	return false
}
