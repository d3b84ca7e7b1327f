// Package memstore is an in-process Store. It backs the "memory" driver and
// doubles as the fault-injecting fake used by gateway tests.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/store"
)

type link struct {
	to            string
	weight        float64
	coActivations int
}

type shardData struct {
	records map[string]*memory.Record
	links   map[string][]link
	refs    map[string]memory.Record
}

func newShardData() *shardData {
	return &shardData{
		records: make(map[string]*memory.Record),
		links:   make(map[string][]link),
		refs:    make(map[string]memory.Record),
	}
}

// Store keeps every shard in memory. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	shards  map[string]*shardData
	down    map[string]bool
	failN   map[string]int
	latency map[string]time.Duration
	calls   map[string]map[store.OpKind]int
	now     func() time.Time
}

// New creates a Store with the given shards.
func New(shards ...string) *Store {
	s := &Store{
		shards:  make(map[string]*shardData),
		down:    make(map[string]bool),
		failN:   make(map[string]int),
		latency: make(map[string]time.Duration),
		calls:   make(map[string]map[store.OpKind]int),
		now:     time.Now,
	}
	for _, name := range shards {
		s.shards[name] = newShardData()
	}
	return s
}

// SetDown makes every call against shard fail until reset.
func (s *Store) SetDown(shard string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[shard] = down
}

// FailNext makes the next n calls against shard fail.
func (s *Store) FailNext(shard string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN[shard] = n
}

// SetLatency delays every call against shard by d, honouring ctx.
func (s *Store) SetLatency(shard string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[shard] = d
}

// Calls reports how many calls of kind reached shard, including failed ones.
func (s *Store) Calls(shard string, kind store.OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[shard][kind]
}

// Put inserts rec directly, bypassing fault injection.
func (s *Store) Put(rec memory.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.shard(rec.Shard)
	cp := rec
	d.records[rec.ID] = &cp
}

// Record returns a copy of the record with id on shard.
func (s *Store) Record(shard, id string) (memory.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.shards[shard]
	if !ok {
		return memory.Record{}, false
	}
	rec, ok := d.records[id]
	if !ok {
		return memory.Record{}, false
	}
	return *rec, true
}

// Len returns the number of records on shard.
func (s *Store) Len(shard string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.shards[shard]; ok {
		return len(d.records)
	}
	return 0
}

// Refs returns the number of cross-shard references held by shard.
func (s *Store) Refs(shard string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.shards[shard]; ok {
		return len(d.refs)
	}
	return 0
}

func (s *Store) shard(name string) *shardData {
	d, ok := s.shards[name]
	if !ok {
		d = newShardData()
		s.shards[name] = d
	}
	return d
}

func (s *Store) Execute(ctx context.Context, shard string, op store.Operation) (*store.Result, error) {
	s.mu.Lock()
	if s.calls[shard] == nil {
		s.calls[shard] = make(map[store.OpKind]int)
	}
	s.calls[shard][op.Kind]++
	delay := s.latency[shard]
	failing := s.down[shard]
	if s.failN[shard] > 0 {
		s.failN[shard]--
		failing = true
	}
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failing {
		return nil, fmt.Errorf("%s: %w", shard, store.ErrUnreachable)
	}

	now := op.Now
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.shard(shard)

	switch op.Kind {
	case store.OpPing:
		return &store.Result{}, nil
	case store.OpCreate:
		if op.Record == nil {
			return nil, fmt.Errorf("create: missing record")
		}
		rec := *op.Record
		if _, exists := d.records[rec.ID]; exists {
			return nil, fmt.Errorf("create: duplicate id %s", rec.ID)
		}
		d.records[rec.ID] = &rec
		return &store.Result{Count: 1}, nil
	case store.OpLink:
		return s.link(d, op, now), nil
	case store.OpShardRef:
		if op.Record == nil {
			return nil, fmt.Errorf("shard_ref: missing record")
		}
		ref := *op.Record
		ref.LastActivated = now
		d.refs[ref.ID] = ref
		return &store.Result{Count: 1}, nil
	case store.OpSearch:
		return s.search(d, op, now), nil
	case store.OpReinforce:
		n := 0
		for _, id := range op.IDs {
			if rec, ok := d.records[id]; ok {
				rec.Strength = store.Reinforced(rec.Strength, op.Factor, op.Max)
				rec.LastActivated = now
				rec.Activations++
				n++
			}
		}
		return &store.Result{Count: n}, nil
	case store.OpDecay:
		report := &store.DecayReport{}
		for _, rec := range d.records {
			if rec.Strength <= store.DeadStrength {
				continue
			}
			next := store.Decayed(rec.Strength, rec.EncodingStrength, rec.LastActivated, now, op.Rate)
			if math.Abs(next-rec.Strength) > store.DecayEpsilon {
				rec.Strength = next
				report.Decayed++
			}
		}
		for _, rec := range d.records {
			if rec.Strength < store.DeadStrength {
				report.Dead++
			}
		}
		return &store.Result{Decay: report}, nil
	case store.OpStats:
		stats := &store.Stats{}
		var total float64
		for _, rec := range d.records {
			if rec.Strength > 0 {
				stats.Memories++
				total += rec.Strength
			}
		}
		for _, ls := range d.links {
			stats.Links += len(ls)
		}
		if stats.Memories > 0 {
			stats.AvgStrength = total / float64(stats.Memories)
		}
		return &store.Result{Stats: stats}, nil
	case store.OpGet:
		rec, ok := d.records[op.ID]
		if !ok {
			return &store.Result{}, nil
		}
		row := store.Row{Record: *rec}
		for _, l := range d.links[op.ID] {
			row.Associations = append(row.Associations, s.association(d, l))
		}
		return &store.Result{Rows: []store.Row{row}}, nil
	case store.OpRecent:
		var rows []store.Row
		for _, rec := range d.records {
			if op.Window > 0 && now.Sub(rec.LastActivated) > op.Window {
				continue
			}
			rows = append(rows, store.Row{Record: *rec})
		}
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].Record.LastActivated.After(rows[j].Record.LastActivated)
		})
		if op.Limit > 0 && len(rows) > op.Limit {
			rows = rows[:op.Limit]
		}
		return &store.Result{Rows: rows}, nil
	default:
		return nil, fmt.Errorf("unsupported operation %q", op.Kind)
	}
}

func (s *Store) link(d *shardData, op store.Operation, now time.Time) *store.Result {
	var peers []*memory.Record
	for id, rec := range d.records {
		if id == op.ID || rec.Strength <= op.MinStrength {
			continue
		}
		if op.Window > 0 && now.Sub(rec.LastActivated) > op.Window {
			continue
		}
		peers = append(peers, rec)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Strength != peers[j].Strength {
			return peers[i].Strength > peers[j].Strength
		}
		return peers[i].ID < peers[j].ID
	})
	if op.Limit > 0 && len(peers) > op.Limit {
		peers = peers[:op.Limit]
	}
	if _, ok := d.records[op.ID]; !ok {
		return &store.Result{}
	}
	for _, p := range peers {
		d.links[op.ID] = append(d.links[op.ID], link{to: p.ID, weight: op.Weight, coActivations: 1})
		d.links[p.ID] = append(d.links[p.ID], link{to: op.ID, weight: op.Weight, coActivations: 1})
	}
	return &store.Result{Count: len(peers)}
}

func (s *Store) search(d *shardData, op store.Operation, now time.Time) *store.Result {
	if len(op.Words) == 0 {
		return &store.Result{}
	}
	lowered := make([]string, len(op.Words))
	for i, w := range op.Words {
		lowered[i] = strings.ToLower(w)
	}

	var rows []store.Row
	for _, rec := range d.records {
		if rec.Strength <= op.MinStrength || !containsAny(rec, lowered) {
			continue
		}
		rows = append(rows, store.Row{
			Record:    *rec,
			Relevance: store.Relevance(rec.Strength, rec.LastActivated, now),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Relevance != rows[j].Relevance {
			return rows[i].Relevance > rows[j].Relevance
		}
		return rows[i].Record.ID < rows[j].Record.ID
	})
	if op.Limit > 0 && len(rows) > op.Limit {
		rows = rows[:op.Limit]
	}
	for i := range rows {
		for _, l := range d.links[rows[i].Record.ID] {
			if len(rows[i].Associations) == store.MaxAssociations {
				break
			}
			if peer, ok := d.records[l.to]; ok && peer.Strength > store.AssociationMinStrength {
				rows[i].Associations = append(rows[i].Associations, s.association(d, l))
			}
		}
	}
	return &store.Result{Rows: rows}
}

func (s *Store) association(d *shardData, l link) memory.Association {
	a := memory.Association{ID: l.to, Weight: l.weight}
	if peer, ok := d.records[l.to]; ok {
		a.Event = peer.Event
	}
	return a
}

func containsAny(rec *memory.Record, words []string) bool {
	event := strings.ToLower(rec.Event)
	content := strings.ToLower(rec.Content)
	for _, w := range words {
		if strings.Contains(event, w) || strings.Contains(content, w) {
			return true
		}
	}
	return false
}
