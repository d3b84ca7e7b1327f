package recall

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/commandqueue"
	"github.com/harun/memgate/pkg/embedcache"
	"github.com/harun/memgate/pkg/expansion"
	"github.com/harun/memgate/pkg/judge"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/store"
	"github.com/harun/memgate/pkg/store/memstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticEmbedder maps texts to fixed vectors; unknown texts point away from
// every test vector.
type staticEmbedder map[string][]float32

func (s staticEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

type failingEmbedder struct{}

func (failingEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedder down")
}

type staticExpander map[string][]string

func (s staticExpander) Lookup(ctx context.Context, query string) ([]string, expansion.Outcome) {
	if qs, ok := s[query]; ok {
		return qs, expansion.Outcome{Hit: true}
	}
	return []string{query}, expansion.Outcome{}
}

// MockJudge selects fixed indices per router.
type MockJudge struct {
	mu       sync.Mutex
	picks    map[string][]int
	merge    []int
	rankErr  error
	ranked   []string
	mergeLen int
}

func (m *MockJudge) Expand(ctx context.Context, q string) ([]string, error) { return []string{q}, nil }
func (m *MockJudge) Predict(ctx context.Context, recent []string) ([]string, error) {
	return nil, nil
}
func (m *MockJudge) Distill(ctx context.Context, turn judge.Turn) (judge.Distillation, error) {
	return judge.Distillation{}, nil
}

func (m *MockJudge) Rank(ctx context.Context, query, category string, cands []judge.Candidate, maxPick int) (judge.Ranking, error) {
	m.mu.Lock()
	m.ranked = append(m.ranked, category)
	m.mu.Unlock()
	if m.rankErr != nil {
		return judge.Ranking{}, m.rankErr
	}
	var sel []int
	for _, i := range m.picks[category] {
		if i < len(cands) {
			sel = append(sel, i)
		}
	}
	return judge.Ranking{Selected: sel, Confidence: 0.9}, nil
}

func (m *MockJudge) Merge(ctx context.Context, query string, cands []judge.Candidate, maxResults int) (judge.Synthesis, error) {
	m.mu.Lock()
	m.mergeLen = len(cands)
	m.mu.Unlock()
	return judge.Synthesis{Selected: m.merge, Reasoning: "linked"}, nil
}

type fixture struct {
	store  *memstore.Store
	exec   *shard.Executor
	index  *embedcache.Cache
	queue  *commandqueue.CommandQueue
	engine *Engine
}

func newFixture(t *testing.T, emb Embedder, cfg Config) *fixture {
	t.Helper()
	st := memstore.New("episodic", "semantic", "procedural", "association")
	reg := shard.NewRegistry(shard.DefaultShards("", ""), 2)
	exec := shard.NewExecutor(reg, st, shard.ExecutorConfig{DefaultTimeout: time.Second, Logger: zerolog.Nop()})
	index, err := embedcache.Open("", zerolog.Nop())
	require.NoError(t, err)
	queue := commandqueue.New(commandqueue.Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = queue.Close() })

	cfg.Executor = exec
	cfg.Index = index
	cfg.Embedder = emb
	cfg.Background = queue
	cfg.Logger = zerolog.Nop()
	return &fixture{store: st, exec: exec, index: index, queue: queue, engine: New(cfg)}
}

func (f *fixture) add(t *testing.T, id, sh, event string, strength float64, vec []float32) {
	t.Helper()
	f.store.Put(memory.Record{
		ID: id, Shard: sh, Event: event, Content: event + " details",
		Strength: strength, EncodingStrength: strength, LastActivated: time.Now(),
	})
	if vec != nil {
		require.NoError(t, f.index.Add(embedcache.Entry{ID: id, Vector: vec, Metadata: embedcache.Metadata{
			Event: event, Content: event + " details", Strength: strength, Type: sh, Shard: sh,
		}}))
	}
}

func TestRunEmptyQuery(t *testing.T) {
	f := newFixture(t, nil, Config{})
	_, err := f.engine.Run(context.Background(), Request{Query: "  ?! "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	for _, q := range []string{"Привет", "東京の会議"} {
		_, err = f.engine.Run(context.Background(), Request{Query: q})
		assert.NoError(t, err, q)
	}
}

func TestRunFastPathSkipsLexical(t *testing.T) {
	emb := staticEmbedder{"coffee order": {1, 0, 0}}
	f := newFixture(t, emb, Config{})
	f.add(t, "a", "semantic", "espresso", 0.5, []float32{1, 0, 0})
	f.add(t, "b", "episodic", "latte", 0.5, []float32{0.8, 0.6, 0})
	f.add(t, "c", "semantic", "unrelated", 0.5, []float32{0, 1, 0})

	resp, err := f.engine.Run(context.Background(), Request{Query: "coffee order", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, MethodSemantic, resp.Method)
	assert.True(t, resp.Phases.FastPath)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Equal(t, "b", resp.Results[1].ID)
	assert.Equal(t, memory.SourceSemantic, resp.Results[0].Source)
	for _, sh := range []string{"episodic", "semantic", "procedural"} {
		assert.Zero(t, f.store.Calls(sh, store.OpSearch))
	}
}

func TestRunTieredMerge(t *testing.T) {
	emb := staticEmbedder{"tea habits": {0.5, 0.866, 0}}
	f := newFixture(t, emb, Config{})
	// Weak semantic match only known to the index.
	f.add(t, "weak", "semantic", "morning routine", 0.2, []float32{1, 0, 0})
	// Strong lexical match with no vector.
	f.add(t, "lex", "episodic", "tea habits", 1.0, nil)

	resp, err := f.engine.Run(context.Background(), Request{Query: "tea habits"})
	require.NoError(t, err)
	assert.Equal(t, MethodTiered, resp.Method)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "weak", resp.Results[0].ID)
	assert.Equal(t, "lex", resp.Results[1].ID)
	assert.Equal(t, memory.SourceLexical, resp.Results[1].Source)
	assert.Greater(t, resp.Results[1].Relevance, 0.0)
}

func TestSortTieredStrongSemanticBeatsRelevance(t *testing.T) {
	rs := []memory.Result{
		{ID: "B", Similarity: 0.1, Relevance: 100},
		{ID: "A", Similarity: 0.5, Relevance: 10},
		{ID: "C", Similarity: 0.5, Strength: 0.9},
		{ID: "D", Relevance: 50},
	}
	SortTiered(rs, 0.4)
	ids := []string{rs[0].ID, rs[1].ID, rs[2].ID, rs[3].ID}
	assert.Equal(t, []string{"C", "A", "B", "D"}, ids)
}

func TestRunWithoutEmbedderIsLexicalOnly(t *testing.T) {
	f := newFixture(t, failingEmbedder{}, Config{})
	f.add(t, "lex", "procedural", "deploy checklist", 0.8, []float32{1, 0, 0})

	resp, err := f.engine.Run(context.Background(), Request{Query: "deploy checklist"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "lex", resp.Results[0].ID)
	assert.Equal(t, memory.SourceLexical, resp.Results[0].Source)
}

func TestEmbeddingFailureLogsWithTrace(t *testing.T) {
	f := newFixture(t, failingEmbedder{}, Config{})
	var buf bytes.Buffer
	f.engine.logger = zerolog.New(&buf)

	ctx := tracing.WithTraceID(context.Background(), "trace-embed")
	_, err := f.engine.Run(ctx, Request{Query: "deploy checklist"})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "Query embedding unavailable")
	assert.Contains(t, buf.String(), `"trace_id":"trace-embed"`)
}

func TestRunAllShardsOffline(t *testing.T) {
	f := newFixture(t, nil, Config{})
	reg := f.exec.Registry()
	for _, c := range shard.RecallableCategories() {
		reg.RecordFailure(c, errors.New("down"))
		reg.RecordFailure(c, errors.New("down"))
	}

	resp, err := f.engine.Run(context.Background(), Request{Query: "anything here"})
	require.NoError(t, err)
	assert.Equal(t, MethodUnavailable, resp.Method)
	assert.Empty(t, resp.Results)
}

func TestRunOfflineShardIsSkipped(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.add(t, "ep", "episodic", "project kickoff", 0.8, nil)
	f.add(t, "se", "semantic", "project budget", 0.8, nil)
	reg := f.exec.Registry()
	reg.RecordFailure(shard.Episodic, errors.New("down"))
	reg.RecordFailure(shard.Episodic, errors.New("down"))

	resp, err := f.engine.Run(context.Background(), Request{Query: "project"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "se", resp.Results[0].ID)
	assert.Zero(t, f.store.Calls("episodic", store.OpSearch))
}

func TestRunReinforcesInBackground(t *testing.T) {
	emb := staticEmbedder{"espresso": {1, 0, 0}}
	f := newFixture(t, emb, Config{Params: Params{FastPathMinHits: 1}})
	f.add(t, "a", "semantic", "espresso", 0.5, []float32{1, 0, 0})

	_, err := f.engine.Run(context.Background(), Request{Query: "espresso"})
	require.NoError(t, err)
	require.True(t, f.queue.WaitIdle(time.Second))

	rec, ok := f.store.Record("semantic", "a")
	require.True(t, ok)
	assert.InDelta(t, 0.525, rec.Strength, 1e-9)
	assert.Equal(t, 1, rec.Activations)
	entry, _ := f.index.Get("a")
	assert.InDelta(t, 0.525, entry.Metadata.Strength, 1e-9)
}

func TestReinforceCapsAtMaxStrength(t *testing.T) {
	emb := staticEmbedder{"espresso": {1, 0, 0}}
	f := newFixture(t, emb, Config{Params: Params{FastPathMinHits: 1}})
	f.add(t, "a", "semantic", "espresso", 0.99, []float32{1, 0, 0})

	_, err := f.engine.Run(context.Background(), Request{Query: "espresso"})
	require.NoError(t, err)
	require.True(t, f.queue.WaitIdle(time.Second))

	rec, _ := f.store.Record("semantic", "a")
	assert.Equal(t, 1.0, rec.Strength)
}

func TestRunSearchesAlternates(t *testing.T) {
	emb := staticEmbedder{
		"income":  {1, 0, 0},
		"revenue": {0, 1, 0},
	}
	f := newFixture(t, emb, Config{})
	f.engine.expander = staticExpander{"income": {"income", "revenue"}}
	f.add(t, "inc", "semantic", "salary", 0.5, []float32{1, 0, 0})
	f.add(t, "rev", "semantic", "sales", 0.5, []float32{0, 1, 0})

	resp, err := f.engine.Run(context.Background(), Request{Query: "income", NoReinforce: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"income", "revenue"}, resp.Queries)
	assert.True(t, resp.Phases.ExpansionHit)
	ids := map[string]bool{}
	for _, r := range resp.Results {
		ids[r.ID] = true
	}
	assert.True(t, ids["inc"])
	assert.True(t, ids["rev"])
}

func TestRunShardRestriction(t *testing.T) {
	emb := staticEmbedder{"git workflow": {1, 0, 0}}
	f := newFixture(t, emb, Config{})
	f.add(t, "proc", "procedural", "rebase steps", 0.5, []float32{1, 0, 0})
	f.add(t, "sem", "semantic", "git facts", 0.5, []float32{0.9, 0.1, 0})

	resp, err := f.engine.Run(context.Background(), Request{
		Query:  "git workflow",
		Shards: []shard.Category{shard.Procedural},
	})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.Equal(t, "procedural", r.Shard)
	}
	assert.Zero(t, f.store.Calls("semantic", store.OpSearch))
}

func TestRunRoutesThroughJudge(t *testing.T) {
	emb := staticEmbedder{"weekend plans": {1, 0, 0}}
	j := &MockJudge{picks: map[string][]int{"episodic": {0}, "semantic": {1, 0}}}
	f := newFixture(t, emb, Config{Judge: j})
	f.add(t, "e1", "episodic", "hiking trip", 0.5, []float32{0.9, 0.1, 0})
	f.add(t, "s1", "semantic", "likes hiking", 0.5, []float32{0.95, 0.05, 0})
	f.add(t, "s2", "semantic", "owns a tent", 0.5, []float32{0.7, 0.3, 0})

	resp, err := f.engine.Run(context.Background(), Request{Query: "weekend plans", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, MethodRouted, resp.Method)
	assert.False(t, resp.Phases.Synthesized)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "e1", resp.Results[0].ID)
	assert.Equal(t, "episodic", resp.Results[0].Router)
	assert.Equal(t, "s2", resp.Results[1].ID)
	assert.Equal(t, "s1", resp.Results[2].ID)
	assert.ElementsMatch(t, []string{"episodic", "semantic"}, j.ranked)
}

func TestRunSynthesizesWhenOverLimit(t *testing.T) {
	emb := staticEmbedder{"weekend plans": {1, 0, 0}}
	j := &MockJudge{picks: map[string][]int{"episodic": {0}, "semantic": {0, 1}}, merge: []int{2}}
	f := newFixture(t, emb, Config{Judge: j})
	f.add(t, "e1", "episodic", "hiking trip", 0.5, []float32{0.9, 0.1, 0})
	f.add(t, "s1", "semantic", "likes hiking", 0.5, []float32{0.95, 0.05, 0})
	f.add(t, "s2", "semantic", "owns a tent", 0.5, []float32{0.7, 0.3, 0})

	resp, err := f.engine.Run(context.Background(), Request{Query: "weekend plans", Limit: 2})
	require.NoError(t, err)
	assert.True(t, resp.Phases.Synthesized)
	assert.Equal(t, 3, j.mergeLen)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "s2", resp.Results[0].ID)
}

func TestRunFallsBackWhenRoutersFail(t *testing.T) {
	emb := staticEmbedder{"weekend plans": {1, 0, 0}}
	j := &MockJudge{rankErr: judge.ErrUnavailable}
	f := newFixture(t, emb, Config{Judge: j})
	f.add(t, "s1", "semantic", "likes hiking", 0.5, []float32{0.95, 0.05, 0})

	resp, err := f.engine.Run(context.Background(), Request{Query: "weekend plans", Limit: 1})
	require.NoError(t, err)
	assert.True(t, resp.Phases.Fallback)
	assert.Equal(t, MethodSemantic, resp.Method)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "s1", resp.Results[0].ID)
}

func TestExecutionFocusBoosts(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.store.Put(memory.Record{ID: "plain", Shard: "procedural", Event: "deploy service", Content: "run make deploy",
		Strength: 1, LastActivated: time.Now()})
	f.store.Put(memory.Record{ID: "tool", Shard: "procedural", Event: "deploy tool", Content: "use the deploy script",
		Strength: 0.3, LastActivated: time.Now(),
		Context: map[string]any{"source": "execution-awareness", "category": "tool-catalog"}})
	f.store.Put(memory.Record{ID: "other", Shard: "semantic", Event: "deploy facts", Content: "deploys happen friday",
		Strength: 1, LastActivated: time.Now()})

	got, err := f.engine.ExecutionFocus(context.Background(), "deploy", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tool", got[0].ID)
	assert.InDelta(t, 0.3, got[0].Score, 1e-9)
	assert.Equal(t, "plain", got[1].ID)
	assert.Zero(t, f.store.Calls("semantic", store.OpSearch))
}
