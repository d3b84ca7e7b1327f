// Package neo4j is a store.Store that speaks the Neo4j HTTP transactional
// endpoint. Each operation is sent as one auto-committed transaction.
//
// Timestamps are stored as unix milliseconds so that sweeps can be evaluated
// against the caller's clock instead of the server's.
package neo4j

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/store"
	"github.com/rs/zerolog"
)

// DefaultDatabase is the database addressed when none is configured.
const DefaultDatabase = "neo4j"

var shardName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Config configures a Store. Endpoints maps shard names to base URLs; shards
// missing from it use URL, so a single-node deployment only sets URL.
type Config struct {
	URL        string
	Endpoints  map[string]string
	Database   string
	Username   string
	Password   string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Store executes operations as Cypher over HTTP.
type Store struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" && len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("neo4j: a URL or per-shard endpoints are required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Store{cfg: cfg, httpClient: client, logger: cfg.Logger}, nil
}

func (s *Store) endpoint(shard string) (string, error) {
	base, ok := s.cfg.Endpoints[shard]
	if !ok || base == "" {
		base = s.cfg.URL
	}
	if base == "" {
		return "", fmt.Errorf("neo4j: no endpoint for shard %q", shard)
	}
	return strings.TrimRight(base, "/") + "/db/" + s.cfg.Database + "/tx/commit", nil
}

type statement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type txRequest struct {
	Statements []statement `json:"statements"`
}

type txResult struct {
	Columns []string `json:"columns"`
	Data    []struct {
		Row []json.RawMessage `json:"row"`
	} `json:"data"`
}

type txError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type txResponse struct {
	Results []txResult `json:"results"`
	Errors  []txError  `json:"errors"`
}

// run commits statements in one transaction and returns one result per
// statement.
func (s *Store) run(ctx context.Context, shard string, stmts ...statement) ([]txResult, error) {
	url, err := s.endpoint(shard)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(txRequest{Statements: stmts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.cfg.Username != "" || s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w", shard, errors.Join(store.ErrUnreachable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d: %s: %w", shard, resp.StatusCode, string(msg), store.ErrUnreachable)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: neo4j error (status %d): %s", shard, resp.StatusCode, string(msg))
	}

	var out txResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, len(out.Errors))
		for i, e := range out.Errors {
			msgs[i] = e.Code + ": " + e.Message
		}
		s.logger.Debug().Str("shard", shard).Strs("errors", msgs).Msg("Cypher statement rejected")
		return nil, fmt.Errorf("%s: cypher failed: %s", shard, strings.Join(msgs, "; "))
	}
	if len(out.Results) != len(stmts) {
		return nil, fmt.Errorf("expected %d results, got %d", len(stmts), len(out.Results))
	}
	return out.Results, nil
}

func (s *Store) Execute(ctx context.Context, shard string, op store.Operation) (*store.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !shardName.MatchString(shard) {
		return nil, fmt.Errorf("neo4j: invalid shard name %q", shard)
	}
	now := op.Now
	if now.IsZero() {
		now = time.Now()
	}

	res, err := s.execute(ctx, shard, op, now)
	if err != nil {
		return nil, err
	}
	for i := range res.Rows {
		res.Rows[i].Record.Shard = shard
	}
	return res, nil
}

func (s *Store) execute(ctx context.Context, shard string, op store.Operation, now time.Time) (*store.Result, error) {
	switch op.Kind {
	case store.OpPing:
		if _, err := s.run(ctx, shard, statement{Statement: "RETURN 1"}); err != nil {
			return nil, err
		}
		return &store.Result{}, nil
	case store.OpCreate:
		return s.create(ctx, shard, op)
	case store.OpLink:
		return s.link(ctx, shard, op, now)
	case store.OpShardRef:
		if op.Record == nil {
			return nil, fmt.Errorf("shard_ref: missing record")
		}
		_, err := s.run(ctx, shard, statement{
			Statement: `MERGE (ref:ShardRef {id: $id})
				SET ref.shard = $shard, ref.trigger = $event, ref.strength = $strength,
					ref.signal = $signal, ref.last_seen = $now`,
			Parameters: map[string]any{
				"id":       op.Record.ID,
				"shard":    op.Record.Shard,
				"event":    op.Record.Event,
				"strength": op.Record.Strength,
				"signal":   string(op.Record.Signal),
				"now":      now.UnixMilli(),
			},
		})
		if err != nil {
			return nil, err
		}
		return &store.Result{Count: 1}, nil
	case store.OpSearch:
		return s.search(ctx, shard, op, now)
	case store.OpReinforce:
		return s.reinforce(ctx, shard, op, now)
	case store.OpDecay:
		return s.decay(ctx, shard, op, now)
	case store.OpStats:
		return s.stats(ctx, shard)
	case store.OpGet:
		return s.get(ctx, shard, op.ID)
	case store.OpRecent:
		return s.recent(ctx, shard, op, now)
	default:
		return nil, fmt.Errorf("unsupported operation %q", op.Kind)
	}
}

// memoryFields is the projection decoded by decodeRecord.
const memoryFields = `m.id, m.trigger, m.content, m.context, m.strength, m.encoding_strength,
	m.signal, m.activations, m.formed, m.last_activated, m.vector`

func (s *Store) create(ctx context.Context, shard string, op store.Operation) (*store.Result, error) {
	if op.Record == nil {
		return nil, fmt.Errorf("create: missing record")
	}
	rec := op.Record
	var contextJSON string
	if len(rec.Context) > 0 {
		b, err := json.Marshal(rec.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal context: %w", err)
		}
		contextJSON = string(b)
	}
	params := map[string]any{
		"id":             rec.ID,
		"event":          rec.Event,
		"content":        rec.Content,
		"context":        contextJSON,
		"strength":       rec.Strength,
		"encoding":       rec.EncodingStrength,
		"signal":         string(rec.Signal),
		"activations":    rec.Activations,
		"formed":         rec.FormedAt.UnixMilli(),
		"last_activated": rec.LastActivated.UnixMilli(),
		"type":           shard,
	}
	if len(rec.Vector) > 0 {
		params["vector"] = rec.Vector
	}
	_, err := s.run(ctx, shard, statement{
		Statement: `CREATE (m:Memory:` + label(shard) + ` {
			id: $id, trigger: $event, content: $content, context: $context,
			strength: $strength, encoding_strength: $encoding, signal: $signal,
			activations: $activations, formed: $formed, last_activated: $last_activated,
			vector: $vector, type: $type
		}) RETURN m.id`,
		Parameters: withNull(params, "vector"),
	})
	if err != nil {
		return nil, err
	}
	return &store.Result{Count: 1}, nil
}

func (s *Store) link(ctx context.Context, shard string, op store.Operation, now time.Time) (*store.Result, error) {
	since := int64(0)
	if op.Window > 0 {
		since = now.Add(-op.Window).UnixMilli()
	}
	limit := op.Limit
	if limit <= 0 {
		limit = store.LinkFanout
	}
	results, err := s.run(ctx, shard, statement{
		Statement: `MATCH (new:Memory {id: $id})
			MATCH (m:Memory) WHERE m.id <> $id AND m.strength > $min AND m.last_activated >= $since
			WITH new, m ORDER BY m.strength DESC, m.id ASC LIMIT $limit
			MERGE (new)-[a:ASSOCIATED_WITH]->(m) ON CREATE SET a.weight = $weight, a.co_activations = 1
			MERGE (m)-[b:ASSOCIATED_WITH]->(new) ON CREATE SET b.weight = $weight, b.co_activations = 1
			RETURN count(m)`,
		Parameters: map[string]any{
			"id":     op.ID,
			"min":    op.MinStrength,
			"since":  since,
			"limit":  limit,
			"weight": op.Weight,
		},
	})
	if err != nil {
		return nil, err
	}
	n, err := scalarInt(results[0])
	if err != nil {
		return nil, err
	}
	return &store.Result{Count: n}, nil
}

func (s *Store) search(ctx context.Context, shard string, op store.Operation, now time.Time) (*store.Result, error) {
	var conds []string
	params := map[string]any{
		"min": op.MinStrength,
		"now": now.UnixMilli(),
	}
	for _, w := range op.Words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		key := fmt.Sprintf("w%d", len(conds))
		conds = append(conds, fmt.Sprintf("(toLower(m.trigger) CONTAINS $%s OR toLower(m.content) CONTAINS $%s)", key, key))
		params[key] = w
	}
	if len(conds) == 0 {
		return &store.Result{}, nil
	}
	limit := op.Limit
	if limit <= 0 {
		limit = 10
	}
	params["limit"] = limit
	params["assocMin"] = store.AssociationMinStrength
	params["assocMax"] = store.MaxAssociations

	results, err := s.run(ctx, shard, statement{
		Statement: `MATCH (m:Memory)
			WHERE m.strength > $min AND (` + strings.Join(conds, " OR ") + `)
			WITH m, m.strength / (1.0 + CASE WHEN $now > m.last_activated
				THEN ($now - m.last_activated) / 3600000.0 ELSE 0.0 END) AS relevance
			ORDER BY relevance DESC, m.id ASC LIMIT $limit
			OPTIONAL MATCH (m)-[a:ASSOCIATED_WITH]->(spread:Memory)
			WHERE spread.strength > $assocMin
			WITH m, relevance, a, spread ORDER BY a.weight DESC, spread.id ASC
			WITH m, relevance, collect(CASE WHEN spread IS NULL THEN NULL
				ELSE {id: spread.id, event: spread.trigger, weight: a.weight} END)[0..$assocMax] AS associations
			RETURN ` + memoryFields + `, relevance, associations
			ORDER BY relevance DESC, m.id ASC`,
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}

	rows := make([]store.Row, 0, len(results[0].Data))
	for _, d := range results[0].Data {
		rec, rest, err := decodeRecord(d.Row)
		if err != nil {
			return nil, err
		}
		if len(rest) < 2 {
			return nil, fmt.Errorf("search: short row")
		}
		row := store.Row{Record: rec, Relevance: store.Relevance(rec.Strength, rec.LastActivated, now)}
		if row.Associations, err = decodeAssociations(rest[1]); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return &store.Result{Rows: rows}, nil
}

func (s *Store) reinforce(ctx context.Context, shard string, op store.Operation, now time.Time) (*store.Result, error) {
	if len(op.IDs) == 0 {
		return &store.Result{}, nil
	}
	results, err := s.run(ctx, shard, statement{
		Statement: `UNWIND $ids AS id MATCH (m:Memory {id: id})
			SET m.strength = CASE WHEN m.strength * $factor > $max THEN $max ELSE m.strength * $factor END,
				m.last_activated = $now, m.activations = m.activations + 1
			RETURN count(m)`,
		Parameters: map[string]any{
			"ids":    op.IDs,
			"factor": op.Factor,
			"max":    op.Max,
			"now":    now.UnixMilli(),
		},
	})
	if err != nil {
		return nil, err
	}
	n, err := scalarInt(results[0])
	if err != nil {
		return nil, err
	}
	return &store.Result{Count: n}, nil
}

func (s *Store) decay(ctx context.Context, shard string, op store.Operation, now time.Time) (*store.Result, error) {
	results, err := s.run(ctx, shard,
		statement{
			Statement: `MATCH (m:Memory) WHERE m.strength > $dead
				WITH m, CASE WHEN $now > m.last_activated THEN ($now - m.last_activated) / 3600000.0 ELSE 0.0 END AS hours
				WITH m, m.strength * exp(-$rate * hours /
					CASE WHEN m.encoding_strength > 0 THEN m.encoding_strength ELSE 0.5 END) AS next
				WHERE abs(next - m.strength) > $epsilon
				SET m.strength = CASE WHEN next < $dead THEN 0.0 ELSE next END
				RETURN count(m)`,
			Parameters: map[string]any{
				"dead":    store.DeadStrength,
				"now":     now.UnixMilli(),
				"rate":    op.Rate,
				"epsilon": store.DecayEpsilon,
			},
		},
		statement{
			Statement:  `MATCH (m:Memory) WHERE m.strength < $dead RETURN count(m)`,
			Parameters: map[string]any{"dead": store.DeadStrength},
		},
	)
	if err != nil {
		return nil, err
	}
	report := &store.DecayReport{}
	if report.Decayed, err = scalarInt(results[0]); err != nil {
		return nil, err
	}
	if report.Dead, err = scalarInt(results[1]); err != nil {
		return nil, err
	}
	return &store.Result{Decay: report}, nil
}

func (s *Store) stats(ctx context.Context, shard string) (*store.Result, error) {
	results, err := s.run(ctx, shard,
		statement{Statement: `MATCH (m:Memory) WHERE m.strength > 0 RETURN count(m), coalesce(avg(m.strength), 0.0)`},
		statement{Statement: `MATCH (:Memory)-[r:ASSOCIATED_WITH]->(:Memory) RETURN count(r)`},
	)
	if err != nil {
		return nil, err
	}
	st := &store.Stats{}
	if len(results[0].Data) > 0 && len(results[0].Data[0].Row) == 2 {
		if err := json.Unmarshal(results[0].Data[0].Row[0], &st.Memories); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		if err := json.Unmarshal(results[0].Data[0].Row[1], &st.AvgStrength); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	if st.Links, err = scalarInt(results[1]); err != nil {
		return nil, err
	}
	return &store.Result{Stats: st}, nil
}

func (s *Store) get(ctx context.Context, shard, id string) (*store.Result, error) {
	results, err := s.run(ctx, shard, statement{
		Statement: `MATCH (m:Memory {id: $id})
			OPTIONAL MATCH (m)-[a:ASSOCIATED_WITH]->(other:Memory)
			WITH m, a, other ORDER BY a.weight DESC, other.id ASC
			WITH m, collect(CASE WHEN other IS NULL THEN NULL
				ELSE {id: other.id, event: other.trigger, weight: a.weight} END) AS associations
			RETURN ` + memoryFields + `, associations`,
		Parameters: map[string]any{"id": id},
	})
	if err != nil {
		return nil, err
	}
	if len(results[0].Data) == 0 {
		return &store.Result{}, nil
	}
	rec, rest, err := decodeRecord(results[0].Data[0].Row)
	if err != nil {
		return nil, err
	}
	row := store.Row{Record: rec}
	if len(rest) > 0 {
		if row.Associations, err = decodeAssociations(rest[0]); err != nil {
			return nil, err
		}
	}
	return &store.Result{Rows: []store.Row{row}}, nil
}

func (s *Store) recent(ctx context.Context, shard string, op store.Operation, now time.Time) (*store.Result, error) {
	since := int64(0)
	if op.Window > 0 {
		since = now.Add(-op.Window).UnixMilli()
	}
	limit := op.Limit
	if limit <= 0 {
		limit = 100
	}
	results, err := s.run(ctx, shard, statement{
		Statement: `MATCH (m:Memory) WHERE m.last_activated >= $since
			RETURN ` + memoryFields + `
			ORDER BY m.last_activated DESC, m.id ASC LIMIT $limit`,
		Parameters: map[string]any{"since": since, "limit": limit},
	})
	if err != nil {
		return nil, err
	}
	rows := make([]store.Row, 0, len(results[0].Data))
	for _, d := range results[0].Data {
		rec, _, err := decodeRecord(d.Row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, store.Row{Record: rec})
	}
	return &store.Result{Rows: rows}, nil
}

// decodeRecord reads the memoryFields columns from the front of row and
// returns the remaining columns.
func decodeRecord(row []json.RawMessage) (memory.Record, []json.RawMessage, error) {
	const n = 11
	if len(row) < n {
		return memory.Record{}, nil, fmt.Errorf("expected %d columns, got %d", n, len(row))
	}
	var (
		rec          memory.Record
		contextJSON  string
		signal       string
		formed, last int64
	)
	targets := []any{&rec.ID, &rec.Event, &rec.Content, &contextJSON, &rec.Strength, &rec.EncodingStrength,
		&signal, &rec.Activations, &formed, &last, &rec.Vector}
	for i, target := range targets {
		if err := json.Unmarshal(row[i], target); err != nil {
			return memory.Record{}, nil, fmt.Errorf("column %d: %w", i, err)
		}
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &rec.Context); err != nil {
			return memory.Record{}, nil, fmt.Errorf("failed to unmarshal context of %s: %w", rec.ID, err)
		}
	}
	rec.Signal = memory.Signal(signal)
	rec.FormedAt = time.UnixMilli(formed)
	rec.LastActivated = time.UnixMilli(last)
	return rec, row[n:], nil
}

func decodeAssociations(raw json.RawMessage) ([]memory.Association, error) {
	var list []*memory.Association
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("associations: %w", err)
	}
	var out []memory.Association
	for _, a := range list {
		if a != nil && a.ID != "" {
			out = append(out, *a)
		}
	}
	return out, nil
}

func scalarInt(r txResult) (int, error) {
	if len(r.Data) == 0 || len(r.Data[0].Row) == 0 {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(r.Data[0].Row[0], &n); err != nil {
		return 0, fmt.Errorf("expected integer: %w", err)
	}
	return n, nil
}

// label turns a shard name into a node label: "episodic" -> "Episodic".
func label(shard string) string {
	r := []rune(shard)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// withNull makes sure every key is present so the statement can reference it.
func withNull(params map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			params[k] = nil
		}
	}
	return params
}
