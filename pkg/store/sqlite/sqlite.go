// Package sqlite stores each shard in its own SQLite database under a data
// directory. Databases are opened on first use and kept open until Close.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	event TEXT NOT NULL,
	content TEXT NOT NULL,
	context TEXT,
	strength REAL NOT NULL,
	encoding_strength REAL NOT NULL,
	signal TEXT NOT NULL,
	activations INTEGER NOT NULL DEFAULT 1,
	formed_at INTEGER NOT NULL,
	last_activated INTEGER NOT NULL,
	vector TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_strength ON memories(strength);
CREATE INDEX IF NOT EXISTS idx_memories_last_activated ON memories(last_activated);

CREATE TABLE IF NOT EXISTS links (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	weight REAL NOT NULL,
	co_activations INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (from_id, to_id)
);

CREATE TABLE IF NOT EXISTS shard_refs (
	id TEXT PRIMARY KEY,
	shard TEXT NOT NULL,
	event TEXT NOT NULL,
	strength REAL NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const memoryColumns = `id, event, content, context, strength, encoding_strength, signal, activations, formed_at, last_activated, vector`

var shardName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Config configures a Store.
type Config struct {
	Dir    string
	Logger zerolog.Logger
}

// Store is a store.Store backed by one SQLite file per shard.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu     sync.Mutex
	dbs    map[string]*sql.DB
	closed bool
}

// New creates a Store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("sqlite: data directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{
		dir:    cfg.Dir,
		logger: cfg.Logger,
		dbs:    make(map[string]*sql.DB),
	}, nil
}

func (s *Store) open(shard string) (*sql.DB, error) {
	if !shardName.MatchString(shard) {
		return nil, fmt.Errorf("sqlite: invalid shard name %q", shard)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%s: store closed: %w", shard, store.ErrUnreachable)
	}
	if db, ok := s.dbs[shard]; ok {
		return db, nil
	}

	path := filepath.Join(s.dir, shard+".db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open database: %w", shard, errors.Join(store.ErrUnreachable, err))
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: failed to enable WAL mode: %w", shard, errors.Join(store.ErrUnreachable, err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: failed to initialize schema: %w", shard, err)
	}

	s.dbs[shard] = db
	s.logger.Debug().Str("shard", shard).Str("path", path).Msg("Opened shard database")
	return db, nil
}

// Close closes every open shard database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for name, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	s.dbs = nil
	return errors.Join(errs...)
}

func (s *Store) Execute(ctx context.Context, shard string, op store.Operation) (*store.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.open(shard)
	if err != nil {
		return nil, err
	}
	now := op.Now
	if now.IsZero() {
		now = time.Now()
	}

	res, err := s.execute(ctx, db, op, now)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w", shard, op.Kind, err)
	}
	for i := range res.Rows {
		res.Rows[i].Record.Shard = shard
	}
	return res, nil
}

func (s *Store) execute(ctx context.Context, db *sql.DB, op store.Operation, now time.Time) (*store.Result, error) {
	switch op.Kind {
	case store.OpPing:
		if err := db.PingContext(ctx); err != nil {
			return nil, errors.Join(store.ErrUnreachable, err)
		}
		return &store.Result{}, nil
	case store.OpCreate:
		return create(ctx, db, op)
	case store.OpLink:
		return link(ctx, db, op, now)
	case store.OpShardRef:
		if op.Record == nil {
			return nil, fmt.Errorf("missing record")
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO shard_refs (id, shard, event, strength, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET shard = excluded.shard, event = excluded.event,
				strength = excluded.strength, updated_at = excluded.updated_at`,
			op.Record.ID, op.Record.Shard, op.Record.Event, op.Record.Strength, now.UnixMilli())
		if err != nil {
			return nil, err
		}
		return &store.Result{Count: 1}, nil
	case store.OpSearch:
		return search(ctx, db, op, now)
	case store.OpReinforce:
		return reinforce(ctx, db, op, now)
	case store.OpDecay:
		return decay(ctx, db, op, now)
	case store.OpStats:
		return stats(ctx, db)
	case store.OpGet:
		return get(ctx, db, op.ID)
	case store.OpRecent:
		return recent(ctx, db, op, now)
	default:
		return nil, fmt.Errorf("unsupported operation %q", op.Kind)
	}
}

func create(ctx context.Context, db *sql.DB, op store.Operation) (*store.Result, error) {
	if op.Record == nil {
		return nil, fmt.Errorf("missing record")
	}
	rec := op.Record
	var contextJSON, vectorJSON sql.NullString
	if len(rec.Context) > 0 {
		b, err := json.Marshal(rec.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal context: %w", err)
		}
		contextJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(rec.Vector) > 0 {
		b, err := json.Marshal(rec.Vector)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal vector: %w", err)
		}
		vectorJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Event, rec.Content, contextJSON, rec.Strength, rec.EncodingStrength,
		string(rec.Signal), rec.Activations, rec.FormedAt.UnixMilli(), rec.LastActivated.UnixMilli(), vectorJSON)
	if err != nil {
		return nil, err
	}
	return &store.Result{Count: 1}, nil
}

func link(ctx context.Context, db *sql.DB, op store.Operation, now time.Time) (*store.Result, error) {
	query := `SELECT id FROM memories WHERE id != ? AND strength > ?`
	args := []any{op.ID, op.MinStrength}
	if op.Window > 0 {
		query += ` AND last_activated >= ?`
		args = append(args, now.Add(-op.Window).UnixMilli())
	}
	query += ` ORDER BY strength DESC, id ASC`
	if op.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, op.Limit)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE id = ?`, op.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return &store.Result{}, nil
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var peers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		peers = append(peers, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, peer := range peers {
		for _, pair := range [][2]string{{op.ID, peer}, {peer, op.ID}} {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO links (from_id, to_id, weight, co_activations) VALUES (?, ?, ?, 1)`,
				pair[0], pair[1], op.Weight); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &store.Result{Count: len(peers)}, nil
}

func search(ctx context.Context, db *sql.DB, op store.Operation, now time.Time) (*store.Result, error) {
	var clauses []string
	args := []any{op.MinStrength}
	for _, w := range op.Words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		pattern := "%" + escapeLike(w) + "%"
		clauses = append(clauses, `lower(event) LIKE ? ESCAPE '\' OR lower(content) LIKE ? ESCAPE '\'`)
		args = append(args, pattern, pattern)
	}
	if len(clauses) == 0 {
		return &store.Result{}, nil
	}

	recs, err := queryRecords(ctx, db,
		`SELECT `+memoryColumns+` FROM memories WHERE strength > ? AND (`+strings.Join(clauses, " OR ")+`)`, args...)
	if err != nil {
		return nil, err
	}

	rows := make([]store.Row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, store.Row{
			Record:    rec,
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
		assoc, err := associations(ctx, db, rows[i].Record.ID, store.AssociationMinStrength, store.MaxAssociations)
		if err != nil {
			return nil, err
		}
		rows[i].Associations = assoc
	}
	return &store.Result{Rows: rows}, nil
}

func associations(ctx context.Context, db *sql.DB, id string, minStrength float64, limit int) ([]memory.Association, error) {
	query := `
		SELECT l.to_id, m.event, l.weight FROM links l
		JOIN memories m ON m.id = l.to_id
		WHERE l.from_id = ? AND m.strength > ?
		ORDER BY l.weight DESC, l.to_id ASC`
	args := []any{id, minStrength}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Association
	for rows.Next() {
		var a memory.Association
		if err := rows.Scan(&a.ID, &a.Event, &a.Weight); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func reinforce(ctx context.Context, db *sql.DB, op store.Operation, now time.Time) (*store.Result, error) {
	if len(op.IDs) == 0 {
		return &store.Result{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(op.IDs)), ",")
	args := []any{op.Max, op.Factor, now.UnixMilli()}
	for _, id := range op.IDs {
		args = append(args, id)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET strength = MIN(?, strength * ?), last_activated = ?, activations = activations + 1
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return &store.Result{Count: int(n)}, nil
}

func decay(ctx context.Context, db *sql.DB, op store.Operation, now time.Time) (*store.Result, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, strength, encoding_strength, last_activated FROM memories WHERE strength > ?`, store.DeadStrength)
	if err != nil {
		return nil, err
	}
	type update struct {
		id       string
		strength float64
	}
	var updates []update
	for rows.Next() {
		var (
			id                 string
			strength, encoding float64
			last               int64
		)
		if err := rows.Scan(&id, &strength, &encoding, &last); err != nil {
			rows.Close()
			return nil, err
		}
		next := store.Decayed(strength, encoding, time.UnixMilli(last), now, op.Rate)
		if math.Abs(next-strength) > store.DecayEpsilon {
			updates = append(updates, update{id: id, strength: next})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE memories SET strength = ? WHERE id = ?`, u.strength, u.id); err != nil {
			return nil, err
		}
	}
	report := &store.DecayReport{Decayed: len(updates)}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE strength < ?`, store.DeadStrength).Scan(&report.Dead); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &store.Result{Decay: report}, nil
}

func stats(ctx context.Context, db *sql.DB) (*store.Result, error) {
	st := &store.Stats{}
	var avg sql.NullFloat64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(strength) FROM memories WHERE strength > 0`).Scan(&st.Memories, &avg); err != nil {
		return nil, err
	}
	st.AvgStrength = avg.Float64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links`).Scan(&st.Links); err != nil {
		return nil, err
	}
	return &store.Result{Stats: st}, nil
}

func get(ctx context.Context, db *sql.DB, id string) (*store.Result, error) {
	recs, err := queryRecords(ctx, db, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return &store.Result{}, nil
	}
	assoc, err := associations(ctx, db, id, math.Inf(-1), 0)
	if err != nil {
		return nil, err
	}
	return &store.Result{Rows: []store.Row{{Record: recs[0], Associations: assoc}}}, nil
}

func recent(ctx context.Context, db *sql.DB, op store.Operation, now time.Time) (*store.Result, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories`
	var args []any
	if op.Window > 0 {
		query += ` WHERE last_activated >= ?`
		args = append(args, now.Add(-op.Window).UnixMilli())
	}
	query += ` ORDER BY last_activated DESC, id ASC`
	if op.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, op.Limit)
	}
	recs, err := queryRecords(ctx, db, query, args...)
	if err != nil {
		return nil, err
	}
	rows := make([]store.Row, len(recs))
	for i, rec := range recs {
		rows[i] = store.Row{Record: rec}
	}
	return &store.Result{Rows: rows}, nil
}

func queryRecords(ctx context.Context, db *sql.DB, query string, args ...any) ([]memory.Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var (
			rec                  memory.Record
			contextJSON, vector  sql.NullString
			signal               string
			formedAt, lastActive int64
		)
		if err := rows.Scan(&rec.ID, &rec.Event, &rec.Content, &contextJSON, &rec.Strength, &rec.EncodingStrength,
			&signal, &rec.Activations, &formedAt, &lastActive, &vector); err != nil {
			return nil, err
		}
		rec.Signal = memory.Signal(signal)
		rec.FormedAt = time.UnixMilli(formedAt)
		rec.LastActivated = time.UnixMilli(lastActive)
		if contextJSON.Valid && contextJSON.String != "" {
			if err := json.Unmarshal([]byte(contextJSON.String), &rec.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal context of %s: %w", rec.ID, err)
			}
		}
		if vector.Valid && vector.String != "" {
			if err := json.Unmarshal([]byte(vector.String), &rec.Vector); err != nil {
				return nil, fmt.Errorf("failed to unmarshal vector of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
