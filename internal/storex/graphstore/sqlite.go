// Package graphstore adapts a SQLite database (optionally extended with
// sqlite-vec) to the storex.GraphStore contract.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/storex"
)

// SQLiteGraphStore implements storex.GraphStore over a single-writer SQLite
// database. Vector search uses the sqlite-vec extension when it loaded
// successfully; otherwise it falls back to brute-force cosine scoring.
type SQLiteGraphStore struct {
	mu          sync.RWMutex
	db          *sql.DB
	path        string
	vectorExt   bool
	initialized bool
}

// New opens (creating if necessary) a SQLite database at path.
func New(path string) (*SQLiteGraphStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create graph store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryStore).Warn("pragma failed (%s): %v", pragma, err)
		}
	}

	return &SQLiteGraphStore{db: db, path: path}, nil
}

func (s *SQLiteGraphStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setupGraphLocked(ctx); err != nil {
		return err
	}
	s.detectVecExtension()
	s.initialized = true
	logging.Get(logging.CategoryStore).Info("graph store initialized at %s (vec=%v)", s.path, s.vectorExt)
	return nil
}

func (s *SQLiteGraphStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *SQLiteGraphStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteGraphStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return merrors.StoreUnavailable(fmt.Errorf("no connection"), "graph")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	return nil
}

// detectVecExtension probes for a loadable vec0 module by attempting to
// create a throwaway virtual table. Failure just means the brute-force
// cosine path stays active; it is not fatal.
func (s *SQLiteGraphStore) detectVecExtension() {
	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS __vec_probe USING vec0(embedding float[1])`)
	if err != nil {
		logDebug("sqlite-vec extension not available, using brute-force cosine: %v", err)
		s.vectorExt = false
		return
	}
	s.db.Exec(`DROP TABLE IF EXISTS __vec_probe`)
	s.vectorExt = true
}

func logDebug(format string, args ...interface{}) {
	logging.Get(logging.CategoryStore).Debug(format, args...)
}

func (s *SQLiteGraphStore) setupGraphLocked(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			path TEXT,
			hash TEXT,
			language TEXT,
			created TIMESTAMP,
			last_modified TIMESTAMP,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_path ON entities(path)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_last_modified ON entities(last_modified)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			from_entity_id TEXT NOT NULL,
			to_entity_id TEXT NOT NULL,
			type TEXT NOT NULL,
			created TIMESTAMP,
			last_modified TIMESTAMP,
			version INTEGER DEFAULT 1,
			valid_from TIMESTAMP,
			valid_to TIMESTAMP,
			active INTEGER DEFAULT 1,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_from ON relationships(from_entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_to ON relationships(to_entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_type ON relationships(type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_rel_open_triple
			ON relationships(from_entity_id, to_entity_id, type)
			WHERE active = 1 AND valid_to IS NULL`,
		`CREATE TABLE IF NOT EXISTS versions (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			previous_version_id TEXT,
			change_set_id TEXT,
			path TEXT,
			language TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP,
			reason TEXT,
			hops INTEGER,
			seed_entities TEXT,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_members (
			checkpoint_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			PRIMARY KEY (checkpoint_id, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT,
			PRIMARY KEY (collection, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteGraphStore) SetupGraph(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupGraphLocked(ctx)
}

// SetupVectorIndexes creates the single sqlite-vec virtual table
// (`vec_index`) shared by all collections when the extension is available;
// a no-op on the brute-force path since the plain `vectors` table already
// serves that purpose.
func (s *SQLiteGraphStore) SetupVectorIndexes(ctx context.Context, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.vectorExt {
		return nil
	}
	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(embedding float[%d])`, dimensions)
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Query executes one parametric statement (a read or a write) against the
// graph tables. statement is a named-lookup key understood by the small set
// of prepared query shapes the knowledge-graph services issue; this keeps
// the adapter's surface narrow instead of accepting arbitrary Cypher.
func (s *SQLiteGraphStore) Query(ctx context.Context, statement string, params map[string]interface{}) ([]storex.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, args, err := compileQuery(statement, params)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]storex.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []storex.Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(storex.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Query(ctx context.Context, statement string, params map[string]interface{}) ([]storex.Row, error) {
	q, args, err := compileQuery(statement, params)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *SQLiteGraphStore) Transaction(ctx context.Context, fn func(tx storex.GraphTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	return nil
}

func (s *SQLiteGraphStore) UpsertVector(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	embJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	metaJSON, _ := json.Marshal(metadata)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vectors (collection, id, embedding, metadata) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET embedding = excluded.embedding, metadata = excluded.metadata`,
		collection, id, string(embJSON), string(metaJSON),
	)
	if err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}

	if s.vectorExt {
		blob := encodeFloat32Slice(vector)
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO vec_index(rowid, embedding) VALUES ((SELECT rowid FROM vectors WHERE collection = ? AND id = ?), ?)`,
			collection, id, blob,
		); err != nil {
			logDebug("vec_index upsert failed, continuing on brute-force path: %v", err)
		}
	}
	return nil
}

func (s *SQLiteGraphStore) DeleteVector(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return merrors.StoreUnavailable(err, "graph")
	}
	return nil
}

func (s *SQLiteGraphStore) ScrollVectors(ctx context.Context, collection string, limit, offset int) (storex.ScrollResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&total); err != nil {
		return storex.ScrollResult{}, merrors.StoreUnavailable(err, "graph")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata FROM vectors WHERE collection = ? ORDER BY id LIMIT ? OFFSET ?`,
		collection, limit, offset,
	)
	if err != nil {
		return storex.ScrollResult{}, merrors.StoreUnavailable(err, "graph")
	}
	defer rows.Close()

	var points []storex.VectorMatch
	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return storex.ScrollResult{}, err
		}
		var meta map[string]interface{}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &meta)
		}
		points = append(points, storex.VectorMatch{ID: id, Metadata: meta})
	}
	return storex.ScrollResult{Points: points, Total: total}, rows.Err()
}

// SearchVector dispatches to the sqlite-vec ANN path when loaded, else
// brute-force cosine scoring over the plain vectors table.
func (s *SQLiteGraphStore) SearchVector(ctx context.Context, collection string, vector []float32, limit int, filter map[string]interface{}) ([]storex.VectorMatch, error) {
	s.mu.RLock()
	vecEnabled := s.vectorExt
	s.mu.RUnlock()

	if vecEnabled {
		matches, err := s.searchVectorVec(ctx, collection, vector, limit)
		if err == nil {
			return matches, nil
		}
		logDebug("vec_index search failed, falling back to brute-force: %v", err)
	}
	return s.searchVectorBruteForce(ctx, collection, vector, limit)
}

func (s *SQLiteGraphStore) searchVectorVec(ctx context.Context, collection string, vector []float32, limit int) ([]storex.VectorMatch, error) {
	blob := encodeFloat32Slice(vector)
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.id, vec_distance_cosine(vi.embedding, ?) AS dist, v.metadata
		 FROM vec_index vi JOIN vectors v ON v.rowid = vi.rowid
		 WHERE v.collection = ?
		 ORDER BY dist ASC LIMIT ?`,
		blob, collection, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storex.VectorMatch
	for rows.Next() {
		var id, metaJSON string
		var dist float64
		if err := rows.Scan(&id, &dist, &metaJSON); err != nil {
			return nil, err
		}
		var meta map[string]interface{}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &meta)
		}
		out = append(out, storex.VectorMatch{ID: id, Score: 1 - dist, Metadata: meta})
	}
	return out, rows.Err()
}

func (s *SQLiteGraphStore) searchVectorBruteForce(ctx context.Context, collection string, vector []float32, limit int) ([]storex.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, metadata FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "graph")
	}
	defer rows.Close()

	type scored struct {
		match storex.VectorMatch
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var id, embJSON, metaJSON string
		if err := rows.Scan(&id, &embJSON, &metaJSON); err != nil {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}
		score, err := cosineSimilarity(vector, emb)
		if err != nil {
			continue
		}
		var meta map[string]interface{}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &meta)
		}
		candidates = append(candidates, scored{match: storex.VectorMatch{ID: id, Score: score, Metadata: meta}, score: score})
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].score > candidates[i].score {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]storex.VectorMatch, len(candidates))
	for i, c := range candidates {
		out[i] = c.match
	}
	return out, nil
}
