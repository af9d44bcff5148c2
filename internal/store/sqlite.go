// Package store provides the persistence backends: a SQLite-backed episodic
// store for consolidated memories and a file-based state store for the
// engine's checkpoint blobs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// SQLiteStore is the long-term episodic memory. Append-only: memories are
// inserted once and never updated, except for an access counter bumped on
// similarity hits.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

const episodicSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id                 TEXT PRIMARY KEY,
	summary            TEXT NOT NULL,
	content            TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL DEFAULT '',
	importance         REAL NOT NULL DEFAULT 0,
	emotional_salience REAL NOT NULL DEFAULT 0,
	novelty            REAL NOT NULL DEFAULT 0,
	access_count       INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	appended_at        TIMESTAMP NOT NULL,
	parent_cycle       INTEGER NOT NULL DEFAULT 0,
	promotion_score    REAL,
	promotion_reason   TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_appended ON memories(appended_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
`

// NewSQLiteStore opens (or creates) the episodic database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer("store", "NewSQLiteStore")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open episodic database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("set synchronous=NORMAL: %v", err)
	}

	if _, err := db.Exec(episodicSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize episodic schema: %w", err)
	}

	logging.Store("episodic store ready at %s", path)
	return &SQLiteStore{db: db, dbPath: path}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Append inserts a promoted memory. The evaluation, when present, is stored
// alongside for later inspection. Duplicate ids are rejected.
func (s *SQLiteStore) Append(ctx context.Context, m types.Memory, eval *types.ConsolidationEvaluation) error {
	if m.ID == "" {
		return fmt.Errorf("memory id is required")
	}
	if strings.TrimSpace(m.Summary) == "" {
		return fmt.Errorf("memory summary is required")
	}

	var score sql.NullFloat64
	var reason sql.NullString
	if eval != nil {
		score = sql.NullFloat64{Float64: eval.PromotionScore, Valid: true}
		reason = sql.NullString{String: eval.Reason, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, summary, content, kind, importance, emotional_salience,
			novelty, access_count, created_at, appended_at, parent_cycle, promotion_score, promotion_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Summary, m.Content, m.Kind, m.Importance, m.EmotionalSalience,
		m.Novelty, m.AccessCount, m.CreatedAt, time.Now().UTC(), m.ParentCycle, score, reason)
	if err != nil {
		return fmt.Errorf("append memory %s: %w", m.ID, err)
	}
	logging.StoreDebug("appended memory %s (kind=%s)", m.ID, m.Kind)
	return nil
}

// SearchSimilar scores stored memories against the query by word overlap and
// returns the top matches. Best-effort: may return fewer than K. Hits get
// their access counter bumped.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, query string, opts types.SearchOptions) ([]types.ScoredMemory, error) {
	if opts.K <= 0 {
		opts.K = 5
	}
	queryBag := wordBag(query)

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, content, kind, importance, emotional_salience, novelty,
			access_count, created_at, parent_cycle
		FROM memories ORDER BY appended_at DESC LIMIT 500`)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("search memories: %w", err)
	}

	var scored []types.ScoredMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		if opts.SuccessOnly && m.Kind == "error" {
			continue
		}
		score := jaccardBags(queryBag, wordBag(m.Summary+" "+m.Content))
		if score < opts.MinScore || score == 0 {
			continue
		}
		scored = append(scored, types.ScoredMemory{Memory: m, Score: score})
	}
	err = rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > opts.K {
		scored = scored[:opts.K]
	}

	s.mu.Lock()
	for i := range scored {
		if _, err := s.db.ExecContext(ctx, `UPDATE memories SET access_count = access_count + 1 WHERE id = ?`, scored[i].Memory.ID); err != nil {
			logging.StoreDebug("bump access for %s: %v", scored[i].Memory.ID, err)
			continue
		}
		scored[i].Memory.AccessCount++
	}
	s.mu.Unlock()
	return scored, nil
}

// Recent returns the n most recently appended memories, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]types.Memory, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, content, kind, importance, emotional_salience, novelty,
			access_count, created_at, parent_cycle
		FROM memories ORDER BY appended_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get fetches one memory by id, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, summary, content, kind, importance, emotional_salience, novelty,
			access_count, created_at, parent_cycle
		FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return &m, nil
}

// Stats summarizes the store contents.
func (s *SQLiteStore) Stats(ctx context.Context) (types.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats types.StoreStats
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM memories`).
		Scan(&stats.Memories, &oldest, &newest)
	if err != nil {
		return types.StoreStats{}, fmt.Errorf("store stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestAt, _ = parseSQLiteTime(oldest.String)
	}
	if newest.Valid {
		stats.NewestAt, _ = parseSQLiteTime(newest.String)
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		stats.TotalBytes = info.Size()
	}
	return stats, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(r rowScanner) (types.Memory, error) {
	var m types.Memory
	err := r.Scan(&m.ID, &m.Summary, &m.Content, &m.Kind, &m.Importance,
		&m.EmotionalSalience, &m.Novelty, &m.AccessCount, &m.CreatedAt, &m.ParentCycle)
	if err != nil {
		return types.Memory{}, err
	}
	m.Tier = types.MemoryConsolidated
	return m, nil
}

func parseSQLiteTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

func wordBag(text string) map[string]struct{} {
	bag := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		w := strings.Trim(f, ".,;:!?\"'()[]{}")
		if w != "" {
			bag[w] = struct{}{}
		}
	}
	return bag
}

func jaccardBags(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
