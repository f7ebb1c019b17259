package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"
)

// Store persists refinement memory and the history of refinement runs in a
// local SQLite database.
type Store struct {
	db             *sql.DB
	fuzzyThreshold float64
}

// Option customizes a Store.
type Option func(*Store)

// WithFuzzyThreshold enables near-match memory lookups at the given
// similarity (0-1). Zero disables them.
func WithFuzzyThreshold(threshold float64) Option {
	return func(s *Store) {
		s.fuzzyThreshold = threshold
	}
}

func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refinement_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		backend TEXT NOT NULL,
		model TEXT,
		instruction TEXT NOT NULL,
		source_text TEXT NOT NULL,
		result_text TEXT NOT NULL,
		refined BOOLEAN NOT NULL,
		from_memory BOOLEAN DEFAULT FALSE,
		fallback_reason TEXT,
		latency_ms INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- refinement_memory caches accepted refinements per source, instruction and backend
	CREATE TABLE IF NOT EXISTS refinement_memory (
		id TEXT PRIMARY KEY,
		source_text TEXT NOT NULL,
		instruction TEXT NOT NULL,
		backend TEXT NOT NULL,
		model TEXT NOT NULL,
		refined_text TEXT NOT NULL,
		usage_count INTEGER DEFAULT 1,
		invalidated BOOLEAN DEFAULT FALSE,
		last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_text, instruction, backend, model)
	);

	CREATE INDEX IF NOT EXISTS idx_memory_lookup ON refinement_memory(source_text, instruction, backend, model);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON refinement_runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Key identifies a memory entry.
type Key struct {
	SourceText  string
	Instruction string
	Backend     string
	Model       string
}

func (k Key) normalized() Key {
	k.SourceText = normalizeText(k.SourceText)
	k.Instruction = normalizeText(k.Instruction)
	return k
}

// Lookup returns the remembered refinement for key. When no exact entry
// exists and a fuzzy threshold is configured, the closest source text for
// the same instruction and backend is used instead.
func (s *Store) Lookup(ctx context.Context, key Key) (string, bool, error) {
	k := key.normalized()

	var id, refined string
	var invalidated bool
	err := s.db.QueryRowContext(ctx,
		`SELECT id, refined_text, invalidated FROM refinement_memory WHERE source_text = ? AND instruction = ? AND backend = ? AND model = ?`,
		k.SourceText, k.Instruction, k.Backend, k.Model).Scan(&id, &refined, &invalidated)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.fuzzyLookup(ctx, k)
	case err != nil:
		return "", false, err
	case invalidated:
		return "", false, nil
	}

	if err := s.touch(ctx, id); err != nil {
		return "", false, err
	}
	return refined, true, nil
}

func (s *Store) touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refinement_memory SET usage_count = usage_count + 1, last_used = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// Remember stores refined as the answer for key, replacing any previous entry.
func (s *Store) Remember(ctx context.Context, key Key, refined string) error {
	k := key.normalized()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO refinement_memory (id, source_text, instruction, backend, model, refined_text, usage_count, invalidated, last_used, created_at) VALUES (?, ?, ?, ?, ?, ?, 1, FALSE, ?, ?)`,
		uuid.NewString(), k.SourceText, k.Instruction, k.Backend, k.Model, refined, now, now)
	return err
}

// Run is one completed refinement, successful or not.
type Run struct {
	ID             string
	SessionID      string
	Backend        string
	Model          string
	Instruction    string
	SourceText     string
	ResultText     string
	Refined        bool
	FromMemory     bool
	FallbackReason string
	Latency        time.Duration
	CreatedAt      time.Time
}

// RecordRun appends a run to the history and returns its ID.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refinement_runs (id, session_id, backend, model, instruction, source_text, result_text, refined, from_memory, fallback_reason, latency_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Backend, run.Model, run.Instruction, run.SourceText, run.ResultText,
		run.Refined, run.FromMemory, run.FallbackReason, run.Latency.Milliseconds(), run.CreatedAt)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// ListRuns returns up to limit runs, newest first. A limit of zero returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, COALESCE(session_id, ''), backend, COALESCE(model, ''), instruction, source_text, result_text, refined, from_memory, COALESCE(fallback_reason, ''), COALESCE(latency_ms, 0), created_at FROM refinement_runs ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var latencyMs int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Backend, &r.Model, &r.Instruction, &r.SourceText, &r.ResultText,
			&r.Refined, &r.FromMemory, &r.FallbackReason, &latencyMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Latency = time.Duration(latencyMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MemoryEntry is a row from the refinement_memory table.
type MemoryEntry struct {
	ID          string
	SourceText  string
	Instruction string
	Backend     string
	Model       string
	RefinedText string
	UsageCount  int
	Invalidated bool
	LastUsed    time.Time
}

// Stats summarises memory and history usage.
type Stats struct {
	TotalEntries   int
	ActiveEntries  int
	InvalidEntries int
	TotalUsage     int
	TotalRuns      int
	FallbackRuns   int
}

// InvalidateMemory stops an entry from being served without deleting it. It
// reports whether an entry with id exists.
func (s *Store) InvalidateMemory(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE refinement_memory SET invalidated = TRUE WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMemory permanently removes a memory entry by ID. It reports whether a
// row was removed.
func (s *Store) DeleteMemory(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refinement_memory WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearMemory removes all memory entries and returns how many were removed.
// Run history is kept.
func (s *Store) ClearMemory(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refinement_memory`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMemory returns all memory entries ordered by most recently used.
func (s *Store) ListMemory(ctx context.Context) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_text, instruction, backend, model, refined_text, usage_count, invalidated, last_used FROM refinement_memory ORDER BY last_used DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.ID, &e.SourceText, &e.Instruction, &e.Backend, &e.Model, &e.RefinedText, &e.UsageCount, &e.Invalidated, &e.LastUsed); err != nil {
			return nil, err
		}
		results = append(results, e)
	}

	return results, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN NOT invalidated THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN invalidated THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(usage_count), 0)
		FROM refinement_memory`).Scan(
		&stats.TotalEntries,
		&stats.ActiveEntries,
		&stats.InvalidEntries,
		&stats.TotalUsage,
	)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN NOT refined THEN 1 ELSE 0 END), 0)
		FROM refinement_runs`).Scan(&stats.TotalRuns, &stats.FallbackRuns)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// normalizeText trims whitespace and applies Unicode NFC normalization
// for consistent key comparison.
func normalizeText(text string) string {
	return norm.NFC.String(strings.TrimSpace(text))
}

// maxFuzzyRunes bounds the quadratic edit-distance cost.
const maxFuzzyRunes = 1000

func (s *Store) fuzzyLookup(ctx context.Context, k Key) (string, bool, error) {
	if s.fuzzyThreshold <= 0 || len([]rune(k.SourceText)) > maxFuzzyRunes {
		return "", false, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_text, refined_text FROM refinement_memory
		 WHERE instruction = ? AND backend = ? AND model = ? AND NOT invalidated`,
		k.Instruction, k.Backend, k.Model)
	if err != nil {
		return "", false, err
	}

	var bestID, bestRefined string
	bestScore := 0.0
	for rows.Next() {
		var id, src, refined string
		if err := rows.Scan(&id, &src, &refined); err != nil {
			rows.Close()
			return "", false, err
		}

		// Length difference alone can rule a candidate out.
		ls, lr := len([]rune(k.SourceText)), len([]rune(src))
		maxL := max(ls, lr)
		diff := ls - lr
		if diff < 0 {
			diff = -diff
		}
		if maxL > 0 && 1.0-float64(diff)/float64(maxL) < s.fuzzyThreshold {
			continue
		}

		score := stringSimilarity(k.SourceText, src)
		if score >= s.fuzzyThreshold && score > bestScore {
			bestScore, bestID, bestRefined = score, id, refined
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", false, err
	}
	rows.Close()

	if bestID == "" {
		return "", false, nil
	}
	if err := s.touch(ctx, bestID); err != nil {
		return "", false, err
	}
	return bestRefined, true, nil
}

// levenshtein returns the rune-aware edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1]
			} else {
				curr[j] = min(prev[j], prev[j-1], curr[j-1]) + 1
			}
		}
		prev, curr = curr, prev
	}

	return prev[lb]
}

// stringSimilarity returns a score in [0, 1] where 1 means identical.
func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(maxLen)
}
