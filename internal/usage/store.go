package usage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store persists execution history to SQLite so usage patterns survive
// restarts. It implements Sink; the in-memory tracker stays authoritative
// for preload decisions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// HistoryRow is one persisted execution outcome.
type HistoryRow struct {
	SkillName  string        `json:"skillName"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	CacheHit   bool          `json:"cacheHit"`
	Success    bool          `json:"success"`
	ExecutedAt time.Time     `json:"executedAt"`
}

// OpenStore opens (or creates) the history database at path.
// ":memory:" is accepted for tests.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	s := &Store{db: db, logger: slog.Default().With("component", "usage.store")}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			skill_name TEXT NOT NULL,
			confidence REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			cache_hit INTEGER NOT NULL,
			success INTEGER NOT NULL,
			executed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_skill ON executions(skill_name);
		CREATE INDEX IF NOT EXISTS idx_executions_at ON executions(executed_at);
	`)
	if err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Append records one sample. Implements Sink.
func (s *Store) Append(sample Sample, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (skill_name, confidence, duration_ms, cache_hit, success, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sample.SkillName,
		sample.Confidence,
		sample.Duration.Milliseconds(),
		boolInt(sample.CacheHit),
		boolInt(sample.Success),
		at.UnixMilli(),
	)
	if err != nil {
		s.logger.Warn("failed to persist execution sample", "skill", sample.SkillName, "error", err)
		return err
	}
	return nil
}

// Recent returns up to limit rows for a skill, newest first. An empty
// skillName returns rows for all skills.
func (s *Store) Recent(skillName string, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT skill_name, confidence, duration_ms, cache_hit, success, executed_at
		FROM executions`
	args := []any{}
	if skillName != "" {
		query += " WHERE skill_name = ?"
		args = append(args, skillName)
	}
	query += " ORDER BY executed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			r                  HistoryRow
			durationMs, atMs   int64
			cacheHit, success  int
		)
		if err := rows.Scan(&r.SkillName, &r.Confidence, &durationMs, &cacheHit, &success, &atMs); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CacheHit = cacheHit != 0
		r.Success = success != 0
		r.ExecutedAt = time.UnixMilli(atMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneBefore deletes rows executed before cutoff and returns the count.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM executions WHERE executed_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
