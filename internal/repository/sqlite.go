package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"knowledge-agent/internal/domain"
)

// SQLite holds the durable cache tier and the conversation log in a local
// database file. It serves the same roles as Client for single-node runs.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
	// appendMu serializes turn appends to prevent SQLITE_BUSY on the counter row.
	appendMu sync.Mutex
}

// NewSQLite opens (and creates if needed) the database at dbPath.
func NewSQLite(dbPath string, opts ...SQLiteOption) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: initialize schema: %w", err)
	}
	return s, nil
}

type SQLiteOption func(*SQLite)

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) {
		s.now = now
	}
}

func (s *SQLite) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS cache_entries (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		evidence_json TEXT NOT NULL,
		confidence REAL NOT NULL,
		tier TEXT NOT NULL,
		hits INTEGER NOT NULL DEFAULT 0,
		last_hit_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		turns INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		question TEXT NOT NULL,
		resolved_question TEXT NOT NULL,
		topic TEXT NOT NULL,
		answer TEXT NOT NULL,
		evidence_ids_json TEXT NOT NULL,
		latency_ms INTEGER NOT NULL,
		cached INTEGER NOT NULL DEFAULT 0,
		reframed INTEGER NOT NULL DEFAULT 0,
		rating INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetEntry(ctx context.Context, id string) (domain.CacheEntry, bool, error) {
	query := `
		SELECT id, fingerprint, question, answer, evidence_json, confidence, tier,
		       hits, last_hit_at, created_at, expires_at
		FROM cache_entries WHERE id = ?`

	var e domain.CacheEntry
	var evidence, tier string
	var lastHit, createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.Fingerprint, &e.Question, &e.Answer, &evidence, &e.Confidence, &tier,
		&e.Hits, &lastHit, &createdAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("repository: scan cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &e.Evidence); err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("repository: unmarshal evidence: %w", err)
	}
	e.Tier = domain.ConfidenceTier(tier)
	e.LastHitAt = timeFromUnix(lastHit)
	e.CreatedAt = timeFromUnix(createdAt)
	e.ExpiresAt = timeFromUnix(expiresAt)
	return e, true, nil
}

func (s *SQLite) PutEntry(ctx context.Context, e domain.CacheEntry) error {
	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("repository: marshal evidence: %w", err)
	}
	query := `
	INSERT INTO cache_entries (id, fingerprint, question, answer, evidence_json, confidence, tier,
		hits, last_hit_at, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		fingerprint = excluded.fingerprint,
		question = excluded.question,
		answer = excluded.answer,
		evidence_json = excluded.evidence_json,
		confidence = excluded.confidence,
		tier = excluded.tier,
		hits = excluded.hits,
		last_hit_at = excluded.last_hit_at,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at`

	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.Fingerprint, e.Question, e.Answer, string(evidence), e.Confidence, string(e.Tier),
		e.Hits, unixOrZero(e.LastHitAt), unixOrZero(e.CreatedAt), unixOrZero(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("repository: upsert cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) RecordHit(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE cache_entries SET hits = hits + 1, last_hit_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, at.Unix(), id); err != nil {
		return fmt.Errorf("repository: record hit: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteEntry(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("repository: delete cache entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLite) ClearEntries(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("repository: clear cache entries: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: get rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *SQLite) EntryStats(ctx context.Context) (domain.TierStats, error) {
	query := `SELECT COUNT(*), COALESCE(AVG(confidence), 0) FROM cache_entries WHERE expires_at > ?`
	var stats domain.TierStats
	if err := s.db.QueryRowContext(ctx, query, s.now().Unix()).Scan(&stats.Entries, &stats.AvgConfidence); err != nil {
		return domain.TierStats{}, fmt.Errorf("repository: cache stats: %w", err)
	}
	return stats, nil
}

// PurgeExpired deletes cache entries whose expiry has passed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("repository: purge expired: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: get rows affected: %w", err)
	}
	return int(rows), nil
}

// AppendTurn assigns the next sequence number and stores the turn together
// with the session counter in one transaction.
func (s *SQLite) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if turn.SessionID == "" {
		return domain.Turn{}, errors.New("repository: AppendTurn: session id is required")
	}
	ids, err := json.Marshal(turn.EvidenceIDs)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: marshal evidence ids: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now.UTC()
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (session_id, turns, created_at, last_activity)
	VALUES (?, 1, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		turns = turns + 1,
		last_activity = excluded.last_activity`,
		turn.SessionID, now.Unix(), now.Unix(),
	)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: bump session counter: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT turns FROM sessions WHERE session_id = ?`, turn.SessionID).Scan(&turn.Seq); err != nil {
		return domain.Turn{}, fmt.Errorf("repository: read session counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO session_turns (session_id, seq, kind, question, resolved_question, topic, answer,
		evidence_ids_json, latency_ms, cached, reframed, rating, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Seq, string(turn.Kind), turn.Question, turn.ResolvedQuestion, turn.Topic,
		turn.Answer, string(ids), turn.LatencyMs, boolInt(turn.Cached), boolInt(turn.Reframed),
		turn.Rating, turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Turn{}, fmt.Errorf("repository: commit append: %w", err)
	}
	return turn, nil
}

const turnColumns = `session_id, seq, kind, question, resolved_question, topic, answer,
	evidence_ids_json, latency_ms, cached, reframed, rating, created_at`

// RecentTurns returns up to limit most recent turns in chronological order.
func (s *SQLite) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	query := `SELECT * FROM (
		SELECT ` + turnColumns + ` FROM session_turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`
	return s.queryTurns(ctx, query, sessionID, limit)
}

func (s *SQLite) Turns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM session_turns WHERE session_id = ? ORDER BY seq ASC`
	return s.queryTurns(ctx, query, sessionID)
}

func (s *SQLite) queryTurns(ctx context.Context, query string, args ...any) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: query turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var kind, ids string
		var cached, reframed int
		var createdAt int64
		if err := rows.Scan(
			&t.SessionID, &t.Seq, &kind, &t.Question, &t.ResolvedQuestion, &t.Topic, &t.Answer,
			&ids, &t.LatencyMs, &cached, &reframed, &t.Rating, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &t.EvidenceIDs); err != nil {
			return nil, fmt.Errorf("repository: unmarshal evidence ids: %w", err)
		}
		t.Kind = domain.TurnKind(kind)
		t.Cached = cached != 0
		t.Reframed = reframed != 0
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate turns: %w", err)
	}
	return turns, nil
}

func (s *SQLite) SetRating(ctx context.Context, sessionID string, seq, rating int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE session_turns SET rating = ? WHERE session_id = ? AND seq = ?`, rating, sessionID, seq)
	if err != nil {
		return fmt.Errorf("repository: set rating: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("repository: set rating: %w", domain.ErrNotFound)
	}
	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("repository: begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM session_turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("repository: delete turns: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: get rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return 0, fmt.Errorf("repository: delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("repository: commit delete session: %w", err)
	}
	return int(rows), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
