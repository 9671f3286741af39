package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	_ "modernc.org/sqlite"
)

// Run is one invocation of the retry loop.
type Run struct {
	ID          string
	Language    string
	MaxAttempts int
	State       string
	Attempts    int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Attempt is one classified transcription attempt. Transcript text is never
// stored.
type Attempt struct {
	ID           int64
	RunID        string
	Number       int
	Outcome      string
	Succeeded    bool
	ErrorMessage string
	AudioMS      int64
	LatencyMS    int64
	CreatedAt    time.Time
}

// Store is a SQLite-backed journal of runs and attempts.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. The ephemeral retention
// mode never touches the disk.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    language TEXT,
    max_attempts INTEGER NOT NULL,
    state TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    succeeded INTEGER NOT NULL,
    error_message TEXT,
    audio_ms INTEGER,
    latency_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, attempt);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether writes reach a database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRun records the start of a run.
func (s *Store) AppendRun(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, language, max_attempts, state, attempts, created_at)
		 VALUES(?, ?, ?, ?, 0, ?)`,
		run.ID, run.Language, run.MaxAttempts, run.State, run.StartedAt.UTC())
	return err
}

// FinishRun stores the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, runID, state string, attempts int) error {
	if !s.Enabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, attempts = ?, finished_at = ? WHERE run_id = ?`,
		state, attempts, s.clock().UTC(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// AppendAttempt writes an attempt row for an existing run.
func (s *Store) AppendAttempt(ctx context.Context, a Attempt) error {
	if !s.Enabled() {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(run_id, attempt, outcome, succeeded, error_message, audio_ms, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Number, a.Outcome, a.Succeeded, a.ErrorMessage, a.AudioMS, a.LatencyMS, a.CreatedAt.UTC())
	return err
}

// GetRun returns the stored run, or sql.ErrNoRows.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if !s.Enabled() {
		return Run{}, sql.ErrNoRows
	}
	var (
		r        Run
		state    sql.NullString
		created  string
		finished sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, language, max_attempts, state, attempts, created_at, finished_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.Language, &r.MaxAttempts, &state, &r.Attempts, &created, &finished)
	if err != nil {
		return Run{}, err
	}
	r.State = state.String
	r.StartedAt = parseTime(created)
	if finished.Valid {
		r.FinishedAt = parseTime(finished.String)
	}
	return r, nil
}

// ListRunAttempts retrieves up to limit attempts of a run in order.
func (s *Store) ListRunAttempts(ctx context.Context, runID string, limit int) ([]Attempt, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, attempt, outcome, succeeded, error_message, audio_ms, latency_ms, created_at
		 FROM attempts WHERE run_id = ? ORDER BY attempt ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var msg sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Number, &a.Outcome, &a.Succeeded, &msg, &a.AudioMS, &a.LatencyMS, &created); err != nil {
			return nil, err
		}
		a.ErrorMessage = msg.String
		a.CreatedAt = parseTime(created)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Prune applies the configured retention. Attempts go with their run.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999 -0700 MST", "2006-01-02 15:04:05.999999999-07:00"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
