// Package journal implements the run journal (spec §4.5, §6): an
// append-only, durable record of each app run, its captured log lines, and
// the query surface the admin API reads from. Writes are serialized through
// a single goroutine (spec §5's "single writer-serializing queue fronted by
// a durable store"); reads go directly against the database and tolerate
// concurrent writers.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Outcome is the terminal state of a Run, per spec §3.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeStartFailed       Outcome = "start_failed"
	OutcomeStoppedOnIdle     Outcome = "stopped_on_idle"
	OutcomeCrashed           Outcome = "crashed"
	OutcomeStoppedOnShutdown Outcome = "stopped_on_shutdown"
)

// Stream identifies which captured output stream a log line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LogLine is one captured, timestamped line of backend output.
type LogLine struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// RunSummary describes one journaled run, as returned by list/overview
// queries.
type RunSummary struct {
	RunID     string     `json:"run_id"`
	Host      string     `json:"host"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   Outcome    `json:"outcome,omitempty"`
}

// Overview aggregates run counts and outcomes for one app over a time
// range.
type Overview struct {
	Host        string `json:"host"`
	TotalRuns   int    `json:"total_runs"`
	CrashCount  int    `json:"crash_count"`
	TotalUptime int64  `json:"total_uptime_ms"`
}

// Totals aggregates run counts across all apps over a time range.
type Totals struct {
	TotalRuns  int `json:"total_runs"`
	TotalApps  int `json:"total_apps"`
	CrashCount int `json:"crash_count"`
}

type appendRequest struct {
	exec func(ctx context.Context, db *sql.DB) error
	done chan error
}

// Journal is the durable run store.
type Journal struct {
	log    *logrus.Entry
	db     *sql.DB
	writes chan appendRequest
	done   chan struct{}
}

// Open opens (creating if necessary) the SQLite-backed journal referenced
// by databaseURL, e.g. "sqlite:///var/lib/penny/penny.db" or
// "sqlite://penny.db".
func Open(log *logrus.Entry, databaseURL string) (*Journal, error) {
	path, err := sqlitePath(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	db.SetMaxOpenConns(8)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}

	j := &Journal{
		log:    log,
		db:     db,
		writes: make(chan appendRequest, 256),
		done:   make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

func sqlitePath(databaseURL string) (string, error) {
	const prefix = "sqlite://"
	if !strings.HasPrefix(databaseURL, prefix) {
		return "", fmt.Errorf("unsupported database_url scheme (only sqlite:// is supported): %q", databaseURL)
	}
	return strings.TrimPrefix(databaseURL, prefix), nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			outcome TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_host_started ON runs(host, started_at)`,
		`CREATE TABLE IF NOT EXISTS log_entries (
			run_id TEXT NOT NULL,
			stream TEXT NOT NULL,
			line TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_run_stream_ts ON log_entries(run_id, stream, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// writeLoop serializes all mutations through a single goroutine.
func (j *Journal) writeLoop() {
	defer close(j.done)
	for req := range j.writes {
		err := req.exec(context.Background(), j.db)
		req.done <- err
	}
}

// submit enqueues a write and waits (best-effort) for it to complete. A
// failing append is logged and swallowed per spec §7 ("journal errors are
// best-effort; the controller continues even if journaling is degraded").
func (j *Journal) submit(exec func(ctx context.Context, db *sql.DB) error) {
	done := make(chan error, 1)
	select {
	case j.writes <- appendRequest{exec: exec, done: done}:
	default:
		j.log.Warn("journal write queue full, dropping write")
		return
	}
	if err := <-done; err != nil {
		j.log.WithError(err).Warn("journal write failed")
	}
}

// BeginRun journals the start of a new run, returning its opaque run_id.
func (j *Journal) BeginRun(host string, startedAt time.Time) string {
	runID := uuid.NewString()
	j.submit(func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO runs (run_id, host, started_at) VALUES (?, ?, ?)`,
			runID, host, startedAt.UnixMilli())
		return err
	})
	return runID
}

// AppendLog journals one captured output line for an active run.
func (j *Journal) AppendLog(runID string, stream Stream, line string, ts time.Time) {
	j.submit(func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO log_entries (run_id, stream, line, timestamp) VALUES (?, ?, ?, ?)`,
			runID, string(stream), line, ts.UnixMilli())
		return err
	})
}

// EndRun finalizes a run with its outcome.
func (j *Journal) EndRun(runID string, endedAt time.Time, outcome Outcome) {
	j.submit(func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE runs SET ended_at = ?, outcome = ? WHERE run_id = ?`,
			endedAt.UnixMilli(), string(outcome), runID)
		return err
	})
}

// ListRuns returns runs for host within [start, end), paginated by a
// started_at-ms cursor, newest first.
func (j *Journal) ListRuns(ctx context.Context, host string, start, end time.Time, cursor int64, limit int) ([]RunSummary, *int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, host, started_at, ended_at, outcome FROM runs
		 WHERE host = ? AND started_at >= ? AND started_at < ? AND started_at < ?
		 ORDER BY started_at DESC LIMIT ?`,
		host, start.UnixMilli(), end.UnixMilli(), cursorOrMax(cursor), limit+1)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var startedAtMs int64
		var endedAtMs sql.NullInt64
		var outcome sql.NullString
		if err := rows.Scan(&r.RunID, &r.Host, &startedAtMs, &endedAtMs, &outcome); err != nil {
			return nil, nil, err
		}
		r.StartedAt = time.UnixMilli(startedAtMs)
		if endedAtMs.Valid {
			t := time.UnixMilli(endedAtMs.Int64)
			r.EndedAt = &t
		}
		if outcome.Valid {
			r.Outcome = Outcome(outcome.String)
		}
		out = append(out, r)
	}

	var next *int64
	if len(out) > limit {
		n := out[limit-1].StartedAt.UnixMilli()
		next = &n
		out = out[:limit]
	}
	return out, next, rows.Err()
}

func cursorOrMax(cursor int64) int64 {
	if cursor <= 0 {
		return 1<<62 - 1
	}
	return cursor
}

// Overview summarizes runs for a single host over [start, end).
func (j *Journal) Overview(ctx context.Context, host string, start, end time.Time) (Overview, error) {
	o := Overview{Host: host}
	row := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = 'crashed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN ended_at IS NOT NULL THEN ended_at - started_at ELSE 0 END), 0)
		 FROM runs WHERE host = ? AND started_at >= ? AND started_at < ?`,
		host, start.UnixMilli(), end.UnixMilli())
	if err := row.Scan(&o.TotalRuns, &o.CrashCount, &o.TotalUptime); err != nil {
		return Overview{}, err
	}
	return o, nil
}

// Totals aggregates run counts across every app over [start, end).
func (j *Journal) Totals(ctx context.Context, start, end time.Time) (Totals, error) {
	var t Totals
	row := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(DISTINCT host),
		        COALESCE(SUM(CASE WHEN outcome = 'crashed' THEN 1 ELSE 0 END), 0)
		 FROM runs WHERE started_at >= ? AND started_at < ?`,
		start.UnixMilli(), end.UnixMilli())
	if err := row.Scan(&t.TotalRuns, &t.TotalApps, &t.CrashCount); err != nil {
		return Totals{}, err
	}
	return t, nil
}

// Logs returns the captured stdout and stderr lines for one run, in
// timestamp order.
func (j *Journal) Logs(ctx context.Context, runID string) (stdout, stderr []LogLine, err error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT stream, line, timestamp FROM log_entries WHERE run_id = ? ORDER BY timestamp ASC`,
		runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var stream, line string
		var ts int64
		if err := rows.Scan(&stream, &line, &ts); err != nil {
			return nil, nil, err
		}
		entry := LogLine{Line: line, Timestamp: time.UnixMilli(ts)}
		if Stream(stream) == Stderr {
			stderr = append(stderr, entry)
		} else {
			stdout = append(stdout, entry)
		}
	}
	return stdout, stderr, rows.Err()
}

// Close stops accepting writes, drains the writer goroutine, and closes the
// underlying database.
func (j *Journal) Close() error {
	close(j.writes)
	<-j.done
	return j.db.Close()
}
