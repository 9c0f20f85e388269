// Package db is the conversion ledger: a SQLite record of finished jobs and
// their departure events, with tailsql and backup routes for debugging.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lane.assist/internal/jobs"
	"github.com/banshee-data/lane.assist/internal/monitoring"
)

// DefaultListLimit caps ListJobs when the caller passes no limit.
const DefaultListLimit = 100

type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenDB opens the ledger without touching its schema. The migrate command
// uses it so that schema changes stay explicit.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the ledger and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the ledger was opened from.
func (db *DB) Path() string { return db.path }

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	sec := int64(v.Float64)
	t := time.Unix(sec, int64((v.Float64-float64(sec))*1e9)).UTC()
	return &t
}

// RecordJob stores a terminal job and replaces its departure events.
func (db *DB) RecordJob(ctx context.Context, rec jobs.Record) error {
	st := rec.Status
	if st.Key == "" {
		return errors.New("job key is required")
	}
	if !st.Terminal() {
		return fmt.Errorf("job %s is not finished (status %s)", st.Key, st.State)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var duration any
	if st.Duration != nil {
		duration = *st.Duration
	}
	var errText any
	if st.Error != "" {
		errText = st.Error
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversion_jobs (
			job_key, source, status, duration_s, error, departures, started_unix, finished_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_key) DO UPDATE SET
			source = excluded.source,
			status = excluded.status,
			duration_s = excluded.duration_s,
			error = excluded.error,
			departures = excluded.departures,
			started_unix = excluded.started_unix,
			finished_unix = excluded.finished_unix,
			recorded_at = CURRENT_TIMESTAMP`,
		st.Key, st.Source, string(st.State), duration, errText, len(rec.Departures),
		unixOrNil(st.StartedAt), unixOrNil(st.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", st.Key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM departure_events WHERE job_key = ?`, st.Key); err != nil {
		return fmt.Errorf("failed to clear departures for %s: %w", st.Key, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO departure_events (job_key, seq, time_s) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare departure insert: %w", err)
	}
	defer stmt.Close()
	for i, ts := range rec.Departures {
		if _, err := stmt.ExecContext(ctx, st.Key, i, ts); err != nil {
			return fmt.Errorf("failed to record departure %d for %s: %w", i, st.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", st.Key, err)
	}
	return nil
}

const jobColumns = `job_key, source, status, duration_s, error, departures, started_unix, finished_unix`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Status, error) {
	var (
		st       jobs.Status
		state    string
		duration sql.NullFloat64
		errText  sql.NullString
		started  sql.NullFloat64
		finished sql.NullFloat64
	)
	if err := row.Scan(&st.Key, &st.Source, &state, &duration, &errText, &st.Departures, &started, &finished); err != nil {
		return jobs.Status{}, err
	}
	st.State = jobs.State(state)
	if duration.Valid {
		d := duration.Float64
		st.Duration = &d
	}
	st.Error = errText.String
	st.StartedAt = timeFromUnix(started)
	st.FinishedAt = timeFromUnix(finished)
	if st.State == jobs.StateDone {
		st.Progress = 1
	} else {
		st.Progress = jobs.ProgressFailed
	}
	return st, nil
}

// Job returns the recorded status for key, or jobs.ErrUnknownJob.
func (db *DB) Job(ctx context.Context, key string) (jobs.Status, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE job_key = ?`, key)
	st, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Status{}, fmt.Errorf("%s: %w", key, jobs.ErrUnknownJob)
	}
	if err != nil {
		return jobs.Status{}, fmt.Errorf("failed to load job %s: %w", key, err)
	}
	return st, nil
}

// ListJobs returns recorded jobs, most recently finished first.
func (db *DB) ListJobs(ctx context.Context, limit int) ([]jobs.Status, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM conversion_jobs
		ORDER BY finished_unix DESC, job_key
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	out := []jobs.Status{}
	for rows.Next() {
		st, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// JobDepartures returns the recorded departure timestamps for key in order.
// It returns jobs.ErrUnknownJob when the ledger has no such job.
func (db *DB) JobDepartures(ctx context.Context, key string) ([]float64, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_jobs WHERE job_key = ?`, key).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up job %s: %w", key, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%s: %w", key, jobs.ErrUnknownJob)
	}

	rows, err := db.QueryContext(ctx, `SELECT time_s FROM departure_events WHERE job_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query departures for %s: %w", key, err)
	}
	defer rows.Close()

	out := []float64{}
	for rows.Next() {
		var ts float64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql and an on-demand backup under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Conversion ledger",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the ledger now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "ledger-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup directory: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			monitoring.Logf("[db] failed to remove backup directory: %v", err)
		}
	}()

	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Logf("[db] backup stream failed: %v", err)
	}
}
