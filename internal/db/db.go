// Package db persists session snapshots, calibration history and anomaly
// baselines in SQLite.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.report/internal/anomaly"
	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/session"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path without touching the schema. Use
// NewDB to open and migrate in one step.
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under WAL.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and applies every pending migration.
func NewDB(path string) (*DB, error) {
	d, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := d.MigrateUp(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// SaveSnapshot upserts the full session state.
func (db *DB) SaveSnapshot(ctx context.Context, s session.Session) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	var end sql.NullInt64
	if s.EndTime != nil {
		end = sql.NullInt64{Int64: s.EndTime.UnixNano(), Valid: true}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, athlete_id, status, session_type, start_time, end_time, batches, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			end_time = excluded.end_time,
			batches = excluded.batches,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		s.ID, s.AthleteID, string(s.Status), s.Config.Type, s.StartTime.UnixNano(), end,
		s.Metrics.Batches, string(blob), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// LoadSession returns the last snapshot stored for id.
func (db *DB) LoadSession(ctx context.Context, id string) (session.Session, error) {
	var blob string
	err := db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE session_id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var s session.Session
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return session.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns stored sessions ordered by start time. An empty
// status matches every session.
func (db *DB) ListSessions(ctx context.Context, status session.Status) ([]session.Session, error) {
	q := `SELECT snapshot FROM sessions`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY start_time, session_id`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var s session.Session
		if err := json.Unmarshal([]byte(blob), &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordCalibration appends a calibration history entry.
func (db *DB) RecordCalibration(ctx context.Context, e calibration.HistoryEntry) error {
	params, err := json.Marshal(e.Params)
	if err != nil {
		return err
	}
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO calibration_history (sensor_id, action, params, quality, accepted, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SensorID, string(e.Action), string(params), e.Quality, e.Accepted, errText, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("record calibration for %s: %w", e.SensorID, err)
	}
	return nil
}

// CalibrationHistory returns up to limit entries for sensorID, oldest first.
// A limit of zero or less returns everything.
func (db *DB) CalibrationHistory(ctx context.Context, sensorID string, limit int) ([]calibration.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT sensor_id, action, params, quality, accepted, error, at FROM (
			SELECT * FROM calibration_history WHERE sensor_id = ? ORDER BY entry_id DESC LIMIT ?
		) ORDER BY entry_id`, sensorID, limit)
	if err != nil {
		return nil, fmt.Errorf("calibration history for %s: %w", sensorID, err)
	}
	defer rows.Close()

	var out []calibration.HistoryEntry
	for rows.Next() {
		var (
			e       calibration.HistoryEntry
			action  string
			params  string
			errText sql.NullString
			at      int64
		)
		if err := rows.Scan(&e.SensorID, &action, &params, &e.Quality, &e.Accepted, &errText, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		e.Action = calibration.Action(action)
		e.Error = errText.String
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveBaseline stores one baseline version. Re-saving a version overwrites it.
func (db *DB) SaveBaseline(ctx context.Context, b anomaly.Baseline) error {
	values, err := json.Marshal(b.Values)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO baselines (subject_id, version, mean, std_dev, variance, count, confidence, sample, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.SubjectID, b.Version, b.Mean, b.StdDev, b.Variance, b.Count, b.Confidence, string(values), b.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save baseline %s v%d: %w", b.SubjectID, b.Version, err)
	}
	return nil
}

// Baselines returns every stored baseline grouped by subject, each group
// ordered by version.
func (db *DB) Baselines(ctx context.Context) (map[string][]anomaly.Baseline, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT subject_id, version, mean, std_dev, variance, count, confidence, sample, created_at
		FROM baselines ORDER BY subject_id, version`)
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]anomaly.Baseline)
	for rows.Next() {
		var (
			b       anomaly.Baseline
			sample  string
			created int64
		)
		if err := rows.Scan(&b.SubjectID, &b.Version, &b.Mean, &b.StdDev, &b.Variance, &b.Count, &b.Confidence, &sample, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sample), &b.Values); err != nil {
			return nil, fmt.Errorf("decode baseline %s: %w", b.SubjectID, err)
		}
		b.CreatedAt = time.Unix(0, created).UTC()
		out[b.SubjectID] = append(out[b.SubjectID], b)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts a live SQL console and an on-demand backup on the
// tsweb debug page.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Motion DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.L().Warn("remove backup file", zap.String("path", backupPath), zap.Error(err))
		}
	}()

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.L().Error("stream backup", zap.Error(err))
	}
}
