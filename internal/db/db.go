// Package db stores capture sessions, sampled peak observations and link
// events in sqlite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the database at path and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	// Pragmas are applied to every pooled connection.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// Session is one run of the viewer against one link.
type Session struct {
	SessionID string     `json:"session_id"`
	Profile   string     `json:"profile"`
	Transport string     `json:"transport"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// PeakObservation is a sampled summary of one baseline.
type PeakObservation struct {
	SessionID  string    `json:"session_id"`
	BaselineID int       `json:"baseline_id"`
	PeakBin    int       `json:"peak_bin"`
	MaxValue   float64   `json:"max_value"`
	MinValue   float64   `json:"min_value"`
	RangeValue float64   `json:"range_value"`
	ObservedAt time.Time `json:"observed_at"`
}

// LinkEvent records a link status change.
type LinkEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// StartSession creates a new capture session with a random id.
func (db *DB) StartSession(ctx context.Context, profile, transport string, at time.Time) (Session, error) {
	s := Session{
		SessionID: uuid.NewString(),
		Profile:   profile,
		Transport: transport,
		StartedAt: at.UTC(),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO capture_sessions (session_id, profile, transport, started_at) VALUES (?, ?, ?, ?)`,
		s.SessionID, s.Profile, s.Transport, unixSeconds(at))
	if err != nil {
		return Session{}, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE capture_sessions SET ended_at = ? WHERE session_id = ?`, unixSeconds(at), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// Sessions lists the most recent sessions first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, profile, transport, started_at, ended_at
		   FROM capture_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started float64
			ended   sql.NullFloat64
		)
		if err := rows.Scan(&s.SessionID, &s.Profile, &s.Transport, &started, &ended); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordObservations inserts a batch of observations in one transaction.
func (db *DB) RecordObservations(ctx context.Context, obs []PeakObservation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			fmt.Printf("warning: failed to rollback transaction: %v\n", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO peak_observations (
			session_id, baseline_id, peak_bin, max_value, min_value, range_value, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx,
			o.SessionID, o.BaselineID, o.PeakBin, o.MaxValue, o.MinValue, o.RangeValue, unixSeconds(o.ObservedAt),
		); err != nil {
			return fmt.Errorf("failed to insert observation for baseline %d: %w", o.BaselineID, err)
		}
	}
	return tx.Commit()
}

// Observations returns the most recent observations of one baseline in a
// session, oldest first.
func (db *DB) Observations(ctx context.Context, sessionID string, baselineID, limit int) ([]PeakObservation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, baseline_id, peak_bin, max_value, min_value, range_value, observed_at FROM (
			SELECT rowid, * FROM peak_observations
			 WHERE session_id = ? AND baseline_id = ?
			 ORDER BY observed_at DESC, rowid DESC LIMIT ?
		) ORDER BY observed_at ASC, rowid ASC`, sessionID, baselineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeakObservation
	for rows.Next() {
		var (
			o  PeakObservation
			at float64
		)
		if err := rows.Scan(&o.SessionID, &o.BaselineID, &o.PeakBin, &o.MaxValue, &o.MinValue, &o.RangeValue, &at); err != nil {
			return nil, err
		}
		o.ObservedAt = fromUnixSeconds(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordLinkEvent inserts one link event.
func (db *DB) RecordLinkEvent(ctx context.Context, ev LinkEvent) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO link_events (session_id, kind, detail, occurred_at) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.Kind, ev.Detail, unixSeconds(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("failed to record link event: %w", err)
	}
	return nil
}

// LinkEvents returns a session's link events in order.
func (db *DB) LinkEvents(ctx context.Context, sessionID string) ([]LinkEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, kind, detail, occurred_at FROM link_events
		  WHERE session_id = ? ORDER BY occurred_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LinkEvent
	for rows.Next() {
		var (
			ev LinkEvent
			at float64
		)
		if err := rows.Scan(&ev.SessionID, &ev.Kind, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.OccurredAt = fromUnixSeconds(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
