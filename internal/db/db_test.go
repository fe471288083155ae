package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "lagview.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_Migrates(t *testing.T) {
	db := setupTestDB(t)
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if version != latest || dirty {
		t.Errorf("version = %d dirty = %v, want %d clean", version, dirty, latest)
	}
	for _, table := range []string{"capture_sessions", "peak_observations", "link_events"} {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", table, n, err)
		}
	}

	// Reopening an up to date database is a no-op.
	again, err := NewDB(db.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestSessions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := db.StartSession(ctx, "udp-28x256", "udp", start)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(s.SessionID) != 36 {
		t.Errorf("session id %q is not a uuid", s.SessionID)
	}
	later, err := db.StartSession(ctx, "serial-6x64", "serial", start.Add(time.Hour))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := db.EndSession(ctx, s.SessionID, start.Add(30*time.Minute)); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := db.EndSession(ctx, "no-such-session", start); err == nil {
		t.Error("ending an unknown session should fail")
	}

	sessions, err := db.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != later.SessionID {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[0].EndedAt != nil {
		t.Error("open session has an end time")
	}
	if sessions[1].EndedAt == nil || !sessions[1].EndedAt.Equal(start.Add(30*time.Minute)) {
		t.Errorf("ended_at = %v", sessions[1].EndedAt)
	}
	if !sessions[1].StartedAt.Equal(start) {
		t.Errorf("started_at = %v, want %v", sessions[1].StartedAt, start)
	}
}

func TestObservations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := db.StartSession(ctx, "udp-15x128", "udp", start)

	var obs []PeakObservation
	for i := 0; i < 5; i++ {
		obs = append(obs, PeakObservation{
			SessionID:  s.SessionID,
			BaselineID: 3,
			PeakBin:    60 + i,
			MaxValue:   float64(1000 * (i + 1)),
			MinValue:   10,
			RangeValue: 1e4,
			ObservedAt: start.Add(time.Duration(i) * time.Second),
		})
	}
	obs = append(obs, PeakObservation{SessionID: s.SessionID, BaselineID: 4, ObservedAt: start})
	if err := db.RecordObservations(ctx, obs); err != nil {
		t.Fatalf("RecordObservations: %v", err)
	}
	if err := db.RecordObservations(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}

	got, err := db.Observations(ctx, s.SessionID, 3, 3)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if diff := cmp.Diff(obs[2:5], got); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}

	// A failed insert rolls back the whole batch.
	bad := []PeakObservation{
		{SessionID: s.SessionID, BaselineID: 9, ObservedAt: start},
		{SessionID: "missing-session", BaselineID: 9, ObservedAt: start},
	}
	if err := db.RecordObservations(ctx, bad); err == nil {
		t.Fatal("expected a foreign key failure")
	}
	if got, _ := db.Observations(ctx, s.SessionID, 9, 0); len(got) != 0 {
		t.Errorf("partial batch committed: %+v", got)
	}
}

func TestLinkEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := db.StartSession(ctx, "serial-6x64", "serial", start)

	events := []LinkEvent{
		{SessionID: s.SessionID, Kind: "connected", OccurredAt: start},
		{SessionID: s.SessionID, Kind: "disconnected", Detail: "connection lost", OccurredAt: start.Add(time.Second)},
	}
	for _, ev := range events {
		if err := db.RecordLinkEvent(ctx, ev); err != nil {
			t.Fatalf("RecordLinkEvent: %v", err)
		}
	}
	got, err := db.LinkEvents(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("LinkEvents: %v", err)
	}
	if diff := cmp.Diff(events, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrateDownUp(t *testing.T) {
	db := setupTestDB(t)
	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	version, _, _ := db.MigrateVersion()
	if version != 1 {
		t.Errorf("version after down = %d, want 1", version)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	version, _, _ = db.MigrateVersion()
	if version != 2 {
		t.Errorf("version after up = %d, want 2", version)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	if err := RunMigrateCommand([]string{"up"}, path, &out); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	out.Reset()
	if err := RunMigrateCommand([]string{"status"}, path, &out); err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out.String(), "current version: 2") {
		t.Errorf("status output = %q", out.String())
	}
	if err := RunMigrateCommand([]string{"force", "x"}, path, &out); err == nil {
		t.Error("expected invalid version error")
	}
	if err := RunMigrateCommand([]string{"sideways"}, path, &out); err == nil {
		t.Error("expected unknown action error")
	}
	if err := RunMigrateCommand(nil, path, &out); err == nil {
		t.Error("expected missing action error")
	}
}

func TestAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	db.StartSession(context.Background(), "udp-28x256", "udp", time.Now())

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/sessions", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "udp-28x256") {
		t.Errorf("sessions: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("backup status = %d: %s", rec.Code, rec.Body.String())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("backup is not gzip: %v", err)
	}
	data, _ := io.ReadAll(zr)
	if !bytes.HasPrefix(data, []byte("SQLite format 3")) {
		t.Errorf("backup does not look like sqlite: %q", data[:min(len(data), 16)])
	}
}
