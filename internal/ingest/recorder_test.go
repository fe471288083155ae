package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/db"
	"github.com/banshee-data/lagview/internal/timeutil"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "lagview.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestRecorder_RecordOnceWritesUpdatedBaselines(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	clock := timeutil.NewMockClock(epoch)
	l := testLayout(t)
	agg := aggregate.New(l, clock)

	session, err := database.StartSession(ctx, l.Name, "udp", clock.Now())
	require.NoError(t, err)
	rec := NewRecorder(database, agg, session.SessionID, time.Second, clock)

	n, err := rec.RecordOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing received yet")

	require.NoError(t, agg.Update(peakFrame(l, 1, 44, 9000)))
	require.NoError(t, agg.Update(peakFrame(l, 5, 90, 7000)))

	n, err = rec.RecordOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Unchanged baselines are not written twice.
	n, err = rec.RecordOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	obs, err := database.Observations(ctx, session.SessionID, 1, 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 44, obs[0].PeakBin)
	assert.Equal(t, float64(9000), obs[0].MaxValue)
	assert.Equal(t, float64(10), obs[0].MinValue)
	assert.True(t, obs[0].ObservedAt.Equal(epoch))
}

func TestRecorder_RunWritesLinkEvents(t *testing.T) {
	database := openTestDB(t)
	clock := timeutil.NewMockClock(epoch)
	l := testLayout(t)
	agg := aggregate.New(l, clock)
	session, err := database.StartSession(context.Background(), l.Name, "udp", epoch)
	require.NoError(t, err)

	rec := NewRecorder(database, agg, session.SessionID, time.Second, clock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.ObserveStatus(StatusChange{Status: LinkConnected, At: epoch})
	rec.ObserveStatus(StatusChange{Status: LinkDisconnected, Detail: "connection lost", At: epoch.Add(time.Second)})

	require.Eventually(t, func() bool {
		evs, err := database.LinkEvents(context.Background(), session.SessionID)
		return err == nil && len(evs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, agg.Update(peakFrame(l, 0, 12, 4000)))
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		obs, err := database.Observations(context.Background(), session.SessionID, 0, 10)
		return err == nil && len(obs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	evs, err := database.LinkEvents(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "connected", evs[0].Kind)
	assert.Equal(t, "disconnected", evs[1].Kind)
	assert.Equal(t, "connection lost", evs[1].Detail)
}

type failingStore struct{}

func (failingStore) RecordObservations(ctx context.Context, obs []db.PeakObservation) error {
	return errors.New("disk full")
}

func (failingStore) RecordLinkEvent(ctx context.Context, ev db.LinkEvent) error {
	return errors.New("disk full")
}

func TestRecorder_StoreError(t *testing.T) {
	l := testLayout(t)
	agg := aggregate.New(l, nil)
	require.NoError(t, agg.Update(peakFrame(l, 0, 12, 4000)))

	rec := NewRecorder(failingStore{}, agg, "s", 0, nil)
	_, err := rec.RecordOnce(context.Background())
	assert.EqualError(t, err, "disk full")
}

func TestRecorder_ObserveStatusNeverBlocks(t *testing.T) {
	l := testLayout(t)
	rec := NewRecorder(failingStore{}, aggregate.New(l, nil), "s", 0, nil)
	for i := 0; i < 200; i++ {
		rec.ObserveStatus(StatusChange{Status: LinkReconnecting, At: epoch})
	}
	assert.Len(t, rec.events, cap(rec.events))
}
