package ingest

import (
	"context"
	"log"
	"time"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/db"
	"github.com/banshee-data/lagview/internal/timeutil"
)

// ObservationStore persists sampled observations and link events.
type ObservationStore interface {
	RecordObservations(ctx context.Context, obs []db.PeakObservation) error
	RecordLinkEvent(ctx context.Context, ev db.LinkEvent) error
}

// Recorder samples the aggregator every Interval and writes one
// observation per baseline that received a frame since the previous
// sample. Link status changes are queued and written as link events.
type Recorder struct {
	store     ObservationStore
	agg       *aggregate.Aggregator
	sessionID string
	interval  time.Duration
	clock     timeutil.Clock

	lastFrames []uint64
	events     chan db.LinkEvent
}

// NewRecorder returns a recorder for one capture session.
func NewRecorder(store ObservationStore, agg *aggregate.Aggregator, sessionID string, interval time.Duration, clock timeutil.Clock) *Recorder {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		store:      store,
		agg:        agg,
		sessionID:  sessionID,
		interval:   interval,
		clock:      clock,
		lastFrames: make([]uint64, agg.Layout().BaselineCount()),
		events:     make(chan db.LinkEvent, 64),
	}
}

// ObserveStatus queues a link event. It never blocks; events are dropped
// when the queue is full.
func (r *Recorder) ObserveStatus(c StatusChange) {
	ev := db.LinkEvent{SessionID: r.sessionID, Kind: string(c.Status), Detail: c.Detail, OccurredAt: c.At}
	select {
	case r.events <- ev:
	default:
		log.Printf("recorder: dropping link event %q", c.Status)
	}
}

// Run samples until ctx is cancelled, then flushes queued events.
func (r *Recorder) Run(ctx context.Context) error {
	tick := r.clock.After(r.interval)
	for {
		select {
		case <-ctx.Done():
			r.flushEvents(context.Background())
			return ctx.Err()
		case ev := <-r.events:
			if err := r.store.RecordLinkEvent(ctx, ev); err != nil {
				log.Printf("recorder: %v", err)
			}
		case <-tick:
			tick = r.clock.After(r.interval)
			if _, err := r.RecordOnce(ctx); err != nil {
				log.Printf("recorder: %v", err)
			}
		}
	}
}

// RecordOnce writes observations for baselines updated since the last call
// and returns how many were written.
func (r *Recorder) RecordOnce(ctx context.Context) (int, error) {
	snap := r.agg.Snapshot()
	var obs []db.PeakObservation
	for _, b := range snap.Baselines {
		if b.BaselineID >= len(r.lastFrames) || b.Frames == r.lastFrames[b.BaselineID] {
			continue
		}
		r.lastFrames[b.BaselineID] = b.Frames
		obs = append(obs, db.PeakObservation{
			SessionID:  r.sessionID,
			BaselineID: b.BaselineID,
			PeakBin:    b.PeakBin,
			MaxValue:   b.Max,
			MinValue:   b.Min,
			RangeValue: b.Range,
			ObservedAt: b.UpdatedAt,
		})
	}
	if err := r.store.RecordObservations(ctx, obs); err != nil {
		return 0, err
	}
	return len(obs), nil
}

func (r *Recorder) flushEvents(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			if err := r.store.RecordLinkEvent(ctx, ev); err != nil {
				log.Printf("recorder: %v", err)
			}
		default:
			return
		}
	}
}
