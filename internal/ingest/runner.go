// Package ingest runs the receive loop: it owns the transport link, feeds
// decoded frames into the aggregator once per tick and reconnects with
// exponential backoff after transport errors.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/monitoring"
	"github.com/banshee-data/lagview/internal/timeutil"
)

// LinkStatus is the state of the transport link.
type LinkStatus string

const (
	LinkConnected    LinkStatus = "connected"
	LinkDisconnected LinkStatus = "disconnected"
	LinkReconnecting LinkStatus = "reconnecting"
)

// StatusChange is delivered to observers whenever the link status changes.
type StatusChange struct {
	Status LinkStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

// Counters are cumulative ingest counters.
type Counters struct {
	Frames           uint64 `json:"frames"`
	Unrecognized     uint64 `json:"unrecognized"`
	Incomplete       uint64 `json:"incomplete"`
	MarkerMismatches uint64 `json:"marker_mismatches"`
	TransportErrors  uint64 `json:"transport_errors"`
	Reconnects       uint64 `json:"reconnects"`
}

// Status is the runner state reported by the API.
type Status struct {
	Transport   string       `json:"transport"`
	Link        LinkStatus   `json:"link"`
	Since       time.Time    `json:"since"`
	LastError   string       `json:"last_error,omitempty"`
	NextAttempt *time.Time   `json:"next_attempt,omitempty"`
	Selected    int          `json:"selected"`
	Counters    Counters     `json:"counters"`
	Drain       DrainSummary `json:"drain"`
}

// Config configures a Runner.
type Config struct {
	Dialer     Dialer
	Aggregator *aggregate.Aggregator
	Clock      timeutil.Clock

	// TickInterval is the pause between ticks. Zero runs ticks back to back,
	// which suits serial links whose reads block until a train arrives.
	TickInterval time.Duration
	// DrainCap is the per-tick datagram cap used for starvation counting.
	DrainCap int
	// Placeholder shows the synthetic lag pattern while disconnected.
	Placeholder bool

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Runner drives one Dialer. Tick and Run must be called from a single
// goroutine; every other method is safe for concurrent use.
type Runner struct {
	dialer      Dialer
	agg         *aggregate.Aggregator
	clock       timeutil.Clock
	tick        time.Duration
	placeholder bool
	drain       *DrainStats
	dropLog     *monitoring.Throttle
	reconnect   chan struct{}

	// Owned by the tick goroutine.
	link     Link
	backoff  Backoff
	nextDial time.Time
	dialed   bool

	mu        sync.RWMutex
	status    LinkStatus
	since     time.Time
	lastErr   string
	nextAt    time.Time
	counters  Counters
	filter    aggregate.DisplayFilter
	observers []func(StatusChange)
}

// NewRunner returns a runner in the disconnected state.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("ingest: no dialer configured")
	}
	if cfg.Aggregator == nil {
		return nil, errors.New("ingest: no aggregator configured")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{
		dialer:      cfg.Dialer,
		agg:         cfg.Aggregator,
		clock:       clock,
		tick:        cfg.TickInterval,
		placeholder: cfg.Placeholder,
		drain:       NewDrainStats(cfg.DrainCap),
		dropLog:     monitoring.NewThrottle(time.Second, clock.Now),
		reconnect:   make(chan struct{}, 1),
		backoff:     Backoff{Initial: cfg.ReconnectInitial, Max: cfg.ReconnectMax},
		status:      LinkDisconnected,
		since:       clock.Now(),
		filter:      aggregate.ShowAll(),
	}, nil
}

// OnStatusChange registers fn to be called after every status change. fn
// runs on the tick goroutine and must not block.
func (r *Runner) OnStatusChange(fn func(StatusChange)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Run ticks until ctx is cancelled, then closes the link.
func (r *Runner) Run(ctx context.Context) error {
	defer r.closeLink("shutdown")
	for {
		r.Tick(ctx)

		wait := r.tick
		if r.link == nil && !r.nextDial.IsZero() {
			if d := r.nextDial.Sub(r.clock.Now()); d > wait {
				wait = d
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.reconnect:
			r.reconnectNow()
		case <-r.clock.After(wait):
		}
	}
}

// Tick performs one ingestion step: dial when due, then read one tick worth
// of input into the aggregator.
func (r *Runner) Tick(ctx context.Context) {
	select {
	case <-r.reconnect:
		r.reconnectNow()
	default:
	}

	if r.link == nil && !r.connect(ctx) {
		return
	}

	n, err := r.link.Poll(ctx, r.applyFrame, r.dropFrame)
	r.drain.Observe(n)
	if err != nil {
		r.handleError(err)
	}
}

// RequestReconnect closes the current link and dials again on the next
// tick, skipping any pending backoff.
func (r *Runner) RequestReconnect() {
	select {
	case r.reconnect <- struct{}{}:
	default:
	}
}

func (r *Runner) reconnectNow() {
	// Drain a request queued while this one was being handled.
	select {
	case <-r.reconnect:
	default:
	}
	if r.link != nil {
		r.closeLink("manual reconnect")
		r.setStatus(LinkDisconnected, "manual reconnect", time.Time{})
	}
	r.nextDial = time.Time{}
	r.backoff.Reset()
}

func (r *Runner) connect(ctx context.Context) bool {
	now := r.clock.Now()
	if now.Before(r.nextDial) {
		return false
	}
	r.setStatus(LinkReconnecting, "", time.Time{})
	link, err := r.dialer.Dial(ctx)
	if err != nil {
		delay := r.backoff.Next()
		r.nextDial = now.Add(delay)
		r.setStatus(LinkDisconnected, err.Error(), r.nextDial)
		log.Printf("%s link unavailable: %v (retrying in %v)", r.dialer.Transport(), err, delay)
		return false
	}
	r.link = link
	r.nextDial = time.Time{}
	r.backoff.Reset()

	r.mu.Lock()
	if r.dialed {
		r.counters.Reconnects++
	}
	r.mu.Unlock()
	r.dialed = true

	r.setStatus(LinkConnected, "", time.Time{})
	log.Printf("%s link connected", r.dialer.Transport())
	return true
}

func (r *Runner) handleError(err error) {
	if errors.Is(err, lagframe.ErrMarkerMismatch) {
		r.mu.Lock()
		r.counters.MarkerMismatches++
		r.mu.Unlock()
		monitoring.Logf("serial stream drifted, resynchronising: %v", err)
		return
	}

	r.mu.Lock()
	r.counters.TransportErrors++
	r.mu.Unlock()

	r.closeLink(err.Error())
	delay := r.backoff.Next()
	r.nextDial = r.clock.Now().Add(delay)
	r.setStatus(LinkDisconnected, err.Error(), r.nextDial)
	log.Printf("%s link lost: %v (reconnecting in %v)", r.dialer.Transport(), err, delay)
}

func (r *Runner) closeLink(reason string) {
	if r.link == nil {
		return
	}
	if err := r.link.Close(); err != nil {
		log.Printf("closing %s link (%s): %v", r.dialer.Transport(), reason, err)
	}
	r.link = nil
}

func (r *Runner) applyFrame(f lagframe.LagFrame) {
	err := r.agg.Update(f)
	r.mu.Lock()
	if err != nil {
		r.counters.Unrecognized++
	} else {
		r.counters.Frames++
	}
	r.mu.Unlock()
	if err != nil {
		r.dropLog.Logf("dropping frame: %v", err)
	}
}

func (r *Runner) dropFrame(err error) {
	r.mu.Lock()
	if errors.Is(err, lagframe.ErrIncompleteFrame) {
		r.counters.Incomplete++
	} else {
		r.counters.Unrecognized++
	}
	r.mu.Unlock()
	r.dropLog.Logf("%v", err)
}

func (r *Runner) setStatus(s LinkStatus, detail string, next time.Time) {
	now := r.clock.Now()
	r.mu.Lock()
	changed := r.status != s
	if changed {
		r.status = s
		r.since = now
	}
	if detail != "" {
		r.lastErr = detail
	}
	r.nextAt = next
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	if !changed {
		return
	}
	change := StatusChange{Status: s, Detail: detail, At: now}
	for _, fn := range observers {
		fn(change)
	}
}

// LinkStatus returns the current link status.
func (r *Runner) LinkStatus() LinkStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Status returns the link state and counters.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{
		Transport: r.dialer.Transport(),
		Link:      r.status,
		Since:     r.since,
		LastError: r.lastErr,
		Selected:  r.filter.Selected,
		Counters:  r.counters,
		Drain:     r.drain.Summary(),
	}
	if !r.nextAt.IsZero() {
		next := r.nextAt
		s.NextAttempt = &next
	}
	return s
}

// Counters returns a copy of the ingest counters.
func (r *Runner) Counters() Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters
}

// SetSelection selects a single baseline for display, or every baseline
// with aggregate.AllBaselines.
func (r *Runner) SetSelection(baseline int) error {
	n := r.agg.Layout().BaselineCount()
	if baseline != aggregate.AllBaselines && (baseline < 0 || baseline >= n) {
		return fmt.Errorf("%w: baseline %d outside [0, %d)", lagframe.ErrUnrecognizedBaseline, baseline, n)
	}
	r.mu.Lock()
	r.filter = aggregate.DisplayFilter{Selected: baseline}
	r.mu.Unlock()
	return nil
}

// Selection returns the current display filter.
func (r *Runner) Selection() aggregate.DisplayFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter
}

// Snapshot returns what presentations should show: the aggregator state,
// or the synthetic pattern while disconnected when placeholders are on,
// with the display filter applied.
func (r *Runner) Snapshot() aggregate.Snapshot {
	r.mu.RLock()
	connected := r.status == LinkConnected
	filter := r.filter
	r.mu.RUnlock()

	var s aggregate.Snapshot
	if !connected && r.placeholder {
		s = aggregate.PlaceholderSnapshot(r.agg.Layout(), r.clock.Now())
	} else {
		s = r.agg.Snapshot()
	}
	s.Connected = connected
	return filter.Apply(s)
}
