package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_After(t *testing.T) {
	clock := RealClock{}
	select {
	case <-clock.After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After() did not fire")
	}
}

func TestMockClock_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	short := c.After(time.Second)
	long := c.After(time.Minute)

	c.Advance(2 * time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("short fired at %v, want %v", got, start.Add(2*time.Second))
		}
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if got := c.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}

	c.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("long waiter did not fire")
	}
}

func TestMockClock_AfterZeroFiresImmediately(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire")
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestMockClock_Waits(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	c.After(time.Second)
	c.After(2 * time.Second)
	waits := c.Waits()
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("Waits() = %v, want [1s 2s]", waits)
	}
}

func TestMockClock_Set(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	want := time.Unix(100, 0)
	c.Set(want)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}
