package liveness

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDeadAfterConsecutiveMisses(t *testing.T) {
	var probes, deaths atomic.Int64
	m := New(10*time.Millisecond, 5*time.Millisecond, 3,
		func() { probes.Add(1) },
		func() { deaths.Add(1) })
	m.Start()
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for deaths.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("monitor never declared death (probes=%d)", probes.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// let any extra signals surface
	time.Sleep(100 * time.Millisecond)
	if got := deaths.Load(); got != 1 {
		t.Fatalf("dead signal fired %d times, want exactly once", got)
	}
	if probes.Load() < 3 {
		t.Fatalf("expected at least 3 probes before death, got %d", probes.Load())
	}
}

func TestInboundResetsMisses(t *testing.T) {
	var deaths atomic.Int64
	m := New(10*time.Millisecond, 8*time.Millisecond, 3,
		func() {},
		func() { deaths.Add(1) })
	m.Start()
	defer m.Stop()

	// keep feeding inbound traffic faster than the ack window expires
	stop := time.After(200 * time.Millisecond)
feed:
	for {
		select {
		case <-stop:
			break feed
		case <-time.After(3 * time.Millisecond):
			m.Notify()
		}
	}

	if got := deaths.Load(); got != 0 {
		t.Fatalf("monitor declared death despite live traffic (%d)", got)
	}
}

func TestStopPreventsDeath(t *testing.T) {
	var deaths atomic.Int64
	m := New(5*time.Millisecond, 2*time.Millisecond, 1,
		func() {},
		func() { deaths.Add(1) })
	m.Start()
	m.Stop()
	m.Stop() // idempotent

	time.Sleep(50 * time.Millisecond)
	if got := deaths.Load(); got != 0 {
		t.Fatalf("dead signal fired after Stop (%d)", got)
	}
}

func TestDefaultsApplied(t *testing.T) {
	m := New(0, 0, 0, func() {}, func() {})
	if m.interval != DefaultInterval || m.timeout != DefaultTimeout || m.maxMisses != DefaultMaxMisses {
		t.Fatalf("defaults not applied: %v %v %d", m.interval, m.timeout, m.maxMisses)
	}
}
