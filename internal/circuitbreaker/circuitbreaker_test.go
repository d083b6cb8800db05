package circuitbreaker

import (
	"testing"
	"time"

	hub "github.com/relaymesh/cch/internal"
)

func testConfig() Config {
	return Config{
		FailureThreshold:         3,
		OpenDuration:             25 * time.Millisecond,
		HalfOpenSuccessThreshold: 2,
	}
}

func TestTransitionClosed(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, admitted := transition(Snapshot{}, eventCall, now, cfg)
	if !admitted || s.State != StateClosed {
		t.Fatalf("closed call: admitted=%v state=%v", admitted, s.State)
	}

	s, _ = transition(Snapshot{}, eventFailure, now, cfg)
	s, _ = transition(s, eventFailure, now, cfg)
	if s.State != StateClosed || s.Failures != 2 {
		t.Fatalf("below threshold: %+v", s)
	}

	// Success wipes the streak; the threshold counts consecutive failures.
	s, _ = transition(s, eventSuccess, now, cfg)
	if s.Failures != 0 {
		t.Fatalf("success should reset failures, got %d", s.Failures)
	}

	s, _ = transition(Snapshot{Failures: 2}, eventFailure, now, cfg)
	if s.State != StateOpen || !s.OpenedAt.Equal(now) {
		t.Fatalf("threshold reached: %+v", s)
	}
}

func TestTransitionOpen(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	open := Snapshot{State: StateOpen, OpenedAt: now}

	s, admitted := transition(open, eventCall, now.Add(10*time.Millisecond), cfg)
	if admitted || s.State != StateOpen || s.Trips != 1 {
		t.Fatalf("early call: admitted=%v %+v", admitted, s)
	}

	s, admitted = transition(open, eventCall, now.Add(cfg.OpenDuration), cfg)
	if !admitted || s.State != StateHalfOpen || !s.Probing {
		t.Fatalf("probe call: admitted=%v %+v", admitted, s)
	}

	// Manual open ignores the timer entirely.
	manual := Snapshot{State: StateOpen, OpenedAt: now, Manual: true}
	if _, admitted := transition(manual, eventCall, now.Add(time.Hour), cfg); admitted {
		t.Fatal("manual open admitted a call")
	}

	s, _ = transition(manual, eventManualReset, now, cfg)
	if s != (Snapshot{}) {
		t.Fatalf("manual reset: %+v", s)
	}
}

func TestTransitionHalfOpen(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	idle := Snapshot{State: StateHalfOpen}

	s, admitted := transition(idle, eventCall, now, cfg)
	if !admitted || !s.Probing {
		t.Fatalf("probe not admitted: %+v", s)
	}
	if _, admitted := transition(s, eventCall, now, cfg); admitted {
		t.Fatal("second concurrent probe admitted")
	}

	s, _ = transition(s, eventSuccess, now, cfg)
	if s.State != StateHalfOpen || s.Probing || s.HalfOpenSuccesses != 1 {
		t.Fatalf("first success: %+v", s)
	}
	s, _ = transition(s, eventSuccess, now, cfg)
	if s != (Snapshot{}) {
		t.Fatalf("second success should close: %+v", s)
	}

	s, _ = transition(Snapshot{State: StateHalfOpen, Probing: true}, eventFailure, now, cfg)
	if s.State != StateOpen || !s.OpenedAt.Equal(now) {
		t.Fatalf("probe failure should reopen: %+v", s)
	}

	s, _ = transition(Snapshot{State: StateHalfOpen, Probing: true}, eventCancel, now, cfg)
	if s.State != StateHalfOpen || s.Probing {
		t.Fatalf("cancel should release the probe slot: %+v", s)
	}
}

func TestBreakerLifecycle(t *testing.T) {
	t.Parallel()
	b := newBreaker("provider:p1", testConfig(), nil)

	for range 3 {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state after three failures = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Ready(time.Now()) {
		t.Fatal("breaker not ready after the open window")
	}
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	if b.Allow() {
		t.Fatal("second concurrent probe admitted")
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state after first probe success = %v, want half_open", b.State())
	}
	if !b.Allow() {
		t.Fatal("second probe not admitted")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state after closing successes = %v, want closed", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := newBreaker("provider:p1", testConfig(), nil)

	for range 3 {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after probe failure = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker admitted a call immediately")
	}
}

func TestBreakerManual(t *testing.T) {
	t.Parallel()
	b := newBreaker("provider:p1", testConfig(), nil)

	b.ManualOpen()
	time.Sleep(30 * time.Millisecond)
	if b.Ready(time.Now()) || b.Allow() {
		t.Fatal("manually opened breaker admitted a call after the timer")
	}

	b.ManualReset()
	if !b.Allow() {
		t.Fatal("reset breaker rejected a call")
	}
}

func TestBreakerReadyDoesNotConsumeProbe(t *testing.T) {
	t.Parallel()
	b := newBreaker("provider:p1", testConfig(), nil)

	for range 3 {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	if !b.Ready(time.Now()) || !b.Ready(time.Now()) {
		t.Fatal("Ready should stay true until a probe is admitted")
	}
	if !b.Allow() {
		t.Fatal("probe not admitted after Ready")
	}
	if b.Ready(time.Now()) {
		t.Fatal("Ready true while a probe is in flight")
	}
}

func TestBreakerOnChange(t *testing.T) {
	t.Parallel()
	var states []State
	b := newBreaker("provider:p1", testConfig(), func(_ string, s Snapshot) {
		states = append(states, s.State)
	})

	// Only state transitions fire the hook, not every failure.
	for range 3 {
		b.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("hook fired %d times (%v), want %d", len(states), states, len(want))
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestBreakerAdopt(t *testing.T) {
	t.Parallel()
	b := newBreaker("provider:p1", testConfig(), nil)

	persisted := Snapshot{State: StateOpen, OpenedAt: time.Now(), Failures: 5}
	if !b.adopt(persisted) {
		t.Fatal("pristine breaker refused a snapshot")
	}
	if b.State() != StateOpen {
		t.Fatalf("state after adopt = %v, want open", b.State())
	}

	// A breaker with local history keeps it.
	b2 := newBreaker("provider:p2", testConfig(), nil)
	b2.RecordFailure()
	if b2.adopt(persisted) {
		t.Fatal("breaker with local traffic adopted a snapshot")
	}
}

func TestFromProvider(t *testing.T) {
	t.Parallel()
	got := FromProvider(hub.BreakerConfig{FailureThreshold: 4, OpenDurationMs: 1000})
	if got.FailureThreshold != 4 || got.OpenDuration != time.Second {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.HalfOpenSuccessThreshold != DefaultConfig().HalfOpenSuccessThreshold {
		t.Fatalf("zero field should fall back to default: %+v", got)
	}
}
