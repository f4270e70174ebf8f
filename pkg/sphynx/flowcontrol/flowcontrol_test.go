package flowcontrol

import (
	"testing"
	"time"
)

func TestRTOClampedToFloorAndCeiling(t *testing.T) {
	e := New(time.Unix(0, 0))
	if rto := e.RTO(); rto < minRTO || rto > maxRTO {
		t.Fatalf("initial RTO %v out of [%v, %v]", rto, minRTO, maxRTO)
	}
	e.OnRTT(10 * time.Second) // absurdly large sample
	if rto := e.RTO(); rto != maxRTO {
		t.Fatalf("RTO = %v, want clamped to %v", rto, maxRTO)
	}
}

func TestRTOTracksSmoothedRTT(t *testing.T) {
	e := New(time.Unix(0, 0))
	for i := 0; i < 20; i++ {
		e.OnRTT(50 * time.Millisecond)
	}
	rto := e.RTO()
	want := 50*time.Millisecond + rtoMargin
	if diff := rto - want; diff < -5*time.Millisecond || diff > 5*time.Millisecond {
		t.Fatalf("RTO = %v, want close to %v", rto, want)
	}
}

func TestLossDropsToSmoothedEstimateNotHalved(t *testing.T) {
	now := time.Unix(0, 0)
	e := New(now)
	initial := e.Bandwidth()

	for i := 0; i < 10; i++ {
		e.OnRTT(5 * time.Millisecond)
	}
	e.OnLoss()
	now = now.Add(epochLength)
	e.Tick(now)

	if e.Bandwidth() == initial/2 {
		t.Fatal("bandwidth was halved instead of set to the smoothed estimate")
	}
}

func TestPacingBudgetDepletes(t *testing.T) {
	now := time.Unix(0, 0)
	e := New(now)
	before := e.RemainingBytes(now)
	e.Consume(before)
	if got := e.RemainingBytes(now); got > 0 {
		t.Fatalf("expected budget to be depleted, got %d", got)
	}
}

func TestEpochRefillsBudget(t *testing.T) {
	now := time.Unix(0, 0)
	e := New(now)
	e.Consume(e.RemainingBytes(now))

	now = now.Add(epochLength)
	if got := e.RemainingBytes(now); got <= 0 {
		t.Fatalf("expected budget to refill after an epoch, got %d", got)
	}
}
