// Package flowcontrol implements Sphynx's TCP-Westwood-derived bandwidth
// estimator: on loss, the send rate drops to a smoothed bandwidth estimate
// rather than being halved blindly, and the retransmit timeout tracks a
// smoothed round-trip time. See spec.md §4.5.
package flowcontrol

import (
	"sync"
	"time"
)

const (
	sampleRingSize = 32
	epochLength    = 500 * time.Millisecond
	rtoMargin      = 200 * time.Millisecond
	minRTO         = 100 * time.Millisecond
	maxRTO         = 3 * time.Second

	// initial, conservative allowance until the first epoch produces a
	// real estimate.
	initialBandwidth = 64 * 1024 // bytes/sec
	minBandwidth     = 8 * 1024
)

type sample struct {
	tripTime time.Duration
	valid    bool
}

// Estimator tracks one Connexion's send-side bandwidth and RTO. It
// satisfies pkg/sphynx/transport.Pacer.
type Estimator struct {
	mu sync.Mutex

	ring     [sampleRingSize]sample
	ringNext int

	smoothedRTT time.Duration
	bandwidth   float64 // bytes/sec
	lossPending bool

	minBandwidth float64
	maxBandwidth float64 // 0 means uncapped

	epochStart time.Time
	budget     float64 // bytes remaining in the current epoch
}

// New creates an Estimator seeded with a conservative initial bandwidth.
func New(now time.Time) *Estimator {
	return &Estimator{
		bandwidth:    initialBandwidth,
		minBandwidth: minBandwidth,
		epochStart:   now,
		budget:       initialBandwidth * epochLength.Seconds(),
	}
}

// SetBandwidthLimits overrides the estimator's floor and ceiling, per
// spec.md §6's bandwidth_low_limit/bandwidth_high_limit configuration
// knobs. A zero low leaves the floor unchanged; a zero high leaves the
// estimate uncapped.
func (e *Estimator) SetBandwidthLimits(low, high float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if low > 0 {
		e.minBandwidth = low
	}
	e.maxBandwidth = high
	if e.bandwidth < e.minBandwidth {
		e.bandwidth = e.minBandwidth
	}
	if e.maxBandwidth > 0 && e.bandwidth > e.maxBandwidth {
		e.bandwidth = e.maxBandwidth
	}
}

// OnRTT records a trip-time sample inferred from an ACK's timestamps.
func (e *Estimator) OnRTT(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring[e.ringNext] = sample{tripTime: d, valid: true}
	e.ringNext = (e.ringNext + 1) % sampleRingSize

	if e.smoothedRTT == 0 {
		e.smoothedRTT = d
		return
	}
	// Standard EWMA, alpha = 1/8 (same smoothing constant as TCP's SRTT).
	e.smoothedRTT += (d - e.smoothedRTT) / 8
}

// OnLoss charges a NACK or retransmit-timeout loss event. The actual rate
// cut happens at the next epoch boundary (Tick), using the smoothed
// estimate rather than an immediate multiplicative decrease.
func (e *Estimator) OnLoss() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lossPending = true
}

// RTO returns the current retransmit timeout: smoothed RTT plus a safety
// margin, clipped to [100ms, 3s].
func (e *Estimator) RTO() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	rto := e.smoothedRTT + rtoMargin
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}

// Tick recomputes the smoothed bandwidth estimate once per epoch (~500ms)
// and refills the pacing budget. Call it from the same tick loop that
// drives transport.Transport.Tick.
func (e *Estimator) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.epochStart) < epochLength {
		return
	}
	e.epochStart = now

	smoothed := e.smoothedSampleBandwidth()
	if e.lossPending {
		// Westwood's signature move: drop straight to the smoothed
		// estimate instead of halving the current rate.
		if smoothed > 0 {
			e.bandwidth = smoothed
		} else {
			e.bandwidth /= 2
		}
		e.lossPending = false
	} else if smoothed > e.bandwidth {
		e.bandwidth = smoothed
	}
	if e.bandwidth < e.minBandwidth {
		e.bandwidth = e.minBandwidth
	}
	if e.maxBandwidth > 0 && e.bandwidth > e.maxBandwidth {
		e.bandwidth = e.maxBandwidth
	}
	e.budget = e.bandwidth * epochLength.Seconds()
}

// smoothedSampleBandwidth derives a bandwidth estimate from recent RTT
// samples: fewer/slower round trips imply a smaller safe window. This is a
// deliberately simple proxy for Westwood's bandwidth-sample filter, which
// in the original relies on an end-to-end ACK-rate measurement we don't
// have without a byte-counting ACK stream.
func (e *Estimator) smoothedSampleBandwidth() float64 {
	var sum time.Duration
	var n int
	for _, s := range e.ring {
		if s.valid {
			sum += s.tripTime
			n++
		}
	}
	if n == 0 || sum <= 0 {
		return 0
	}
	avg := sum / time.Duration(n)
	// Smaller RTT -> more bytes safely outstanding per epoch.
	return epochLength.Seconds() / avg.Seconds() * float64(n) * 1024
}

// RemainingBytes reports how much of the current epoch's pacing budget is
// left. The transport defers non-urgent sends when this is <= 0.
func (e *Estimator) RemainingBytes(now time.Time) int {
	e.Tick(now) // Tick is a no-op if the epoch hasn't elapsed yet.
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.budget)
}

// Consume charges n bytes against the current epoch's pacing budget.
func (e *Estimator) Consume(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget -= float64(n)
}

// Bandwidth returns the current smoothed bandwidth estimate in bytes/sec,
// for metrics reporting.
func (e *Estimator) Bandwidth() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bandwidth
}
