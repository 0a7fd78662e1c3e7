package lib

import "time"

// RttEstimator smooths round trip samples into a retransmission timeout.
// The engine treats the smoothing formula as external; it only feeds
// samples (history based and timestamp based) and reads back the RTO.
type RttEstimator interface {
	AddSample(rtt time.Duration)
	RTO() time.Duration
	Reset()
}

// jacobsonEstimator is the default estimator, RFC 6298 shaped:
// srtt/rttvar smoothing with the RTO clamped to a configured minimum and
// quantized to the clock granularity.
type jacobsonEstimator struct {
	srtt        time.Duration
	rttvar      time.Duration
	minRTO      time.Duration
	granularity time.Duration
	hasSample   bool
}

func newJacobsonEstimator(minRTO, granularity time.Duration) *jacobsonEstimator {
	return &jacobsonEstimator{
		minRTO:      minRTO,
		granularity: granularity,
	}
}

func (e *jacobsonEstimator) AddSample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
		return
	}
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = (3*e.rttvar + diff) / 4
	e.srtt = (7*e.srtt + rtt) / 8
}

func (e *jacobsonEstimator) RTO() time.Duration {
	rto := e.minRTO
	if e.hasSample {
		rto = e.srtt + 4*e.rttvar
	}
	if rto < e.minRTO {
		rto = e.minRTO
	}
	// quantize up to the clock granularity
	if e.granularity > 0 {
		if rem := rto % e.granularity; rem != 0 {
			rto += e.granularity - rem
		}
	}
	return rto
}

func (e *jacobsonEstimator) Reset() {
	e.srtt = 0
	e.rttvar = 0
	e.hasSample = false
}
