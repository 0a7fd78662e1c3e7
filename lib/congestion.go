package lib

import "time"

// AckState is the congestion related phase of the sender, separate from
// the connection state itself.
type AckState int

const (
	AckOpen AckState = iota
	AckDisorder
	AckCwr
	AckRecovery
	AckLoss
)

var ackStateNames = [...]string{"OPEN", "DISORDER", "CWR", "RECOVERY", "LOSS"}

func (s AckState) String() string { return ackStateNames[s] }

// controlBlock is the sender side congestion state of one connection.
// cwnd never drops below one segment after initialization; ssthresh
// stays positive. It is copied, never shared, into forked connections.
type controlBlock struct {
	cwnd        int // congestion window in bytes
	ssthresh    int // slow start threshold in bytes
	segmentSize int
	ackState    AckState
}

func newControlBlock(initialCwndSegments, initialSsthresh, mss int) *controlBlock {
	return &controlBlock{
		cwnd:        initialCwndSegments * mss,
		ssthresh:    initialSsthresh,
		segmentSize: mss,
		ackState:    AckOpen,
	}
}

func (cb *controlBlock) clone() *controlBlock {
	dup := *cb
	return &dup
}

// CongestionControl is the pluggable strategy. The connection decides
// when to notify (ack path, duplicate ack threshold, retransmission
// timeout); the strategy decides how much window to grant.
type CongestionControl interface {
	// OnAck is invoked on the ESTABLISHED ack path with the number of
	// newly acknowledged bytes.
	OnAck(bytesAcked int)
	// OnDupAckThreshold is invoked when the duplicate ack threshold
	// triggers a fast retransmit.
	OnDupAckThreshold()
	// OnLoss is invoked when the retransmission timer expires.
	OnLoss()
	// OnRttSample receives every valid round trip sample.
	OnRttSample(rtt time.Duration)

	Cwnd() int
	Ssthresh() int
}

// renoControl is the default strategy: slow start, congestion avoidance,
// halving on loss signals, window collapse to one segment on timeout.
type renoControl struct {
	cwnd     int
	ssthresh int
	mss      int
	caCount  int // bytes acked since the last congestion avoidance bump
}

func newRenoControl(initialCwndSegments, initialSsthresh, mss int) *renoControl {
	return &renoControl{
		cwnd:     initialCwndSegments * mss,
		ssthresh: initialSsthresh,
		mss:      mss,
	}
}

func (r *renoControl) OnAck(bytesAcked int) {
	if bytesAcked <= 0 {
		return
	}
	if r.cwnd < r.ssthresh {
		// slow start: one segment per acked segment, capped at ssthresh
		grow := bytesAcked
		if r.cwnd+grow > r.ssthresh {
			grow = r.ssthresh - r.cwnd
		}
		r.cwnd += grow
		bytesAcked -= grow
		if bytesAcked == 0 {
			return
		}
	}
	// congestion avoidance: one segment per window of acks
	r.caCount += bytesAcked
	if r.caCount >= r.cwnd {
		r.caCount -= r.cwnd
		r.cwnd += r.mss
	}
}

func (r *renoControl) OnDupAckThreshold() {
	r.ssthresh = r.halfCwnd()
	r.cwnd = r.ssthresh
	r.caCount = 0
}

func (r *renoControl) OnLoss() {
	r.ssthresh = r.halfCwnd()
	r.cwnd = r.mss
	r.caCount = 0
}

func (r *renoControl) OnRttSample(time.Duration) {}

func (r *renoControl) Cwnd() int     { return r.cwnd }
func (r *renoControl) Ssthresh() int { return r.ssthresh }

func (r *renoControl) halfCwnd() int {
	half := r.cwnd / 2
	if half < 2*r.mss {
		half = 2 * r.mss
	}
	return half
}
