package lib

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-net/ptcp/config"
)

// scriptSender captures outbound segments for inspection instead of
// forwarding them anywhere.
type scriptSender struct {
	sent []*Segment
}

func (s *scriptSender) Transmit(seg *Segment) {
	dup := *seg
	dup.chunk = nil
	dup.Payload = append([]byte(nil), seg.Payload...)
	s.sent = append(s.sent, &dup)
}

func (s *scriptSender) last() *Segment {
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *scriptSender) dataSegs() []*Segment {
	var out []*Segment
	for _, seg := range s.sent {
		if len(seg.Payload) > 0 {
			out = append(out, seg)
		}
	}
	return out
}

type cbRecorder struct {
	connected int
	accepted  []*Connection
	closed    int
	readable  int
	errs      []error
}

func (r *cbRecorder) callbacks() AppCallbacks {
	return AppCallbacks{
		OnConnected: func() { r.connected++ },
		OnAccepted:  func(c *Connection) { r.accepted = append(r.accepted, c) },
		OnClosed:    func() { r.closed++ },
		OnReadable:  func(n int) { r.readable = n },
		OnError:     func(err error) { r.errs = append(r.errs, err) },
	}
}

func testConfig(mods ...func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	cfg.PreferredMSS = 500
	cfg.SendBufferSize = 2000
	cfg.RecvBufferSize = 2000
	cfg.InitialCwnd = 2
	cfg.MinRTOMs = 200
	cfg.ClockGranularityMs = 10
	cfg.DelayedAckCount = 2
	cfg.DelayedAckMs = 40
	cfg.PersistMs = 100
	cfg.MslMs = 50
	cfg.NagleEnabled = true
	cfg.WindowScaleEnabled = false
	cfg.TimestampEnabled = false
	cfg.MultipathEnabled = false
	for _, mod := range mods {
		mod(cfg)
	}
	return cfg
}

func newTestConn(t *testing.T, mods ...func(*config.Config)) (*SimClock, *scriptSender, *cbRecorder, *Connection) {
	t.Helper()
	clk := NewSimClock()
	snd := &scriptSender{}
	rec := &cbRecorder{}
	ccfg, err := NewConnectionConfig(testConfig(mods...))
	require.NoError(t, err)

	iss := uint32(100)
	conn, err := NewConnection(&ConnectionParams{
		Key:        "client",
		LocalPort:  1000,
		RemotePort: 2000,
		Clock:      clk,
		Sender:     snd,
		Callbacks:  rec.callbacks(),
		ISS:        &iss,
	}, ccfg)
	require.NoError(t, err)
	return clk, snd, rec, conn
}

func deliver(t *testing.T, c *Connection, seq, ack uint32, flags uint8, win uint16, payload []byte) {
	t.Helper()
	seg := &Segment{SrcPort: 2000, DstPort: 1000, Seq: seq, Ack: ack, Flags: flags, WindowSize: win}
	if len(payload) > 0 {
		require.NoError(t, seg.CopyToPayload(payload))
	}
	c.Deliver(seg)
}

// establish drives the client side handshake: SYN out, SYN-ACK with
// seq 300 in, final ACK out. Afterwards firstUnacked is 101 and the
// next expected peer byte is 301.
func establish(t *testing.T, snd *scriptSender, conn *Connection) {
	t.Helper()
	require.NoError(t, conn.Connect())
	syn := snd.last()
	require.True(t, syn.IsSYN())
	require.Equal(t, uint32(100), syn.Seq)

	deliver(t, conn, 300, 101, SYNFlag|ACKFlag, 65535, nil)
	require.Equal(t, StateEstablished, conn.State())
	require.NoError(t, conn.ledger.checkInvariant())
}

func TestActiveOpenHandshake(t *testing.T) {
	_, snd, rec, conn := newTestConn(t)
	establish(t, snd, conn)

	assert.Equal(t, uint32(101), conn.ledger.FirstUnacked())
	assert.Equal(t, uint32(101), conn.ledger.NextToSend())
	assert.Equal(t, uint32(301), conn.rcvBuf.NextSeq())
	assert.Equal(t, 1, rec.connected)

	fin := snd.last()
	assert.True(t, fin.IsACK())
	assert.False(t, fin.IsSYN())
	assert.Equal(t, uint32(301), fin.Ack, "final ack covers the peer SYN")
	assert.False(t, conn.timers.pending(timerRetransmit), "handshake retry resolved")
}

func TestConnectOnlyFromClosed(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	err := conn.Connect()
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConnectRetryBackoffAndAbort(t *testing.T) {
	clk, snd, rec, conn := newTestConn(t, func(c *config.Config) { c.ConnectRetries = 2 })
	require.NoError(t, conn.Connect())

	clk.Run() // nobody answers
	synCount := 0
	for _, seg := range snd.sent {
		if seg.IsSYN() {
			synCount++
		}
	}
	assert.Equal(t, 3, synCount, "original SYN plus two retries")
	assert.Equal(t, StateClosed, conn.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrRetryExhausted)
	assert.True(t, snd.last().IsRST(), "exhaustion resets the peer")
}

func TestConnectRetryIntervalsDouble(t *testing.T) {
	clk, snd, _, conn := newTestConn(t)
	require.NoError(t, conn.Connect())

	countSyns := func() int {
		n := 0
		for _, seg := range snd.sent {
			if seg.IsSYN() {
				n++
			}
		}
		return n
	}

	clk.RunFor(250 * time.Millisecond) // first retry at 200ms
	assert.Equal(t, 2, countSyns())
	clk.RunFor(250 * time.Millisecond) // second at 200+400=600ms
	assert.Equal(t, 2, countSyns())
	clk.RunFor(200 * time.Millisecond)
	assert.Equal(t, 3, countSyns())
}

func TestDataSendAndCumulativeAck(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	n, err := conn.Send(make([]byte, 1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	segs := snd.dataSegs()
	require.Len(t, segs, 2, "initial window is two segments")
	assert.Equal(t, uint32(101), segs[0].Seq)
	assert.Equal(t, uint32(601), segs[1].Seq)
	assert.True(t, conn.timers.pending(timerRetransmit))

	deliver(t, conn, 301, 1101, ACKFlag, 65535, nil)
	assert.Equal(t, uint32(1101), conn.ledger.FirstUnacked())
	assert.Zero(t, conn.history.Len())
	assert.False(t, conn.timers.pending(timerRetransmit), "nothing outstanding, timer off")
	require.NoError(t, conn.ledger.checkInvariant())
}

func TestSendBufferBackpressure(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	n, err := conn.Send(make([]byte, 2000))
	require.NoError(t, err)
	assert.Equal(t, 2000, n)

	// unacked bytes pin the buffer, further sends see backpressure
	_, err = conn.Send([]byte{1})
	assert.ErrorIs(t, err, ErrSendBufferFull)

	// a covering ack frees capacity
	deliver(t, conn, 301, 1101, ACKFlag, 65535, nil)
	n, err = conn.Send([]byte{1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendInWrongState(t *testing.T) {
	_, _, _, conn := newTestConn(t)
	_, err := conn.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCongestionWindowLimitsSending(t *testing.T) {
	_, snd, _, conn := newTestConn(t, func(c *config.Config) { c.InitialCwnd = 1 })
	establish(t, snd, conn)

	conn.Send(make([]byte, 1500))
	require.Len(t, snd.dataSegs(), 1, "cwnd of one segment")

	// each ack opens the window further (slow start)
	deliver(t, conn, 301, 601, ACKFlag, 65535, nil)
	assert.Len(t, snd.dataSegs(), 3, "acked 500 doubles the window")
	require.NoError(t, conn.ledger.checkInvariant())
}

func TestRetransmissionTimeoutCollapsesWindow(t *testing.T) {
	clk, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	conn.Send(make([]byte, 500))
	require.Len(t, snd.dataSegs(), 1)

	clk.RunFor(250 * time.Millisecond) // RTO floor is 200ms
	segs := snd.dataSegs()
	require.Len(t, segs, 2, "timeout retransmits the oldest segment")
	assert.Equal(t, uint32(101), segs[1].Seq, "same sequence, not new data")
	assert.Equal(t, AckLoss, conn.AckState())
	assert.Equal(t, 500, conn.cb.cwnd, "window collapses to one segment")
	assert.Equal(t, 1000, conn.cb.ssthresh, "halving floors at two segments")
	require.NoError(t, conn.ledger.checkInvariant())
}

func TestRetransmissionBackoffDoubles(t *testing.T) {
	clk, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)
	conn.Send(make([]byte, 500))

	clk.RunFor(250 * time.Millisecond)
	require.Len(t, snd.dataSegs(), 2)

	// next firing is 400ms after the first, at t=600ms
	clk.RunFor(300 * time.Millisecond)
	assert.Len(t, snd.dataSegs(), 2)
	clk.RunFor(100 * time.Millisecond)
	assert.Len(t, snd.dataSegs(), 3)
}

func TestKarnsRuleSkipsRetransmittedSample(t *testing.T) {
	clk, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)
	conn.Send(make([]byte, 500))

	clk.RunFor(250 * time.Millisecond) // force a retransmission
	require.Len(t, snd.dataSegs(), 2)
	srttBefore := conn.rtt.(*jacobsonEstimator).srtt

	deliver(t, conn, 301, 601, ACKFlag, 65535, nil)
	assert.Equal(t, srttBefore, conn.rtt.(*jacobsonEstimator).srtt,
		"an ack of a retransmitted segment must not feed the estimator")
	assert.Equal(t, AckOpen, conn.AckState(), "full ack reopens the ack state")
}

func TestRttSampleFromCleanAck(t *testing.T) {
	clk, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)
	conn.Send(make([]byte, 500))
	require.Len(t, snd.dataSegs(), 1)

	clk.RunFor(50 * time.Millisecond)
	deliver(t, conn, 301, 601, ACKFlag, 65535, nil)

	est := conn.rtt.(*jacobsonEstimator)
	require.True(t, est.hasSample)
	// the handshake contributed a zero sample; the 50ms data sample
	// smooths in on top of it
	assert.Greater(t, est.srtt, time.Duration(0))
}

func TestDataRetryCeilingAbortsConnection(t *testing.T) {
	clk, snd, rec, conn := newTestConn(t, func(c *config.Config) { c.DataRetries = 2 })
	establish(t, snd, conn)
	conn.Send(make([]byte, 500))

	clk.Run() // no acks ever arrive
	assert.Equal(t, StateClosed, conn.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrRetryExhausted)
	assert.Equal(t, 1, rec.closed)
	assert.True(t, snd.last().IsRST())
}

func TestFastRetransmitOnDupAckThreshold(t *testing.T) {
	_, snd, _, conn := newTestConn(t, func(c *config.Config) {
		c.InitialCwnd = 10
		c.SendBufferSize = 8000
	})
	establish(t, snd, conn)

	conn.Send(make([]byte, 2500)) // five segments in flight
	require.Len(t, snd.dataSegs(), 5)

	// two duplicate acks signal disorder only
	deliver(t, conn, 301, 101, ACKFlag, 65535, nil)
	assert.Equal(t, AckDisorder, conn.AckState())
	deliver(t, conn, 301, 101, ACKFlag, 65535, nil)
	assert.Equal(t, AckDisorder, conn.AckState())
	assert.Len(t, snd.dataSegs(), 5, "no retransmission below the threshold")

	// the third triggers the fast retransmit
	deliver(t, conn, 301, 101, ACKFlag, 65535, nil)
	segs := snd.dataSegs()
	require.Len(t, segs, 6)
	assert.Equal(t, uint32(101), segs[5].Seq)
	assert.Equal(t, AckRecovery, conn.AckState())
	assert.Equal(t, 2500, conn.cb.cwnd, "window halves: ten segments down to five")
	assert.Equal(t, 2500, conn.cb.ssthresh)

	// a full ack exits recovery
	deliver(t, conn, 301, 2601, ACKFlag, 65535, nil)
	assert.Equal(t, AckOpen, conn.AckState())
	require.NoError(t, conn.ledger.checkInvariant())
}

func TestDelayedAckCountAndTimer(t *testing.T) {
	clk, snd, rec, conn := newTestConn(t)
	establish(t, snd, conn)
	ackCountBefore := len(snd.sent)

	deliver(t, conn, 301, 101, ACKFlag|PSHFlag, 65535, make([]byte, 500))
	assert.Equal(t, ackCountBefore, len(snd.sent), "first segment is held for the delayed ack")
	assert.Equal(t, 500, rec.readable)

	clk.RunFor(50 * time.Millisecond)
	require.Greater(t, len(snd.sent), ackCountBefore, "delayed ack timer flushed")
	assert.Equal(t, uint32(801), snd.last().Ack)
}

func TestDelayedAckSegmentThreshold(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	deliver(t, conn, 301, 101, ACKFlag, 65535, make([]byte, 500))
	before := len(snd.sent)
	deliver(t, conn, 801, 101, ACKFlag, 65535, make([]byte, 500))
	require.Greater(t, len(snd.sent), before, "second segment forces the ack")
	assert.Equal(t, uint32(1301), snd.last().Ack)
	assert.False(t, conn.timers.pending(timerDelayedAck))
}

func TestOutOfOrderTriggersImmediateDupAck(t *testing.T) {
	clk, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	deliver(t, conn, 801, 101, ACKFlag, 65535, make([]byte, 500))
	assert.Equal(t, uint32(301), snd.last().Ack, "gap forces an immediate duplicate ack")

	// filling the gap delivers both
	deliver(t, conn, 301, 101, ACKFlag, 65535, make([]byte, 500))
	clk.RunFor(50 * time.Millisecond) // flush the delayed ack
	assert.Equal(t, uint32(1301), snd.last().Ack)

	buf := make([]byte, 2000)
	n, err := conn.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
}

func TestSegmentBeyondWindowRejected(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	// receive window is 2000 bytes: 301..2301
	deliver(t, conn, 2400, 101, ACKFlag, 65535, make([]byte, 500))
	assert.Equal(t, uint32(301), snd.last().Ack, "answered with a duplicate ack")
	assert.Empty(t, conn.rcvBuf.pendingSeqs(), "nothing stashed")
	assert.Equal(t, uint32(301), conn.rcvBuf.NextSeq())
}

func TestStaleWindowUpdateIgnored(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)
	require.Equal(t, 65535, conn.wnd.PeerWindow())

	// a bare ack with a smaller window, acking nothing new: stale
	deliver(t, conn, 301, 101, ACKFlag, 1000, nil)
	assert.Equal(t, 65535, conn.wnd.PeerWindow())

	// the same shrink is honored when it acks new data
	conn.Send(make([]byte, 500))
	deliver(t, conn, 301, 601, ACKFlag, 1000, nil)
	assert.Equal(t, 1000, conn.wnd.PeerWindow())
	_ = snd
}

func TestZeroWindowPersistProbe(t *testing.T) {
	clk, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	conn.Send(make([]byte, 500))
	deliver(t, conn, 301, 601, ACKFlag, 0, nil) // ack plus window close
	require.Zero(t, conn.wnd.PeerWindow())

	conn.Send(make([]byte, 500))
	require.Len(t, snd.dataSegs(), 1, "no room to send")
	require.True(t, conn.timers.pending(timerPersist))

	clk.RunFor(150 * time.Millisecond)
	segs := snd.dataSegs()
	require.Len(t, segs, 2)
	assert.Len(t, segs[1].Payload, 1, "probe carries a single byte")
	assert.Equal(t, uint32(601), segs[1].Seq)

	// probe interval backs off: next at 100+200=300ms
	clk.RunFor(100 * time.Millisecond)
	assert.Len(t, snd.dataSegs(), 2)
	clk.RunFor(100 * time.Millisecond)
	assert.Len(t, snd.dataSegs(), 3)

	// window reopens, the queued segment flows, the probe stops
	deliver(t, conn, 301, 601, ACKFlag, 2000, nil)
	segs = snd.dataSegs()
	assert.Equal(t, uint32(601), segs[len(segs)-1].Seq)
	assert.Len(t, segs[len(segs)-1].Payload, 500)
	assert.False(t, conn.timers.pending(timerPersist))
}

func TestNagleHoldsShortSegment(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	conn.Send(make([]byte, 500)) // full segment goes out
	require.Len(t, snd.dataSegs(), 1)

	conn.Send(make([]byte, 100)) // short, and data is in flight
	assert.Len(t, snd.dataSegs(), 1, "short segment held while unacked data exists")

	deliver(t, conn, 301, 601, ACKFlag, 65535, nil)
	segs := snd.dataSegs()
	require.Len(t, segs, 2, "ack releases the short segment")
	assert.Len(t, segs[1].Payload, 100)
}

func TestNagleDisabledSendsImmediately(t *testing.T) {
	_, snd, _, conn := newTestConn(t, func(c *config.Config) { c.NagleEnabled = false })
	establish(t, snd, conn)

	conn.Send(make([]byte, 500))
	conn.Send(make([]byte, 100))
	assert.Len(t, snd.dataSegs(), 2)
}

func TestActiveCloseThroughTimeWait(t *testing.T) {
	clk, snd, rec, conn := newTestConn(t)
	establish(t, snd, conn)

	require.NoError(t, conn.Close())
	assert.Equal(t, StateFinWait1, conn.State())
	fin := snd.last()
	assert.True(t, fin.IsFIN())
	assert.Equal(t, uint32(101), fin.Seq)

	deliver(t, conn, 301, 102, ACKFlag, 65535, nil)
	assert.Equal(t, StateFinWait2, conn.State())

	deliver(t, conn, 301, 102, FINFlag|ACKFlag, 65535, nil)
	assert.Equal(t, StateTimeWait, conn.State())
	assert.Equal(t, uint32(302), snd.last().Ack, "peer FIN acknowledged")

	// 2 x MSL (50ms) quiescence
	clk.RunFor(90 * time.Millisecond)
	assert.Equal(t, StateTimeWait, conn.State())
	clk.RunFor(20 * time.Millisecond)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 1, rec.closed)
}

func TestTimeWaitReacksLostFinalAck(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)
	conn.Close()
	deliver(t, conn, 301, 102, ACKFlag, 65535, nil)
	deliver(t, conn, 301, 102, FINFlag|ACKFlag, 65535, nil)
	require.Equal(t, StateTimeWait, conn.State())

	before := len(snd.sent)
	deliver(t, conn, 301, 102, FINFlag|ACKFlag, 65535, nil) // peer retransmits its FIN
	assert.Greater(t, len(snd.sent), before, "the lost final ack is repeated")
	assert.Equal(t, uint32(302), snd.last().Ack)
}

func TestPassiveClose(t *testing.T) {
	clk, snd, rec, conn := newTestConn(t)
	establish(t, snd, conn)

	deliver(t, conn, 301, 101, FINFlag|ACKFlag, 65535, nil)
	assert.Equal(t, StateCloseWait, conn.State())
	assert.Equal(t, uint32(302), snd.last().Ack)

	require.NoError(t, conn.Close())
	assert.Equal(t, StateLastAck, conn.State())
	assert.True(t, snd.last().IsFIN())

	deliver(t, conn, 302, 102, ACKFlag, 65535, nil)
	assert.Equal(t, StateTimeWait, conn.State())
	clk.RunFor(150 * time.Millisecond)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 1, rec.closed)
}

func TestLastAckRetriesFin(t *testing.T) {
	clk, snd, rec, conn := newTestConn(t, func(c *config.Config) { c.DataRetries = 2 })
	establish(t, snd, conn)
	deliver(t, conn, 301, 101, FINFlag|ACKFlag, 65535, nil)
	require.NoError(t, conn.Close())

	finCount := func() int {
		n := 0
		for _, seg := range snd.sent {
			if seg.IsFIN() {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, finCount())

	clk.Run() // final ack never arrives
	assert.Equal(t, 3, finCount(), "FIN plus two retries")
	assert.Equal(t, StateClosed, conn.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrRetryExhausted)
}

func TestSimultaneousClose(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)

	require.NoError(t, conn.Close())
	require.Equal(t, StateFinWait1, conn.State())

	// peer FIN crosses ours on the wire, acking nothing of ours
	deliver(t, conn, 301, 101, FINFlag|ACKFlag, 65535, nil)
	assert.Equal(t, StateClosing, conn.State())

	deliver(t, conn, 302, 102, ACKFlag, 65535, nil)
	assert.Equal(t, StateTimeWait, conn.State())
	_ = snd
}

func TestPeerResetSurfacesError(t *testing.T) {
	_, snd, rec, conn := newTestConn(t)
	establish(t, snd, conn)

	deliver(t, conn, 301, 101, RSTFlag|ACKFlag, 0, nil)
	assert.Equal(t, StateClosed, conn.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrPeerReset)
	assert.Equal(t, 1, rec.closed)
	assert.False(t, conn.timers.pending(timerRetransmit))
}

func TestAbortResetsPeer(t *testing.T) {
	_, snd, rec, conn := newTestConn(t)
	establish(t, snd, conn)

	conn.Abort()
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, snd.last().IsRST())
	assert.Equal(t, 1, rec.closed)
	assert.Empty(t, rec.errs, "a local abort is not an error")
}

func TestSegmentToClosedConnectionGetsReset(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	deliver(t, conn, 301, 101, ACKFlag, 65535, make([]byte, 10))
	require.NotEmpty(t, snd.sent)
	assert.True(t, snd.last().IsRST())
}

func TestAckBeyondHighestSentIgnored(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	establish(t, snd, conn)
	conn.Send(make([]byte, 500))

	deliver(t, conn, 301, 5000, ACKFlag, 65535, nil)
	assert.Equal(t, uint32(101), conn.ledger.FirstUnacked(), "ledger unmoved")
	require.NoError(t, conn.ledger.checkInvariant())
	_ = snd
}

func TestTraceHooksFireOnTransitions(t *testing.T) {
	_, snd, _, conn := newTestConn(t)
	var events []TraceEvent
	conn.AddTrace(func(ev TraceEvent) { events = append(events, ev) })

	establish(t, snd, conn)
	require.NotEmpty(t, events)
	assert.Equal(t, "state", events[0].Field)
	assert.Equal(t, "CLOSED", events[0].Old)
	assert.Equal(t, "SYN_SENT", events[0].New)

	found := false
	for _, ev := range events {
		if ev.Field == "state" && ev.New == "ESTABLISHED" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestWindowScaleNegotiation(t *testing.T) {
	_, snd, _, conn := newTestConn(t, func(c *config.Config) {
		c.WindowScaleEnabled = true
		c.RecvBufferSize = 1 << 20
		c.SendBufferSize = 1 << 20
	})
	require.NoError(t, conn.Connect())
	syn := snd.last()
	require.True(t, syn.Options.WScalePresent)
	assert.Equal(t, uint8(5), syn.Options.WScale, "1MiB buffer needs scale 5")

	synack := &Segment{
		SrcPort: 2000, DstPort: 1000,
		Seq: 300, Ack: 101, Flags: SYNFlag | ACKFlag, WindowSize: 65535,
		Options: SegmentOptions{WScalePresent: true, WScale: 3},
	}
	conn.Deliver(synack)
	require.Equal(t, StateEstablished, conn.State())
	assert.True(t, conn.opts.WindowScaleEnabled())

	// post-handshake peer windows are scaled by the negotiated factor
	deliver(t, conn, 301, 101, ACKFlag, 1000, make([]byte, 500))
	assert.Equal(t, 8000, conn.wnd.PeerWindow())
}

func TestTimestampEchoFeedsEstimator(t *testing.T) {
	clk, snd, _, conn := newTestConn(t, func(c *config.Config) { c.TimestampEnabled = true })
	require.NoError(t, conn.Connect())
	syn := snd.last()
	require.True(t, syn.Options.TsPresent)

	synack := &Segment{
		SrcPort: 2000, DstPort: 1000,
		Seq: 300, Ack: 101, Flags: SYNFlag | ACKFlag, WindowSize: 65535,
		Options: SegmentOptions{TsPresent: true, TsVal: 1, TsEcr: syn.Options.TsVal},
	}
	conn.Deliver(synack)
	require.Equal(t, StateEstablished, conn.State())
	require.True(t, conn.opts.TimestampEnabled())

	clk.RunFor(10 * time.Millisecond)
	conn.Send(make([]byte, 500))
	sent := snd.dataSegs()[0]
	require.True(t, sent.Options.TsPresent)
	require.NotZero(t, sent.Options.TsVal)

	// the peer echoes our timestamp 60ms of simulated time later
	clk.RunFor(60 * time.Millisecond)
	ack := &Segment{
		SrcPort: 2000, DstPort: 1000,
		Seq: 301, Ack: 601, Flags: ACKFlag, WindowSize: 65535,
		Options: SegmentOptions{TsPresent: true, TsVal: 2, TsEcr: sent.Options.TsVal},
	}
	conn.Deliver(ack)

	est := conn.rtt.(*jacobsonEstimator)
	require.True(t, est.hasSample)
	assert.Greater(t, est.srtt, time.Duration(0), "echo produced a sample")
}

func TestOptionAfterHandshakeIgnored(t *testing.T) {
	_, snd, _, conn := newTestConn(t, func(c *config.Config) { c.WindowScaleEnabled = true })
	establish(t, snd, conn) // peer offered no scaling
	require.False(t, conn.opts.WindowScaleEnabled())

	// late window scale option is dropped by the allow-list
	late := &Segment{
		SrcPort: 2000, DstPort: 1000,
		Seq: 301, Ack: 101, Flags: ACKFlag, WindowSize: 1000,
		Options: SegmentOptions{WScalePresent: true, WScale: 10},
	}
	conn.Deliver(late)
	assert.False(t, conn.opts.WindowScaleEnabled())
	assert.Zero(t, conn.opts.PeerScale())
}

func TestCustomCongestionStrategy(t *testing.T) {
	clk := NewSimClock()
	snd := &scriptSender{}
	ccfg, err := NewConnectionConfig(testConfig(func(c *config.Config) { c.NagleEnabled = false }))
	require.NoError(t, err)

	fixed := &fixedWindowControl{cwnd: 700, ssthresh: 48 * 1024}
	ccfg.newCongestion = func(_, _, _ int) CongestionControl { return fixed }

	iss := uint32(100)
	conn, err := NewConnection(&ConnectionParams{
		Key: "custom", LocalPort: 1000, RemotePort: 2000,
		Clock: clk, Sender: snd, ISS: &iss,
	}, ccfg)
	require.NoError(t, err)
	assert.Equal(t, 700, conn.cb.cwnd, "the strategy window applies from construction, not from the first ack")
	establish(t, snd, conn)

	conn.Send(make([]byte, 1500))
	require.Len(t, snd.dataSegs(), 2, "fixed 700 byte window sends 500+200")
	assert.Len(t, snd.dataSegs()[1].Payload, 200)
}

// fixedWindowControl pins the congestion window for strategy plumbing
// tests.
type fixedWindowControl struct {
	cwnd, ssthresh int
	losses         int
}

func (f *fixedWindowControl) OnAck(int)                  {}
func (f *fixedWindowControl) OnDupAckThreshold()         { f.losses++ }
func (f *fixedWindowControl) OnLoss()                    { f.losses++ }
func (f *fixedWindowControl) OnRttSample(time.Duration)  {}
func (f *fixedWindowControl) Cwnd() int                  { return f.cwnd }
func (f *fixedWindowControl) Ssthresh() int              { return f.ssthresh }

func TestErrorsCarryClass(t *testing.T) {
	err := errors.Wrap(ErrRetryExhausted, "context")
	assert.ErrorIs(t, err, ErrRetryExhausted)
}
