package lib

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/halcyon-net/ptcp/config"
)

// ConnectionState is the lifecycle state of one connection. Exactly one
// state is active at a time; transitions happen only through the segment
// handlers, the local calls and the timer firings below.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateFinWait2
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD", "ESTABLISHED",
	"CLOSE_WAIT", "FIN_WAIT_1", "FIN_WAIT_2", "CLOSING", "LAST_ACK",
	"TIME_WAIT",
}

func (s ConnectionState) String() string { return stateNames[s] }

// dupAckThreshold triggers a fast retransmit.
const dupAckThreshold = 3

// SegmentSender is the outbound side of the network layer collaborator.
type SegmentSender interface {
	Transmit(seg *Segment)
}

// AppCallbacks are the application lifecycle notifications. All fields
// are optional; the engine invokes them synchronously.
type AppCallbacks struct {
	OnConnected func()
	OnAccepted  func(conn *Connection)
	OnClosed    func()
	OnError     func(err error)
	OnReadable  func(n int)
}

// TraceEvent is emitted synchronously after observable field mutations.
type TraceEvent struct {
	Conn  string
	Field string
	Old   string
	New   string
}

// TraceFn receives trace events. Hooks are owned by the connection and
// called in registration order; there is no global registry.
type TraceFn func(ev TraceEvent)

// ConnectionConfig is the per connection copy of the relevant app
// config. Forked connections get a fresh copy, never a shared pointer.
type ConnectionConfig struct {
	preferredMSS      int
	sendBufferSize    int
	recvBufferSize    int
	initialCwnd       int
	initialSsthresh   int
	minRTO            time.Duration
	clockGranularity  time.Duration
	delayedAckCount   int
	delayedAckTimeout time.Duration
	persistTimeout    time.Duration
	msl               time.Duration
	connectRetries    int
	dataRetries       int
	nagleEnabled      bool
	windowScale       bool
	timestampEnabled  bool
	multipathEnabled  bool
	allowWindowShrink bool

	// newCongestion builds the pluggable strategy; nil selects Reno.
	newCongestion func(initialCwndSegments, initialSsthresh, mss int) CongestionControl
}

func NewConnectionConfig(cfg *config.Config) (*ConnectionConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConnectionConfig{
		preferredMSS:      cfg.PreferredMSS,
		sendBufferSize:    cfg.SendBufferSize,
		recvBufferSize:    cfg.RecvBufferSize,
		initialCwnd:       cfg.InitialCwnd,
		initialSsthresh:   cfg.InitialSsthresh,
		minRTO:            cfg.MinRTO(),
		clockGranularity:  cfg.ClockGranularity(),
		delayedAckCount:   cfg.DelayedAckCount,
		delayedAckTimeout: cfg.DelayedAckTimeout(),
		persistTimeout:    cfg.PersistTimeout(),
		msl:               cfg.Msl(),
		connectRetries:    cfg.ConnectRetries,
		dataRetries:       cfg.DataRetries,
		nagleEnabled:      cfg.NagleEnabled,
		windowScale:       cfg.WindowScaleEnabled,
		timestampEnabled:  cfg.TimestampEnabled,
		multipathEnabled:  cfg.MultipathEnabled,
	}, nil
}

func (c *ConnectionConfig) clone() *ConnectionConfig {
	dup := *c
	return &dup
}

// ConnectionParams identifies one connection and binds it to its
// collaborators.
type ConnectionParams struct {
	Key                  string
	LocalAddr, RemoteAddr net.Addr
	LocalPort, RemotePort int
	Clock                Clock
	Sender               SegmentSender
	Callbacks            AppCallbacks

	// ISS pins the initial send sequence; nil picks a random one.
	ISS *uint32
}

// Connection is the protocol state machine of one endpoint pair.
// Everything it owns (ledger, control block, history, buffers, timers)
// is exclusive to it; the engine is single threaded on top of the
// clock's event queue, so no locking is needed.
type Connection struct {
	params *ConnectionParams
	config *ConnectionConfig
	logger *logrus.Entry

	state   ConnectionState
	cb      *controlBlock
	ledger  *SequenceLedger
	wnd     *windowLedger
	history *sentHistory
	opts    *OptionState
	timers  *timerSet
	cc      CongestionControl
	rtt     RttEstimator
	sndBuf  *sendBuffer
	rcvBuf  *recvBuffer

	children map[string]*Connection // LISTEN only: forked connections keyed by peer
	parent   *Connection            // set on forked connections, for demux cleanup

	finSent     bool
	finSeq      uint32 // sequence number our FIN occupies
	peerFinSeen bool

	dupAckCount     int
	delayedSegments int
	retryCount      int
	rto             time.Duration // current backed off RTO, 0 means derive afresh
	persistInterval time.Duration
	recoverSeq      uint32 // highestSent at loss detection, exits RECOVERY

	meta           *Coordinator // non-nil once attached as a subflow
	closedNotified bool
	traces         []TraceFn
}

// NewConnection builds a connection in CLOSED state. An invalid config
// is rejected here; such a connection never reaches an active state.
func NewConnection(params *ConnectionParams, cfg *ConnectionConfig) (*Connection, error) {
	if params.Clock == nil || params.Sender == nil {
		return nil, errors.New("connection needs a clock and a segment sender")
	}

	iss := uint32(0)
	if params.ISS != nil {
		iss = *params.ISS
	} else {
		var err error
		if iss, err = GenerateISN(); err != nil {
			return nil, errors.Wrap(err, "generating ISN")
		}
	}

	wnd := newWindowLedger(cfg.recvBufferSize, cfg.windowScale)
	wnd.allowShrink = cfg.allowWindowShrink
	opts, err := newOptionState(cfg.windowScale, cfg.timestampEnabled, cfg.multipathEnabled, wnd.LocalScale())
	if err != nil {
		return nil, errors.Wrap(err, "initializing option state")
	}

	newCC := cfg.newCongestion
	if newCC == nil {
		newCC = func(cwndSegs, ssthresh, mss int) CongestionControl {
			return newRenoControl(cwndSegs, ssthresh, mss)
		}
	}

	conn := &Connection{
		params:   params,
		config:   cfg,
		logger:   logrus.WithField("conn", params.Key),
		state:    StateClosed,
		cb:       newControlBlock(cfg.initialCwnd, cfg.initialSsthresh, cfg.preferredMSS),
		ledger:   newSequenceLedger(iss),
		wnd:      wnd,
		history:  newSentHistory(),
		opts:     opts,
		timers:   newTimerSet(params.Clock),
		cc:       newCC(cfg.initialCwnd, cfg.initialSsthresh, cfg.preferredMSS),
		rtt:      newJacobsonEstimator(cfg.minRTO, cfg.clockGranularity),
		sndBuf:   newSendBuffer(cfg.sendBufferSize, iss),
		rcvBuf:   newRecvBuffer(cfg.recvBufferSize),
		children: make(map[string]*Connection),
	}
	// the strategy owns the window from the first segment on; the
	// control block mirrors it rather than the config seed
	conn.cb.cwnd = conn.cc.Cwnd()
	conn.cb.ssthresh = conn.cc.Ssthresh()
	return conn, nil
}

func (c *Connection) State() ConnectionState { return c.state }
func (c *Connection) Key() string            { return c.params.Key }
func (c *Connection) SegmentSize() int       { return c.cb.segmentSize }
func (c *Connection) AckState() AckState     { return c.cb.ackState }
func (c *Connection) Ledger() *SequenceLedger { return c.ledger }
func (c *Connection) Options() *OptionState   { return c.opts }

// Meta returns the multipath coordinator this connection belongs to, or
// nil for a standalone connection.
func (c *Connection) Meta() *Coordinator { return c.meta }

// AddTrace registers a field mutation hook.
func (c *Connection) AddTrace(fn TraceFn) { c.traces = append(c.traces, fn) }

func (c *Connection) emitTrace(field, old, new string) {
	for _, fn := range c.traces {
		fn(TraceEvent{Conn: c.params.Key, Field: field, Old: old, New: new})
	}
}

func (c *Connection) setState(next ConnectionState) {
	if next == c.state {
		return
	}
	old := c.state
	c.state = next
	c.logger.WithFields(logrus.Fields{"from": old.String(), "to": next.String()}).Debug("state transition")
	c.emitTrace("state", old.String(), next.String())
}

func (c *Connection) setAckState(next AckState) {
	if next == c.cb.ackState {
		return
	}
	old := c.cb.ackState
	c.cb.ackState = next
	c.emitTrace("ackState", old.String(), next.String())
}

// syncCongestion copies the strategy's answers into the control block.
func (c *Connection) syncCongestion() {
	old := c.cb.cwnd
	c.cb.cwnd = c.cc.Cwnd()
	c.cb.ssthresh = c.cc.Ssthresh()
	if c.cb.cwnd != old {
		c.emitTrace("cwnd", fmt.Sprintf("%d", old), fmt.Sprintf("%d", c.cb.cwnd))
	}
}

// ---------------------------------------------------------------------
// Local calls
// ---------------------------------------------------------------------

// Listen turns a CLOSED connection into a passive listener. The
// listening connection itself never leaves LISTEN; inbound SYNs fork new
// connections.
func (c *Connection) Listen() error {
	if c.state != StateClosed {
		return errors.Wrapf(ErrInvalidStateTransition, "listen in state %s", c.state)
	}
	c.setState(StateListen)
	return nil
}

// Connect starts the active open handshake. Legal only from CLOSED.
func (c *Connection) Connect() error {
	if c.state != StateClosed {
		return errors.Wrapf(ErrInvalidStateTransition, "connect in state %s", c.state)
	}
	c.setState(StateSynSent)
	c.retryCount = 0
	c.sendSyn()
	return nil
}

// Send queues application bytes. The return count may be short of
// len(data); zero with ErrSendBufferFull is the backpressure signal.
func (c *Connection) Send(data []byte) (int, error) {
	if c.meta != nil {
		return c.meta.Send(data)
	}
	return c.send(data)
}

func (c *Connection) send(data []byte) (int, error) {
	switch c.state {
	case StateEstablished, StateCloseWait:
	default:
		return 0, errors.Wrapf(ErrClosed, "send in state %s", c.state)
	}
	n := c.sndBuf.Append(data)
	if n == 0 {
		return 0, ErrSendBufferFull
	}
	c.trySendData()
	return n, nil
}

// Receive drains in-order received bytes into buf.
func (c *Connection) Receive(buf []byte) (int, error) {
	if c.meta != nil {
		return c.meta.Receive(buf)
	}
	return c.receive(buf)
}

func (c *Connection) receive(buf []byte) (int, error) {
	n := c.rcvBuf.Read(buf)
	if n == 0 && c.state == StateClosed {
		return 0, ErrClosed
	}
	return n, nil
}

// Close starts an orderly teardown. On a multipath subflow the external
// handle resolves to the coordinator, which owns teardown.
func (c *Connection) Close() error {
	if c.meta != nil {
		return c.meta.Close()
	}
	return c.closeLocal()
}

// closeLocal performs the state dependent close. A subflow reaches this
// only through its coordinator.
func (c *Connection) closeLocal() error {
	switch c.state {
	case StateClosed:
		return nil
	case StateListen, StateSynSent:
		c.toClosed()
		return nil
	case StateSynRcvd, StateEstablished:
		c.sendFin()
		c.setState(StateFinWait1)
		return nil
	case StateCloseWait:
		c.sendFin()
		c.setState(StateLastAck)
		// the last-ack timer owns every retransmission from here
		c.timers.cancel(timerRetransmit)
		c.retryCount = 0
		c.armLastAck()
		return nil
	default:
		// teardown already in progress
		return nil
	}
}

// Abort resets the connection immediately.
func (c *Connection) Abort() {
	if c.state == StateClosed {
		return
	}
	c.sendReset()
	c.toClosed()
}

// ---------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------

// Deliver is the inbound entry point of the network layer collaborator.
// It tolerates reordering, duplication and loss of both data and ack
// segments; anything unacceptable is dropped or answered with a
// duplicate ack, never fatal.
func (c *Connection) Deliver(seg *Segment) {
	defer seg.ReturnChunk()

	// the listener demuxes first: a segment for a forked child, RST
	// included, belongs to the child
	if c.state == StateListen {
		c.handleListen(seg)
		return
	}
	if seg.IsRST() {
		c.handleReset(seg)
		return
	}

	switch c.state {
	case StateClosed:
		// half open peer: answer with a reset
		c.sendResetFor(seg)
	case StateSynSent:
		c.handleSynSent(seg)
	case StateSynRcvd:
		c.handleSynRcvd(seg)
	case StateEstablished, StateCloseWait, StateFinWait1, StateFinWait2, StateClosing, StateLastAck:
		c.handleOpen(seg)
	case StateTimeWait:
		// the peer missed our last ack, repeat it
		c.sendAck()
	}
}

func (c *Connection) handleReset(seg *Segment) {
	switch c.state {
	case StateClosed:
		return
	case StateSynSent:
		if !seg.IsACK() || seg.Ack != c.ledger.NextToSend() {
			return // not for our SYN
		}
	}
	c.logger.Warn("connection reset by peer")
	c.notifyError(ErrPeerReset)
	c.toClosed()
}

// handleListen forks a new connection on SYN and demultiplexes every
// other segment to the forked child it belongs to.
func (c *Connection) handleListen(seg *Segment) {
	key := forkKey(seg)
	if child, ok := c.children[key]; ok {
		child.Deliver(cloneForChild(seg))
		return
	}
	if seg.IsSYN() && !seg.IsACK() {
		child, err := c.fork(seg)
		if err != nil {
			c.logger.WithError(err).Error("passive open fork failed")
			return
		}
		c.children[key] = child
		child.acceptSyn(seg)
		return
	}
	if seg.IsRST() {
		// a reset for an unknown peer is noise
		return
	}
	// no child, no SYN: half open peer
	c.sendResetFor(seg)
}

func forkKey(seg *Segment) string {
	if seg.SrcAddr != nil {
		return fmt.Sprintf("%s:%d", seg.SrcAddr.String(), seg.SrcPort)
	}
	return fmt.Sprintf(":%d", seg.SrcPort)
}

// cloneForChild re-stages the payload so the child owns its own chunk;
// the listener's deferred ReturnChunk must not free the child's copy.
func cloneForChild(seg *Segment) *Segment {
	dup := *seg
	dup.chunk = nil
	dup.Payload = nil
	if len(seg.Payload) > 0 {
		if err := dup.CopyToPayload(seg.Payload); err != nil {
			return &dup
		}
	}
	return &dup
}

// fork is the passive open: a new connection seeded with a full copy of
// the listener's configuration, a fresh endpoint identity and
// independent sequence and timer state.
func (c *Connection) fork(seg *Segment) (*Connection, error) {
	params := &ConnectionParams{
		Key:        forkKey(seg),
		LocalAddr:  c.params.LocalAddr,
		RemoteAddr: seg.SrcAddr,
		LocalPort:  c.params.LocalPort,
		RemotePort: int(seg.SrcPort),
		Clock:      c.params.Clock,
		Sender:     c.params.Sender,
		Callbacks:  c.params.Callbacks,
	}
	child, err := NewConnection(params, c.config.clone())
	if err != nil {
		return nil, err
	}
	child.parent = c
	child.traces = c.traces
	return child, nil
}

// acceptSyn processes the SYN on a freshly forked connection: record the
// peer marks, negotiate the offered options and answer with SYN-ACK.
func (c *Connection) acceptSyn(seg *Segment) {
	c.opts.processOptions(&seg.Options, phaseSyn)
	c.rcvBuf.init(seqIncrement(seg.Seq))
	c.ledger.RecordReceived(seqIncrement(seg.Seq))
	c.wnd.setPeerScale(c.opts.PeerScale())
	c.wnd.setPeerWindow(seg.WindowSize)
	c.setState(StateSynRcvd)
	c.retryCount = 0
	c.sendSynAck()
}

// handleSynSent validates the SYN-ACK of an active open.
func (c *Connection) handleSynSent(seg *Segment) {
	if !seg.IsSYN() || !seg.IsACK() {
		return
	}
	if seg.Ack != c.ledger.NextToSend() {
		// acks something we never sent
		c.sendResetFor(seg)
		return
	}

	c.opts.processOptions(&seg.Options, phaseSynAck)
	c.opts.freeze()
	c.syncWindowScale()
	c.wnd.setPeerWindow(seg.WindowSize)

	if _, err := c.ledger.AdvanceAck(seg.Ack); err == nil {
		c.sndBuf.ReleaseThrough(seg.Ack)
		c.history.RetireThrough(seg.Ack, c.params.Clock.Now())
	}
	c.rcvBuf.init(seqIncrement(seg.Seq))
	c.ledger.RecordReceived(seqIncrement(seg.Seq))

	c.timers.cancel(timerRetransmit) // connection retry resolved
	c.retryCount = 0
	c.rto = 0
	c.setState(StateEstablished)
	c.sendAck()
	c.maybeUpgradeMultipath()
	c.notifyConnected()
	c.trySendData()
}

// handleSynRcvd completes the passive handshake on a valid ACK.
func (c *Connection) handleSynRcvd(seg *Segment) {
	if seg.IsSYN() && !seg.IsACK() {
		// duplicate SYN, our SYN-ACK was lost
		c.sendSynAck()
		return
	}
	if !seg.IsACK() || seg.Ack != c.ledger.NextToSend() {
		return
	}

	c.opts.freeze()
	c.syncWindowScale()

	if _, err := c.ledger.AdvanceAck(seg.Ack); err == nil {
		c.history.RetireThrough(seg.Ack, c.params.Clock.Now())
	}
	c.timers.cancel(timerRetransmit)
	c.retryCount = 0
	c.rto = 0
	c.setState(StateEstablished)
	c.wnd.UpdateWindowSize(seg, true, false)
	c.maybeUpgradeMultipath()
	c.notifyAccepted()

	if len(seg.Payload) > 0 || seg.IsFIN() {
		c.handleOpen(seg)
	}
}

// handleOpen is the hot path shared by ESTABLISHED and the teardown
// states that still deliver data.
func (c *Connection) handleOpen(seg *Segment) {
	if seg.IsSYN() {
		// a stray SYN on a live connection draws a challenge ack
		c.sendAck()
		return
	}
	now := c.params.Clock.Now()

	// established phase option processing, timestamp echo first so the
	// estimator sees the sample before any retransmit re-arm
	c.opts.processOptions(&seg.Options, phaseEstablished)
	if sample, ok := c.opts.echoSample(&seg.Options, now); ok {
		c.rtt.AddSample(sample)
		c.cc.OnRttSample(sample)
	}

	acksNew := false
	if seg.IsACK() {
		acksNew = c.processAck(seg)
	}

	carriesNew := false
	if len(seg.Payload) > 0 {
		carriesNew = c.processPayload(seg)
	}

	c.wnd.UpdateWindowSize(seg, acksNew, carriesNew)
	c.managePersist()

	if seg.IsFIN() {
		c.processFin(seg)
	}

	c.trySendData()
}

// processAck advances the send side on a cumulative ack and detects
// duplicate acks. Returns true when new data was acked.
func (c *Connection) processAck(seg *Segment) bool {
	now := c.params.Clock.Now()
	led := c.ledger
	led.RecordAckSeen(seg.Ack)

	if isGreater(seg.Ack, led.HighestSent()) {
		// acks data never sent: answer with the current ack, drop
		c.sendAck()
		return false
	}

	if isLessOrEqual(seg.Ack, led.FirstUnacked()) {
		// no forward progress: maybe a duplicate ack
		if len(seg.Payload) == 0 && seg.Ack == led.FirstUnacked() && c.history.Len() > 0 {
			c.dupAckCount++
			if c.dupAckCount < dupAckThreshold {
				if c.cb.ackState == AckOpen {
					c.setAckState(AckDisorder)
				}
			} else if c.dupAckCount == dupAckThreshold {
				c.fastRetransmit()
			}
		}
		return false
	}

	acked, err := led.AdvanceAck(seg.Ack)
	if err != nil {
		return false
	}
	c.sndBuf.ReleaseThrough(seg.Ack)
	for _, sample := range c.history.RetireThrough(seg.Ack, now) {
		c.rtt.AddSample(sample)
		c.cc.OnRttSample(sample)
	}

	c.cc.OnAck(int(acked))
	c.syncCongestion()
	c.dupAckCount = 0
	c.retryCount = 0
	c.rto = 0

	// leave recovery once the ack passes the loss point
	if c.cb.ackState != AckOpen && isGreaterOrEqual(seg.Ack, c.recoverSeq) {
		c.setAckState(AckOpen)
	}

	if c.history.Len() > 0 && c.state != StateLastAck {
		c.armRetransmit()
	} else {
		c.timers.cancel(timerRetransmit)
	}

	if c.finSent && isGreaterOrEqual(seg.Ack, seqIncrement(c.finSeq)) {
		c.finAcked()
	}
	return true
}

// fastRetransmit reacts to the duplicate ack threshold: the strategy
// reduces its window, ack state moves to RECOVERY, and the segment at
// the ack point is resent without waiting for the timer.
func (c *Connection) fastRetransmit() {
	c.cc.OnDupAckThreshold()
	c.syncCongestion()
	c.setAckState(AckRecovery)
	c.recoverSeq = c.ledger.HighestSent()
	if entry, ok := c.history.Oldest(); ok {
		c.logger.WithField("seq", entry.seq).Debug("fast retransmit")
		c.retransmitEntry(entry)
	}
}

// processPayload hands inbound bytes to the receive buffer and runs the
// delayed ack policy. Returns true when the receive window advanced.
func (c *Connection) processPayload(seg *Segment) bool {
	// reject segments entirely outside the receive window
	rcvNxt := c.rcvBuf.NextSeq()
	wndEnd := seqIncrementBy(rcvNxt, uint32(c.rcvBuf.capacity))
	end := seqIncrementBy(seg.Seq, uint32(len(seg.Payload)))
	if isGreaterOrEqual(seg.Seq, wndEnd) || (isLessOrEqual(end, rcvNxt) && len(seg.Payload) > 0 && isLess(seg.Seq, rcvNxt)) {
		c.sendAck() // duplicate ack per policy
		return false
	}

	accepted, advanced, immediate := c.rcvBuf.Offer(seg.Seq, seg.Payload)
	if advanced {
		c.ledger.RecordReceived(c.rcvBuf.NextSeq())
		c.notifyReadable(c.rcvBuf.Buffered())
	}

	switch {
	case immediate:
		// out of order or duplicate data bypasses the delay
		c.sendAck()
	case advanced:
		c.delayedSegments++
		if c.delayedSegments >= c.config.delayedAckCount {
			c.sendAck()
		} else if !c.timers.pending(timerDelayedAck) {
			c.timers.arm(timerDelayedAck, c.config.delayedAckTimeout, c.onDelayedAckTimeout)
		}
	case !accepted:
		// dropped for lack of buffer space; sender retransmission recovers
	}
	return advanced
}

// processFin handles an in-order peer FIN for every state that can see
// one.
func (c *Connection) processFin(seg *Segment) {
	finSeq := seqIncrementBy(seg.Seq, uint32(len(seg.Payload)))
	if finSeq != c.rcvBuf.NextSeq() {
		// FIN beyond a gap: ack what we have, keep waiting
		c.sendAck()
		return
	}
	if c.peerFinSeen {
		c.sendAck()
		return
	}
	c.peerFinSeen = true
	c.rcvBuf.init(seqIncrement(finSeq))
	c.ledger.RecordReceived(seqIncrement(finSeq))

	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
		c.sendAck()
		c.notifyReadable(c.rcvBuf.Buffered())
	case StateFinWait1:
		c.sendAck()
		if c.finSent && isGreaterOrEqual(c.ledger.FirstUnacked(), seqIncrement(c.finSeq)) {
			c.enterTimeWait()
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.sendAck()
		c.enterTimeWait()
	default:
		c.sendAck()
	}
}

// finAcked reacts to the peer acknowledging our FIN.
func (c *Connection) finAcked() {
	switch c.state {
	case StateFinWait1:
		c.setState(StateFinWait2)
	case StateClosing, StateLastAck:
		c.timers.cancel(timerLastAck)
		c.enterTimeWait()
	}
}

// syncWindowScale applies the frozen negotiation outcome to the window
// ledger: a failed negotiation means both window fields are literal.
func (c *Connection) syncWindowScale() {
	c.wnd.setPeerScale(c.opts.PeerScale())
	if !c.opts.WindowScaleEnabled() {
		c.wnd.localScale = 0
	}
}

// enterTimeWait arms the 2xMSL quiescence period.
func (c *Connection) enterTimeWait() {
	c.setState(StateTimeWait)
	c.timers.arm(timerTimeWait, 2*c.config.msl, c.onTimeWaitTimeout)
}

// ---------------------------------------------------------------------
// Timer firings
// ---------------------------------------------------------------------

// onRetransmitTimeout is the loss path: notify the strategy, collapse
// the window, resend the oldest unacked segment and back the RTO off
// exponentially. The retry ceiling aborts the connection.
func (c *Connection) onRetransmitTimeout() {
	switch c.state {
	case StateSynSent, StateSynRcvd:
		c.onConnRetryTimeout()
		return
	case StateClosed, StateListen, StateTimeWait, StateLastAck:
		return
	}

	c.retryCount++
	if c.retryCount > c.config.dataRetries {
		c.abortWithError(ErrRetryExhausted)
		return
	}

	c.cc.OnLoss()
	c.syncCongestion()
	c.setAckState(AckLoss)
	c.recoverSeq = c.ledger.HighestSent()
	c.dupAckCount = 0

	entry, ok := c.history.Oldest()
	if !ok {
		return
	}
	c.logger.WithFields(logrus.Fields{"seq": entry.seq, "try": c.retryCount}).Debug("retransmission timeout")
	c.retransmitEntry(entry)
	c.backoffRTO()
	c.timers.arm(timerRetransmit, c.rto, c.onRetransmitTimeout)
}

// onConnRetryTimeout retries the handshake signal (SYN or SYN-ACK) up
// to the connection setup ceiling, then aborts.
func (c *Connection) onConnRetryTimeout() {
	c.retryCount++
	if c.retryCount > c.config.connectRetries {
		c.abortWithError(ErrRetryExhausted)
		return
	}
	c.backoffRTO()
	switch c.state {
	case StateSynSent:
		c.logger.WithField("try", c.retryCount).Debug("retrying SYN")
		c.resendHandshake(SYNFlag)
	case StateSynRcvd:
		c.logger.WithField("try", c.retryCount).Debug("retrying SYN-ACK")
		c.resendHandshake(SYNFlag | ACKFlag)
	}
	c.timers.arm(timerRetransmit, c.rto, c.onRetransmitTimeout)
}

// onPersistTimeout probes a zero window with a single byte, then
// reschedules itself with exponential backoff.
func (c *Connection) onPersistTimeout() {
	if c.wnd.PeerWindow() > 0 {
		return
	}
	probe := c.sndBuf.Range(c.ledger.NextToSend(), 1)
	if len(probe) == 1 {
		seg := c.buildSegment(c.ledger.NextToSend(), c.rcvBuf.NextSeq(), ACKFlag, probe)
		c.transmit(seg)
		seg.ReturnChunk()
	} else {
		// nothing queued: probe with a bare ack
		c.sendAck()
	}
	c.persistInterval *= 2
	c.timers.arm(timerPersist, c.persistInterval, c.onPersistTimeout)
}

func (c *Connection) onDelayedAckTimeout() {
	if c.delayedSegments > 0 {
		c.sendAck()
	}
}

// onLastAckTimeout resends the oldest outstanding segment, usually the
// FIN itself, until the teardown ceiling.
func (c *Connection) onLastAckTimeout() {
	if c.state != StateLastAck && c.state != StateClosing {
		return
	}
	c.retryCount++
	if c.retryCount > c.config.dataRetries {
		c.abortWithError(ErrRetryExhausted)
		return
	}
	if entry, ok := c.history.Oldest(); ok {
		c.retransmitEntry(entry)
	} else {
		c.resendFin()
	}
	c.backoffRTO()
	c.armLastAck()
}

func (c *Connection) onTimeWaitTimeout() {
	c.toClosed()
}

// ---------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------

// buildSegment assembles an outbound segment with the current advertised
// window and timestamp pair.
func (c *Connection) buildSegment(seq, ack uint32, flags uint8, payload []byte) *Segment {
	seg := &Segment{
		SrcAddr:    c.params.LocalAddr,
		DstAddr:    c.params.RemoteAddr,
		SrcPort:    uint16(c.params.LocalPort),
		DstPort:    uint16(c.params.RemotePort),
		Seq:        seq,
		Ack:        ack,
		Flags:      flags,
		WindowSize: c.wnd.AdvertisedWindow(c.rcvBuf.Free(), c.rcvBuf.NextSeq()),
	}
	c.opts.stampOutbound(&seg.Options, c.params.Clock.Now())
	if len(payload) > 0 {
		if err := seg.CopyToPayload(payload); err != nil {
			c.logger.WithError(err).Error("staging payload chunk")
			return seg
		}
	}
	return seg
}

func (c *Connection) transmit(seg *Segment) {
	c.params.Sender.Transmit(seg)
}

// sendAndTrack transmits a segment that occupies sequence space and
// records it for retransmission and RTT sampling.
func (c *Connection) sendAndTrack(seg *Segment) {
	c.transmit(seg)
	c.history.Append(seg, c.params.Clock.Now())
	c.ledger.RecordSend(uint32(seg.SeqSpace()))
	if !c.timers.pending(timerRetransmit) {
		c.armRetransmit()
	}
}

func (c *Connection) sendSyn() {
	seg := c.buildSegment(c.ledger.NextToSend(), 0, SYNFlag, nil)
	c.opts.buildHandshakeOptions(&seg.Options)
	c.sendAndTrack(seg)
}

func (c *Connection) sendSynAck() {
	seg := c.buildSegment(c.ledger.FirstUnacked(), c.rcvBuf.NextSeq(), SYNFlag|ACKFlag, nil)
	c.opts.buildHandshakeOptions(&seg.Options)
	if c.ledger.NextToSend() == c.ledger.FirstUnacked() {
		c.sendAndTrack(seg)
	} else {
		// retransmission of the SYN-ACK, already tracked
		if entry, ok := c.history.Oldest(); ok {
			entry.retransmitted = true
		}
		c.transmit(seg)
	}
}

// resendHandshake rebuilds the handshake signal without growing the
// history.
func (c *Connection) resendHandshake(flags uint8) {
	ack := uint32(0)
	if flags&ACKFlag != 0 {
		ack = c.rcvBuf.NextSeq()
	}
	seg := c.buildSegment(c.ledger.FirstUnacked(), ack, flags, nil)
	c.opts.buildHandshakeOptions(&seg.Options)
	if entry, ok := c.history.Oldest(); ok {
		entry.retransmitted = true
	}
	c.transmit(seg)
}

// sendAck emits a bare acknowledgment and resets the delayed ack state.
func (c *Connection) sendAck() {
	c.delayedSegments = 0
	c.timers.cancel(timerDelayedAck)
	seg := c.buildSegment(c.ledger.NextToSend(), c.rcvBuf.NextSeq(), ACKFlag, nil)
	c.transmit(seg)
}

func (c *Connection) sendFin() {
	if c.finSent {
		return
	}
	c.finSent = true
	c.finSeq = c.ledger.NextToSend()
	seg := c.buildSegment(c.finSeq, c.rcvBuf.NextSeq(), FINFlag|ACKFlag, nil)
	c.sendAndTrack(seg)
}

func (c *Connection) resendFin() {
	if !c.finSent {
		return
	}
	seg := c.buildSegment(c.finSeq, c.rcvBuf.NextSeq(), FINFlag|ACKFlag, nil)
	c.history.MarkRetransmitted(c.finSeq, c.params.Clock.Now())
	c.transmit(seg)
}

func (c *Connection) sendReset() {
	seg := c.buildSegment(c.ledger.NextToSend(), c.rcvBuf.NextSeq(), RSTFlag|ACKFlag, nil)
	c.transmit(seg)
}

// sendResetFor answers a segment that reached a connection with no
// matching state.
func (c *Connection) sendResetFor(seg *Segment) {
	rst := &Segment{
		SrcAddr: c.params.LocalAddr,
		DstAddr: seg.SrcAddr,
		SrcPort: uint16(c.params.LocalPort),
		DstPort: seg.SrcPort,
		Seq:     seg.Ack,
		Ack:     seqIncrementBy(seg.Seq, uint32(seg.SeqSpace())),
		Flags:   RSTFlag | ACKFlag,
	}
	c.transmit(rst)
}

// trySendData pushes queued bytes as far as the flow and congestion
// windows allow.
func (c *Connection) trySendData() {
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
	default:
		return
	}

	for {
		avail := c.wnd.AvailableWindow(c.cb, c.ledger, c.history.RetransmittedBytes())
		if avail <= 0 {
			c.managePersist()
			return
		}
		pending := c.sndBuf.BytesFrom(c.ledger.NextToSend())
		if pending <= 0 {
			return
		}
		size := c.cb.segmentSize
		if pending < size {
			size = pending
		}
		if avail < size {
			size = avail
		}
		// Nagle: hold a short segment while data is in flight
		if c.config.nagleEnabled && size < c.cb.segmentSize && c.history.Len() > 0 {
			return
		}

		payload := c.sndBuf.Range(c.ledger.NextToSend(), size)
		flags := uint8(ACKFlag)
		if size == pending {
			flags |= PSHFlag
		}
		seg := c.buildSegment(c.ledger.NextToSend(), c.rcvBuf.NextSeq(), flags, payload)
		c.delayedSegments = 0
		c.timers.cancel(timerDelayedAck) // data segments carry the ack
		c.sendAndTrack(seg)
	}
}

// retransmitEntry resends one history entry as-is and flags it so it
// never contributes an RTT sample again.
func (c *Connection) retransmitEntry(entry *historyEntry) {
	entry.retransmitted = true
	entry.sentAt = c.params.Clock.Now()
	c.transmit(entry.seg)
}

// managePersist arms the zero window probe when the peer closed its
// window while we still have data, and cancels it the moment the window
// reopens.
func (c *Connection) managePersist() {
	if c.wnd.PeerWindow() == 0 && c.sndBuf.BytesFrom(c.ledger.NextToSend()) > 0 {
		if !c.timers.pending(timerPersist) {
			c.persistInterval = c.config.persistTimeout
			c.timers.arm(timerPersist, c.persistInterval, c.onPersistTimeout)
		}
		return
	}
	c.timers.cancel(timerPersist)
}

func (c *Connection) armRetransmit() {
	c.timers.arm(timerRetransmit, c.currentRTO(), c.onRetransmitTimeout)
}

func (c *Connection) armLastAck() {
	c.timers.arm(timerLastAck, c.currentRTO(), c.onLastAckTimeout)
}

// currentRTO is the estimator's answer unless a backoff is in effect.
func (c *Connection) currentRTO() time.Duration {
	if c.rto > 0 {
		return c.rto
	}
	return c.rtt.RTO()
}

func (c *Connection) backoffRTO() {
	if c.rto == 0 {
		c.rto = c.rtt.RTO()
	}
	c.rto *= 2
}

// ---------------------------------------------------------------------
// Teardown and notifications
// ---------------------------------------------------------------------

// abortWithError resets the peer and surfaces the error, then releases
// everything.
func (c *Connection) abortWithError(err error) {
	c.logger.WithError(err).Warn("aborting connection")
	c.sendReset()
	c.notifyError(err)
	c.toClosed()
}

// toClosed releases timers and resources and notifies the application
// exactly once; repeated calls are no-ops.
func (c *Connection) toClosed() {
	if c.state == StateClosed && c.closedNotified {
		return
	}
	c.setState(StateClosed)
	c.timers.cancelAll()
	c.history.Release()
	if c.parent != nil {
		// unblock a later passive open from the same peer
		delete(c.parent.children, c.params.Key)
		c.parent = nil
	}
	if c.meta != nil {
		c.meta.subflowClosed(c)
	}
	if !c.closedNotified {
		c.closedNotified = true
		c.notifyClosed()
	}
}

func (c *Connection) notifyConnected() {
	if c.params.Callbacks.OnConnected != nil {
		c.params.Callbacks.OnConnected()
	}
}

func (c *Connection) notifyAccepted() {
	if c.params.Callbacks.OnAccepted != nil {
		c.params.Callbacks.OnAccepted(c)
	}
}

func (c *Connection) notifyClosed() {
	if c.params.Callbacks.OnClosed != nil {
		c.params.Callbacks.OnClosed()
	}
}

func (c *Connection) notifyError(err error) {
	if c.params.Callbacks.OnError != nil {
		c.params.Callbacks.OnError(err)
	}
}

func (c *Connection) notifyReadable(n int) {
	if c.params.Callbacks.OnReadable != nil {
		c.params.Callbacks.OnReadable(n)
	}
}
