package lib

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maybeUpgradeMultipath promotes a connection whose handshake negotiated
// the multipath capability into the first subflow of a fresh
// coordinator. External handles keep pointing at the connection; its
// application facing calls resolve to the coordinator from here on.
func (c *Connection) maybeUpgradeMultipath() {
	if c.meta != nil || !c.config.multipathEnabled || !c.opts.MultipathEnabled() {
		return
	}
	c.meta = newCoordinator(c)
}

// Subflow is one connection owned by a coordinator. Ownership of the
// connection's mutable state (ledger, buffers, timers) transfers here at
// attach time; the coordinator alone drives teardown.
type Subflow struct {
	id   int
	conn *Connection
}

func (s *Subflow) ID() int            { return s.id }
func (s *Subflow) Conn() *Connection  { return s.conn }
func (s *Subflow) State() ConnectionState { return s.conn.state }

// availableWindow is the subflow's current send capacity, the scheduler
// input.
func (s *Subflow) availableWindow() int {
	c := s.conn
	avail := c.wnd.AvailableWindow(c.cb, c.ledger, c.history.RetransmittedBytes())
	if free := c.sndBuf.Free(); free < avail {
		avail = free
	}
	return avail
}

// Coordinator owns the subflows of one multipath connection. It is the
// application facing endpoint once the upgrade happened: send, receive
// and close all run through it, and it aggregates the per subflow state
// into one view.
type Coordinator struct {
	token    uint64
	localKey uint64
	peerKey  uint64
	subflows []*Subflow
	nextID   int
	closing  bool
	logger   *logrus.Entry
}

// newCoordinator wraps an upgraded connection as subflow zero.
func newCoordinator(first *Connection) *Coordinator {
	m := &Coordinator{
		token:    first.opts.Token(),
		localKey: first.opts.localKey,
		peerKey:  first.opts.peerKey,
		logger:   logrus.WithField("mptoken", first.opts.Token()),
	}
	m.attach(first)
	m.logger.Debug("multipath coordinator created")
	return m
}

func (m *Coordinator) attach(conn *Connection) *Subflow {
	sub := &Subflow{id: m.nextID, conn: conn}
	m.nextID++
	m.subflows = append(m.subflows, sub)
	conn.meta = m
	return sub
}

// Token is the connection level identifier derived from the local key.
func (m *Coordinator) Token() uint64 { return m.token }

// Subflows returns the live subflow set.
func (m *Coordinator) Subflows() []*Subflow { return m.subflows }

// Primary is subflow zero's connection, nil once it closed.
func (m *Coordinator) Primary() *Connection {
	for _, s := range m.subflows {
		if s.id == 0 {
			return s.conn
		}
	}
	return nil
}

// AddSubflow joins an established connection to this coordinator. The
// connection must have negotiated the multipath capability against the
// same peer key; anything else is restricted.
func (m *Coordinator) AddSubflow(conn *Connection) (*Subflow, error) {
	if m.closing {
		return nil, errors.Wrap(ErrSubflowRestricted, "coordinator is closing")
	}
	if conn.state != StateEstablished {
		return nil, errors.Wrapf(ErrSubflowRestricted, "subflow join in state %s", conn.state)
	}
	if !conn.opts.MultipathEnabled() {
		return nil, errors.Wrap(ErrSubflowRestricted, "multipath capability not negotiated")
	}
	if conn.opts.peerKey != m.peerKey {
		return nil, errors.Wrap(ErrSubflowRestricted, "peer key mismatch")
	}
	if conn.meta == m {
		return nil, errors.Wrap(ErrSubflowRestricted, "connection already owned by this coordinator")
	}
	if conn.meta != nil {
		// a joining connection upgraded into its own single subflow
		// coordinator at handshake time; that candidacy ends here
		if len(conn.meta.subflows) > 1 {
			return nil, errors.Wrap(ErrSubflowRestricted, "connection already owned by a coordinator")
		}
		conn.meta.subflowClosed(conn)
	}
	sub := m.attach(conn)
	m.logger.WithField("subflow", sub.id).Debug("subflow attached")
	return sub, nil
}

// Send schedules application bytes onto the subflow with the most send
// capacity.
func (m *Coordinator) Send(data []byte) (int, error) {
	var best *Subflow
	bestAvail := 0
	for _, s := range m.subflows {
		switch s.conn.state {
		case StateEstablished, StateCloseWait:
		default:
			continue
		}
		if avail := s.availableWindow(); best == nil || avail > bestAvail {
			best, bestAvail = s, avail
		}
	}
	if best == nil {
		return 0, errors.Wrap(ErrClosed, "no writable subflow")
	}
	return best.conn.send(data)
}

// Receive drains in-order bytes across the subflows, lowest id first.
func (m *Coordinator) Receive(buf []byte) (int, error) {
	total := 0
	for _, s := range m.subflows {
		if total == len(buf) {
			break
		}
		n, err := s.conn.receive(buf[total:])
		if err != nil && total == 0 && len(m.subflows) == 1 {
			return 0, err
		}
		total += n
	}
	if total == 0 && len(m.subflows) == 0 {
		return 0, ErrClosed
	}
	return total, nil
}

// Close tears down every subflow. Subflows never initiate teardown on
// their own; this is the single entry point.
func (m *Coordinator) Close() error {
	if m.closing {
		return nil
	}
	m.closing = true
	for _, s := range m.subflows {
		if err := s.conn.closeLocal(); err != nil {
			m.logger.WithError(err).WithField("subflow", s.id).Warn("subflow close failed")
		}
	}
	return nil
}

// subflowClosed detaches a subflow that reached CLOSED.
func (m *Coordinator) subflowClosed(conn *Connection) {
	keep := m.subflows[:0]
	for _, s := range m.subflows {
		if s.conn != conn {
			keep = append(keep, s)
		}
	}
	m.subflows = keep
	conn.meta = nil
}

// InFlight aggregates unacked bytes across the subflows.
func (m *Coordinator) InFlight() int {
	total := 0
	for _, s := range m.subflows {
		c := s.conn
		total += c.wnd.bytesInFlight(c.ledger, c.history.RetransmittedBytes())
	}
	return total
}

// Buffered aggregates readable bytes across the subflows.
func (m *Coordinator) Buffered() int {
	total := 0
	for _, s := range m.subflows {
		total += s.conn.rcvBuf.Buffered()
	}
	return total
}
