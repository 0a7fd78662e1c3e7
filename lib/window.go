package lib

// maxAdvertisedWindow is the largest pre-scale window field value.
const maxAdvertisedWindow = 65535

// maxWindowScale caps the negotiable scale factor per RFC 7323.
const maxWindowScale = 14

// windowLedger tracks both flow control windows of a connection: the
// peer advertised receive window and our own advertised window, plus the
// scale factors negotiated at handshake time.
type windowLedger struct {
	peerWindow    uint32 // latest accepted peer window, post-scale bytes
	peerSeenSeq   uint32 // segment seq that carried the accepted update
	peerSeenAck   uint32 // segment ack that carried the accepted update
	localScale    uint8  // frozen after setup
	peerScale     uint8  // frozen after handshake
	grantedEdge    uint32 // right edge (seq) of the last advertised window
	allowShrink    bool
	everAdvertised bool
}

func newWindowLedger(recvBufCapacity int, scalingEnabled bool) *windowLedger {
	w := &windowLedger{}
	if scalingEnabled {
		w.localScale = deriveWindowScale(recvBufCapacity)
	}
	return w
}

// deriveWindowScale computes the local scale factor once, at setup, from
// the receive buffer capacity: the smallest shift that makes the buffer
// representable in a 16-bit window field, clamped to 14.
func deriveWindowScale(recvBufCapacity int) uint8 {
	var scale uint8
	for scale < maxWindowScale && (recvBufCapacity>>scale) > maxAdvertisedWindow {
		scale++
	}
	return scale
}

func (w *windowLedger) LocalScale() uint8 { return w.localScale }
func (w *windowLedger) PeerScale() uint8  { return w.peerScale }

// setPeerScale freezes the peer factor at handshake completion.
func (w *windowLedger) setPeerScale(scale uint8) {
	if scale > maxWindowScale {
		scale = maxWindowScale
	}
	w.peerScale = scale
}

// PeerWindow is the last accepted peer advertised window in bytes.
func (w *windowLedger) PeerWindow() int { return int(w.peerWindow) }

// UpdateWindowSize applies a peer window update carried by a segment.
// A stale or reordered segment must not override a better informed
// value, so the update is accepted only if the segment carries new data,
// acks new data, or strictly enlarges the recorded window.
func (w *windowLedger) UpdateWindowSize(seg *Segment, acksNewData, carriesNewData bool) bool {
	newWindow := uint32(seg.WindowSize) << w.peerScale
	switch {
	case carriesNewData, acksNewData, newWindow > w.peerWindow:
		w.peerWindow = newWindow
		w.peerSeenSeq = seg.Seq
		w.peerSeenAck = seg.Ack
		return true
	}
	return false
}

// setPeerWindow seeds the window from a SYN or SYN-ACK, before the
// acceptance rules apply. Handshake window fields are never scaled.
func (w *windowLedger) setPeerWindow(raw uint16) {
	w.peerWindow = uint32(raw)
}

// bytesInFlight is highestSent - firstUnacked, reduced by bytes the
// history already knows were retransmitted after a loss.
func (w *windowLedger) bytesInFlight(led *SequenceLedger, lostAdjust int) int {
	inFlight := int(seqDiff(led.HighestSent(), led.FirstUnacked())) - lostAdjust
	if inFlight < 0 {
		inFlight = 0
	}
	return inFlight
}

// AvailableWindow is min(cwnd, peer window) minus bytes in flight,
// clamped so it never goes negative.
func (w *windowLedger) AvailableWindow(cb *controlBlock, led *SequenceLedger, lostAdjust int) int {
	limit := cb.cwnd
	if int(w.peerWindow) < limit {
		limit = int(w.peerWindow)
	}
	avail := limit - w.bytesInFlight(led, lostAdjust)
	if avail < 0 {
		avail = 0
	}
	return avail
}

// AdvertisedWindow computes the pre-scale window field for an outbound
// segment from the free receive buffer capacity. The right edge of a
// granted window never retreats unless shrinking was explicitly
// permitted at configuration time.
func (w *windowLedger) AdvertisedWindow(freeRecvCapacity int, rcvNxt uint32) uint16 {
	wnd := freeRecvCapacity
	if maxBytes := maxAdvertisedWindow << w.localScale; wnd > maxBytes {
		wnd = maxBytes
	}
	edge := seqIncrementBy(rcvNxt, uint32(wnd))
	if w.everAdvertised && !w.allowShrink && isLess(edge, w.grantedEdge) {
		edge = w.grantedEdge
		wnd = int(seqDiff(edge, rcvNxt))
	}
	w.grantedEdge = edge
	w.everAdvertised = true
	return uint16(wnd >> w.localScale)
}
