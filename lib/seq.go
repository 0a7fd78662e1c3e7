package lib

import "github.com/pkg/errors"

func seqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo operation included
}

func seqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc // implicit modulo operation included
}

// SEQ compare functions with SEQ wraparound in mind (RFC 1982 serial
// arithmetic): a is greater than b when the signed distance from b to a
// is positive.
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

// seqDiff returns seq1 - seq2 in sequence space. Callers must know that
// seq1 is not behind seq2 by more than half the sequence space.
func seqDiff(seq1, seq2 uint32) uint32 {
	return seq1 - seq2
}

// SequenceLedger tracks the local send marks and the peer receive marks
// of one connection. The send side invariant
//
//	firstUnacked <= nextToSend <= highestSent
//
// holds for every observable state; Advance* methods enforce it.
type SequenceLedger struct {
	firstUnacked uint32 // oldest byte not yet cumulatively acked
	nextToSend   uint32 // sequence number of the next outgoing byte
	highestSent  uint32 // right edge of everything ever sent

	highestReceived uint32 // right edge of in-order data received from the peer
	highestAckSeen  uint32 // largest ack number received from the peer
}

// newSequenceLedger seeds all local marks with the initial send sequence.
func newSequenceLedger(iss uint32) *SequenceLedger {
	return &SequenceLedger{
		firstUnacked: iss,
		nextToSend:   iss,
		highestSent:  iss,
	}
}

func (l *SequenceLedger) FirstUnacked() uint32    { return l.firstUnacked }
func (l *SequenceLedger) NextToSend() uint32      { return l.nextToSend }
func (l *SequenceLedger) HighestSent() uint32     { return l.highestSent }
func (l *SequenceLedger) HighestReceived() uint32 { return l.highestReceived }
func (l *SequenceLedger) HighestAckSeen() uint32  { return l.highestAckSeen }

// RecordSend advances nextToSend by n bytes and pushes highestSent
// forward when new territory is covered. Retransmissions are replayed
// from the sent history and never pass through here, so highestSent
// only moves for new data.
func (l *SequenceLedger) RecordSend(n uint32) {
	l.nextToSend = seqIncrementBy(l.nextToSend, n)
	if isGreater(l.nextToSend, l.highestSent) {
		l.highestSent = l.nextToSend
	}
}

// AdvanceAck moves firstUnacked up to ack. It returns the number of
// newly acknowledged bytes, or an error when ack lies outside
// (firstUnacked, highestSent].
func (l *SequenceLedger) AdvanceAck(ack uint32) (uint32, error) {
	if isLessOrEqual(ack, l.firstUnacked) {
		return 0, nil // duplicate or old ack
	}
	if isGreater(ack, l.highestSent) {
		return 0, errors.Errorf("ack %d beyond highest sent %d", ack, l.highestSent)
	}
	acked := seqDiff(ack, l.firstUnacked)
	l.firstUnacked = ack
	return acked, nil
}

// RecordAckSeen keeps the high water mark of acks received from the peer.
func (l *SequenceLedger) RecordAckSeen(ack uint32) {
	if isGreater(ack, l.highestAckSeen) {
		l.highestAckSeen = ack
	}
}

// RecordReceived pushes the right edge of in-order received data.
func (l *SequenceLedger) RecordReceived(edge uint32) {
	if isGreater(edge, l.highestReceived) {
		l.highestReceived = edge
	}
}

// checkInvariant is used by tests after every observable step.
func (l *SequenceLedger) checkInvariant() error {
	if !isLessOrEqual(l.firstUnacked, l.nextToSend) {
		return errors.Errorf("ledger invariant: firstUnacked %d > nextToSend %d", l.firstUnacked, l.nextToSend)
	}
	if !isLessOrEqual(l.nextToSend, l.highestSent) {
		return errors.Errorf("ledger invariant: nextToSend %d > highestSent %d", l.nextToSend, l.highestSent)
	}
	return nil
}
