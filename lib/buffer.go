package lib

import "sort"

// sendBuffer stores bytes the application queued but the peer has not
// acknowledged yet. Bytes are addressed by absolute sequence number;
// the base moves forward as cumulative acks arrive.
type sendBuffer struct {
	data     []byte
	capacity int
	baseSeq  uint32 // sequence number of data[0]
}

func newSendBuffer(capacity int, iss uint32) *sendBuffer {
	return &sendBuffer{
		capacity: capacity,
		baseSeq:  seqIncrement(iss), // first data byte follows the SYN
	}
}

func (b *sendBuffer) Free() int { return b.capacity - len(b.data) }
func (b *sendBuffer) Len() int  { return len(b.data) }

// Append queues as much of data as fits and returns the accepted byte
// count. Zero free capacity is the backpressure condition.
func (b *sendBuffer) Append(data []byte) int {
	free := b.Free()
	if free <= 0 {
		return 0
	}
	if len(data) > free {
		data = data[:free]
	}
	b.data = append(b.data, data...)
	return len(data)
}

// BytesFrom reports how many queued bytes start at or after seq.
func (b *sendBuffer) BytesFrom(seq uint32) int {
	off := int(seqDiff(seq, b.baseSeq))
	if off < 0 || off > len(b.data) {
		return 0
	}
	return len(b.data) - off
}

// Range returns a view of n bytes starting at seq. Callers copy it into
// a payload chunk before the buffer mutates.
func (b *sendBuffer) Range(seq uint32, n int) []byte {
	off := int(seqDiff(seq, b.baseSeq))
	if off < 0 || off >= len(b.data) {
		return nil
	}
	if off+n > len(b.data) {
		n = len(b.data) - off
	}
	return b.data[off : off+n]
}

// ReleaseThrough drops every byte below ack.
func (b *sendBuffer) ReleaseThrough(ack uint32) {
	n := int(seqDiff(ack, b.baseSeq))
	if n <= 0 {
		return
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	b.data = b.data[n:]
	b.baseSeq = seqIncrementBy(b.baseSeq, uint32(n))
}

// recvBuffer reassembles inbound payload bytes. In-order data is queued
// for the application; out-of-order segments are stashed by sequence
// number until the gap fills.
type recvBuffer struct {
	data     []byte // in-order, not yet read by the application
	capacity int
	rcvNxt   uint32 // next expected sequence number
	ooo      map[uint32][]byte
}

func newRecvBuffer(capacity int) *recvBuffer {
	return &recvBuffer{
		capacity: capacity,
		ooo:      make(map[uint32][]byte),
	}
}

func (b *recvBuffer) init(rcvNxt uint32) { b.rcvNxt = rcvNxt }

func (b *recvBuffer) Free() int      { return b.capacity - len(b.data) }
func (b *recvBuffer) Buffered() int  { return len(b.data) }
func (b *recvBuffer) NextSeq() uint32 { return b.rcvNxt }

// Offer hands an inbound payload to the buffer.
//
//	accepted:  at least part of the segment was stored
//	advanced:  rcvNxt moved (in-order data became available)
//	immediate: duplicate or out-of-order arrival, ack at once
func (b *recvBuffer) Offer(seq uint32, payload []byte) (accepted, advanced, immediate bool) {
	if len(payload) == 0 {
		return false, false, false
	}
	end := seqIncrementBy(seq, uint32(len(payload)))
	if isLessOrEqual(end, b.rcvNxt) {
		// complete duplicate, re-ack so the peer stops resending
		return false, false, true
	}
	if isLess(seq, b.rcvNxt) {
		// partial overlap, keep only the new tail
		payload = payload[seqDiff(b.rcvNxt, seq):]
		seq = b.rcvNxt
	}

	if seq == b.rcvNxt {
		if len(payload) > b.Free() {
			// receive buffer full: drop, sender retransmission recovers
			return false, false, false
		}
		b.data = append(b.data, payload...)
		b.rcvNxt = seqIncrementBy(b.rcvNxt, uint32(len(payload)))
		b.drainOutOfOrder()
		return true, true, false
	}

	// out of order: stash a copy and force an immediate duplicate ack
	if _, dup := b.ooo[seq]; !dup && len(payload) <= b.Free() {
		stash := make([]byte, len(payload))
		copy(stash, payload)
		b.ooo[seq] = stash
	}
	return true, false, true
}

// drainOutOfOrder folds stashed segments that became contiguous.
func (b *recvBuffer) drainOutOfOrder() {
	for {
		payload, ok := b.ooo[b.rcvNxt]
		if !ok {
			return
		}
		delete(b.ooo, b.rcvNxt)
		if len(payload) > b.Free() {
			return
		}
		b.data = append(b.data, payload...)
		b.rcvNxt = seqIncrementBy(b.rcvNxt, uint32(len(payload)))
	}
}

// Read moves buffered in-order bytes to the application.
func (b *recvBuffer) Read(buf []byte) int {
	n := copy(buf, b.data)
	b.data = b.data[n:]
	return n
}

// pendingSeqs lists stashed out-of-order sequence numbers, ascending.
// Used by tests and the connection teardown path.
func (b *recvBuffer) pendingSeqs() []uint32 {
	seqs := make([]uint32, 0, len(b.ooo))
	for seq := range b.ooo {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return isLess(seqs[i], seqs[j]) })
	return seqs
}
