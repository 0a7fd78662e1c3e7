package lib

import "time"

// historyEntry records one transmitted segment for retransmission and
// RTT sampling. Entries are ordered by sequence number and owned
// exclusively by their connection.
type historyEntry struct {
	seq           uint32
	length        int
	sentAt        time.Time
	retransmitted bool
	seg           *Segment // retained until retired so it can be resent as-is
}

// sentHistory is the per connection transmit history. Entries are
// appended on send, retired on cumulative ack and dropped on timeout
// driven loss accounting.
type sentHistory struct {
	entries []*historyEntry
}

func newSentHistory() *sentHistory {
	return &sentHistory{}
}

func (h *sentHistory) Len() int { return len(h.entries) }

// Append records a freshly transmitted segment. Callers append in
// sequence order, so the slice stays sorted.
func (h *sentHistory) Append(seg *Segment, now time.Time) {
	h.entries = append(h.entries, &historyEntry{
		seq:    seg.Seq,
		length: seg.SeqSpace(),
		sentAt: now,
		seg:    seg,
	})
}

// Oldest returns the entry covering the oldest unacked sequence.
func (h *sentHistory) Oldest() (*historyEntry, bool) {
	if len(h.entries) == 0 {
		return nil, false
	}
	return h.entries[0], true
}

// MarkRetransmitted flags the entry at seq. A flagged entry never
// produces an RTT sample (Karn's algorithm): when a retransmitted
// segment is acked there is no telling which transmission the ack
// belongs to.
func (h *sentHistory) MarkRetransmitted(seq uint32, now time.Time) {
	for _, e := range h.entries {
		if e.seq == seq {
			e.retransmitted = true
			e.sentAt = now
			return
		}
	}
}

// RetireThrough removes every entry fully covered by ack. It returns
// the RTT samples contributed by never-retransmitted entries.
func (h *sentHistory) RetireThrough(ack uint32, now time.Time) []time.Duration {
	var samples []time.Duration
	keep := h.entries[:0]
	for _, e := range h.entries {
		end := seqIncrementBy(e.seq, uint32(e.length))
		if isLessOrEqual(end, ack) {
			if !e.retransmitted {
				samples = append(samples, now.Sub(e.sentAt))
			}
			e.seg.ReturnChunk()
			continue
		}
		keep = append(keep, e)
	}
	h.entries = keep
	return samples
}

// Release drops all entries without sampling; used on abort.
func (h *sentHistory) Release() {
	for _, e := range h.entries {
		e.seg.ReturnChunk()
	}
	h.entries = nil
}

// RetransmittedBytes reports bytes already resent and still unacked,
// which the flow ledger subtracts from the in-flight estimate.
func (h *sentHistory) RetransmittedBytes() int {
	n := 0
	for _, e := range h.entries {
		if e.retransmitted {
			n += e.length
		}
	}
	return n
}
