package lib

import "time"

// The five connection timers. Each follows a strict cancel before
// reschedule discipline: at most one pending firing per timer at any
// simulated instant.
type timerKind int

const (
	timerRetransmit timerKind = iota
	timerPersist
	timerDelayedAck
	timerLastAck
	timerTimeWait
	timerCount
)

var timerNames = [timerCount]string{
	"retransmit", "persist", "delayedAck", "lastAck", "timeWait",
}

func (k timerKind) String() string { return timerNames[k] }

// timerSet owns the five named timers of one connection. Tokens are
// connection local; the clock detects stale firings after cancellation.
type timerSet struct {
	clock  Clock
	tokens [timerCount]TimerToken
}

func newTimerSet(clock Clock) *timerSet {
	return &timerSet{clock: clock}
}

// arm cancels any outstanding firing for the timer and schedules a new
// one, so re-arming invalidates the previously issued token.
func (t *timerSet) arm(kind timerKind, delay time.Duration, fn func()) {
	t.cancel(kind)
	t.tokens[kind] = t.clock.Schedule(delay, func() {
		t.tokens[kind] = 0
		fn()
	})
}

func (t *timerSet) cancel(kind timerKind) {
	if t.tokens[kind] != 0 {
		t.clock.Cancel(t.tokens[kind])
		t.tokens[kind] = 0
	}
}

func (t *timerSet) pending(kind timerKind) bool {
	return t.tokens[kind] != 0
}

// cancelAll releases every timer; used on transition to CLOSED.
func (t *timerSet) cancelAll() {
	for k := timerKind(0); k < timerCount; k++ {
		t.cancel(k)
	}
}
