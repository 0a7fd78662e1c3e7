package lib

import "github.com/pkg/errors"

// Error classes surfaced to the application. Protocol level anomalies
// (out of range segments, disallowed options, stale window updates) are
// absorbed inside the engine and never reach these.
var (
	// ErrRetryExhausted is reported when the connection setup,
	// retransmission or last-ack retry ceiling is exceeded. The
	// connection is reset and released.
	ErrRetryExhausted = errors.New("retry ceiling exceeded")

	// ErrPeerReset is reported when the peer aborts the connection
	// with an RST segment.
	ErrPeerReset = errors.New("connection reset by peer")

	// ErrSendBufferFull is the backpressure signal of Send.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrInvalidStateTransition is returned when a local call is not
	// legal in the current connection state, e.g. Connect on anything
	// but a CLOSED connection.
	ErrInvalidStateTransition = errors.New("operation not valid in current state")

	// ErrSubflowRestricted is returned when a connection cannot join a
	// multipath coordinator: wrong state, no negotiated capability,
	// mismatched peer key, or an existing coordinator binding.
	ErrSubflowRestricted = errors.New("connection not eligible as a subflow")
)
