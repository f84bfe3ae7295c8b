package quic

import "errors"

// Sentinel errors returned by Stream and Datagram read/write operations.
var (
	// errClosed is returned when the stream, datagram or connection has
	// already been closed.
	errClosed = errors.New("quic: closed")
	// errDeadlineExceeded is returned when a read or write deadline set via
	// SetDeadline/SetReadDeadline/SetWriteDeadline elapses before data
	// becomes available.
	errDeadlineExceeded = errors.New("quic: deadline exceeded")
	// errWait is an internal sentinel sent over dataBuffer.resultCh to tell
	// the caller that no data could be delivered yet and it must wait on
	// waitCh instead. It is never returned to application code.
	errWait = errors.New("quic: wait")
)
