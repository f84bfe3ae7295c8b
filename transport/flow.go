package transport

import "fmt"

// flowControl tracks the send and receive limits for either a single stream
// or an entire connection, per https://www.rfc-editor.org/rfc/rfc9000.html#section-4
type flowControl struct {
	recvTotal   uint64 // Total bytes received from peer - updated when data is received.
	maxRecv     uint64 // Receiving limit announced to peer - updated when MAX_DATA/MAX_STREAM_DATA is sent.
	maxRecvNext uint64 // Receiving limit for next MAX_DATA/MAX_STREAM_DATA, updated as data is consumed.

	sendTotal   uint64 // Total bytes sent to peer - updated when data is sent successfully.
	maxSend     uint64 // Sending limit - updated when MAX_DATA/MAX_STREAM_DATA is received.
	sendBlocked bool   // Whether the connection needs to send DATA_BLOCKED or STREAM_DATA_BLOCKED.
}

func (s *flowControl) init(maxRecv, maxSend uint64) {
	s.maxRecv = maxRecv
	s.maxRecvNext = maxRecv
	s.maxSend = maxSend
}

// canRecv returns the number of bytes that can still be received.
func (s *flowControl) canRecv() uint64 {
	if s.maxRecv > s.recvTotal {
		return s.maxRecv - s.recvTotal
	}
	return 0
}

// addRecv adds to the number of bytes received.
// This is called when data is successfully received.
func (s *flowControl) addRecv(n uint64) {
	s.recvTotal += n
}

func (s *flowControl) setRecv(n uint64) {
	s.recvTotal = n
}

// addMaxRecvNext adds to the limit that will become effective at the next commit.
func (s *flowControl) addMaxRecvNext(n uint64) {
	s.maxRecvNext += n
}

// commitMaxRecv sets maxRecv to the current maxRecvNext.
func (s *flowControl) commitMaxRecv() {
	s.maxRecv = s.maxRecvNext
}

// shouldUpdateMaxRecv returns true if the peer should be sent a new
// MAX_DATA/MAX_STREAM_DATA frame.
// This happens when the new limit is at least double the amount of data
// that can still be received before blocking.
func (s *flowControl) shouldUpdateMaxRecv() bool {
	return s.maxRecvNext > s.maxRecv && s.maxRecv >= s.recvTotal &&
		(s.maxRecv-s.recvTotal) < s.maxRecvNext/2
}

// canSend returns the number of bytes that can still be sent.
func (s *flowControl) canSend() uint64 {
	if s.maxSend > s.sendTotal {
		return s.maxSend - s.sendTotal
	}
	return 0
}

// addSend adds n to the total bytes sent.
func (s *flowControl) addSend(n int) {
	s.sendTotal += uint64(n)
}

// setSend sets the total bytes sent.
func (s *flowControl) setSend(n uint64) {
	s.sendTotal = n
}

// setMaxSend updates the maximum number of bytes that can be sent.
func (s *flowControl) setMaxSend(n uint64) {
	if n > s.maxSend {
		s.maxSend = n
	}
}

// setSendBlocked records whether the peer needs a blocked notification.
func (s *flowControl) setSendBlocked(blocked bool) {
	s.sendBlocked = blocked
}

func (s *flowControl) String() string {
	return fmt.Sprintf("recv=%d maxRecv=%d maxRecvNext=%d send=%d maxSend=%d sendBlocked=%v",
		s.recvTotal, s.maxRecv, s.maxRecvNext, s.sendTotal, s.maxSend, s.sendBlocked)
}
