package transport

// log methods render frames as qlog-style key=value fields, consumed by
// logFrame in log.go. Each starts with frame_type, matching
// https://quicwg.org/qlog/draft-ietf-quic-qlog-quic-events.html#section-3.3.9

func (s *paddingFrame) log(b []byte) []byte {
	return appendField(b, "frame_type", "padding")
}

func (s *pingFrame) log(b []byte) []byte {
	return appendField(b, "frame_type", "ping")
}

func (s *ackFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "ack")
	b = appendField(b, "ack_delay", s.ackDelay)
	b = appendField(b, "acked_ranges", s.toRangeSet())
	return b
}

func (s *resetStreamFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "reset_stream")
	b = appendField(b, "stream_id", s.streamID)
	b = appendField(b, "error_code", s.errorCode)
	b = appendField(b, "final_size", s.finalSize)
	return b
}

func (s *stopSendingFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "stop_sending")
	b = appendField(b, "stream_id", s.streamID)
	b = appendField(b, "error_code", s.errorCode)
	return b
}

func (s *cryptoFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "crypto")
	b = appendField(b, "offset", s.offset)
	b = appendField(b, "length", uint64(len(s.data)))
	return b
}

func (s *newTokenFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "new_token")
	b = appendField(b, "token", s.token)
	return b
}

func (s *streamFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "stream")
	b = appendField(b, "stream_id", s.streamID)
	b = appendField(b, "offset", s.offset)
	b = appendField(b, "length", uint64(len(s.data)))
	b = appendField(b, "fin", s.fin)
	return b
}

func (s *maxDataFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "max_data")
	b = appendField(b, "maximum", s.maximumData)
	return b
}

func (s *maxStreamDataFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "max_stream_data")
	b = appendField(b, "stream_id", s.streamID)
	b = appendField(b, "maximum", s.maximumData)
	return b
}

func streamTypeName(bidi bool) string {
	if bidi {
		return "bidirectional"
	}
	return "unidirectional"
}

func (s *maxStreamsFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "max_streams")
	b = appendField(b, "stream_type", streamTypeName(s.bidi))
	b = appendField(b, "maximum", s.maximumStreams)
	return b
}

func (s *dataBlockedFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "data_blocked")
	b = appendField(b, "limit", s.dataLimit)
	return b
}

func (s *streamDataBlockedFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "stream_data_blocked")
	b = appendField(b, "stream_id", s.streamID)
	b = appendField(b, "limit", s.dataLimit)
	return b
}

func (s *streamsBlockedFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "streams_blocked")
	b = appendField(b, "stream_type", streamTypeName(s.bidi))
	b = appendField(b, "limit", s.streamLimit)
	return b
}

func (s *newConnectionIDFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "new_connection_id")
	b = appendField(b, "sequence_number", s.sequenceNumber)
	b = appendField(b, "retire_prior_to", s.retirePriorTo)
	b = appendField(b, "connection_id", s.connectionID)
	return b
}

func (s *retireConnectionIDFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "retire_connection_id")
	b = appendField(b, "sequence_number", s.sequenceNumber)
	return b
}

func (s *pathChallengeFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "path_challenge")
	b = appendField(b, "data", s.data)
	return b
}

func (s *pathResponseFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "path_response")
	b = appendField(b, "data", s.data)
	return b
}

func (s *connectionCloseFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "connection_close")
	if s.application {
		b = appendField(b, "error_space", "application")
	} else {
		b = appendField(b, "error_space", "transport")
	}
	b = appendField(b, "error_code", errorCodeName(s.errorCode))
	b = appendField(b, "raw_error_code", s.errorCode)
	if !s.application {
		b = appendField(b, "trigger_frame_type", s.frameType)
	}
	if len(s.reasonPhrase) > 0 {
		b = appendField(b, "reason", string(s.reasonPhrase))
	}
	return b
}

func (s *handshakeDoneFrame) log(b []byte) []byte {
	return appendField(b, "frame_type", "handshake_done")
}

func (s *datagramFrame) log(b []byte) []byte {
	b = appendField(b, "frame_type", "datagram")
	b = appendField(b, "length", uint64(len(s.data)))
	return b
}
