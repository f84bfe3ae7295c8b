package transport

import (
	"bytes"
	"strconv"
	"time"
)

// Supported log event types, named after
// https://quicwg.org/qlog/draft-ietf-quic-qlog-quic-events.html
const (
	logEventStateUpdated       = "connection_state_updated"
	logEventPacketReceived     = "packet_received"
	logEventPacketSent         = "packet_sent"
	logEventPacketDropped      = "packet_dropped"
	logEventPacketLost         = "packet_lost"
	logEventFramesProcessed    = "frames_processed"
	logEventStreamStateUpdated = "stream_state_updated"
	logEventParametersSet      = "parameters_set"
	logEventMetricsUpdated     = "metrics_updated"
	logEventLossTimerUpdated   = "loss_timer_updated"
)

// Packet dropped triggers.
// https://quicwg.org/qlog/draft-ietf-quic-qlog-quic-events.html#section-3.3.7
const (
	logTriggerKeyUnavailable      = "key_unavailable"
	logTriggerUnknownConnectionID = "unknown_connection_id"
	logTriggerHeaderDecryptError  = "header_decrypt_error"
	logTriggerPayloadDecryptError = "payload_decrypt_error"
	logTriggerUnexpectedPacket    = "unexpected_packet"
	logTriggerDuplicate           = "duplicate"
	logTriggerUnsupportedVersion  = "unsupported_version"
)

const hexTable = "0123456789abcdef"

// logger logs state in key=value pairs.
type logger interface {
	log([]byte) []byte
}

// LogEvent is an event emitted by a Conn.
// Applications must not retain Data as it is backed by an internal buffer
// that is reused by the next event.
type LogEvent struct {
	Time time.Time
	Type string
	Data []byte
}

// newLogEvent creates a new LogEvent.
func newLogEvent(tm time.Time, typ string) LogEvent {
	return LogEvent{
		Time: tm,
		Type: typ,
		Data: make([]byte, 0, 128),
	}
}

// addField adds a key-value field to the current event.
// Only a limited set of types for v are supported.
func (s *LogEvent) addField(k string, v interface{}) {
	s.Data = appendField(s.Data, k, v)
}

// resetFields clears accumulated fields so the event can be reused
// for a different field set while keeping Time and Type.
func (s *LogEvent) resetFields() {
	s.Data = s.Data[:0]
}

func (s LogEvent) String() string {
	w := bytes.Buffer{}
	w.WriteString(s.Time.Format(time.RFC3339))
	w.WriteString(" ")
	w.WriteString(s.Type)
	w.WriteString(" ")
	w.Write(s.Data)
	return w.String()
}

func appendField(b []byte, key string, val interface{}) []byte {
	if len(b) > 0 {
		b = append(b, ' ')
	}
	b = append(b, key...)
	b = append(b, '=')
	return appendFieldValue(b, val)
}

func appendFieldValue(b []byte, val interface{}) []byte {
	switch val := val.(type) {
	case int:
		b = strconv.AppendInt(b, int64(val), 10)
	case int8:
		b = strconv.AppendInt(b, int64(val), 10)
	case int16:
		b = strconv.AppendInt(b, int64(val), 10)
	case int32:
		b = strconv.AppendInt(b, int64(val), 10)
	case int64:
		b = strconv.AppendInt(b, val, 10)
	case uint:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint8:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint16:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint32:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint64:
		b = strconv.AppendUint(b, val, 10)
	case bool:
		b = strconv.AppendBool(b, val)
	case string:
		b = append(b, val...)
	case []byte:
		for _, v := range val {
			b = append(b, hexTable[v>>4])
			b = append(b, hexTable[v&0x0f])
		}
	case []uint32:
		b = append(b, '[')
		for i, v := range val {
			if i > 0 {
				b = append(b, ',')
			}
			b = strconv.AppendUint(b, uint64(v), 10)
		}
		b = append(b, ']')
	case time.Duration:
		b = strconv.AppendInt(b, int64(val/time.Millisecond), 10)
	case rangeSet:
		b = append(b, '[')
		for i, v := range val {
			if i > 0 {
				b = append(b, ',')
			}
			b = append(b, '[')
			b = strconv.AppendUint(b, v.start, 10)
			b = append(b, ',')
			b = strconv.AppendUint(b, v.end, 10)
			b = append(b, ']')
		}
		b = append(b, ']')
	default:
		b = append(b, "<unsupported_type>"...)
	}
	return b
}

// logTrigger records why a packet was dropped.
func logTrigger(e *LogEvent, trigger string) {
	e.addField("trigger", trigger)
}

// Log connection state

func logConnectionState(e *LogEvent, old, new ConnectionState) {
	e.addField("old", old.String())
	e.addField("new", new.String())
}

func newLogEventConnectionState(tm time.Time, old, new ConnectionState) LogEvent {
	e := newLogEvent(tm, logEventStateUpdated)
	logConnectionState(&e, old, new)
	return e
}

// Log packets

func logPacket(e *LogEvent, s *packet) {
	e.Data = s.log(e.Data)
}

func newLogEventPacket(tm time.Time, typ string, p *packet) LogEvent {
	e := newLogEvent(tm, typ)
	logPacket(&e, p)
	return e
}

func logParameters(e *LogEvent, p *Parameters) {
	e.addField("owner", "remote") // Log peer's parameters only
	e.Data = p.log(e.Data)
}

func newLogEventParametersSet(tm time.Time, p *Parameters) LogEvent {
	e := newLogEvent(tm, logEventParametersSet)
	logParameters(&e, p)
	return e
}

// Log frames

// FIXME: Even all frames implement logger interface, we still use
// type check here to avoid moving f to heap.
func logFrame(e *LogEvent, f frame) {
	switch f := f.(type) {
	case *paddingFrame:
		e.Data = f.log(e.Data)
	case *pingFrame:
		e.Data = f.log(e.Data)
	case *ackFrame:
		e.Data = f.log(e.Data)
	case *resetStreamFrame:
		e.Data = f.log(e.Data)
	case *stopSendingFrame:
		e.Data = f.log(e.Data)
	case *cryptoFrame:
		e.Data = f.log(e.Data)
	case *newTokenFrame:
		e.Data = f.log(e.Data)
	case *streamFrame:
		e.Data = f.log(e.Data)
	case *maxDataFrame:
		e.Data = f.log(e.Data)
	case *maxStreamDataFrame:
		e.Data = f.log(e.Data)
	case *maxStreamsFrame:
		e.Data = f.log(e.Data)
	case *dataBlockedFrame:
		e.Data = f.log(e.Data)
	case *streamDataBlockedFrame:
		e.Data = f.log(e.Data)
	case *streamsBlockedFrame:
		e.Data = f.log(e.Data)
	case *newConnectionIDFrame:
		e.Data = f.log(e.Data)
	case *retireConnectionIDFrame:
		e.Data = f.log(e.Data)
	case *pathChallengeFrame:
		e.Data = f.log(e.Data)
	case *pathResponseFrame:
		e.Data = f.log(e.Data)
	case *connectionCloseFrame:
		e.Data = f.log(e.Data)
	case *handshakeDoneFrame:
		e.Data = f.log(e.Data)
	case *datagramFrame:
		e.Data = f.log(e.Data)
	}
}

func newLogEventFrame(tm time.Time, typ string, f frame) LogEvent {
	e := newLogEvent(tm, typ)
	logFrame(&e, f)
	return e
}

// Recovery

func logRecovery(e *LogEvent, s *lossRecovery) {
	e.Data = s.log(e.Data)
}

func newLogEventRecovery(tm time.Time, s *lossRecovery) LogEvent {
	e := newLogEvent(tm, logEventMetricsUpdated)
	logRecovery(&e, s)
	return e
}

func logLossTimer(e *LogEvent, s *lossRecovery) {
	e.Data = s.logLossTimer(e.Data, e.Time)
}

func logStreamClosed(e *LogEvent, id uint64) {
	e.addField("stream_id", id)
	e.addField("new", "closed")
}

func newLogEventStreamClosed(tm time.Time, id uint64) LogEvent {
	e := newLogEvent(tm, logEventStreamStateUpdated)
	logStreamClosed(&e, id)
	return e
}
