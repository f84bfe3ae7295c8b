package transport

// EventType identifies the kind of Event delivered to the application via Conn.Events.
type EventType int

const (
	// EventConnOpen is sent once the handshake completes and the connection
	// becomes usable for application data.
	EventConnOpen EventType = iota
	// EventConnClosed is sent when the connection is fully closed and about
	// to be discarded.
	EventConnClosed
	// EventStreamOpen is sent when the peer opens a new stream.
	EventStreamOpen
	// EventStreamReadable is sent when a stream has readable data buffered.
	EventStreamReadable
	// EventStreamWritable is sent when a stream can accept more data.
	EventStreamWritable
	// EventStreamComplete is sent when all data written to a stream has been acknowledged.
	EventStreamComplete
	// EventStreamStop is sent when a STOP_SENDING frame was received for a stream.
	EventStreamStop
	// EventStreamReset is sent when a RESET_STREAM frame was received for a stream.
	EventStreamReset
	// EventStreamCreatable is sent when the peer raises the stream limit, allowing
	// new locally-initiated streams of the given directionality.
	EventStreamCreatable
	// EventDatagramWritable is sent when the connection can accept an unreliable datagram.
	EventDatagramWritable
	// EventDatagramReadable is sent when an unreliable datagram is available to read.
	EventDatagramReadable
)

func (k EventType) String() string {
	switch k {
	case EventConnOpen:
		return "conn_open"
	case EventConnClosed:
		return "conn_closed"
	case EventStreamOpen:
		return "stream_open"
	case EventStreamReadable:
		return "stream_readable"
	case EventStreamWritable:
		return "stream_writable"
	case EventStreamComplete:
		return "stream_complete"
	case EventStreamStop:
		return "stream_stop"
	case EventStreamReset:
		return "stream_reset"
	case EventStreamCreatable:
		return "stream_creatable"
	case EventDatagramWritable:
		return "datagram_writable"
	case EventDatagramReadable:
		return "datagram_readable"
	default:
		return "unknown"
	}
}

// Event is a single notification of something an application may want to act
// on: new readable data, available send credit, or a peer-initiated state
// change. Event is comparable so the connection can de-duplicate pending
// events cheaply before handing them to the application.
type Event struct {
	Type      EventType
	ID        uint64 // Stream ID, when Type refers to a stream.
	ErrorCode uint64
	Bidi      bool
}

func newEventConnOpen() Event {
	return Event{Type: EventConnOpen}
}

func newEventConnClosed() Event {
	return Event{Type: EventConnClosed}
}

func newEventStreamOpen(streamID uint64) Event {
	return Event{Type: EventStreamOpen, ID: streamID}
}

func newEventStreamReadable(streamID uint64) Event {
	return Event{Type: EventStreamReadable, ID: streamID}
}

func newEventStreamWritable(streamID uint64) Event {
	return Event{Type: EventStreamWritable, ID: streamID}
}

func newEventStreamComplete(streamID uint64) Event {
	return Event{Type: EventStreamComplete, ID: streamID}
}

func newEventStreamStop(streamID, errorCode uint64) Event {
	return Event{Type: EventStreamStop, ID: streamID, ErrorCode: errorCode}
}

func newEventStreamReset(streamID, errorCode uint64) Event {
	return Event{Type: EventStreamReset, ID: streamID, ErrorCode: errorCode}
}

func newEventStreamCreatable(bidi bool) Event {
	return Event{Type: EventStreamCreatable, Bidi: bidi}
}

func newEventDatagramWritable() Event {
	return Event{Type: EventDatagramWritable}
}

func newEventDatagramReadable() Event {
	return Event{Type: EventDatagramReadable}
}
