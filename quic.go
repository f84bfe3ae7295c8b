// Package quic provides a client and server for QUIC connections built on
// top of the transport package, which implements the wire protocol.
//
// Every connection multiplexed over one socket is driven by a single loop
// goroutine (localConn.run), started once when the Client/Server is
// constructed. That loop is the sole writer of every attached Conn's
// transport.Conn state: it owns the socket's receive path, services
// application commands, and advances whichever connection's retransmission
// timer is soonest. The only other goroutines involved are the blocking
// socket reader (Serve, unavoidable since Go has no portable non-blocking
// multiplexed recvfrom) and one stateless per-connection relay goroutine
// that forwards a Conn's cmdCh onto the loop's shared command channel, so
// that Stream and Datagram can keep handing off work through a plain
// per-Conn channel. Application code interacts with streams and datagrams
// from any other goroutine through Stream and Datagram, which hand off work
// to the loop via cmdCh and block for a result.
package quic

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quicweave/quic/transport"
)

const (
	maxDatagramSize = transport.MaxIPv6PacketSize
	bufferSize      = 1536
	maxTokenLen     = 64 + transport.MaxCIDLength
	// cidLength is the length of connection IDs this package generates and
	// expects on short header packets.
	cidLength = transport.MaxCIDLength
)

// command identifies the kind of work requested of the Conn goroutine via cmdCh.
type command int

const (
	cmdStreamRead command = iota
	cmdStreamWrite
	cmdStreamClose
	cmdStreamCloseRead
	cmdStreamCloseWrite
	cmdDatagramRead
	cmdDatagramWrite
)

// connCommand is sent on Conn.cmdCh to ask the loop goroutine to service a
// blocked Stream or Datagram call. conn is filled in by the per-connection
// relay goroutine as the command is forwarded onto the shared loop channel;
// Stream and Datagram never set it themselves.
type connCommand struct {
	cmd  command
	id   uint64 // Stream ID, unused for datagram commands.
	n    uint64 // Error code for close commands.
	conn *Conn
}

// recvPacket pairs a decoded packet with the Conn it targets, so the single
// loop goroutine can service every connection's receive path from one
// shared channel instead of one per connection.
type recvPacket struct {
	conn *Conn
	p    *packet
}

// Handler handles events produced by a Conn as packets are processed.
// Serve must not block since it is invoked from the single shared loop
// goroutine that drives every connection on the socket; long-running work
// should be handed off to another goroutine (typically one per Stream or
// Datagram).
type Handler interface {
	Serve(conn *Conn, events []transport.Event)
}

type noopHandler struct{}

func (noopHandler) Serve(*Conn, []transport.Event) {}

// Conn is a client or server side QUIC connection bound to a single peer
// address. Conn embeds net.Conn-like accessors but application data is
// always read and written through a Stream or Datagram, never through Conn
// directly except via the StreamRead/StreamWrite/StreamClose convenience
// wrappers below.
type Conn struct {
	scid [transport.MaxCIDLength]byte
	addr net.Addr
	conn *transport.Conn

	local *localConn

	// cmdCh is read directly by tests that simulate the loop goroutine by
	// hand; production code only ever consumes it through relayCommands.
	cmdCh chan connCommand
	// done is closed once the loop goroutine has observed this connection
	// fully closed, signalling relayCommands to stop forwarding.
	done chan struct{}

	streamsMu sync.Mutex
	streams   map[uint64]*Stream

	datagramOnce sync.Once
	datagramObj  *Datagram

	isClient bool
}

func newRemoteConn(addr net.Addr, scid []byte, conn *transport.Conn, isClient bool) *Conn {
	c := &Conn{
		addr:     addr,
		conn:     conn,
		cmdCh:    make(chan connCommand, 1),
		done:     make(chan struct{}),
		streams:  make(map[uint64]*Stream),
		isClient: isClient,
	}
	copy(c.scid[:], scid)
	return c
}

// Stream returns the Stream wrapper for the given stream id, creating the
// underlying transport stream if this is the first reference to it.
func (s *Conn) Stream(id uint64) (*Stream, error) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if st, ok := s.streams[id]; ok {
		return st, nil
	}
	if _, err := s.conn.Stream(id); err != nil {
		return nil, err
	}
	st := newStream(s, id)
	s.streams[id] = st
	return st, nil
}

// NewStream reserves a new stream id of the given directionality. ok is
// false when the peer's current stream limit does not allow it yet; the
// caller should retry once transport.EventStreamCreatable is delivered.
func (s *Conn) NewStream(bidi bool) (uint64, bool) {
	return s.conn.NewStream(bidi)
}

// StreamRead is a convenience wrapper equivalent to obtaining the Stream for
// id and calling Read on it.
func (s *Conn) StreamRead(id uint64, b []byte) (int, error) {
	st, err := s.Stream(id)
	if err != nil {
		return 0, err
	}
	return st.Read(b)
}

// StreamWrite is a convenience wrapper equivalent to obtaining the Stream for
// id and calling Write on it.
func (s *Conn) StreamWrite(id uint64, b []byte) (int, error) {
	st, err := s.Stream(id)
	if err != nil {
		return 0, err
	}
	return st.Write(b)
}

// StreamClose is a convenience wrapper equivalent to obtaining the Stream
// for id and calling Close on it.
func (s *Conn) StreamClose(id uint64) error {
	st, err := s.Stream(id)
	if err != nil {
		return err
	}
	return st.Close()
}

// Datagram returns the single Datagram associated with this connection.
func (s *Conn) Datagram() *Datagram {
	s.datagramOnce.Do(func() {
		s.datagramObj = newDatagram(s)
	})
	return s.datagramObj
}

// DatagramRead is a convenience wrapper around Datagram().Read.
func (s *Conn) DatagramRead(b []byte) (int, error) {
	return s.Datagram().Read(b)
}

// DatagramWrite is a convenience wrapper around Datagram().Write.
func (s *Conn) DatagramWrite(b []byte) (int, error) {
	return s.Datagram().Write(b)
}

// Close closes the connection, sending a CONNECTION_CLOSE to the peer.
func (s *Conn) Close() error {
	s.conn.Close(true, transport.NoError, "close")
	return nil
}

// CloseWithError closes the connection, sending errCode and reason to the
// peer as an application-level CONNECTION_CLOSE.
func (s *Conn) CloseWithError(errCode uint64, reason string) error {
	s.conn.Close(true, errCode, reason)
	return nil
}

// ConnectionState returns a snapshot of the underlying transport state.
func (s *Conn) ConnectionState() transport.ConnectionState {
	return s.conn.ConnectionState()
}

// LocalAddr returns the local network address of the listening socket.
func (s *Conn) LocalAddr() net.Addr {
	if s.local == nil {
		return nil
	}
	return s.local.LocalAddr()
}

// RemoteAddr returns the address of the connection's peer.
func (s *Conn) RemoteAddr() net.Addr {
	return s.addr
}

func (s *Conn) getStream(id uint64) *Stream {
	s.streamsMu.Lock()
	st := s.streams[id]
	s.streamsMu.Unlock()
	return st
}

// closeStreams unblocks every Stream and Datagram waiting on this
// connection once it has been torn down.
func (s *Conn) closeStreams() {
	s.streamsMu.Lock()
	for _, st := range s.streams {
		st.setClosed()
	}
	s.streamsMu.Unlock()
	if s.datagramObj != nil {
		s.datagramObj.setClosed()
	}
}

// localConn is embedded by Server and Client; it owns the socket and the
// set of peer connections multiplexed over it.
type localConn struct {
	config *transport.Config
	socket net.PacketConn

	// recvCh and cmdCh are the two inputs fed to the single run loop
	// goroutine by, respectively, the socket reader (Serve) and the
	// per-connection relay goroutines started alongside each Conn.
	recvCh chan recvPacket
	cmdCh  chan connCommand

	peersMu sync.RWMutex
	peers   map[string]*Conn

	closing   bool      // locked by peersMu.
	closeCond sync.Cond // locked by peersMu. Broadcasts when peers becomes empty while closing.
	closeCh   chan struct{}

	handler Handler
	logger  Logger
}

func (s *localConn) init(config *transport.Config) {
	s.config = config
	s.peers = make(map[string]*Conn)
	s.recvCh = make(chan recvPacket, 64)
	s.cmdCh = make(chan connCommand, 64)
	s.closeCh = make(chan struct{})
	s.closeCond.L = &s.peersMu
	s.handler = noopHandler{}
	s.logger = LeveledLogger(LevelInfo)
	go s.run()
}

// SetHandler sets the callback invoked with events produced by any
// connection multiplexed over this socket.
func (s *localConn) SetHandler(v Handler) {
	s.handler = v
}

// SetLogger sets the logger used to report transport-level activity.
func (s *localConn) SetLogger(v Logger) {
	s.logger = v
}

// SetListener sets the socket used to send and receive packets. It must be
// called before Serve.
func (s *localConn) SetListener(conn net.PacketConn) {
	s.socket = conn
}

// LocalAddr returns the local address of the listening socket, or nil if
// none has been set yet.
func (s *localConn) LocalAddr() net.Addr {
	if s.socket == nil {
		return nil
	}
	return s.socket.LocalAddr()
}

func (s *localConn) addPeer(c *Conn) bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if s.closing {
		return false
	}
	if _, ok := s.peers[string(c.scid[:])]; ok {
		return false
	}
	s.peers[string(c.scid[:])] = c
	return true
}

func (s *localConn) getPeer(scid []byte) *Conn {
	s.peersMu.RLock()
	c := s.peers[string(scid)]
	s.peersMu.RUnlock()
	return c
}

// defaultIdleTimeout bounds how long run blocks when no attached connection
// has a pending timer, e.g. immediately after the loop starts.
const defaultIdleTimeout = 30 * time.Second

// relayCommands forwards c.cmdCh onto the shared loop channel s.cmdCh,
// tagging each command with its originating Conn. It does no state
// mutation of its own, so it does not violate run's single-writer
// invariant; it exists only because Go's select cannot wait on a dynamic
// set of channels, and Conn.cmdCh must remain directly usable by tests that
// simulate the loop by hand.
func (s *localConn) relayCommands(c *Conn) {
	for {
		select {
		case cmd := <-c.cmdCh:
			cmd.conn = c
			select {
			case s.cmdCh <- cmd:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// run is the single loop goroutine for this socket context: it is the only
// goroutine that ever mutates an attached Conn's transport.Conn state. It
// services the shared receive and command channels, advances whichever
// peer's retransmission timer elapses soonest, and tears every peer down
// once close has been called and they have all finished closing.
func (s *localConn) run() {
	closeCh := s.closeCh
	for {
		if closeCh == nil && s.noPeers() {
			return
		}
		timer := time.NewTimer(s.minTimeout())
		select {
		case rp := <-s.recvCh:
			timer.Stop()
			s.recvConn(rp.conn, rp.p.data)
			freePacket(rp.p)
			s.stepConn(rp.conn)
		case cmd := <-s.cmdCh:
			timer.Stop()
			s.handleCommand(cmd.conn, cmd)
			s.stepConn(cmd.conn)
		case <-timer.C:
			s.stepTimedOut()
		case <-closeCh:
			timer.Stop()
			s.closeAllConns()
			closeCh = nil
		}
	}
}

// minTimeout returns the shortest Timeout() across every attached
// connection, resolving the aggregate wakeup a single shared loop needs to
// compute across connections it multiplexes.
func (s *localConn) minTimeout() time.Duration {
	min := defaultIdleTimeout
	s.peersMu.RLock()
	for _, c := range s.peers {
		if t := c.conn.Timeout(); t >= 0 && t < min {
			min = t
		}
	}
	s.peersMu.RUnlock()
	return min
}

func (s *localConn) noPeers() bool {
	s.peersMu.RLock()
	n := len(s.peers)
	s.peersMu.RUnlock()
	return n == 0
}

func (s *localConn) snapshotPeers() []*Conn {
	s.peersMu.RLock()
	peers := make([]*Conn, 0, len(s.peers))
	for _, c := range s.peers {
		peers = append(peers, c)
	}
	s.peersMu.RUnlock()
	return peers
}

// stepTimedOut advances every attached connection whose retransmission
// timer has elapsed. Several peers can share the same deadline, so this
// walks all of them rather than just the one that caused minTimeout to
// elapse.
func (s *localConn) stepTimedOut() {
	for _, c := range s.snapshotPeers() {
		if c.conn.Timeout() <= 0 {
			s.logger.Log(LevelDebug, "%s %x timed out", c.addr, c.scid)
			c.conn.Write(nil)
			s.stepConn(c)
		}
	}
}

// closeAllConns asks every attached connection to send a CONNECTION_CLOSE,
// in response to localConn.close being called.
func (s *localConn) closeAllConns() {
	for _, c := range s.snapshotPeers() {
		c.conn.Close(true, transport.NoError, "bye")
		s.stepConn(c)
	}
}

// stepConn flushes events and outgoing packets for c after it has just been
// fed a packet, a command, or a timeout, and tears it down once its
// transport.Conn reports fully closed.
func (s *localConn) stepConn(c *Conn) {
	s.serveConn(c)
	p := newPacket()
	s.sendConn(c, p.buf[:maxDatagramSize])
	freePacket(p)
	if c.conn.IsClosed() {
		s.connClosed(c)
	}
}

func (s *localConn) recvConn(c *Conn, data []byte) {
	n, err := c.conn.Write(data)
	if err != nil {
		s.logger.Log(LevelError, "%s receive failed: %v", c.addr, err)
		return
	}
	s.logger.Log(LevelTrace, "%s processed %d bytes", c.addr, n)
}

func (s *localConn) sendConn(c *Conn, buf []byte) error {
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			s.logger.Log(LevelError, "%s send failed: %v", c.addr, err)
			return err
		}
		if n == 0 {
			return nil
		}
		n, err = s.socket.WriteTo(buf[:n], c.addr)
		if err != nil {
			s.logger.Log(LevelError, "%s send failed: %v", c.addr, err)
			return err
		}
		s.logger.Log(LevelTrace, "%s sent %d bytes", c.addr, n)
	}
}

// handleCommand services a blocked Stream or Datagram call. It always
// replies on the channel the caller is waiting on, using errWait when the
// operation cannot complete yet; the caller then waits for a later
// EventStream.../EventDatagram... retry delivered from serveConn.
func (s *localConn) handleCommand(c *Conn, cmd connCommand) {
	switch cmd.cmd {
	case cmdStreamWrite:
		s.streamWrite(c, cmd.id)
	case cmdStreamRead:
		s.streamRead(c, cmd.id)
	case cmdStreamClose:
		st := c.getStream(cmd.id)
		tr, err := c.conn.Stream(cmd.id)
		if err == nil {
			err = tr.Close()
		}
		if st != nil {
			st.sendCloseResult(err)
		}
	case cmdStreamCloseWrite:
		st := c.getStream(cmd.id)
		err := c.conn.StreamReset(cmd.id, cmd.n)
		if st != nil {
			st.sendCloseResult(err)
		}
	case cmdStreamCloseRead:
		st := c.getStream(cmd.id)
		err := c.conn.StreamStopSending(cmd.id, cmd.n)
		if st != nil {
			st.sendCloseResult(err)
		}
	case cmdDatagramWrite:
		s.datagramWrite(c)
	case cmdDatagramRead:
		s.datagramRead(c)
	}
}

func (s *localConn) streamWrite(c *Conn, id uint64) {
	st := c.getStream(id)
	if st == nil {
		return
	}
	tr, err := c.conn.Stream(id)
	if err != nil {
		st.sendWriteResult(err)
		return
	}
	done, err := st.recvWriteData(tr)
	if err != nil {
		st.sendWriteResult(err)
		return
	}
	if done {
		st.sendWriteResult(nil)
		return
	}
	st.sendWriteResult(errWait)
}

func (s *localConn) streamRead(c *Conn, id uint64) {
	st := c.getStream(id)
	if st == nil {
		return
	}
	tr, err := c.conn.Stream(id)
	if err != nil {
		st.sendReadResult(err)
		return
	}
	done, err := st.recvReadData(tr)
	if err != nil {
		st.sendReadResult(err)
		return
	}
	if done {
		st.sendReadResult(nil)
		return
	}
	st.sendReadResult(errWait)
}

func (s *localConn) datagramWrite(c *Conn) {
	dg := c.Datagram()
	done, err := dg.recvWriteData(c.conn.Datagram())
	if err != nil {
		dg.sendWriteResult(err)
		return
	}
	if done {
		dg.sendWriteResult(nil)
		return
	}
	dg.sendWriteResult(errWait)
}

func (s *localConn) datagramRead(c *Conn) {
	dg := c.Datagram()
	done, err := dg.recvReadData(c.conn.Datagram())
	if err != nil {
		dg.sendReadResult(err)
		return
	}
	if done {
		dg.sendReadResult(nil)
		return
	}
	dg.sendReadResult(errWait)
}

// retryEvents asks any Stream/Datagram blocked on errWait to try again, based on
// the events the connection produced this iteration.
func (s *localConn) retryEvents(c *Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventStreamWritable:
			if st := c.getStream(e.ID); st != nil && st.isWriting() {
				s.streamWrite(c, e.ID)
			}
		case transport.EventStreamReadable:
			if st := c.getStream(e.ID); st != nil && st.isReading() {
				s.streamRead(c, e.ID)
			}
		case transport.EventDatagramWritable:
			if c.datagramObj != nil {
				s.datagramWrite(c)
			}
		case transport.EventDatagramReadable:
			if c.datagramObj != nil && c.datagramObj.isReading() {
				s.datagramRead(c)
			}
		}
	}
}

func (s *localConn) serveConn(c *Conn) {
	var events []transport.Event
	events = c.conn.Events(events)
	if len(events) == 0 {
		return
	}
	s.retryEvents(c, events)
	s.handler.Serve(c, events)
}

func (s *localConn) connClosed(c *Conn) {
	s.logger.Log(LevelDebug, "%s %x closed", c.addr, c.scid)
	c.closeStreams()
	s.handler.Serve(c, []transport.Event{{Type: transport.EventConnClosed}})
	close(c.done)
	s.peersMu.Lock()
	delete(s.peers, string(c.scid[:]))
	if s.closing && len(s.peers) == 0 {
		s.closeCond.Broadcast()
	}
	s.peersMu.Unlock()
}

// close asks the run loop to send CONNECTION_CLOSE to every attached peer
// and optionally waits up to timeout for them to finish closing. It returns
// an aggregated error naming any connections still open when the wait
// expired.
func (s *localConn) close(timeout time.Duration) error {
	s.peersMu.Lock()
	if s.closing {
		s.peersMu.Unlock()
		return nil
	}
	s.closing = true
	close(s.closeCh)
	s.peersMu.Unlock()
	if timeout <= 0 {
		return nil
	}
	timer := time.AfterFunc(timeout, func() {
		s.peersMu.Lock()
		s.closeCond.Broadcast()
		s.peersMu.Unlock()
	})
	defer timer.Stop()
	var result *multierror.Error
	s.peersMu.Lock()
	if len(s.peers) > 0 {
		s.closeCond.Wait()
	}
	for scid := range s.peers {
		result = multierror.Append(result, fmt.Errorf("quic: connection did not close in time cid=%x", scid))
	}
	s.peersMu.Unlock()
	return result.ErrorOrNil()
}

// rand uses tls.Config.Rand if available.
func (s *localConn) rand(b []byte) error {
	var err error
	if s.config.TLS != nil && s.config.TLS.Rand != nil {
		_, err = io.ReadFull(s.config.TLS.Rand, b)
	} else {
		_, err = rand.Read(b)
	}
	return err
}

type packet struct {
	buf  [bufferSize]byte
	data []byte // Always points into buf.
	addr net.Addr

	header transport.Header
}

var packetPool = sync.Pool{}

func newPacket() *packet {
	p := packetPool.Get()
	if p != nil {
		return p.(*packet)
	}
	return &packet{}
}

func freePacket(p *packet) {
	p.data = nil
	p.addr = nil
	p.header = transport.Header{}
	packetPool.Put(p)
}

var errNotListening = errors.New("quic: socket not listening")
