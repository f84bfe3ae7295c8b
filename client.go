package quic

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quicweave/quic/transport"
)

// Client is a client-side QUIC connection.
// All setters must only be invoked before calling Serve.
type Client struct {
	localConn
}

// NewClient creates a new QUIC client.
func NewClient(config *transport.Config) *Client {
	c := &Client{}
	c.localConn.init(config)
	return c
}

// ListenAndServe starts listening on UDP network address addr and serves
// incoming packets. Unlike Server.ListenAndServe, this function does not
// block as Serve is invoked in a goroutine.
func (s *Client) ListenAndServe(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	setDontFragment(socket)
	s.socket = socket
	go s.Serve()
	return nil
}

// Serve reads and dispatches packets from the socket set via SetListener or
// ListenAndServe until the socket is closed or returns an error.
func (s *Client) Serve() error {
	if s.socket == nil {
		return errNotListening
	}
	for {
		p := newPacket()
		n, addr, err := s.socket.ReadFrom(p.buf[:])
		if n > 0 {
			p.data = p.buf[:n]
			p.addr = addr
			s.logger.Log(LevelTrace, "%s received %d bytes", addr, n)
			s.recv(p)
		} else {
			freePacket(p)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Client) recv(p *packet) {
	_, err := p.header.Decode(p.data, cidLength)
	if err != nil {
		s.logger.Log(LevelDebug, "%s could not decode packet: %v", p.addr, err)
		freePacket(p)
		return
	}
	c := s.getPeer(p.header.DCID)
	if c == nil {
		s.logger.Log(LevelDebug, "%s unknown connection id %x", p.addr, p.header.DCID)
		freePacket(p)
		return
	}
	s.recvCh <- recvPacket{conn: c, p: p}
}

// Connect establishes a new connection to UDP network address addr.
func (s *Client) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	c, err := s.newConn(udpAddr)
	if err != nil {
		return err
	}
	if !s.addPeer(c) {
		return fmt.Errorf("quic: connection id conflict or client closed cid=%x", c.scid)
	}
	s.logger.Log(LevelInfo, "%s connecting cid=%x", c.addr, c.scid)
	p := newPacket()
	defer freePacket(p)
	if err = s.sendConn(c, p.buf[:maxDatagramSize]); err != nil {
		s.peersMu.Lock()
		delete(s.peers, string(c.scid[:]))
		s.peersMu.Unlock()
		return fmt.Errorf("quic: send to %s: %v", c.addr, err)
	}
	go s.relayCommands(c)
	return nil
}

// Close closes all current connections and the listening socket.
func (s *Client) Close() error {
	var result *multierror.Error
	if err := s.close(10 * time.Second); err != nil {
		result = multierror.Append(result, err)
	}
	if s.socket != nil {
		if err := s.socket.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Client) newConn(addr net.Addr) (*Conn, error) {
	scid := make([]byte, cidLength)
	if err := s.rand(scid); err != nil {
		return nil, fmt.Errorf("quic: generate connection id: %v", err)
	}
	tc, err := transport.Connect(scid, s.config)
	if err != nil {
		return nil, err
	}
	c := newRemoteConn(addr, scid, tc, true)
	c.local = &s.localConn
	return c, nil
}
