package quic

import (
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quicweave/quic/transport"
)

// Server is a server-side QUIC connection.
type Server struct {
	localConn

	addrVerifier AddressVerifier
	cidIssuer    CIDIssuer
}

// NewServer creates a new QUIC server.
func NewServer(config *transport.Config) *Server {
	s := &Server{}
	s.localConn.init(config)
	return s
}

// SetAddressVerifier enables retry validation of a client's address before
// any per-connection state is created for it,
// https://www.rfc-editor.org/rfc/rfc9000.html#section-8.1.2
func (s *Server) SetAddressVerifier(v AddressVerifier) {
	s.addrVerifier = v
}

// SetCIDIssuer sets the connection id allocator, used to embed routing
// information (e.g. for a load balancer) in every connection id the server
// generates. When unset, connection ids are random.
func (s *Server) SetCIDIssuer(v CIDIssuer) {
	s.cidIssuer = v
}

// ListenAndServe starts listening on UDP network address addr and serves
// incoming requests. Unlike Client.ListenAndServe, this function blocks
// until Close is called or Serve returns an error.
func (s *Server) ListenAndServe(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	setDontFragment(socket)
	s.socket = socket
	return s.Serve()
}

// Serve reads and dispatches packets from the socket set via SetListener or
// ListenAndServe until the socket is closed or returns an error.
func (s *Server) Serve() error {
	if s.socket == nil {
		return errNotListening
	}
	for {
		p := newPacket()
		n, addr, err := s.socket.ReadFrom(p.buf[:])
		if n > 0 {
			p.data = p.buf[:n]
			p.addr = addr
			s.logger.Log(LevelDebug, "%s received %d bytes", addr, n)
			s.recv(p)
		} else {
			freePacket(p)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) recv(p *packet) {
	h := &transport.Header{}
	_, err := h.Decode(p.data, transport.MaxCIDLength)
	if err != nil {
		s.logger.Log(LevelDebug, "%s could not decode packet: %v", p.addr, err)
		freePacket(p)
		return
	}
	c := s.getPeer(h.DCID)
	if c == nil {
		// Server must ensure any datagram containing an Initial packet is at
		// least 1200 bytes, https://www.rfc-editor.org/rfc/rfc9000.html#section-14.1
		if h.Type != 0 || len(p.data) < transport.MinInitialPacketSize {
			s.logger.Log(LevelDebug, "%s dropped invalid initial packet: %s", p.addr, h)
			freePacket(p)
			return
		}
		if h.Version != transport.ProtocolVersion {
			s.negotiate(p.addr, h)
			freePacket(p)
			return
		}
		var odcid []byte
		if s.addrVerifier != nil {
			if len(h.Token) == 0 {
				s.retry(p.addr, h)
				freePacket(p)
				return
			}
			if len(h.Token) > maxTokenLen {
				s.logger.Log(LevelInfo, "%s oversized retry token: %s", p.addr, h)
				freePacket(p)
				return
			}
			odcid = s.addrVerifier.VerifyToken(p.addr, h.DCID, h.Token)
			if len(odcid) == 0 {
				s.logger.Log(LevelInfo, "%s invalid retry token: %s", p.addr, h)
				freePacket(p)
				return
			}
		}
		c, err = s.newConn(p.addr, h.DCID, odcid)
		if err != nil {
			s.logger.Log(LevelError, "%s create connection: %v", p.addr, err)
			freePacket(p)
			return
		}
		if !s.addPeer(c) {
			s.logger.Log(LevelError, "%s connection id conflict scid=%x", p.addr, c.scid)
			freePacket(p)
			return
		}
		s.logger.Log(LevelDebug, "%s new connection scid=%x odcid=%x", p.addr, c.scid, odcid)
		go s.relayCommands(c)
	}
	s.recvCh <- recvPacket{conn: c, p: p}
}

func (s *Server) negotiate(addr net.Addr, h *transport.Header) {
	p := newPacket()
	defer freePacket(p)
	n, err := transport.NegotiateVersion(p.buf[:], h.SCID, h.DCID)
	if err != nil {
		s.logger.Log(LevelError, "%s negotiate: %s %v", addr, h, err)
		return
	}
	if _, err = s.socket.WriteTo(p.buf[:n], addr); err != nil {
		s.logger.Log(LevelError, "%s negotiate: %s %v", addr, h, err)
	}
}

func (s *Server) retry(addr net.Addr, h *transport.Header) {
	p := newPacket()
	defer freePacket(p)
	// rscid is the connection id the client must echo back as DCID in its
	// next Initial packet.
	var rscid [transport.MaxCIDLength]byte
	if err := s.rand(rscid[:]); err != nil {
		s.logger.Log(LevelError, "%s retry: %s %v", addr, h, err)
		return
	}
	token := s.addrVerifier.NewToken(addr, rscid[:], h.DCID)
	n, err := transport.Retry(p.buf[:], h.SCID, rscid[:], h.DCID, token)
	if err != nil {
		s.logger.Log(LevelError, "%s retry: %s %v", addr, h, err)
		return
	}
	if _, err = s.socket.WriteTo(p.buf[:n], addr); err != nil {
		s.logger.Log(LevelError, "%s retry: %s %v", addr, h, err)
		return
	}
	s.logger.Log(LevelDebug, "%s retry: %s rscid=%x", addr, h, rscid)
}

func (s *Server) newConn(addr net.Addr, dcid, odcid []byte) (*Conn, error) {
	var scid []byte
	if s.cidIssuer != nil {
		cid, err := s.cidIssuer.NewCID()
		if err != nil {
			return nil, err
		}
		scid = cid
	} else {
		scid = make([]byte, cidLength)
		if err := s.rand(scid); err != nil {
			return nil, err
		}
	}
	tc, err := transport.Accept(scid, odcid, s.config)
	if err != nil {
		return nil, err
	}
	c := newRemoteConn(addr, scid, tc, false)
	c.local = &s.localConn
	return c, nil
}

// Close sends a CONNECTION_CLOSE frame to all connected peers and stops
// Serve.
func (s *Server) Close() error {
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
