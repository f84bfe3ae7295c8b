package quic

import (
	"net"
	"sync"
)

// LoadBalancer forwards QUIC packets to a pool of backend servers based on
// the server identifier embedded in each connection id by a CIDIssuer (see
// NewServerCIDIssuer), so that every packet belonging to a connection reaches
// the same backend regardless of which backend first accepted it,
// https://www.ietf.org/archive/id/draft-ietf-quic-load-balancers-15.html
type LoadBalancer struct {
	socket net.PacketConn

	peersMu sync.RWMutex
	// servers maps a server id (as embedded by CIDIssuer) to its address.
	servers map[uint64]net.Addr
	// clientCIDs caches the backend a given connection id has been routed to,
	// used for connection ids that do not carry a server id (e.g. a client's
	// randomly chosen initial DCID, before any backend has replied).
	clientCIDs map[string]net.Addr

	logger Logger
	cidLen int
}

// NewLoadBalancer creates a LoadBalancer expecting connection ids of length
// cidLen, as generated by the CIDIssuers from NewServerCIDIssuer in the
// backend pool.
func NewLoadBalancer(cidLen int) *LoadBalancer {
	return &LoadBalancer{
		servers:    make(map[uint64]net.Addr),
		clientCIDs: make(map[string]net.Addr),
		logger:     LeveledLogger(LevelInfo),
		cidLen:     cidLen,
	}
}

// SetLogger sets the logger used to report forwarding activity.
func (s *LoadBalancer) SetLogger(v Logger) {
	s.logger = v
}

// AddServer registers a backend listening on addr under server id id, as
// passed to NewServerCIDIssuer on that backend.
func (s *LoadBalancer) AddServer(id uint, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.peersMu.Lock()
	s.servers[uint64(id)] = udpAddr
	s.peersMu.Unlock()
	return nil
}

// ListenAndServe starts listening on UDP network address addr and serves
// incoming packets.
func (s *LoadBalancer) ListenAndServe(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.socket = socket
	return s.Serve()
}

// Serve reads and forwards packets from the socket until it is closed or
// returns an error.
func (s *LoadBalancer) Serve() error {
	if s.socket == nil {
		return errNotListening
	}
	for {
		p := newPacket()
		n, addr, err := s.socket.ReadFrom(p.buf[:])
		if n > 0 {
			p.data = p.buf[:n]
			p.addr = addr
			s.recv(p)
		}
		freePacket(p)
		if err != nil {
			return err
		}
	}
}

// Close closes the listening socket.
func (s *LoadBalancer) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}

func (s *LoadBalancer) recv(p *packet) {
	_, err := p.header.Decode(p.data, s.cidLen)
	if err != nil {
		s.logger.Log(LevelDebug, "%s could not decode packet: %v", p.addr, err)
		return
	}
	addr := s.route(p.header.DCID)
	if addr == nil {
		s.logger.Log(LevelDebug, "%s no backend available for %x", p.addr, p.header.DCID)
		return
	}
	if _, err := s.socket.WriteTo(p.data, addr); err != nil {
		s.logger.Log(LevelError, "%s forward to %s: %v", p.addr, addr, err)
	}
}

// route returns the backend address a connection id should be forwarded to,
// preferring the server id embedded in dcid and falling back to a cached or
// arbitrary backend otherwise.
func (s *LoadBalancer) route(dcid []byte) net.Addr {
	s.peersMu.RLock()
	addr, ok := s.clientCIDs[string(dcid)]
	s.peersMu.RUnlock()
	if ok {
		return addr
	}
	if len(dcid) > 1 {
		if sid, n := decodeServerID(dcid[1:]); n > 0 {
			s.peersMu.RLock()
			addr, ok = s.servers[sid]
			s.peersMu.RUnlock()
			if ok {
				s.peersMu.Lock()
				s.clientCIDs[string(dcid)] = addr
				s.peersMu.Unlock()
				return addr
			}
		}
	}
	return s.anyServer()
}

func (s *LoadBalancer) anyServer() net.Addr {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	for _, addr := range s.servers {
		return addr
	}
	return nil
}
