package transport

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quicweave/quic/tls13"
)

const (
	parameterOriginalDestinationCID uint16 = iota // 0x00
	parameterMaxIdleTimeout                       // 0x01
	parameterStatelessResetToken                  // 0x02
	parameterMaxUDPPayloadSize                    // 0x03
	parameterInitialMaxData                       // 0x04
	parameterInitialMaxStreamDataBidiLocal        // 0x05
	parameterInitialMaxStreamDataBidiRemote       // 0x06
	parameterInitialMaxStreamDataUni              // 0x07
	parameterInitialMaxStreamsBidi                // 0x08
	parameterInitialMaxStreamsUni                 // 0x09
	parameterAckDelayExponent                     // 0x0a
	parameterMaxAckDelay                          // 0x0b
	parameterDisableActiveMigration               // 0x0c
	parameterPreferredAddress                      // 0x0d
	parameterActiveConnectionIDLimit              // 0x0e
	parameterInitialSourceCID                     // 0x0f
	parameterRetrySourceCID                        // 0x10
)

// parameterMaxDatagramFrameSize is the max_datagram_frame_size transport
// parameter from the unreliable datagram extension, RFC 9221 section 3.
const parameterMaxDatagramFrameSize uint16 = 0x20

// PreferredAddress carries the server's preferred_address transport
// parameter. The core never migrates to it (migration beyond the handshake
// path is out of scope) but still parses and preserves it for the caller.
type PreferredAddress struct {
	IPv4                [4]byte
	IPv4Port            uint16
	IPv6                [16]byte
	IPv6Port            uint16
	ConnectionID        []byte
	StatelessResetToken []byte
}

func (a *PreferredAddress) marshal() []byte {
	b := make([]byte, 0, 4+2+16+2+1+len(a.ConnectionID)+16)
	b = append(b, a.IPv4[:]...)
	b = append(b, byte(a.IPv4Port>>8), byte(a.IPv4Port))
	b = append(b, a.IPv6[:]...)
	b = append(b, byte(a.IPv6Port>>8), byte(a.IPv6Port))
	b = append(b, byte(len(a.ConnectionID)))
	b = append(b, a.ConnectionID...)
	b = append(b, a.StatelessResetToken...)
	return b
}

func (a *PreferredAddress) unmarshal(b []byte) bool {
	if len(b) < 4+2+16+2+1 {
		return false
	}
	copy(a.IPv4[:], b[0:4])
	a.IPv4Port = binary.BigEndian.Uint16(b[4:6])
	copy(a.IPv6[:], b[6:22])
	a.IPv6Port = binary.BigEndian.Uint16(b[22:24])
	cidLen := int(b[24])
	b = b[25:]
	if len(b) < cidLen+16 {
		return false
	}
	a.ConnectionID = append([]byte(nil), b[:cidLen]...)
	a.StatelessResetToken = append([]byte(nil), b[cidLen:cidLen+16]...)
	return true
}

// Parameters is QUIC transport parameters.
// See https://www.rfc-editor.org/rfc/rfc9000.html#section-18.2
type Parameters struct {
	OriginalDestinationCID []byte
	MaxIdleTimeout         time.Duration
	StatelessResetToken    []byte
	MaxUDPPayloadSize      uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	DisableActiveMigration  bool
	PreferredAddress        *PreferredAddress
	ActiveConnectionIDLimit uint64

	InitialSourceCID []byte
	RetrySourceCID   []byte

	// MaxDatagramPayloadSize is the max_datagram_frame_size parameter,
	// https://www.rfc-editor.org/rfc/rfc9221.html#section-3
	MaxDatagramPayloadSize uint64
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#transport-parameter-encoding
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |      Sequence Length (16)     |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                  Transport Parameter 1 (*)                  ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                  Transport Parameter 2 (*)                  ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//                                ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                  Transport Parameter N (*)                  ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
func (s *Parameters) marshal() []byte {
	b := make(tlsExtension, 2, 128)
	if len(s.OriginalDestinationCID) > 0 {
		b.addUint16(parameterOriginalDestinationCID)
		b.addBytes(s.OriginalDestinationCID)
	}
	if s.MaxIdleTimeout > 0 {
		b.addUint16(parameterMaxIdleTimeout)
		b.addVarint(uint64(s.MaxIdleTimeout / time.Millisecond))
	}
	if len(s.StatelessResetToken) > 0 {
		b.addUint16(parameterStatelessResetToken)
		b.addBytes(s.StatelessResetToken)
	}
	if s.MaxUDPPayloadSize > 0 {
		b.addUint16(parameterMaxUDPPayloadSize)
		b.addVarint(s.MaxUDPPayloadSize)
	}
	if s.InitialMaxData > 0 {
		b.addUint16(parameterInitialMaxData)
		b.addVarint(s.InitialMaxData)
	}
	if s.InitialMaxStreamDataBidiLocal > 0 {
		b.addUint16(parameterInitialMaxStreamDataBidiLocal)
		b.addVarint(s.InitialMaxStreamDataBidiLocal)
	}
	if s.InitialMaxStreamDataBidiRemote > 0 {
		b.addUint16(parameterInitialMaxStreamDataBidiRemote)
		b.addVarint(s.InitialMaxStreamDataBidiRemote)
	}
	if s.InitialMaxStreamDataUni > 0 {
		b.addUint16(parameterInitialMaxStreamDataUni)
		b.addVarint(s.InitialMaxStreamDataUni)
	}
	if s.InitialMaxStreamsBidi > 0 {
		b.addUint16(parameterInitialMaxStreamsBidi)
		b.addVarint(s.InitialMaxStreamsBidi)
	}
	if s.InitialMaxStreamsUni > 0 {
		b.addUint16(parameterInitialMaxStreamsUni)
		b.addVarint(s.InitialMaxStreamsUni)
	}
	if s.AckDelayExponent > 0 {
		b.addUint16(parameterAckDelayExponent)
		b.addVarint(s.AckDelayExponent)
	}
	if s.MaxAckDelay > 0 {
		b.addUint16(parameterMaxAckDelay)
		b.addVarint(uint64(s.MaxAckDelay / time.Millisecond))
	}
	if s.DisableActiveMigration {
		b.addUint16(parameterDisableActiveMigration)
		b.addBytes(nil)
	}
	if s.PreferredAddress != nil {
		b.addUint16(parameterPreferredAddress)
		b.addBytes(s.PreferredAddress.marshal())
	}
	if s.ActiveConnectionIDLimit > 0 {
		b.addUint16(parameterActiveConnectionIDLimit)
		b.addVarint(s.ActiveConnectionIDLimit)
	}
	if s.InitialSourceCID != nil {
		b.addUint16(parameterInitialSourceCID)
		b.addBytes(s.InitialSourceCID)
	}
	if s.RetrySourceCID != nil {
		b.addUint16(parameterRetrySourceCID)
		b.addBytes(s.RetrySourceCID)
	}
	if s.MaxDatagramPayloadSize > 0 {
		b.addUint16(parameterMaxDatagramFrameSize)
		b.addVarint(s.MaxDatagramPayloadSize)
	}
	binary.BigEndian.PutUint16(b, uint16(len(b)-2))
	return b
}

func (s *Parameters) unmarshal(data []byte) bool {
	b := tlsExtension(data)
	var param uint16
	// Check length
	if !b.readUint16(&param) {
		return false
	}
	if len(b) != int(param) {
		return false
	}
	for !b.empty() {
		if !b.readUint16(&param) {
			return false
		}
		switch param {
		case parameterOriginalDestinationCID:
			if !b.readBytes(&s.OriginalDestinationCID) {
				return false
			}
		case parameterMaxIdleTimeout:
			var v uint64
			if !b.readVarint(&v) {
				return false
			}
			s.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case parameterStatelessResetToken:
			if !b.readBytes(&s.StatelessResetToken) {
				return false
			}
		case parameterMaxUDPPayloadSize:
			if !b.readVarint(&s.MaxUDPPayloadSize) {
				return false
			}
		case parameterInitialMaxData:
			if !b.readVarint(&s.InitialMaxData) {
				return false
			}
		case parameterInitialMaxStreamDataBidiLocal:
			if !b.readVarint(&s.InitialMaxStreamDataBidiLocal) {
				return false
			}
		case parameterInitialMaxStreamDataBidiRemote:
			if !b.readVarint(&s.InitialMaxStreamDataBidiRemote) {
				return false
			}
		case parameterInitialMaxStreamDataUni:
			if !b.readVarint(&s.InitialMaxStreamDataUni) {
				return false
			}
		case parameterInitialMaxStreamsBidi:
			if !b.readVarint(&s.InitialMaxStreamsBidi) {
				return false
			}
		case parameterInitialMaxStreamsUni:
			if !b.readVarint(&s.InitialMaxStreamsUni) {
				return false
			}
		case parameterAckDelayExponent:
			if !b.readVarint(&s.AckDelayExponent) {
				return false
			}
		case parameterMaxAckDelay:
			var v uint64
			if !b.readVarint(&v) {
				return false
			}
			s.MaxAckDelay = time.Duration(v) * time.Millisecond
		case parameterDisableActiveMigration:
			var empty []byte
			if !b.readBytes(&empty) {
				return false
			}
			s.DisableActiveMigration = true
		case parameterPreferredAddress:
			var raw []byte
			if !b.readBytes(&raw) {
				return false
			}
			addr := &PreferredAddress{}
			if !addr.unmarshal(raw) {
				return false
			}
			s.PreferredAddress = addr
		case parameterActiveConnectionIDLimit:
			if !b.readVarint(&s.ActiveConnectionIDLimit) {
				return false
			}
		case parameterInitialSourceCID:
			if !b.readBytes(&s.InitialSourceCID) {
				return false
			}
		case parameterRetrySourceCID:
			if !b.readBytes(&s.RetrySourceCID) {
				return false
			}
		case parameterMaxDatagramFrameSize:
			if !b.readVarint(&s.MaxDatagramPayloadSize) {
				return false
			}
		default:
			// Unsupported parameter
			var v uint16
			if !b.readUint16(&v) || !b.skip(int(v)) {
				return false
			}
		}
	}
	return true
}

// validate checks parameters a peer is not allowed to send, per
// https://www.rfc-editor.org/rfc/rfc9000.html#section-18.2
// original_destination_connection_id, preferred_address, retry_source_connection_id
// and stateless_reset_token are server-only; a client sending one is a protocol violation.
func (s *Parameters) validate(isClient bool) error {
	if isClient {
		if s.OriginalDestinationCID != nil || s.RetrySourceCID != nil ||
			s.StatelessResetToken != nil || s.PreferredAddress != nil {
			return newError(TransportParameterError, "client must not send server-only parameter")
		}
	}
	return nil
}

func (s *Parameters) log(b []byte) []byte {
	if len(s.OriginalDestinationCID) > 0 {
		b = appendField(b, "original_connection_id", s.OriginalDestinationCID)
	}
	if s.MaxIdleTimeout > 0 {
		b = appendField(b, "max_idle_timeout", uint64(s.MaxIdleTimeout/time.Millisecond))
	}
	if len(s.StatelessResetToken) > 0 {
		b = appendField(b, "stateless_reset_token", s.StatelessResetToken)
	}
	if s.MaxUDPPayloadSize > 0 {
		b = appendField(b, "max_udp_payload_size", s.MaxUDPPayloadSize)
	}
	if s.InitialMaxData > 0 {
		b = appendField(b, "initial_max_data", s.InitialMaxData)
	}
	if s.InitialMaxStreamDataBidiLocal > 0 {
		b = appendField(b, "initial_max_stream_data_bidi_local", s.InitialMaxStreamDataBidiLocal)
	}
	if s.InitialMaxStreamDataBidiRemote > 0 {
		b = appendField(b, "initial_max_stream_data_bidi_remote", s.InitialMaxStreamDataBidiRemote)
	}
	if s.InitialMaxStreamDataUni > 0 {
		b = appendField(b, "initial_max_stream_data_uni", s.InitialMaxStreamDataUni)
	}
	if s.InitialMaxStreamsBidi > 0 {
		b = appendField(b, "initial_max_streams_bidi", s.InitialMaxStreamsBidi)
	}
	if s.InitialMaxStreamsUni > 0 {
		b = appendField(b, "initial_max_streams_uni", s.InitialMaxStreamsUni)
	}
	if s.AckDelayExponent > 0 {
		b = appendField(b, "ack_delay_exponent", s.AckDelayExponent)
	}
	if s.MaxAckDelay > 0 {
		b = appendField(b, "max_ack_delay", uint64(s.MaxAckDelay/time.Millisecond))
	}
	if s.DisableActiveMigration {
		b = appendField(b, "disable_active_migration", true)
	}
	if s.ActiveConnectionIDLimit > 0 {
		b = appendField(b, "active_connection_id_limit", s.ActiveConnectionIDLimit)
	}
	if len(s.InitialSourceCID) > 0 {
		b = appendField(b, "initial_source_connection_id", s.InitialSourceCID)
	}
	if len(s.RetrySourceCID) > 0 {
		b = appendField(b, "retry_source_connection_id", s.RetrySourceCID)
	}
	if s.MaxDatagramPayloadSize > 0 {
		b = appendField(b, "max_datagram_frame_size", s.MaxDatagramPayloadSize)
	}
	return b
}

type tlsExtension []byte

func (s *tlsExtension) addUint16(v uint16) {
	*s = append(*s, uint8(v>>8), uint8(v))
}

func (s *tlsExtension) readUint16(v *uint16) bool {
	b := *s
	if len(b) < 2 {
		return false
	}
	*v = binary.BigEndian.Uint16(b)
	*s = b[2:]
	return true
}

func (s *tlsExtension) readVarint(v *uint64) bool {
	var n uint16
	if !s.readUint16(&n) {
		return false
	}
	b := *s
	if len(b) < int(n) {
		return false
	}
	if getVarint(b, v) != int(n) {
		return false
	}
	*s = b[n:]
	return true
}

func (s *tlsExtension) readBytes(v *[]byte) bool {
	var n uint16
	if !s.readUint16(&n) {
		return false
	}
	b := *s
	if len(b) < int(n) {
		return false
	}
	*v = b[:n]
	*s = b[n:]
	return true
}

func (s *tlsExtension) addBytes(v []byte) {
	s.addUint16(uint16(len(v)))
	*s = append(*s, v...)
}

func (s *tlsExtension) addVarint(v uint64) {
	n := varintLen(v)
	s.addUint16(uint16(n))
	*s = appendVarint(*s, v, n)
}

func (s *tlsExtension) skip(n int) bool {
	b := *s
	if len(b) < n {
		return false
	}
	*s = b[n:]
	return true
}

func (s tlsExtension) empty() bool {
	return len(s) == 0
}

type tlsHandshake struct {
	conn      *Conn
	tlsConfig *tls.Config
	tlsConn   *tls13.Conn
}

func (s *tlsHandshake) init(conn *Conn, config *tls.Config) {
	s.conn = conn
	s.tlsConfig = config
	if conn.isClient {
		s.tlsConn = tls13.Client(s, s.tlsConfig)
	} else {
		s.tlsConn = tls13.Server(s, s.tlsConfig)
	}
}

func (s *tlsHandshake) doHandshake() error {
	err := s.tlsConn.Handshake()
	if err != nil && err != tls13.ErrWantRead {
		alert := uint64(s.tlsConn.Alert())
		return newError(CryptoError+alert, "%v", err)
	}
	return nil
}

func (s *tlsHandshake) HandshakeComplete() bool {
	return s.tlsConn.ConnectionState().HandshakeComplete
}

func (s *tlsHandshake) writeSpace() packetSpace {
	level := s.tlsConn.WriteLevel()
	switch level {
	case tls13.EncryptionLevelInitial:
		return packetSpaceInitial
	case tls13.EncryptionLevelHandshake:
		return packetSpaceHandshake
	case tls13.EncryptionLevelApplication:
		return packetSpaceApplication
	}
	panic(fmt.Sprintf("unsupported TLS write level: %d", level))
}

func (s *tlsHandshake) reset() {
	if s.conn.isClient {
		s.tlsConn = tls13.Client(s, s.tlsConfig)
	} else {
		s.tlsConn = tls13.Server(s, s.tlsConfig)
	}
}

func (s *tlsHandshake) ReadRecord(level tls13.EncryptionLevel, b []byte) (int, error) {
	space := s.packetNumberSpace(level)
	return space.cryptoStream.Read(b)
}

func (s *tlsHandshake) WriteRecord(level tls13.EncryptionLevel, b []byte) (int, error) {
	space := s.packetNumberSpace(level)
	return space.cryptoStream.Write(b)
}

func (s *tlsHandshake) SetSecrets(level tls13.EncryptionLevel, readSecret, writeSecret []byte) error {
	debug("set secret level=%d read=%d write=%d", level, len(readSecret), len(writeSecret))
	space := s.packetNumberSpace(level)
	cipher := tls13.CipherSuiteByID(s.tlsConn.ConnectionState().CipherSuite)
	if cipher == nil {
		return fmt.Errorf("connection not yet handshaked")
	}
	if readSecret != nil {
		if err := space.opener.init(cipher, readSecret); err != nil {
			return err
		}
	}
	if writeSecret != nil {
		if err := space.sealer.init(cipher, writeSecret); err != nil {
			return err
		}
	}
	return nil
}

func (s *tlsHandshake) setTransportParams(params *Parameters) {
	s.tlsConn.SetQUICTransportParams(params.marshal())
}

func (s *tlsHandshake) peerTransportParams() *Parameters {
	b := s.tlsConn.PeerQUICTransportParams()
	if len(b) == 0 {
		return nil
	}
	params := &Parameters{}
	if !params.unmarshal(b) {
		return nil
	}
	return params
}

func (s *tlsHandshake) packetNumberSpace(level tls13.EncryptionLevel) *packetNumberSpace {
	space := packetSpaceFromEncryptionLevel(level)
	return &s.conn.packetNumberSpaces[space]
}

func packetSpaceFromEncryptionLevel(level tls13.EncryptionLevel) packetSpace {
	switch level {
	case tls13.EncryptionLevelInitial:
		return packetSpaceInitial
	case tls13.EncryptionLevelHandshake:
		return packetSpaceHandshake
	case tls13.EncryptionLevelApplication:
		return packetSpaceApplication
	default:
		panic(fmt.Sprintf("unsupported encryption level: %v", level))
	}
}
