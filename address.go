package quic

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// AddressVerifier generates and validates retry tokens used to confirm a
// client owns the address it claims before the server commits any
// per-connection state to it,
// https://www.rfc-editor.org/rfc/rfc9000.html#section-8.1.2
type AddressVerifier interface {
	// NewToken creates a retry token binding addr and rscid (the connection
	// id the server chose for the Retry packet) to odcid, the original
	// destination connection id the client must be told to remember.
	NewToken(addr net.Addr, rscid, odcid []byte) []byte
	// VerifyToken recovers odcid from token if it was issued for addr and
	// rscid and has not expired, or returns nil otherwise.
	VerifyToken(addr net.Addr, rscid, token []byte) []byte
}

// tokenValidity bounds how long a retry token remains acceptable.
const tokenValidity = 10 * time.Second

type addressVerifier struct {
	aead   cipherAEAD
	timeFn func() time.Time
}

// cipherAEAD is the subset of cipher.AEAD used here, kept narrow so tests do
// not need to depend on the concrete chacha20poly1305 type.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewAddressVerifier creates an AddressVerifier backed by a freshly
// generated key. It panics if the system's secure random source fails.
func NewAddressVerifier() AddressVerifier {
	v, err := newAddressVerifier()
	if err != nil {
		panic(err)
	}
	return v
}

func newAddressVerifier() (*addressVerifier, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &addressVerifier{
		aead:   aead,
		timeFn: time.Now,
	}, nil
}

func (s *addressVerifier) additionalData(addr net.Addr, rscid []byte) []byte {
	b := []byte(addr.String())
	return append(b, rscid...)
}

// NewToken seals the current time and odcid into a token only VerifyToken
// called with the same addr and rscid can open.
func (s *addressVerifier) NewToken(addr net.Addr, rscid, odcid []byte) []byte {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failing is unrecoverable; a token that cannot be
		// generated simply fails later verification.
		return nil
	}
	plain := make([]byte, 8+len(odcid))
	binary.BigEndian.PutUint64(plain, uint64(s.timeFn().UnixNano()))
	copy(plain[8:], odcid)
	sealed := s.aead.Seal(nil, nonce, plain, s.additionalData(addr, rscid))
	return append(nonce, sealed...)
}

// VerifyToken returns the odcid sealed in token, or nil if token was not
// issued for addr and rscid, was tampered with, or has expired.
func (s *addressVerifier) VerifyToken(addr net.Addr, rscid, token []byte) []byte {
	n := s.aead.NonceSize()
	if len(token) < n {
		return nil
	}
	nonce, sealed := token[:n], token[n:]
	plain, err := s.aead.Open(nil, nonce, sealed, s.additionalData(addr, rscid))
	if err != nil || len(plain) < 8 {
		return nil
	}
	issued := time.Unix(0, int64(binary.BigEndian.Uint64(plain)))
	if s.timeFn().Sub(issued) > tokenValidity {
		return nil
	}
	return plain[8:]
}

// CIDIssuer allocates new connection ids, embedding a server identifier so a
// load balancer can route subsequent packets for a connection back to the
// server that created it,
// https://www.ietf.org/archive/id/draft-ietf-quic-load-balancers-15.html
type CIDIssuer interface {
	NewCID() ([]byte, error)
	CIDLength() int
}

type serverCIDIssuer struct {
	encodedID []byte
}

// NewServerCIDIssuer creates a CIDIssuer that prefixes every connection id
// it allocates with a varint encoding of id, so packets can be routed back
// to this server instance.
func NewServerCIDIssuer(id uint) CIDIssuer {
	b := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(b, uint64(id))
	return &serverCIDIssuer{encodedID: b[:n]}
}

func (s *serverCIDIssuer) CIDLength() int {
	return cidLength
}

func (s *serverCIDIssuer) NewCID() ([]byte, error) {
	cid := make([]byte, cidLength)
	cid[0] = byte(cidLength)
	n := copy(cid[1:], s.encodedID)
	if _, err := rand.Read(cid[1+n:]); err != nil {
		return nil, err
	}
	return cid, nil
}

// decodeServerID recovers the server identifier previously encoded by
// serverCIDIssuer.NewCID from the bytes following the length prefix.
func decodeServerID(b []byte) (uint64, int) {
	return binary.Uvarint(b)
}
