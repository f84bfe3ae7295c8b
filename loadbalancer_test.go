package quic

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBalancerRouteByServerID(t *testing.T) {
	lb := NewLoadBalancer(cidLength)
	backendA := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4433}
	backendB := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4433}
	require.NoError(t, lb.AddServer(1, backendA.String()))
	require.NoError(t, lb.AddServer(2, backendB.String()))

	issuerA := NewServerCIDIssuer(1)
	cidA, err := issuerA.NewCID()
	require.NoError(t, err)

	issuerB := NewServerCIDIssuer(2)
	cidB, err := issuerB.NewCID()
	require.NoError(t, err)

	require.Equal(t, backendA.String(), lb.route(cidA).String())
	require.Equal(t, backendB.String(), lb.route(cidB).String())
}

func TestLoadBalancerRouteCachesClientCID(t *testing.T) {
	lb := NewLoadBalancer(cidLength)
	backend := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4433}
	require.NoError(t, lb.AddServer(7, backend.String()))

	issuer := NewServerCIDIssuer(7)
	cid, err := issuer.NewCID()
	require.NoError(t, err)

	first := lb.route(cid)
	require.NotNil(t, first)

	lb.peersMu.Lock()
	_, cached := lb.clientCIDs[string(cid)]
	lb.peersMu.Unlock()
	require.True(t, cached, "route should cache the resolved backend for this cid")

	require.Equal(t, first.String(), lb.route(cid).String())
}

func TestLoadBalancerRouteFallsBackToAnyServer(t *testing.T) {
	lb := NewLoadBalancer(cidLength)
	backend := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4433}
	require.NoError(t, lb.AddServer(3, backend.String()))

	unknownCID := make([]byte, cidLength)
	unknownCID[0] = byte(cidLength)

	addr := lb.route(unknownCID)
	require.NotNil(t, addr)
	require.Equal(t, backend.String(), addr.String())
}

func TestLoadBalancerAnyServerEmpty(t *testing.T) {
	lb := NewLoadBalancer(cidLength)
	require.Nil(t, lb.anyServer())
}
