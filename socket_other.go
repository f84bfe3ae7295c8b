//go:build !linux

package quic

import "net"

// setDontFragment is a no-op on platforms where the DF socket option is not
// wired up; the socket keeps the OS's default fragmentation behavior.
func setDontFragment(net.PacketConn) {}
