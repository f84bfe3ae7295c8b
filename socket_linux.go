//go:build linux

package quic

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDontFragment disables IP fragmentation on the socket so Path MTU
// Discovery failures surface as ICMP errors instead of silently
// fragmenting oversized datagrams, as RFC 9000 Section 14.1 (PMTUD)
// requires when an endpoint wants to detect a usable path MTU.
func setDontFragment(conn net.PacketConn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO)
	})
}
