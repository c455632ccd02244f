// Package probe determines the local UDP socket address a client should
// report in its ICE and domain-connect handshake packets.
package probe

import (
	"net"
	"net/netip"
	"time"
)

// rendezvousProbeAddr is dialed (never written to) purely to let the kernel
// pick a local address/interface as it would for real domain traffic.
const rendezvousProbeAddr = "8.8.8.8:53"

// LocalAddress is the outcome of a local-address guess: the address found
// (if any) and whether a socket-based check was actually performed. The
// original HifiConnection sets has_checked_local_socket in both the
// success and fallback paths, so IPs reported from either source are
// treated the same by callers.
type LocalAddress struct {
	Addr    netip.Addr
	Checked bool
}

// Guess determines the local IPv4 address to present in handshake packets.
// It first tries to open a UDP socket toward an external address and read
// back the local address the kernel assigned; if that fails it falls back
// to scanning network interfaces for the first up, running, non-loopback
// interface with an IPv4 address.
//
// The original C++ fallback (GetGuessedLocalAddress) loops over
// interface.addressEntries() with no upper bound on its index variable,
// looping forever on any interface whose address entries all fail the
// filter. The corrected form here bounds the loop by the entry count.
func Guess() LocalAddress {
	if addr, ok := dialLocalAddr(); ok {
		return LocalAddress{Addr: addr, Checked: true}
	}
	if addr, ok := firstInterfaceAddr(); ok {
		return LocalAddress{Addr: addr, Checked: true}
	}
	return LocalAddress{Checked: true}
}

func dialLocalAddr() (netip.Addr, bool) {
	conn, err := net.DialTimeout("udp", rendezvousProbeAddr, 2*time.Second)
	if err != nil {
		return netip.Addr{}, false
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(local.IP.To4())
	if !ok {
		return netip.Addr{}, false
	}
	return addr, true
}

func firstInterfaceAddr() (netip.Addr, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagRunning == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for j := 0; j < len(addrs); j++ {
			ipNet, ok := addrs[j].(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.IsLoopback() {
				continue
			}
			v4 := ipNet.IP.To4()
			if v4 == nil {
				continue
			}
			addr, ok := netip.AddrFromSlice(v4)
			if !ok {
				continue
			}
			return addr, true
		}
	}
	return netip.Addr{}, false
}
