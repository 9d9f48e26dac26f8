package gridlink

import (
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// PeerKey names one peer process: network address plus listening port.
// It is an immutable value type, usable as a map key; two keys are equal
// iff their address bytes and port are equal.
type PeerKey struct {
	addr netip.Addr
	port uint16
}

// NewPeerKey builds a key from an address and port. IPv4-mapped IPv6
// addresses are unmapped so the same host always produces the same key.
func NewPeerKey(addr netip.Addr, port uint16) PeerKey {
	return PeerKey{addr: addr.Unmap(), port: port}
}

// PeerKeyFromAddrPort converts a netip.AddrPort.
func PeerKeyFromAddrPort(ap netip.AddrPort) PeerKey {
	return NewPeerKey(ap.Addr(), ap.Port())
}

// ParsePeerKey parses "ip:port" text form.
func ParsePeerKey(s string) (PeerKey, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return PeerKey{}, fmt.Errorf("parse peer key %q: %w", s, err)
	}
	return PeerKeyFromAddrPort(ap), nil
}

func (k PeerKey) Addr() netip.Addr { return k.addr }
func (k PeerKey) Port() uint16     { return k.port }

// IsValid reports whether the key holds a real address.
func (k PeerKey) IsValid() bool { return k.addr.IsValid() }

// Compare gives the canonical total order: unsigned on the address bytes,
// then on the port. The order is stable across processes and is used for
// deterministic tie-breaking elsewhere in the cluster, so it must never
// depend on anything but the key's own bytes.
func (k PeerKey) Compare(o PeerKey) int {
	if c := k.addr.Compare(o.addr); c != 0 {
		return c
	}
	switch {
	case k.port < o.port:
		return -1
	case k.port > o.port:
		return 1
	}
	return 0
}

// Less is a convenience for sorting.
func (k PeerKey) Less(o PeerKey) bool { return k.Compare(o) < 0 }

func (k PeerKey) String() string {
	return netip.AddrPortFrom(k.addr, k.port).String()
}

// Hash64 returns a stable 64-bit hash of the key's identity. Always hashes
// the 16-byte form so the value does not depend on the process address mode.
func (k PeerKey) Hash64() uint64 {
	b := k.addr.As16()
	var buf [18]byte
	copy(buf[:16], b[:])
	buf[16] = byte(k.port)
	buf[17] = byte(k.port >> 8)
	return xxhash.Sum64(buf[:])
}

// PeerKeyWireSize is the serialized size under the given address mode:
// 4 or 16 raw address bytes plus a 2-byte port. The wire form is not
// self-describing; both sides must agree on the mode.
func PeerKeyWireSize(ipv6 bool) int {
	if ipv6 {
		return 16 + 2
	}
	return 4 + 2
}

// AppendWire appends the key's wire form. In IPv6 mode IPv4 addresses are
// written in their mapped 16-byte form; an IPv6 address under IPv4 mode is
// a programming-contract violation and panics.
func (k PeerKey) AppendWire(dst []byte, ipv6 bool) []byte {
	if ipv6 {
		a := k.addr.As16()
		dst = append(dst, a[:]...)
	} else {
		if !k.addr.Is4() && !k.addr.Is4In6() {
			panic(fmt.Sprintf("gridlink: IPv6 peer key %v under IPv4 address mode", k))
		}
		a := k.addr.As4()
		dst = append(dst, a[:]...)
	}
	return wireOrder.AppendUint16(dst, k.port)
}

// DecodePeerKey reads a key in wire form, returning the key and the number
// of bytes consumed.
func DecodePeerKey(b []byte, ipv6 bool) (PeerKey, int, error) {
	n := PeerKeyWireSize(ipv6)
	if len(b) < n {
		return PeerKey{}, 0, fmt.Errorf("short peer key: have %d bytes, want %d", len(b), n)
	}
	var addr netip.Addr
	if ipv6 {
		addr = netip.AddrFrom16([16]byte(b[:16]))
	} else {
		addr = netip.AddrFrom4([4]byte(b[:4]))
	}
	port := wireOrder.Uint16(b[n-2:])
	return NewPeerKey(addr, port), n, nil
}
