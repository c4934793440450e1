package transport

import (
	"net"
)

// PeerAddress identifies a remote CoAP endpoint. It is comparable and is
// used as part of map keys by the exchange layer.
type PeerAddress struct {
	// Addr is the network address of the peer.
	Addr net.Addr
}

// String returns a human-readable representation of the peer address.
func (p PeerAddress) String() string {
	if p.Addr == nil {
		return "udp:<nil>"
	}
	return p.Addr.Network() + ":" + p.Addr.String()
}

// Key returns a string that identifies the peer independent of the
// concrete net.Addr implementation. Two addresses for the same host and
// port yield the same key.
func (p PeerAddress) Key() string {
	if p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}

// IsValid returns true if the peer address carries a network address.
func (p PeerAddress) IsValid() bool {
	return p.Addr != nil
}

// NewPeerAddress creates a PeerAddress for a datagram peer.
func NewPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr}
}

// ResolvePeerAddress parses a host:port string into a UDP PeerAddress.
func ResolvePeerAddress(addr string) (PeerAddress, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return NewPeerAddress(udpAddr), nil
}
