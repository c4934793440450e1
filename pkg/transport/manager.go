package transport

import (
	"fmt"
	"net"

	"github.com/pion/logging"
)

// Manager owns the datagram socket of one CoAP endpoint. It implements the
// Send side the exchange layer depends on and feeds inbound datagrams to
// the configured handler.
type Manager struct {
	lifecycle

	udp *UDP
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Address selection, highest precedence first: UDPConn, ListenAddr
	// (e.g. "127.0.0.1:0"), then ":Port". Port defaults to DefaultPort.
	UDPConn    net.PacketConn
	ListenAddr string
	Port       int

	// MessageHandler receives every inbound datagram. Required.
	MessageHandler MessageHandler

	LoggerFactory logging.LoggerFactory
}

// NewManager binds the socket. Datagrams flow after Start.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	addr := config.ListenAddr
	if addr == "" {
		port := config.Port
		if port == 0 {
			port = DefaultPort
		}
		addr = fmt.Sprintf(":%d", port)
	}

	udp, err := NewUDP(UDPConfig{
		Conn:           config.UDPConn,
		ListenAddr:     addr,
		MessageHandler: config.MessageHandler,
		LoggerFactory:  config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
	}

	return &Manager{udp: udp}, nil
}

// Start begins delivering datagrams.
func (m *Manager) Start() error {
	if err := m.start(); err != nil {
		return err
	}
	return m.udp.Start()
}

// Stop closes the socket. A second call returns ErrClosed.
func (m *Manager) Stop() error {
	if err := m.stop(); err != nil {
		return err
	}
	if err := m.udp.Stop(); err != nil && err != ErrClosed {
		return fmt.Errorf("transport: stop: %w", err)
	}
	return nil
}

// Send writes one datagram to peer.
func (m *Manager) Send(data []byte, peer PeerAddress) error {
	if m.isClosed() {
		return ErrClosed
	}
	if !peer.IsValid() {
		return ErrInvalidAddress
	}
	return m.udp.Send(data, peer.Addr)
}

// LocalAddr returns the bound address.
func (m *Manager) LocalAddr() net.Addr {
	return m.udp.LocalAddr()
}

// UDP returns the underlying UDP transport.
func (m *Manager) UDP() *UDP {
	return m.udp
}
