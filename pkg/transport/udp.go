package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = 5683

// readBufferSize bounds a single inbound datagram. Larger than
// message.MaxMessageSize so peers using bigger datagrams are still read whole.
const readBufferSize = 1 << 16

// UDP reads datagrams from a net.PacketConn and hands each one to a
// MessageHandler. Any PacketConn works, including PipePacketConn.
type UDP struct {
	lifecycle

	conn    net.PacketConn
	handler MessageHandler
	log     logging.LeveledLogger
	wg      sync.WaitGroup
}

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// Conn is used as is when set. Otherwise ListenAddr is bound, ":0" if
	// empty.
	Conn       net.PacketConn
	ListenAddr string

	// MessageHandler receives every datagram. Required.
	MessageHandler MessageHandler

	LoggerFactory logging.LoggerFactory
}

// NewUDP binds the transport. Reading begins with Start.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	conn := config.Conn
	if conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		var err error
		if conn, err = net.ListenPacket("udp", addr); err != nil {
			return nil, err
		}
	}

	return &UDP{
		conn:    conn,
		handler: config.MessageHandler,
		log:     newLogger(config.LoggerFactory, "transport-udp"),
	}, nil
}

// Start launches the read loop.
func (u *UDP) Start() error {
	if err := u.start(); err != nil {
		return err
	}
	u.log.Infof("listening on %s", u.conn.LocalAddr())
	u.wg.Add(1)
	go u.readLoop()
	return nil
}

// Stop closes the connection and waits for the read loop to return.
func (u *UDP) Stop() error {
	if err := u.stop(); err != nil {
		return err
	}
	u.log.Infof("closing %s", u.conn.LocalAddr())

	// The deadline unblocks ReadFrom on conns whose Close does not.
	u.conn.SetReadDeadline(time.Now())
	if err := u.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		u.log.Debugf("close: %v", err)
	}
	u.wg.Wait()
	return nil
}

// Send writes one datagram to addr. Datagrams above message.MaxMessageSize
// are refused.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	switch {
	case u.isClosed():
		return ErrClosed
	case addr == nil:
		return ErrInvalidAddress
	case len(data) > message.MaxMessageSize:
		return ErrMessageTooLarge
	}

	u.log.Tracef("-> %v (%d bytes)", addr, len(data))
	if _, err := u.conn.WriteTo(data, addr); err != nil {
		u.log.Warnf("write to %v: %v", addr, err)
		return err
	}
	return nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// readLoop runs until the connection is closed. Other read errors, such as
// ICMP unreachable reports surfacing on the socket, are logged and skipped.
func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		switch {
		case err == nil:
		case u.isClosed(), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			u.log.Warnf("read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		u.log.Tracef("<- %v (%d bytes)", addr, n)
		u.handler(&ReceivedMessage{
			Data:     append([]byte(nil), buf[:n]...),
			PeerAddr: NewPeerAddress(addr),
		})
	}
}
