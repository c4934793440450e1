package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pion/logging"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		config  ManagerConfig
		wantErr bool
	}{
		{"listen address", ManagerConfig{ListenAddr: "127.0.0.1:0", MessageHandler: discard}, false},
		{"with logger", ManagerConfig{ListenAddr: "127.0.0.1:0", MessageHandler: discard, LoggerFactory: logging.NewDefaultLoggerFactory()}, false},
		{"no handler", ManagerConfig{ListenAddr: "127.0.0.1:0"}, true},
		{"bad address", ManagerConfig{ListenAddr: "not-an-address", MessageHandler: discard}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer m.Stop()
			if m.UDP() == nil || m.LocalAddr() == nil {
				t.Error("NewManager() left the socket unbound")
			}
		})
	}

	if _, err := NewManager(ManagerConfig{}); err != ErrNoHandler {
		t.Errorf("NewManager({}) error = %v, want %v", err, ErrNoHandler)
	}
}

func TestManager_Lifecycle(t *testing.T) {
	m, err := NewManager(ManagerConfig{ListenAddr: "127.0.0.1:0", MessageHandler: discard})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	peer, _ := ResolvePeerAddress("127.0.0.1:5683")
	steps := []struct {
		name string
		op   func() error
		want error
	}{
		{"start", m.Start, nil},
		{"start twice", m.Start, ErrAlreadyStarted},
		{"stop", m.Stop, nil},
		{"stop twice", m.Stop, ErrClosed},
		{"start after stop", m.Start, ErrClosed},
		{"send after stop", func() error { return m.Send([]byte{0x40}, peer) }, ErrClosed},
	}
	for _, s := range steps {
		if err := s.op(); err != s.want {
			t.Errorf("%s: error = %v, want %v", s.name, err, s.want)
		}
	}
}

func TestManager_Send(t *testing.T) {
	received := make(chan *ReceivedMessage, 1)

	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	server, err := NewManager(ManagerConfig{
		UDPConn:        serverConn,
		MessageHandler: func(m *ReceivedMessage) { received <- m },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	client, err := NewManager(ManagerConfig{ListenAddr: "127.0.0.1:0", MessageHandler: discard})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	for _, m := range []*Manager{server, client} {
		if err := m.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer m.Stop()
	}

	// Empty CON, MID 0x002a.
	ping := []byte{0x40, 0x00, 0x00, 0x2a}
	if err := client.Send(ping, NewPeerAddress(server.LocalAddr())); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case m := <-received:
		if !bytes.Equal(m.Data, ping) {
			t.Errorf("received %x, want %x", m.Data, ping)
		}
		if m.PeerAddr.Key() != NewPeerAddress(client.LocalAddr()).Key() {
			t.Errorf("PeerAddr = %v, want %v", m.PeerAddr, client.LocalAddr())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for datagram")
	}

	if err := client.Send(ping, PeerAddress{}); err != ErrInvalidAddress {
		t.Errorf("Send(zero peer) error = %v, want %v", err, ErrInvalidAddress)
	}
}
