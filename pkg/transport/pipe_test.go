package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func readAsync(conn net.PacketConn) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			close(out)
			return
		}
		out <- append([]byte(nil), buf[:n]...)
	}()
	return out
}

func TestPipeAutoProcess(t *testing.T) {
	f0, f1 := NewPipeFactoryPair()
	defer f0.Pipe().Close()

	conn0, _ := f0.CreateUDPConn(DefaultPort)
	conn1, _ := f1.CreateUDPConn(DefaultPort)

	got := readAsync(conn1)
	conn0.WriteTo([]byte("auto"), f0.PeerAddr())

	select {
	case data := <-got:
		if string(data) != "auto" {
			t.Errorf("read %q, want %q", data, "auto")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for auto-delivered datagram")
	}
}

func TestPipeManualProcess(t *testing.T) {
	f0, f1 := NewPipeFactoryPairWithConfig(PipeConfig{AutoProcess: false})
	defer f0.Pipe().Close()

	conn0, _ := f0.CreateUDPConn(DefaultPort)
	conn1, _ := f1.CreateUDPConn(DefaultPort)

	got := readAsync(conn1)
	conn0.WriteTo([]byte("manual"), f0.PeerAddr())

	select {
	case <-got:
		t.Fatal("datagram delivered without Process()")
	case <-time.After(50 * time.Millisecond):
	}

	if n := f0.Pipe().Process(); n != 1 {
		t.Errorf("Process() = %d, want 1", n)
	}

	select {
	case data := <-got:
		if string(data) != "manual" {
			t.Errorf("read %q, want %q", data, "manual")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout after Process()")
	}
}

func TestPipeDropNext(t *testing.T) {
	f0, f1 := NewPipeFactoryPairWithConfig(PipeConfig{AutoProcess: false})
	defer f0.Pipe().Close()

	conn0, _ := f0.CreateUDPConn(DefaultPort)
	conn1, _ := f1.CreateUDPConn(DefaultPort)

	got := readAsync(conn1)
	time.Sleep(10 * time.Millisecond)

	f0.Pipe().DropNext(0, 2)
	for _, s := range []string{"one", "two", "three"} {
		if _, err := conn0.WriteTo([]byte(s), nil); err != nil {
			t.Fatalf("WriteTo() error = %v", err)
		}
	}
	f0.Pipe().Process()

	select {
	case data := <-got:
		if string(data) != "three" {
			t.Errorf("read %q, want %q", data, "three")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for surviving datagram")
	}
}

func TestPipeDuplicate(t *testing.T) {
	f0, f1 := NewPipeFactoryPair()
	defer f0.Pipe().Close()
	f0.SetCondition(NetworkCondition{DuplicateRate: 1})

	conn0, _ := f0.CreateUDPConn(DefaultPort)
	conn1, _ := f1.CreateUDPConn(DefaultPort)

	conn0.WriteTo([]byte("x"), nil)

	for i := 0; i < 2; i++ {
		select {
		case data := <-readAsync(conn1):
			if string(data) != "x" {
				t.Errorf("copy %d = %q", i, data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for copy %d", i)
		}
	}
}

func TestPipeManagerPair(t *testing.T) {
	received := make(chan *ReceivedMessage, 1)
	pair, err := NewPipeManagerPair(PipeManagerConfig{
		Handlers: [2]MessageHandler{
			func(*ReceivedMessage) {},
			func(msg *ReceivedMessage) { received <- msg },
		},
	})
	if err != nil {
		t.Fatalf("NewPipeManagerPair() error = %v", err)
	}
	defer pair.Close()

	data := []byte{0x40, 0x00, 0x00, 0x01}
	if err := pair.Manager(0).Send(data, pair.PeerAddress(1)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if !bytes.Equal(msg.Data, data) {
			t.Errorf("received %x, want %x", msg.Data, data)
		}
		if msg.PeerAddr.Key() != pair.PeerAddress(0).Key() {
			t.Errorf("PeerAddr = %v, want %v", msg.PeerAddr, pair.PeerAddress(0))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for datagram")
	}

	if pair.Manager(2) != nil {
		t.Error("Manager(2) should be nil")
	}
}
