package exchange

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

func testPeer(port int) transport.PeerAddress {
	return transport.NewPeerAddress(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}

func newTestTransaction(peer transport.PeerAddress, mid uint16, timeout time.Duration, now time.Time) *Transaction {
	return &Transaction{
		Peer:      peer,
		MessageID: mid,
		data:      []byte{0x40, 0x01, byte(mid >> 8), byte(mid)},
		timeout:   timeout,
		deadline:  now.Add(timeout),
	}
}

func TestTransactionTableComplete(t *testing.T) {
	table := NewTransactionTable()
	peer := testPeer(5683)
	tx := newTestTransaction(peer, 10, time.Second, time.Now())

	if err := table.Add(tx); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := table.Add(newTestTransaction(peer, 10, time.Second, time.Now())); err != ErrTransactionExists {
		t.Errorf("duplicate Add() error = %v, want %v", err, ErrTransactionExists)
	}

	got, ok := table.Complete(peer.Key(), 10)
	if !ok || got != tx {
		t.Fatalf("Complete() = %v, %v", got, ok)
	}
	if tx.state != TransactionCompleted {
		t.Errorf("state = %v, want Completed", tx.state)
	}

	// A duplicate ACK is a no-op.
	if _, ok := table.Complete(peer.Key(), 10); ok {
		t.Error("second Complete() succeeded")
	}
	if table.Count() != 0 {
		t.Errorf("Count() = %d, want 0", table.Count())
	}
}

func TestTransactionTableExpire(t *testing.T) {
	table := NewTransactionTable()
	now := time.Unix(0, 0)
	tx := newTestTransaction(testPeer(5683), 1, 100*time.Millisecond, now)
	table.Add(tx)

	deadline := tx.deadline
	var timeouts []time.Duration
	for i := 0; i < 3; i++ {
		now = deadline
		action, next := table.expire(tx, deadline, 3, now)
		if action != expireResend {
			t.Fatalf("expire #%d = %v, want resend", i, action)
		}
		timeouts = append(timeouts, next.Sub(now))
		deadline = next
	}

	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i := range want {
		if timeouts[i] != want[i] {
			t.Errorf("timeout #%d = %v, want %v", i, timeouts[i], want[i])
		}
	}

	// A stale deadline is ignored.
	if action, _ := table.expire(tx, time.Unix(0, 0), 3, now); action != expireIgnore {
		t.Errorf("stale expire = %v, want ignore", action)
	}

	if action, _ := table.expire(tx, deadline, 3, deadline); action != expireFail {
		t.Errorf("final expire = %v, want fail", action)
	}
	if tx.state != TransactionFailed || table.Count() != 0 {
		t.Errorf("state = %v, count = %d", tx.state, table.Count())
	}
}

func TestTransactionTableAckBeatsTimer(t *testing.T) {
	table := NewTransactionTable()
	tx := newTestTransaction(testPeer(5683), 1, time.Millisecond, time.Now())
	table.Add(tx)

	table.Complete(tx.Peer.Key(), 1)
	if action, _ := table.expire(tx, tx.deadline, 4, time.Now()); action != expireIgnore {
		t.Errorf("expire after ACK = %v, want ignore", action)
	}
}

func TestTransactionTableCancelAndClear(t *testing.T) {
	table := NewTransactionTable()
	peer := testPeer(5683)
	a := newTestTransaction(peer, 1, time.Second, time.Now())
	b := newTestTransaction(peer, 2, time.Second, time.Now())
	table.Add(a)
	table.Add(b)

	if !table.Cancel(a) {
		t.Fatal("Cancel() = false")
	}
	if table.Cancel(a) {
		t.Error("second Cancel() = true")
	}
	if _, ok := table.Complete(peer.Key(), 1); ok {
		t.Error("Complete() after Cancel() succeeded")
	}

	cleared := table.Clear()
	if len(cleared) != 1 || cleared[0] != b {
		t.Errorf("Clear() = %v", cleared)
	}
	if b.state != TransactionCancelled {
		t.Errorf("state = %v, want Cancelled", b.state)
	}
}

func TestSchedulerOrdering(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []uint16
		done  = make(chan struct{})
	)
	s := NewScheduler(func(tx *Transaction, _ time.Time) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, tx.MessageID)
		if len(fired) == 3 {
			close(done)
		}
	})
	defer s.Close()

	now := time.Now()
	peer := testPeer(5683)
	s.Schedule(&Transaction{Peer: peer, MessageID: 3}, now.Add(60*time.Millisecond))
	s.Schedule(&Transaction{Peer: peer, MessageID: 1}, now.Add(20*time.Millisecond))
	s.Schedule(&Transaction{Peer: peer, MessageID: 2}, now.Add(40*time.Millisecond))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, mid := range []uint16{1, 2, 3} {
		if fired[i] != mid {
			t.Errorf("fired = %v, want [1 2 3]", fired)
			break
		}
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestSchedulerEarlierDeadlineWakes(t *testing.T) {
	fired := make(chan uint16, 2)
	s := NewScheduler(func(tx *Transaction, _ time.Time) { fired <- tx.MessageID })
	defer s.Close()

	peer := testPeer(5683)
	s.Schedule(&Transaction{Peer: peer, MessageID: 1}, time.Now().Add(time.Hour))
	s.Schedule(&Transaction{Peer: peer, MessageID: 2}, time.Now().Add(10*time.Millisecond))

	select {
	case mid := <-fired:
		if mid != 2 {
			t.Errorf("fired %d first, want 2", mid)
		}
	case <-time.After(time.Second):
		t.Fatal("earlier deadline did not wake the scheduler")
	}
}

func TestTransactionData(t *testing.T) {
	data, _ := message.Encode(message.NewEmpty(message.Acknowledgement, 9))
	tx := &Transaction{data: data}
	if len(tx.Data()) != message.HeaderSize {
		t.Errorf("Data() = %x", tx.Data())
	}
}
