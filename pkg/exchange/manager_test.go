package exchange

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

type sentDatagram struct {
	data []byte
	peer transport.PeerAddress
	at   time.Time
}

// recordingSender records every datagram instead of sending it, so tests
// can play the remote peer by hand.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentDatagram
	ch   chan sentDatagram
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan sentDatagram, 256)}
}

func (s *recordingSender) Send(data []byte, peer transport.PeerAddress) error {
	d := sentDatagram{data: append([]byte(nil), data...), peer: peer, at: time.Now()}
	s.mu.Lock()
	s.sent = append(s.sent, d)
	s.mu.Unlock()
	select {
	case s.ch <- d:
	default:
	}
	return nil
}

func (s *recordingSender) all() []sentDatagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentDatagram(nil), s.sent...)
}

func (s *recordingSender) nextRaw(t *testing.T) []byte {
	t.Helper()
	select {
	case d := <-s.ch:
		return d.data
	case <-time.After(time.Second):
		t.Fatal("nothing sent")
		return nil
	}
}

func (s *recordingSender) next(t *testing.T) *message.Message {
	t.Helper()
	msg, err := message.Decode(s.nextRaw(t))
	if err != nil {
		t.Fatalf("sent undecodable datagram: %v", err)
	}
	return msg
}

func (s *recordingSender) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case d := <-s.ch:
		msg, _ := message.Decode(d.data)
		t.Fatalf("unexpected datagram: %v", msg)
	case <-time.After(wait):
	}
}

func newTestManager(t *testing.T, sender Sender, mutate func(p *Params)) *Manager {
	t.Helper()
	params := TestParams()
	if mutate != nil {
		mutate(&params)
	}
	m, err := NewManager(ManagerConfig{
		Transport:    sender,
		Params:       params,
		RandomSource: fixedRandom(0),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func inject(t *testing.T, m *Manager, msg *message.Message, peer transport.PeerAddress) {
	t.Helper()
	data, err := message.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	m.OnMessageReceived(&transport.ReceivedMessage{Data: data, PeerAddr: peer})
}

func TestNewManagerRequiresTransport(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err != ErrNoTransport {
		t.Errorf("NewManager() error = %v, want %v", err, ErrNoTransport)
	}

	_, err := NewManager(ManagerConfig{
		Transport: newRecordingSender(),
		Params:    Params{BlockSize: 100},
	})
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("NewManager() error = %v, want %v", err, ErrInvalidParams)
	}
}

func TestManagerLogging(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		name    string
		factory logging.LoggerFactory
		want    bool
	}{
		{"nil factory is silent", nil, false},
		{"factory receives output", &logging.DefaultLoggerFactory{Writer: &buf, DefaultLogLevel: logging.LogLevelError}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf.Reset()
			stderr := os.Stderr
			r, w, err := os.Pipe()
			if err != nil {
				t.Fatal(err)
			}
			os.Stderr = w
			m, err := NewManager(ManagerConfig{Transport: newRecordingSender(), LoggerFactory: tc.factory})
			os.Stderr = stderr
			if err != nil {
				t.Fatalf("NewManager() error = %v", err)
			}
			defer m.Close()

			m.log.Errorf("encoding response failed")
			w.Close()
			leaked, _ := io.ReadAll(r)
			r.Close()

			if len(leaked) != 0 {
				t.Errorf("wrote to stderr: %q", leaked)
			}
			if got := buf.Len() > 0; got != tc.want {
				t.Errorf("factory output = %q, want output %v", buf.String(), tc.want)
			}
		})
	}
}

func TestRetransmissionExhausted(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, func(p *Params) { p.AckRandomFactor = 1.0 })
	ackTimeout := m.Params().AckTimeout

	_, err := m.Request(context.Background(), message.NewRequest(message.GET, "/silent"), testPeer(5683), true)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Request() error = %v, want %v", err, ErrTimeout)
	}

	sent := sender.all()
	if len(sent) != DefaultMaxRetransmit+1 {
		t.Fatalf("sent %d datagrams, want %d", len(sent), DefaultMaxRetransmit+1)
	}

	var prevGap time.Duration
	for i := 1; i < len(sent); i++ {
		if !bytes.Equal(sent[i].data, sent[0].data) {
			t.Errorf("retransmission %d differs from the original", i)
		}
		gap := sent[i].at.Sub(sent[i-1].at)
		want := ackTimeout << (i - 1)
		if gap < want-5*time.Millisecond {
			t.Errorf("gap %d = %v, want >= %v", i, gap, want)
		}
		if gap <= prevGap {
			t.Errorf("gap %d = %v not larger than %v", i, gap, prevGap)
		}
		prevGap = gap
	}

	stats := m.Stats()
	if stats.Timeouts != 1 || stats.Retransmissions != DefaultMaxRetransmit {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ActiveTransactions != 0 {
		t.Errorf("ActiveTransactions = %d after timeout", stats.ActiveTransactions)
	}
}

func TestPiggybackedResponse(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	result := make(chan *message.Message, 1)
	go func() {
		resp, _ := m.Request(context.Background(), message.NewRequest(message.GET, "/temp"), peer, true)
		result <- resp
	}()

	req := sender.next(t)
	if req.Type != message.Confirmable || req.Code != message.GET || req.Path() != "/temp" {
		t.Fatalf("request = %v", req)
	}
	if len(req.Token) != TokenLength {
		t.Errorf("token length = %d", len(req.Token))
	}

	inject(t, m, &message.Message{
		Type:      message.Acknowledgement,
		Code:      message.Content,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   []byte("21.5"),
	}, peer)

	select {
	case resp := <-result:
		if resp == nil || string(resp.Payload) != "21.5" {
			t.Errorf("response = %v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("Request() did not return")
	}
}

func TestSeparateResponse(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	result := make(chan *message.Message, 1)
	go func() {
		resp, _ := m.Request(context.Background(), message.NewRequest(message.GET, "/slow"), peer, true)
		result <- resp
	}()

	req := sender.next(t)
	inject(t, m, message.NewEmpty(message.Acknowledgement, req.MessageID), peer)

	// The empty ACK stops retransmission but does not complete the request.
	sender.expectNothing(t, 3*m.Params().AckTimeout)

	inject(t, m, &message.Message{
		Type:      message.Confirmable,
		Code:      message.Content,
		MessageID: 0x4000,
		Token:     req.Token,
		Payload:   []byte("late"),
	}, peer)

	ack := sender.next(t)
	if ack.Type != message.Acknowledgement || ack.MessageID != 0x4000 || !ack.IsEmpty() {
		t.Errorf("ack = %v", ack)
	}

	select {
	case resp := <-result:
		if string(resp.Payload) != "late" {
			t.Errorf("payload = %q", resp.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Request() did not return")
	}
}

func TestDuplicateConfirmableRequest(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	var calls atomic.Int32
	m.RegisterHandler("/count", HandlerFunc(func(r *Request) (*message.Message, error) {
		calls.Add(1)
		return &message.Message{Code: message.Content, Payload: []byte("1")}, nil
	}))

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 0x1234, Token: []byte{1, 2}}
	req.Options.SetPath("/count")

	inject(t, m, req, peer)
	first := sender.nextRaw(t)

	inject(t, m, req, peer)
	second := sender.nextRaw(t)

	if !bytes.Equal(first, second) {
		t.Errorf("duplicate answered with %x, want cached %x", second, first)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
	if m.Stats().Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", m.Stats().Duplicates)
	}

	resp, _ := message.Decode(first)
	if resp.Type != message.Acknowledgement || resp.MessageID != 0x1234 || !bytes.Equal(resp.Token, []byte{1, 2}) {
		t.Errorf("response = %v", resp)
	}
}

func TestDuplicateWhileHandlerRuns(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	release := make(chan struct{})
	var calls atomic.Int32
	m.RegisterHandler("/slow", HandlerFunc(func(r *Request) (*message.Message, error) {
		calls.Add(1)
		<-release
		return &message.Message{Code: message.Content}, nil
	}))

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 9, Token: []byte{7}}
	req.Options.SetPath("/slow")

	inject(t, m, req, peer)
	inject(t, m, req, peer)
	sender.expectNothing(t, 20*time.Millisecond)

	close(release)
	sender.next(t)
	sender.expectNothing(t, 20*time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
}

func TestNonConfirmableRequest(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	m.RegisterHandler("/temp", HandlerFunc(func(r *Request) (*message.Message, error) {
		return &message.Message{Code: message.Content, Payload: []byte("x")}, nil
	}))

	req := &message.Message{Type: message.NonConfirmable, Code: message.GET, MessageID: 50, Token: []byte{3}}
	req.Options.SetPath("temp")
	inject(t, m, req, peer)

	resp := sender.next(t)
	if resp.Type != message.NonConfirmable || resp.Code != message.Content || !bytes.Equal(resp.Token, []byte{3}) {
		t.Errorf("response = %v", resp)
	}
}

func TestNotFoundAndHandlerError(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	m.RegisterHandler("/broken", HandlerFunc(func(r *Request) (*message.Message, error) {
		return nil, errors.New("sensor offline")
	}))

	tests := []struct {
		path string
		want message.Code
	}{
		{"/missing", message.NotFound},
		{"/broken", message.InternalServerError},
	}

	for i, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: uint16(100 + i), Token: []byte{byte(i)}}
			req.Options.SetPath(tc.path)
			inject(t, m, req, peer)

			resp := sender.next(t)
			if resp.Code != tc.want {
				t.Errorf("code = %s, want %s", resp.Code, tc.want)
			}
		})
	}
}

func TestPingAndUnknownToken(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	inject(t, m, message.NewEmpty(message.Confirmable, 77), peer)
	if rst := sender.next(t); rst.Type != message.Reset || rst.MessageID != 77 {
		t.Errorf("ping reply = %v", rst)
	}

	for _, typ := range []message.Type{message.Confirmable, message.NonConfirmable} {
		inject(t, m, &message.Message{Type: typ, Code: message.Content, MessageID: 200 + uint16(typ), Token: []byte{0xde, 0xad}}, peer)
		if rst := sender.next(t); rst.Type != message.Reset || rst.MessageID != 200+uint16(typ) {
			t.Errorf("%s unknown token reply = %v", typ, rst)
		}
	}

	// An unmatched ACK is ignored.
	inject(t, m, &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: 300, Token: []byte{1}}, peer)
	sender.expectNothing(t, 20*time.Millisecond)
}

func TestMalformedConfirmable(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)

	// Valid header, reserved option nibble.
	err := m.OnMessageReceived(&transport.ReceivedMessage{
		Data:     []byte{0x40, 0x01, 0x12, 0x34, 0xf0},
		PeerAddr: testPeer(5683),
	})
	if !errors.Is(err, message.ErrDecode) {
		t.Errorf("OnMessageReceived() error = %v", err)
	}
	if rst := sender.next(t); rst.Type != message.Reset || rst.MessageID != 0x1234 {
		t.Errorf("reply = %v", rst)
	}
	if m.Stats().DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d", m.Stats().DecodeErrors)
	}
}

func TestResetFailsRequest(t *testing.T) {
	for _, confirmable := range []bool{true, false} {
		sender := newRecordingSender()
		m := newTestManager(t, sender, nil)
		peer := testPeer(5683)

		result := make(chan error, 1)
		go func() {
			_, err := m.Request(context.Background(), message.NewRequest(message.GET, "/x"), peer, confirmable)
			result <- err
		}()

		req := sender.next(t)
		inject(t, m, message.NewEmpty(message.Reset, req.MessageID), peer)

		select {
		case err := <-result:
			if !errors.Is(err, ErrReset) {
				t.Errorf("confirmable=%v: error = %v, want %v", confirmable, err, ErrReset)
			}
		case <-time.After(time.Second):
			t.Fatalf("confirmable=%v: Request() did not return", confirmable)
		}
	}
}

func TestRequestContextCancel(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, func(p *Params) { p.AckTimeout = time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := m.Request(ctx, message.NewRequest(message.GET, "/x"), testPeer(5683), true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want %v", err, context.DeadlineExceeded)
	}
	if n := m.Stats().ActiveTransactions; n != 0 {
		t.Errorf("ActiveTransactions = %d after cancel", n)
	}
}

func TestRequestRejectsResponseCode(t *testing.T) {
	m := newTestManager(t, newRecordingSender(), nil)
	_, err := m.Request(context.Background(), &message.Message{Code: message.Content}, testPeer(1), true)
	if err != ErrNotRequest {
		t.Errorf("error = %v, want %v", err, ErrNotRequest)
	}
}

func TestCloseFailsPending(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, func(p *Params) { p.AckTimeout = time.Second })

	result := make(chan error, 1)
	go func() {
		_, err := m.Request(context.Background(), message.NewRequest(message.GET, "/x"), testPeer(1), true)
		result <- err
	}()
	sender.next(t)

	m.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrManagerClosed) {
			t.Errorf("error = %v, want %v", err, ErrManagerClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("Request() did not return after Close()")
	}

	if _, err := m.Request(context.Background(), message.NewRequest(message.GET, "/x"), testPeer(1), true); err != ErrManagerClosed {
		t.Errorf("Request() after Close() error = %v", err)
	}
}

func TestObserveNotificationOrdering(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	type observeResult struct {
		obs *Observation
		err error
	}
	result := make(chan observeResult, 1)
	go func() {
		obs, err := m.Observe(context.Background(), "/temp", peer)
		result <- observeResult{obs, err}
	}()

	reg := sender.next(t)
	if v, ok := reg.ObserveSeq(); !ok || v != 0 {
		t.Fatalf("registration Observe = %d, %v", v, ok)
	}

	notification := func(typ message.Type, mid uint16, seq uint32, payload string) *message.Message {
		n := &message.Message{Type: typ, Code: message.Content, MessageID: mid, Token: reg.Token, Payload: []byte(payload)}
		n.Options.SetUint(message.Observe, seq)
		return n
	}

	inject(t, m, notification(message.Acknowledgement, reg.MessageID, 5, "five"), peer)

	r := <-result
	if r.err != nil {
		t.Fatalf("Observe() error = %v", r.err)
	}
	obs := r.obs

	inject(t, m, notification(message.Confirmable, 100, 3, "three"), peer)
	inject(t, m, notification(message.Confirmable, 101, 7, "seven"), peer)

	for _, mid := range []uint16{100, 101} {
		if ack := sender.next(t); ack.Type != message.Acknowledgement || ack.MessageID != mid {
			t.Errorf("ack = %v, want ACK mid=%d", ack, mid)
		}
	}

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case n := <-obs.Notifications():
			got = append(got, string(n.Payload))
		case <-time.After(time.Second):
			t.Fatalf("notifications = %v", got)
		}
	}
	if got[0] != "five" || got[1] != "seven" {
		t.Errorf("notifications = %v, want [five seven]", got)
	}
	if m.Stats().StaleNotifications != 1 {
		t.Errorf("StaleNotifications = %d, want 1", m.Stats().StaleNotifications)
	}

	// A duplicate notification is re-acknowledged but not delivered again.
	inject(t, m, notification(message.Confirmable, 101, 7, "seven"), peer)
	if ack := sender.next(t); ack.MessageID != 101 {
		t.Errorf("duplicate ack = %v", ack)
	}

	// A response without Observe ends the subscription.
	inject(t, m, &message.Message{Type: message.Confirmable, Code: message.NotFound, MessageID: 102, Token: reg.Token}, peer)
	select {
	case <-obs.Done():
	case <-time.After(time.Second):
		t.Fatal("observation did not end")
	}
	if !errors.Is(obs.Err(), ErrObservationEnded) {
		t.Errorf("Err() = %v", obs.Err())
	}
}

func TestObserveNotObservable(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	result := make(chan error, 1)
	go func() {
		_, err := m.Observe(context.Background(), "/static", peer)
		result <- err
	}()

	reg := sender.next(t)
	inject(t, m, &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: reg.MessageID, Token: reg.Token}, peer)

	if err := <-result; !errors.Is(err, ErrNotObservable) {
		t.Errorf("error = %v, want %v", err, ErrNotObservable)
	}
	if m.Stats().ActiveObservations != 0 {
		t.Error("subscription left registered")
	}
}

func TestServerObserveRegistration(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	m.RegisterHandler("/temp", HandlerFunc(func(r *Request) (*message.Message, error) {
		return &message.Message{Code: message.Content, Payload: []byte("20")}, nil
	}))

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 1, Token: []byte{0xaa}}
	req.Options.SetPath("/temp")
	req.Options.SetUint(message.Observe, 0)
	inject(t, m, req, peer)

	resp := sender.next(t)
	first, ok := resp.ObserveSeq()
	if !ok {
		t.Fatal("registration response without Observe")
	}
	if !m.observers.IsObserving("/temp", peer, []byte{0xaa}) {
		t.Fatal("observer not registered")
	}

	if err := m.Notify("/temp"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	n := sender.next(t)
	seq, _ := n.ObserveSeq()
	if n.Type != message.Confirmable || !bytes.Equal(n.Token, []byte{0xaa}) || !seqAfter(first, seq) {
		t.Errorf("notification = %v seq=%d", n, seq)
	}

	// The client rejects the notification: the observer is removed.
	inject(t, m, message.NewEmpty(message.Reset, n.MessageID), peer)
	if m.observers.Count("/temp") != 0 {
		t.Error("observer kept after Reset")
	}
}

func TestNotifyRemovesUnreachableObserver(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, func(p *Params) { p.MaxRetransmit = 1 })
	peer := testPeer(5683)

	m.RegisterHandler("/temp", HandlerFunc(func(r *Request) (*message.Message, error) {
		return &message.Message{Code: message.Content, Payload: []byte("20")}, nil
	}))

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 1, Token: []byte{0xaa}}
	req.Options.SetPath("/temp")
	req.Options.SetUint(message.Observe, 0)
	inject(t, m, req, peer)
	sender.next(t)

	// The client never acknowledges. Each notification times out and counts
	// as one failure; the observer survives until the limit is exceeded.
	limit := m.params.MaxObserveFailures
	for i := 1; i <= limit+1; i++ {
		if err := m.Notify("/temp"); err != nil {
			t.Fatalf("Notify() #%d error = %v", i, err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for m.Stats().Timeouts < uint64(i) {
			if time.Now().After(deadline) {
				t.Fatalf("notification #%d did not time out", i)
			}
			time.Sleep(5 * time.Millisecond)
		}

		observing := m.observers.IsObserving("/temp", peer, []byte{0xaa})
		if want := i <= limit; observing != want {
			t.Fatalf("after %d failures IsObserving() = %v, want %v", i, observing, want)
		}
	}
	if n := m.observers.Count("/temp"); n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}

	for len(sender.ch) > 0 {
		<-sender.ch
	}
	if err := m.Notify("/temp"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	sender.expectNothing(t, 100*time.Millisecond)
}

func TestObserveBlockwiseNotificationSuperseded(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)

	result := make(chan *Observation, 1)
	go func() {
		obs, err := m.Observe(context.Background(), "/temp", peer)
		if err != nil {
			t.Errorf("Observe() error = %v", err)
		}
		result <- obs
	}()

	reg := sender.next(t)
	ack := &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: reg.MessageID, Token: reg.Token, Payload: []byte("four")}
	ack.Options.SetUint(message.Observe, 4)
	inject(t, m, ack, peer)

	obs := <-result
	if obs == nil {
		t.FailNow()
	}

	// Notification 5 is block-wise: block 0 arrives, block 1 is fetched.
	five := &message.Message{Type: message.Confirmable, Code: message.Content, MessageID: 200, Token: reg.Token, Payload: testPayload(16)}
	five.Options.SetUint(message.Observe, 5)
	five.SetBlock(message.Block2, message.BlockOption{Num: 0, More: true, SZX: 0})
	inject(t, m, five, peer)

	var fetch *message.Message
	for fetch == nil {
		if msg := sender.next(t); msg.Code == message.GET {
			fetch = msg
		}
	}
	if b, ok, _ := fetch.GetBlock(message.Block2); !ok || b.Num != 1 {
		t.Fatalf("fetch Block2 = %v, %v", b, ok)
	}

	// Notification 6 fits one datagram and arrives before block 1.
	six := &message.Message{Type: message.Confirmable, Code: message.Content, MessageID: 201, Token: reg.Token, Payload: []byte("six")}
	six.Options.SetUint(message.Observe, 6)
	inject(t, m, six, peer)

	last := &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: fetch.MessageID, Token: fetch.Token, Payload: []byte("tail")}
	last.SetBlock(message.Block2, message.BlockOption{Num: 1, More: false, SZX: 0})
	inject(t, m, last, peer)

	var got []string
	timeout := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case n := <-obs.Notifications():
			got = append(got, string(n.Payload))
		case <-timeout:
			done = true
		}
	}
	want := []string{"four", "six"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("notifications = %q, want %q", got, want)
	}
	if obs.Latest() != 6 {
		t.Errorf("Latest() = %d, want 6", obs.Latest())
	}
}

func TestNotifyUnknownPath(t *testing.T) {
	m := newTestManager(t, newRecordingSender(), nil)
	if err := m.Notify("/nothing"); err != ErrNoHandler {
		t.Errorf("Notify() error = %v, want %v", err, ErrNoHandler)
	}
}

func TestBlockwiseUploadAdoptsSmallerSize(t *testing.T) {
	sender := newRecordingSender()
	m := newTestManager(t, sender, nil)
	peer := testPeer(5683)
	payload := testPayload(1024 + 100)

	result := make(chan *message.Message, 1)
	go func() {
		req := message.NewRequest(message.PUT, "/firmware")
		req.Payload = payload
		resp, err := m.Request(context.Background(), req, peer, true)
		if err != nil {
			t.Errorf("Request() error = %v", err)
		}
		result <- resp
	}()

	var received []byte

	first := sender.next(t)
	b, ok, _ := first.GetBlock(message.Block1)
	if !ok || b.Num != 0 || !b.More || b.SZX != 6 {
		t.Fatalf("first block = %+v, %v", b, ok)
	}
	if size, _ := first.Options.GetUint(message.Size1); size != uint32(len(payload)) {
		t.Errorf("Size1 = %d, want %d", size, len(payload))
	}
	received = append(received, first.Payload...)

	// Ask for 64-byte blocks from now on.
	cont := &message.Message{Type: message.Acknowledgement, Code: message.Continue, MessageID: first.MessageID, Token: first.Token}
	cont.SetBlock(message.Block1, message.BlockOption{Num: 0, More: true, SZX: 2})
	inject(t, m, cont, peer)

	for {
		req := sender.next(t)
		b, _, _ := req.GetBlock(message.Block1)
		if b.SZX != 2 || b.Offset() != len(received) {
			t.Fatalf("block = %+v at offset %d, want SZX 2 at %d", b, b.Offset(), len(received))
		}
		received = append(received, req.Payload...)

		resp := &message.Message{Type: message.Acknowledgement, Code: message.Continue, MessageID: req.MessageID, Token: req.Token}
		if !b.More {
			resp.Code = message.Changed
		}
		resp.SetBlock(message.Block1, message.BlockOption{Num: b.Num, More: b.More, SZX: 2})
		inject(t, m, resp, peer)
		if !b.More {
			break
		}
	}

	resp := <-result
	if resp == nil || resp.Code != message.Changed {
		t.Errorf("final response = %v", resp)
	}
	if !bytes.Equal(received, payload) {
		t.Error("server received a different body")
	}
}
