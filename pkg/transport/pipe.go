package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// Factory creates packet connections. Implementations can provide real
// network sockets or virtual pipes for testing.
type Factory interface {
	// CreateUDPConn creates a UDP-like packet connection.
	// The port parameter is used for address assignment.
	CreateUDPConn(port int) (net.PacketConn, error)
}

// NetworkCondition describes impairments applied to datagrams crossing a
// Pipe, in both directions.
type NetworkCondition struct {
	// DropRate is the probability of losing a datagram (0.0 - 1.0).
	DropRate float64

	// DuplicateRate is the probability of delivering a datagram twice.
	DuplicateRate float64

	// DelayMin and DelayMax bound a uniformly distributed per-datagram
	// delay. The writer blocks for the delay.
	DelayMin time.Duration
	DelayMax time.Duration
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess delivers queued datagrams from a background goroutine.
	// When false, call Process to deliver.
	AutoProcess bool

	// ProcessInterval is the delivery tick. Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: time.Millisecond,
	}
}

// Pipe is an in-memory datagram link between endpoint 0 and endpoint 1,
// built on pion's test.Bridge with loss, duplication and delay simulation.
type Pipe struct {
	bridge *test.Bridge

	mu        sync.Mutex
	condition NetworkCondition
	dropNext  [2]int
	rng       *rand.Rand
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPipe creates a pipe that delivers datagrams automatically.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
	}
	if config.AutoProcess {
		interval := config.ProcessInterval
		if interval <= 0 {
			interval = time.Millisecond
		}
		p.wg.Add(1)
		go p.deliverLoop(interval)
	}
	return p
}

func (p *Pipe) deliverLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Process()
		}
	}
}

// SetCondition replaces the simulated network condition.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// DropNext silently discards the next n datagrams written by endpoint
// fromID (0 or 1). Unlike DropRate it is deterministic, which makes it the
// tool of choice for retransmission tests.
func (p *Pipe) DropNext(fromID, n int) {
	if fromID < 0 || fromID > 1 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropNext[fromID] += n
}

// impair decides the fate of one datagram written by endpoint fromID.
func (p *Pipe) impair(fromID int) (drop, duplicate bool, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dropNext[fromID] > 0 {
		p.dropNext[fromID]--
		return true, false, 0
	}
	c := p.condition
	if c.DropRate > 0 && p.rng.Float64() < c.DropRate {
		return true, false, 0
	}
	duplicate = c.DuplicateRate > 0 && p.rng.Float64() < c.DuplicateRate
	delay = c.DelayMin
	if c.DelayMax > c.DelayMin {
		delay += time.Duration(p.rng.Int63n(int64(c.DelayMax - c.DelayMin)))
	}
	return false, duplicate, delay
}

func (p *Pipe) conn(id int) net.Conn {
	if id == 0 {
		return p.bridge.GetConn0()
	}
	return p.bridge.GetConn1()
}

// Process delivers every queued datagram and returns how many were delivered.
func (p *Pipe) Process() int {
	total := 0
	for n := p.bridge.Tick(); n > 0; n = p.bridge.Tick() {
		total += n
	}
	return total
}

// Close stops delivery and closes both endpoints.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.conn(0).Close()
	err1 := p.conn(1).Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int // Endpoint ID (0 or 1)
	Port int // Logical port number
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipePacketConn adapts one end of a Pipe to net.PacketConn, so the UDP
// transport runs unmodified over the in-memory link.
type PipePacketConn struct {
	pipe *Pipe
	conn net.Conn
	id   int
	port int
}

// ReadFrom reads one datagram. The source is always the other endpoint.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, PipeAddr{ID: 1 - c.id, Port: c.port}, err
}

// WriteTo sends b to the other endpoint, subject to the pipe's network
// condition. addr is ignored.
func (c *PipePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	drop, duplicate, delay := c.pipe.impair(c.id)
	if drop {
		return len(b), nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if duplicate {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

// Close closes this end of the pipe.
func (c *PipePacketConn) Close() error { return c.conn.Close() }

// LocalAddr returns this endpoint's address.
func (c *PipePacketConn) LocalAddr() net.Addr { return PipeAddr{ID: c.id, Port: c.port} }

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var _ net.PacketConn = (*PipePacketConn)(nil)

// PipeFactory hands out one end of a Pipe as a packet connection.
type PipeFactory struct {
	pipe *Pipe
	id   int

	mu   sync.Mutex
	conn *PipePacketConn
}

// NewPipeFactoryPair creates two factories joined by an auto-delivering Pipe.
//
// Example:
//
//	f0, f1 := transport.NewPipeFactoryPair()
//	// Use f0 for the server, f1 for the client.
func NewPipeFactoryPair() (*PipeFactory, *PipeFactory) {
	return NewPipeFactoryPairWithConfig(DefaultPipeConfig())
}

// NewPipeFactoryPairWithConfig creates two factories joined by a Pipe with
// the given configuration.
func NewPipeFactoryPairWithConfig(config PipeConfig) (*PipeFactory, *PipeFactory) {
	return factoriesFor(NewPipeWithConfig(config))
}

func factoriesFor(pipe *Pipe) (*PipeFactory, *PipeFactory) {
	return &PipeFactory{pipe: pipe, id: 0}, &PipeFactory{pipe: pipe, id: 1}
}

// Pipe returns the underlying pipe.
func (f *PipeFactory) Pipe() *Pipe { return f.pipe }

// LocalAddr returns this side's address.
func (f *PipeFactory) LocalAddr() net.Addr { return PipeAddr{ID: f.id, Port: DefaultPort} }

// PeerAddr returns the other side's address.
func (f *PipeFactory) PeerAddr() net.Addr { return PipeAddr{ID: 1 - f.id, Port: DefaultPort} }

// CreateUDPConn returns this side's packet connection. Repeated calls return
// the same connection.
func (f *PipeFactory) CreateUDPConn(port int) (net.PacketConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		f.conn = &PipePacketConn{pipe: f.pipe, conn: f.pipe.conn(f.id), id: f.id, port: port}
	}
	return f.conn, nil
}

// SetCondition configures network condition simulation on the shared pipe.
func (f *PipeFactory) SetCondition(cond NetworkCondition) {
	f.pipe.SetCondition(cond)
}

var _ Factory = (*PipeFactory)(nil)

// PipeManagerConfig configures a PipeManagerPair.
type PipeManagerConfig struct {
	// Handlers[i] receives the datagrams arriving at Manager(i).
	Handlers [2]MessageHandler

	// PipeConfig defaults to DefaultPipeConfig.
	PipeConfig *PipeConfig
}

// PipeManagerPair is two started Managers joined by a Pipe.
//
// Example:
//
//	pair, _ := transport.NewPipeManagerPair(transport.PipeManagerConfig{
//	    Handlers: [2]transport.MessageHandler{handler0, handler1},
//	})
//	defer pair.Close()
//
//	pair.Manager(0).Send(data, pair.PeerAddress(1))
type PipeManagerPair struct {
	managers [2]*Manager
	pipe     *Pipe
}

// NewPipeManagerPair creates and starts both managers.
func NewPipeManagerPair(config PipeManagerConfig) (*PipeManagerPair, error) {
	pipeConfig := DefaultPipeConfig()
	if config.PipeConfig != nil {
		pipeConfig = *config.PipeConfig
	}

	pair := &PipeManagerPair{pipe: NewPipeWithConfig(pipeConfig)}
	factories := [2]*PipeFactory{}
	factories[0], factories[1] = factoriesFor(pair.pipe)

	for i, f := range factories {
		conn, _ := f.CreateUDPConn(DefaultPort)
		mgr, err := NewManager(ManagerConfig{
			MessageHandler: config.Handlers[i],
			UDPConn:        conn,
		})
		if err != nil {
			pair.Close()
			return nil, err
		}
		pair.managers[i] = mgr
		if err := mgr.Start(); err != nil {
			pair.Close()
			return nil, err
		}
	}

	return pair, nil
}

// Manager returns the manager at index id (0 or 1).
func (p *PipeManagerPair) Manager(id int) *Manager {
	if id < 0 || id > 1 {
		return nil
	}
	return p.managers[id]
}

// PeerAddress returns the address used to send TO the manager at index id.
func (p *PipeManagerPair) PeerAddress(id int) PeerAddress {
	if id < 0 || id > 1 {
		return PeerAddress{}
	}
	return NewPeerAddress(PipeAddr{ID: id, Port: DefaultPort})
}

// Pipe returns the underlying pipe for network condition configuration.
func (p *PipeManagerPair) Pipe() *Pipe {
	return p.pipe
}

// Close stops both managers and closes the pipe.
func (p *PipeManagerPair) Close() error {
	for _, m := range p.managers {
		if m != nil {
			m.Stop()
		}
	}
	return p.pipe.Close()
}
