package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/transport"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// TestManagerPair provides two connected exchange.Manager instances for E2E testing.
// Messages sent from one manager are delivered to the other through the full stack:
// exchange.Manager -> transport -> pipe -> transport -> exchange.Manager -> Handler
//
// Usage:
//
//	pair, _ := exchange.NewTestManagerPair(exchange.TestManagerPairConfig{})
//	defer pair.Close()
//
//	pair.Manager(1).RegisterHandler("/temp", myHandler)
//	resp, err := pair.Manager(0).Request(ctx, message.NewRequest(message.GET, "/temp"), pair.PeerAddress(1), true)
type TestManagerPair struct {
	managers      [2]*Manager
	transportPair *transport.PipeManagerPair
	wrappers      [2]*exchangeHandlerWrapper
}

// TestManagerPairConfig configures the test manager pair.
type TestManagerPairConfig struct {
	// Params override TestParams when non-zero.
	Params Params

	// RandomSource defaults to a source returning 0, so retransmission
	// timeouts equal AckTimeout exactly.
	RandomSource RandomSource
}

// TestParams returns protocol parameters scaled down for tests.
func TestParams() Params {
	p := DefaultParams()
	p.AckTimeout = 20 * time.Millisecond
	p.ExchangeLifetime = 2 * time.Second
	p.ObserveStaleness = time.Second
	p.SweepInterval = 50 * time.Millisecond
	return p
}

type fixedRandom float64

func (f fixedRandom) Float64() float64 {
	return float64(f)
}

// exchangeHandlerWrapper routes transport messages to exchange manager.
type exchangeHandlerWrapper struct {
	manager *Manager
}

func (w *exchangeHandlerWrapper) Handle(msg *transport.ReceivedMessage) {
	if w.manager != nil {
		w.manager.OnMessageReceived(msg)
	}
}

// NewTestManagerPair creates two exchange managers connected via virtual pipe.
func NewTestManagerPair(config TestManagerPairConfig) (*TestManagerPair, error) {
	params := TestParams()
	if config.Params != (Params{}) {
		params = config.Params
	}
	if config.RandomSource == nil {
		config.RandomSource = fixedRandom(0)
	}

	pair := &TestManagerPair{}
	pair.wrappers[0] = &exchangeHandlerWrapper{}
	pair.wrappers[1] = &exchangeHandlerWrapper{}

	transportPair, err := transport.NewPipeManagerPair(transport.PipeManagerConfig{
		Handlers: [2]transport.MessageHandler{
			pair.wrappers[0].Handle,
			pair.wrappers[1].Handle,
		},
	})
	if err != nil {
		return nil, err
	}
	pair.transportPair = transportPair

	for i := 0; i < 2; i++ {
		mgr, err := NewManager(ManagerConfig{
			Transport:    transportPair.Manager(i),
			Params:       params,
			RandomSource: config.RandomSource,
		})
		if err != nil {
			pair.Close()
			return nil, err
		}
		pair.managers[i] = mgr
		pair.wrappers[i].manager = mgr
	}

	return pair, nil
}

// Manager returns the exchange manager at index id (0 or 1).
func (p *TestManagerPair) Manager(id int) *Manager {
	if id < 0 || id > 1 {
		return nil
	}
	return p.managers[id]
}

// PeerAddress returns the address used to send TO the manager at index id.
func (p *TestManagerPair) PeerAddress(id int) transport.PeerAddress {
	return p.transportPair.PeerAddress(id)
}

// Pipe returns the underlying pipe for network condition configuration.
func (p *TestManagerPair) Pipe() *transport.Pipe {
	return p.transportPair.Pipe()
}

// Close shuts down both managers and the transport pair.
func (p *TestManagerPair) Close() error {
	for i := 0; i < 2; i++ {
		if p.managers[i] != nil {
			p.managers[i].Close()
		}
	}
	if p.transportPair != nil {
		p.transportPair.Close()
	}
	return nil
}
