package coap

import (
	"net"
	"sync"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/transport"
)

// TestEndpointConfig returns an EndpointConfig suitable for testing:
// scaled-down protocol timers and no real mDNS traffic.
func TestEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Params:                 exchange.TestParams(),
		RandomSource:           noJitter{},
		DiscoveryServerFactory: &TestMDNSServerFactory{},
		DiscoveryResolver:      discovery.NewMockMDNSResolver(),
	}
}

// TestEndpointPair creates two endpoints connected by an in-memory pipe.
// The first is meant to act as server, the second as client. Neither is
// started. Use PeerAddress to address the other side.
func TestEndpointPair() (*Endpoint, *Endpoint, error) {
	f0, f1 := transport.NewPipeFactoryPair()

	serverConfig := TestEndpointConfig()
	serverConfig.TransportFactory = f0
	server, err := NewEndpoint(serverConfig)
	if err != nil {
		return nil, nil, err
	}

	clientConfig := TestEndpointConfig()
	clientConfig.TransportFactory = f1
	client, err := NewEndpoint(clientConfig)
	if err != nil {
		return nil, nil, err
	}

	return server, client, nil
}

// PeerAddress returns the address other endpoints use to reach e.
// It is only meaningful once e is started.
func PeerAddress(e *Endpoint) transport.PeerAddress {
	return transport.NewPeerAddress(e.LocalAddr())
}

type noJitter struct{}

func (noJitter) Float64() float64 { return 0 }

// TestMDNSServerFactory records registrations instead of sending mDNS traffic.
type TestMDNSServerFactory struct {
	mu         sync.Mutex
	registered []TestRegistration
}

// TestRegistration is one recorded call to Register.
type TestRegistration struct {
	Instance string
	Service  string
	Port     int
	TXT      []string
}

// Register records the registration.
func (f *TestMDNSServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (discovery.MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, TestRegistration{
		Instance: instance,
		Service:  service,
		Port:     port,
		TXT:      txt,
	})
	return testMDNSServer{}, nil
}

// Registrations returns the recorded registrations.
func (f *TestMDNSServerFactory) Registrations() []TestRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TestRegistration(nil), f.registered...)
}

type testMDNSServer struct{}

func (testMDNSServer) Shutdown() {}
