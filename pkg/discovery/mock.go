package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver provides a mock mDNS resolver for testing without real network I/O.
// It allows registering services and simulating discovery responses.
type MockMDNSResolver struct {
	mu       sync.RWMutex
	services map[string][]*zeroconf.ServiceEntry
}

// NewMockMDNSResolver creates a new mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{
		services: make(map[string][]*zeroconf.ServiceEntry),
	}
}

// RegisterService registers a service that will be returned by Browse/Lookup.
func (m *MockMDNSResolver) RegisterService(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = append(m.services[service], entry)
}

// ClearServices removes all registered services.
func (m *MockMDNSResolver) ClearServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = make(map[string][]*zeroconf.ServiceEntry)
}

func (m *MockMDNSResolver) snapshot(service string) []*zeroconf.ServiceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*zeroconf.ServiceEntry, len(m.services[service]))
	copy(entries, m.services[service])
	return entries
}

// Browse implements MDNSResolver. Like zeroconf, it returns immediately and
// closes entries once ctx is done.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	found := m.snapshot(service)
	go m.deliver(ctx, found, entries)
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	var found []*zeroconf.ServiceEntry
	for _, entry := range m.snapshot(service) {
		if entry.Instance == instance {
			found = append(found, entry)
			break
		}
	}
	go m.deliver(ctx, found, entries)
	return nil
}

func (m *MockMDNSResolver) deliver(ctx context.Context, found []*zeroconf.ServiceEntry, entries chan<- *zeroconf.ServiceEntry) {
	defer close(entries)
	for _, entry := range found {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return
		}
	}
	<-ctx.Done()
}

// MockService creates a mock "_coap._udp" service entry for testing.
func MockService(instanceName string, port int, ip net.IP, txt TXT) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instanceName,
			Service:  ServiceCoAP,
			Domain:   DefaultDomain,
		},
		HostName: instanceName + ".local.",
		Port:     port,
		Text:     txt.Encode(),
	}
	if ip.To4() != nil {
		entry.AddrIPv4 = []net.IP{ip}
	} else {
		entry.AddrIPv6 = []net.IP{ip}
	}
	return entry
}
