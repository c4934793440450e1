package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// ManagerConfig configures a Manager. Zero values take the package defaults.
type ManagerConfig struct {
	Port          int             // announced port, DefaultPort if unset
	Interfaces    []net.Interface // nil means all multicast interfaces
	BrowseTimeout time.Duration   // bounds Browse when ctx has no deadline
	LookupTimeout time.Duration   // bounds Lookup when ctx has no deadline

	// Injection points for tests.
	ServerFactory MDNSServerFactory
	MDNSResolver  MDNSResolver

	LoggerFactory logging.LoggerFactory
}

// Manager pairs an Advertiser with a Resolver for one endpoint. The
// Resolver is created on first use, so an endpoint that only advertises
// never opens a browsing socket.
type Manager struct {
	config     ManagerConfig
	advertiser *Advertiser

	mu       sync.RWMutex
	resolver *Resolver
	closed   bool
}

// NewManager creates a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Port <= 0 {
		config.Port = DefaultPort
	}
	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	advertiser, err := NewAdvertiser(AdvertiserConfig{
		Port:          config.Port,
		Interfaces:    config.Interfaces,
		ServerFactory: config.ServerFactory,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:     config,
		advertiser: advertiser,
	}, nil
}

// Close withdraws every advertisement. Browsing after Close fails with
// ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return m.advertiser.Close()
}

// open returns ErrClosed once Close has run.
func (m *Manager) open() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Advertise announces this endpoint. See Advertiser.Start.
func (m *Manager) Advertise(instance string, txt TXT) (string, error) {
	if err := m.open(); err != nil {
		return "", err
	}
	return m.advertiser.Start(instance, txt)
}

// UpdateAdvertisement replaces the TXT record of an announced instance.
func (m *Manager) UpdateAdvertisement(instance string, txt TXT) error {
	if err := m.open(); err != nil {
		return err
	}
	return m.advertiser.Update(instance, txt)
}

// StopAdvertising withdraws one instance.
func (m *Manager) StopAdvertising(instance string) error {
	if err := m.open(); err != nil {
		return err
	}
	return m.advertiser.Stop(instance)
}

// StopAllAdvertising withdraws every instance.
func (m *Manager) StopAllAdvertising() {
	if m.open() == nil {
		m.advertiser.StopAll()
	}
}

// IsAdvertising reports whether instance is announced.
func (m *Manager) IsAdvertising(instance string) bool {
	return m.open() == nil && m.advertiser.IsAdvertising(instance)
}

// Browse lists CoAP endpoints on the link. See Resolver.Browse.
func (m *Manager) Browse(ctx context.Context) (<-chan ResolvedService, error) {
	r, err := m.Resolver()
	if err != nil {
		return nil, err
	}
	return r.Browse(ctx)
}

// BrowseResourceType discovers endpoints advertising the resource type rt.
func (m *Manager) BrowseResourceType(ctx context.Context, rt string) (<-chan ResolvedService, error) {
	r, err := m.Resolver()
	if err != nil {
		return nil, err
	}
	return r.BrowseResourceType(ctx, rt)
}

// Lookup resolves a single instance by name.
func (m *Manager) Lookup(ctx context.Context, instance string) (*ResolvedService, error) {
	r, err := m.Resolver()
	if err != nil {
		return nil, err
	}
	return r.Lookup(ctx, instance)
}

// Advertiser returns the underlying Advertiser.
func (m *Manager) Advertiser() *Advertiser {
	return m.advertiser
}

// Resolver returns the underlying Resolver, creating it on first use.
func (m *Manager) Resolver() (*Resolver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.resolver != nil {
		return m.resolver, nil
	}

	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  m.config.MDNSResolver,
		Interfaces:    m.config.Interfaces,
		BrowseTimeout: m.config.BrowseTimeout,
		LookupTimeout: m.config.LookupTimeout,
		LoggerFactory: m.config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	m.resolver = r
	return r, nil
}
