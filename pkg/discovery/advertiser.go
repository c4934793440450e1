package discovery

import (
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is one live DNS-SD registration.
type MDNSServer interface {
	// Shutdown withdraws the registration.
	Shutdown()
}

// MDNSServerFactory registers DNS-SD services. Tests substitute it to keep
// off the network.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// ZeroconfServerFactory registers services with grandcat/zeroconf.
type ZeroconfServerFactory struct{}

// Register implements MDNSServerFactory.
func (ZeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Port is announced in the SRV record. Out-of-range values fall back to
	// DefaultPort.
	Port int

	// Interfaces limits announcements. Nil means every multicast interface.
	Interfaces []net.Interface

	// ServerFactory defaults to ZeroconfServerFactory.
	ServerFactory MDNSServerFactory

	LoggerFactory logging.LoggerFactory
}

// Advertiser announces "_coap._udp" instances. One Advertiser may hold
// several instances, each with its own TXT record.
type Advertiser struct {
	port    int
	ifaces  []net.Interface
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu      sync.RWMutex
	entries map[string]advertisement // nil once closed
}

type advertisement struct {
	server MDNSServer
	txt    TXT
}

// NewAdvertiser creates an Advertiser. Nothing is announced until Start.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	a := &Advertiser{
		port:    config.Port,
		ifaces:  config.Interfaces,
		factory: config.ServerFactory,
		log:     newLogger(config.LoggerFactory),
		entries: make(map[string]advertisement),
	}
	if a.port <= 0 || a.port > 65535 {
		a.port = DefaultPort
	}
	if a.factory == nil {
		a.factory = ZeroconfServerFactory{}
	}
	return a, nil
}

// Start announces instance with the given TXT record and returns the name
// registered. An empty instance gets a generated "coap-" name.
func (a *Advertiser) Start(instance string, txt TXT) (string, error) {
	instance, records, err := prepare(instance, txt)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.entries == nil {
		return "", ErrClosed
	}
	if _, ok := a.entries[instance]; ok {
		return "", ErrAlreadyStarted
	}
	server, err := a.register(instance, records)
	if err != nil {
		return "", err
	}
	a.entries[instance] = advertisement{server: server, txt: txt}
	return instance, nil
}

// Update replaces the TXT record of a running instance. DNS-SD has no
// in-place TXT edit, so the instance is withdrawn and announced again.
func (a *Advertiser) Update(instance string, txt TXT) error {
	if err := txt.Validate(); err != nil {
		return fmt.Errorf("advertiser: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.entries == nil {
		return ErrClosed
	}
	cur, ok := a.entries[instance]
	if !ok {
		return ErrNotStarted
	}
	cur.server.Shutdown()
	delete(a.entries, instance)

	server, err := a.register(instance, txt.Encode())
	if err != nil {
		return err
	}
	a.entries[instance] = advertisement{server: server, txt: txt}
	return nil
}

// prepare validates the request and resolves the instance name.
func prepare(instance string, txt TXT) (string, []string, error) {
	if err := txt.Validate(); err != nil {
		return "", nil, fmt.Errorf("advertiser: %w", err)
	}
	if instance == "" {
		name, err := GenerateInstanceName()
		if err != nil {
			return "", nil, fmt.Errorf("advertiser: generate instance name: %w", err)
		}
		instance = name
	}
	if err := ValidateInstanceName(instance); err != nil {
		return "", nil, err
	}
	return instance, txt.Encode(), nil
}

func (a *Advertiser) register(instance string, records []string) (MDNSServer, error) {
	a.log.Debugf("announcing %s.%s%s on port %d %v", instance, ServiceCoAP, DefaultDomain, a.port, records)
	server, err := a.factory.Register(instance, ServiceCoAP, DefaultDomain, a.port, records, a.ifaces)
	if err != nil {
		return nil, fmt.Errorf("advertiser: register %s: %w", instance, err)
	}
	a.log.Infof("advertising %s", instance)
	return server, nil
}

// Stop withdraws one instance.
func (a *Advertiser) Stop(instance string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.entries == nil {
		return ErrClosed
	}
	cur, ok := a.entries[instance]
	if !ok {
		return ErrNotStarted
	}
	cur.server.Shutdown()
	delete(a.entries, instance)
	a.log.Infof("stopped advertising %s", instance)
	return nil
}

// StopAll withdraws every instance. The Advertiser stays usable.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.withdrawLocked()
	if a.entries != nil {
		clear(a.entries)
	}
}

// Close withdraws every instance. Later calls fail with ErrClosed.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries == nil {
		return ErrClosed
	}
	a.withdrawLocked()
	a.entries = nil
	return nil
}

func (a *Advertiser) withdrawLocked() {
	for _, e := range a.entries {
		e.server.Shutdown()
	}
}

// IsAdvertising reports whether instance is announced.
func (a *Advertiser) IsAdvertising(instance string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.entries[instance]
	return ok
}

// TXT returns the record announced for instance.
func (a *Advertiser) TXT(instance string) (TXT, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[instance]
	return e.txt, ok
}

// Instances returns the announced instance names in sorted order.
func (a *Advertiser) Instances() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Sorted(maps.Keys(a.entries))
}
