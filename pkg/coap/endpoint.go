package coap

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Endpoint is a CoAP endpoint: a UDP socket serving resources and issuing
// requests through one exchange layer.
type Endpoint struct {
	config EndpointConfig
	state  EndpointState
	log    logging.LeveledLogger

	// Layers, created by Start
	transportMgr *transport.Manager
	exchangeMgr  *exchange.Manager
	discoveryMgr *discovery.Manager
	instance     string

	resources map[string]exchange.Handler

	// links is guarded by its own lock so /.well-known/core can be served
	// while Stop holds mu and waits for running handlers.
	links   map[string]Link
	linksMu sync.RWMutex

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEndpoint creates a new endpoint with the given configuration.
// The endpoint is created but not started. Call Start() to begin operation.
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	e := &Endpoint{
		config:    config,
		state:     EndpointStateInitialized,
		resources: make(map[string]exchange.Handler),
		links:     make(map[string]Link),
		stopCh:    make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("coap")
	}

	return e, nil
}

// Start opens the socket, starts the exchange layer and, if configured,
// advertises the endpoint over DNS-SD. Cancelling ctx stops the endpoint.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CanStart() {
		if e.state.IsRunning() {
			return ErrAlreadyStarted
		}
		return ErrAlreadyStopped
	}

	e.setStateLocked(EndpointStateStarting)

	if err := e.startTransport(); err != nil {
		e.state = EndpointStateInitialized
		return err
	}

	if err := e.startExchange(); err != nil {
		e.transportMgr.Stop()
		e.state = EndpointStateInitialized
		return err
	}

	if err := e.transportMgr.Start(); err != nil {
		e.stopExchange()
		e.transportMgr.Stop()
		e.state = EndpointStateInitialized
		return err
	}

	if err := e.startDiscovery(); err != nil {
		e.stopExchange()
		e.stopTransport()
		e.state = EndpointStateInitialized
		return err
	}

	if e.log != nil {
		e.log.Infof("endpoint started on %s", e.transportMgr.LocalAddr())
	}
	e.setStateLocked(EndpointStateRunning)

	go func() {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-e.stopCh:
		}
	}()

	return nil
}

// startTransport creates the transport. It is started after the exchange
// layer exists so no datagram arrives without a receiver.
func (e *Endpoint) startTransport() error {
	var udpConn net.PacketConn
	var err error

	if e.config.TransportFactory != nil {
		udpConn, err = e.config.TransportFactory.CreateUDPConn(e.config.Port)
		if err != nil {
			return err
		}
	}

	handler := func(msg *transport.ReceivedMessage) {
		if err := e.exchangeMgr.OnMessageReceived(msg); err != nil && e.log != nil {
			e.log.Tracef("dropped datagram from %s: %v", msg.PeerAddr, err)
		}
	}

	e.transportMgr, err = transport.NewManager(transport.ManagerConfig{
		Port:           e.config.Port,
		ListenAddr:     e.config.ListenAddr,
		UDPConn:        udpConn,
		MessageHandler: handler,
		LoggerFactory:  e.config.LoggerFactory,
	})
	return err
}

// stopTransport shuts down the transport layer.
func (e *Endpoint) stopTransport() {
	if e.transportMgr != nil {
		e.transportMgr.Stop()
	}
}

// startExchange creates the exchange layer and installs the registered resources.
func (e *Endpoint) startExchange() error {
	mgr, err := exchange.NewManager(exchange.ManagerConfig{
		Transport:     e.transportMgr,
		Params:        e.config.Params,
		RandomSource:  e.config.RandomSource,
		LoggerFactory: e.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	e.exchangeMgr = mgr

	for path, h := range e.resources {
		mgr.RegisterHandler(path, h)
	}
	if !e.config.DisableWellKnownCore {
		mgr.RegisterHandler(WellKnownCore, exchange.HandlerFunc(e.wellKnownCore))
	}
	return nil
}

// stopExchange shuts down the exchange layer.
func (e *Endpoint) stopExchange() {
	if e.exchangeMgr != nil {
		e.exchangeMgr.Close()
	}
}

// startDiscovery initializes DNS-SD and advertises the endpoint if configured.
func (e *Endpoint) startDiscovery() error {
	port := e.config.Port
	if udp, ok := e.transportMgr.LocalAddr().(*net.UDPAddr); ok {
		port = udp.Port
	}

	var err error
	e.discoveryMgr, err = discovery.NewManager(discovery.ManagerConfig{
		Port:          port,
		Interfaces:    e.config.Interfaces,
		ServerFactory: e.config.DiscoveryServerFactory,
		MDNSResolver:  e.config.DiscoveryResolver,
		LoggerFactory: e.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	if e.config.Advertise {
		e.instance, err = e.discoveryMgr.Advertise(e.config.InstanceName, e.config.TXT)
		if err != nil {
			e.discoveryMgr.Close()
			return err
		}
	}
	return nil
}

// stopDiscovery shuts down DNS-SD.
func (e *Endpoint) stopDiscovery() {
	if e.discoveryMgr != nil {
		e.discoveryMgr.Close()
	}
}

// Stop gracefully shuts down the endpoint. Pending requests fail with
// exchange.ErrManagerClosed. Stop waits for running handlers, which may
// still call Notify or Handle and observe ErrNotStarted.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if !e.state.CanStop() {
		state := e.state
		e.mu.Unlock()
		if state == EndpointStateStopped || state == EndpointStateStopping {
			return ErrAlreadyStopped
		}
		return ErrNotStarted
	}
	e.setStateLocked(EndpointStateStopping)
	e.mu.Unlock()

	e.stopOnce.Do(func() {
		close(e.stopCh)
	})

	// Stop in reverse order
	e.stopDiscovery()
	e.stopExchange()
	e.stopTransport()

	e.mu.Lock()
	e.setStateLocked(EndpointStateStopped)
	e.mu.Unlock()

	if e.log != nil {
		e.log.Info("endpoint stopped")
	}

	return nil
}

func (e *Endpoint) setStateLocked(s EndpointState) {
	e.state = s
	if e.config.OnStateChanged != nil {
		e.config.OnStateChanged(s)
	}
}

// State returns the current endpoint state.
func (e *Endpoint) State() EndpointState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// running returns the exchange manager if the endpoint is running.
func (e *Endpoint) running() (*exchange.Manager, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.state.IsRunning() {
		return nil, ErrNotStarted
	}
	return e.exchangeMgr, nil
}

// ---- Server ----

// Handle registers h for the exact resource path, replacing any previous
// handler. The optional link describes the resource in /.well-known/core.
// Handlers may be registered before or after Start.
func (e *Endpoint) Handle(path string, h exchange.Handler, link ...Link) error {
	path = cleanPath(path)
	if path == WellKnownCore {
		return ErrReservedPath
	}

	var l Link
	if len(link) > 0 {
		l = link[0]
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.resources[path] = h
	e.setLink(path, &l)
	if e.state.IsRunning() {
		e.exchangeMgr.RegisterHandler(path, h)
	}
	return nil
}

// HandleFunc registers a handler function for path.
func (e *Endpoint) HandleFunc(path string, f func(r *exchange.Request) (*message.Message, error), link ...Link) error {
	return e.Handle(path, exchange.HandlerFunc(f), link...)
}

// RemoveHandler deregisters the resource at path. Observers of the
// resource receive a final 4.04 notification.
func (e *Endpoint) RemoveHandler(path string) {
	path = cleanPath(path)

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.resources, path)
	e.setLink(path, nil)
	if e.state.IsRunning() {
		e.exchangeMgr.RemoveHandler(path)
	}
}

// Notify sends the current representation of path to every observer.
func (e *Endpoint) Notify(path string) error {
	mgr, err := e.running()
	if err != nil {
		return err
	}
	return mgr.Notify(path)
}

// setLink records or, when l is nil, removes the link for path.
func (e *Endpoint) setLink(path string, l *Link) {
	e.linksMu.Lock()
	defer e.linksMu.Unlock()
	if l == nil {
		delete(e.links, path)
		return
	}
	e.links[path] = *l
}

// ---- Client ----

// Do sends req to peer and returns the response. Block-wise transfers in
// either direction are handled transparently.
func (e *Endpoint) Do(ctx context.Context, req *message.Message, peer transport.PeerAddress) (*message.Message, error) {
	mgr, err := e.running()
	if err != nil {
		return nil, err
	}
	return mgr.Request(ctx, req, peer, !e.config.NonConfirmable)
}

// Get fetches target ("/path?query") from peer.
func (e *Endpoint) Get(ctx context.Context, peer transport.PeerAddress, target string) (*message.Message, error) {
	return e.Do(ctx, NewRequest(message.GET, target), peer)
}

// Post sends payload to target with the given content format.
func (e *Endpoint) Post(ctx context.Context, peer transport.PeerAddress, target string, format message.ContentFormat, payload []byte) (*message.Message, error) {
	req := NewRequest(message.POST, target)
	req.Options.SetUint(message.ContentFormatOption, uint32(format))
	req.Payload = payload
	return e.Do(ctx, req, peer)
}

// Put stores payload at target with the given content format.
func (e *Endpoint) Put(ctx context.Context, peer transport.PeerAddress, target string, format message.ContentFormat, payload []byte) (*message.Message, error) {
	req := NewRequest(message.PUT, target)
	req.Options.SetUint(message.ContentFormatOption, uint32(format))
	req.Payload = payload
	return e.Do(ctx, req, peer)
}

// Delete removes target on peer.
func (e *Endpoint) Delete(ctx context.Context, peer transport.PeerAddress, target string) (*message.Message, error) {
	return e.Do(ctx, NewRequest(message.DELETE, target), peer)
}

// Observe registers interest in path on peer. Notifications arrive on the
// returned Observation until it is cancelled or the server ends it.
func (e *Endpoint) Observe(ctx context.Context, peer transport.PeerAddress, path string) (*exchange.Observation, error) {
	mgr, err := e.running()
	if err != nil {
		return nil, err
	}
	return mgr.Observe(ctx, path, peer)
}

// ---- Discovery ----

// Discover browses for "_coap._udp" endpoints. A non-empty rt keeps only
// endpoints advertising that resource type.
func (e *Endpoint) Discover(ctx context.Context, rt string) (<-chan discovery.ResolvedService, error) {
	e.mu.RLock()
	dm := e.discoveryMgr
	running := e.state.IsRunning()
	e.mu.RUnlock()

	if !running {
		return nil, ErrNotStarted
	}
	if rt == "" {
		return dm.Browse(ctx)
	}
	return dm.BrowseResourceType(ctx, rt)
}

// InstanceName returns the advertised DNS-SD instance name, or "" if the
// endpoint is not advertising.
func (e *Endpoint) InstanceName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instance
}

// SetTXT replaces the advertised TXT record. A running, advertising endpoint
// re-announces itself with the new record.
func (e *Endpoint) SetTXT(txt discovery.TXT) error {
	if err := txt.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config.TXT = txt
	if e.state != EndpointStateRunning || e.instance == "" {
		return nil
	}
	return e.discoveryMgr.UpdateAdvertisement(e.instance, txt)
}

// ---- Accessors ----

// LocalAddr returns the address the endpoint listens on, or nil before Start.
func (e *Endpoint) LocalAddr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.transportMgr == nil {
		return nil
	}
	return e.transportMgr.LocalAddr()
}

// Manager returns the endpoint's exchange manager, or nil before Start.
// Exposed for testing and advanced use cases.
func (e *Endpoint) Manager() *exchange.Manager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.exchangeMgr
}

// TransportManager returns the endpoint's transport manager.
// Exposed for testing and advanced use cases.
func (e *Endpoint) TransportManager() *transport.Manager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transportMgr
}

// LoggerFactory returns the endpoint's logger factory.
// Returns nil if no logger factory was configured.
func (e *Endpoint) LoggerFactory() logging.LoggerFactory {
	return e.config.LoggerFactory
}

// ---- Helpers ----

// NewRequest builds a request for target, which may carry a query
// ("/path?a=1&b=2").
func NewRequest(method message.Code, target string) *message.Message {
	path, query, _ := strings.Cut(target, "?")
	req := message.NewRequest(method, path)
	if query != "" {
		for _, q := range strings.Split(query, "&") {
			if q != "" {
				req.Options.Add(message.URIQuery, []byte(q))
			}
		}
	}
	return req
}

// Content builds a 2.05 Content response.
func Content(format message.ContentFormat, payload []byte) *message.Message {
	resp := &message.Message{Code: message.Content, Payload: payload}
	resp.Options.SetUint(message.ContentFormatOption, uint32(format))
	return resp
}

// cleanPath normalizes a resource path to the form produced by Options.Path.
func cleanPath(path string) string {
	var o message.Options
	o.SetPath(path)
	return o.Path()
}
