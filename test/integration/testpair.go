// Package integration provides test infrastructure for CoAP E2E tests.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/backkem/coap/examples/controller"
	"github.com/backkem/coap/examples/light"
	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// TestPair holds a running light and controller connected through a
// virtual pipe.
//
// Example usage:
//
//	pair := NewTestPair(t)
//	defer pair.Close()
//	pair.Controller.SetState(pair.Context(t), pair.DeviceAddr, true)
//	pair.Device.IsOn()
type TestPair struct {
	// Device is the light under test.
	Device *light.Device

	// Controller drives the light.
	Controller *controller.Controller

	// DeviceAddr is the light's transport address.
	DeviceAddr transport.PeerAddress

	// Pipe is the virtual network between them.
	Pipe *transport.Pipe

	// Resolver answers the controller's mDNS browses.
	Resolver *discovery.MockMDNSResolver

	// Registrations records the light's mDNS announcements.
	Registrations *coap.TestMDNSServerFactory

	cancel        context.CancelFunc
	loggerFactory logging.LoggerFactory
}

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	// DeviceInstance is the light's DNS-SD instance name.
	DeviceInstance string

	// Params override exchange.TestParams when non-zero.
	Params exchange.Params

	// LoggerFactory for logging. If nil, uses DefaultLoggerFactory.
	LoggerFactory logging.LoggerFactory
}

// DefaultTestPairConfig returns default configuration for test pairs.
func DefaultTestPairConfig() TestPairConfig {
	return TestPairConfig{
		DeviceInstance: "test-light",
		Params:         exchange.TestParams(),
	}
}

// NewTestPair creates a started light and controller pair.
func NewTestPair(t *testing.T) *TestPair {
	return NewTestPairWithConfig(t, DefaultTestPairConfig())
}

// NewTestPairWithConfig creates a test pair with custom configuration.
func NewTestPairWithConfig(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	if config.Params == (exchange.Params{}) {
		config.Params = exchange.TestParams()
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	deviceTransport, controllerTransport := transport.NewPipeFactoryPair()
	registrations := &coap.TestMDNSServerFactory{}
	resolver := discovery.NewMockMDNSResolver()

	deviceConfig := coap.TestEndpointConfig()
	deviceConfig.Params = config.Params
	deviceConfig.TransportFactory = deviceTransport
	deviceConfig.Advertise = true
	deviceConfig.InstanceName = config.DeviceInstance
	deviceConfig.DiscoveryServerFactory = registrations
	deviceConfig.LoggerFactory = loggerFactory

	device, err := light.NewDeviceWithConfig(deviceConfig)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	ctrl, err := controller.New(controller.Options{
		Params:            config.Params,
		TransportFactory:  controllerTransport,
		DiscoveryResolver: resolver,
		FindTimeout:       200 * time.Millisecond,
		LoggerFactory:     loggerFactory,
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := device.Endpoint.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Failed to start device: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		device.Endpoint.Stop()
		cancel()
		t.Fatalf("Failed to start controller: %v", err)
	}

	return &TestPair{
		Device:        device,
		Controller:    ctrl,
		DeviceAddr:    transport.NewPeerAddress(device.Endpoint.LocalAddr()),
		Pipe:          deviceTransport.Pipe(),
		Resolver:      resolver,
		Registrations: registrations,
		cancel:        cancel,
		loggerFactory: loggerFactory,
	}
}

// Close cleans up resources used by the pair.
// Should be called with defer after creating the pair.
func (p *TestPair) Close() {
	if p.Controller != nil {
		p.Controller.Stop()
	}
	if p.Device != nil {
		p.Device.Endpoint.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// Context returns a context for operations on this pair.
func (p *TestPair) Context(t *testing.T) context.Context {
	return p.ContextWithTimeout(t, 5*time.Second)
}

// ContextWithTimeout returns a context with custom timeout, cancelled when
// the test ends.
func (p *TestPair) ContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// LoggerFactory returns the logger factory used by this pair.
func (p *TestPair) LoggerFactory() logging.LoggerFactory {
	return p.loggerFactory
}
