package coap

import (
	"fmt"
	"net"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port.
const DefaultPort = transport.DefaultPort

// EndpointConfig holds all configuration for an Endpoint.
type EndpointConfig struct {
	// Network
	Port       int    // UDP port (default: 5683)
	ListenAddr string // Full listen address, overrides Port (e.g. "127.0.0.1:0")

	// Protocol parameters - Optional (zero fields take the RFC 7252 defaults)
	Params       exchange.Params
	RandomSource exchange.RandomSource

	// NonConfirmable makes the client helpers send NON requests.
	NonConfirmable bool

	// DisableWellKnownCore turns off the /.well-known/core resource listing.
	DisableWellKnownCore bool

	// Discovery - Optional
	Advertise              bool                        // Announce "_coap._udp" over mDNS on Start
	InstanceName           string                      // DNS-SD instance (random if empty)
	TXT                    discovery.TXT               // Advertised rt=/if= attributes
	Interfaces             []net.Interface             // mDNS interfaces (all if nil)
	DiscoveryServerFactory discovery.MDNSServerFactory // For testing
	DiscoveryResolver      discovery.MDNSResolver      // For testing

	// Callbacks - Optional
	OnStateChanged func(state EndpointState)

	// Advanced - Internal use / Testing
	TransportFactory transport.Factory // For virtual network testing

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *EndpointConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}

	if c.ListenAddr != "" {
		if _, err := net.ResolveUDPAddr("udp", c.ListenAddr); err != nil {
			return fmt.Errorf("%w: listen address: %v", ErrInvalidConfig, err)
		}
	}

	if c.Params != (exchange.Params{}) {
		if err := c.Params.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	if c.Advertise {
		if c.InstanceName != "" {
			if err := discovery.ValidateInstanceName(c.InstanceName); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
		}
		if err := c.TXT.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *EndpointConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
}
