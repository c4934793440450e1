// Package discovery implements DNS-SD (mDNS) discovery for CoAP endpoints.
//
// This package provides:
//   - Service advertising of "_coap._udp" instances in the "local." domain
//   - Service resolution to discover other CoAP endpoints on the link
//   - TXT record encoding/decoding for CoRE link attributes (rt, if)
//
// The mDNS layer is injectable through MDNSServerFactory and MDNSResolver so
// that tests never touch the network; production uses grandcat/zeroconf.
package discovery

import (
	"io"

	"github.com/pion/logging"
)

// DNS-SD service strings.
const (
	// ServiceCoAP is the DNS-SD service type for CoAP over UDP (RFC 7252 Section 12.8).
	ServiceCoAP = "_coap._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// DefaultPort is the default CoAP port.
const DefaultPort = 5683

// newLogger scopes a logger to discovery. A nil factory yields a silent one.
func newLogger(f logging.LoggerFactory) logging.LeveledLogger {
	if f == nil {
		return logging.NewDefaultLeveledLoggerForScope("discovery", logging.LogLevelDisabled, io.Discard)
	}
	return f.NewLogger("discovery")
}
