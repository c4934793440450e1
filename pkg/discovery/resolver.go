package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Timeouts applied when the caller's context carries no deadline.
const (
	DefaultBrowseTimeout = 10 * time.Second
	DefaultLookupTimeout = 5 * time.Second
)

// ResolvedService is one CoAP endpoint found on the link.
type ResolvedService struct {
	InstanceName string
	HostName     string
	Port         int

	// IPs is ordered by SortIPsByPreference.
	IPs []net.IP

	// Text holds every raw key=value pair; TXT is its parsed form.
	Text map[string]string
	TXT  TXT
}

// PreferredIP returns the first address in preference order, or nil.
func (r *ResolvedService) PreferredIP() net.IP {
	if len(r.IPs) == 0 {
		return nil
	}
	return r.IPs[0]
}

// PeerAddress returns the UDP peer for the preferred address.
func (r *ResolvedService) PeerAddress() (transport.PeerAddress, error) {
	ip := r.PreferredIP()
	if ip == nil {
		return transport.PeerAddress{}, ErrNoAddresses
	}
	return transport.NewPeerAddress(&net.UDPAddr{IP: ip, Port: r.Port}), nil
}

// MDNSResolver is the browsing half of mDNS. Calls return at once; entries
// is written until ctx ends and then closed, as zeroconf.Resolver does.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// MDNSResolver defaults to a zeroconf resolver on Interfaces.
	MDNSResolver MDNSResolver
	Interfaces   []net.Interface

	BrowseTimeout time.Duration
	LookupTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Resolver finds "_coap._udp" instances.
type Resolver struct {
	mdns          MDNSResolver
	browseTimeout time.Duration
	lookupTimeout time.Duration
	log           logging.LeveledLogger
}

// NewResolver creates a Resolver. Without an injected MDNSResolver it opens
// a zeroconf client.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	r := &Resolver{
		mdns:          config.MDNSResolver,
		browseTimeout: config.BrowseTimeout,
		lookupTimeout: config.LookupTimeout,
		log:           newLogger(config.LoggerFactory),
	}
	if r.browseTimeout == 0 {
		r.browseTimeout = DefaultBrowseTimeout
	}
	if r.lookupTimeout == 0 {
		r.lookupTimeout = DefaultLookupTimeout
	}
	if r.mdns == nil {
		var opts []zeroconf.ClientOption
		if len(config.Interfaces) > 0 {
			opts = append(opts, zeroconf.SelectIfaces(config.Interfaces))
		}
		zr, err := zeroconf.NewResolver(opts...)
		if err != nil {
			return nil, err
		}
		r.mdns = zr
	}
	return r, nil
}

// Browse streams every endpoint found until ctx ends, then closes the
// channel. An instance announced more than once is reported once.
func (r *Resolver) Browse(ctx context.Context) (<-chan ResolvedService, error) {
	return r.browse(ctx, nil)
}

// BrowseResourceType is Browse restricted to endpoints whose TXT record
// lists rt.
func (r *Resolver) BrowseResourceType(ctx context.Context, rt string) (<-chan ResolvedService, error) {
	return r.browse(ctx, func(svc *ResolvedService) bool {
		return svc.TXT.HasResourceType(rt)
	})
}

func (r *Resolver) browse(ctx context.Context, keep func(*ResolvedService) bool) (<-chan ResolvedService, error) {
	ctx, cancel := withDefaultTimeout(ctx, r.browseTimeout)

	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.mdns.Browse(ctx, ServiceCoAP, DefaultDomain, entries); err != nil {
		cancel()
		return nil, err
	}

	out := make(chan ResolvedService)
	go func() {
		defer close(out)
		defer cancel()

		seen := make(map[string]bool)
		for {
			var entry *zeroconf.ServiceEntry
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				entry = e
			case <-ctx.Done():
				return
			}

			if entry == nil || seen[entry.Instance] {
				continue
			}
			svc := newResolvedService(entry)
			if keep != nil && !keep(&svc) {
				continue
			}
			seen[entry.Instance] = true
			r.log.Debugf("found %s at %s:%d", svc.InstanceName, svc.HostName, svc.Port)

			select {
			case out <- svc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Lookup resolves one instance by name. It fails with ErrTimeout when the
// lookup timeout passes and ErrServiceNotFound when the resolver gives up.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*ResolvedService, error) {
	if err := ValidateInstanceName(instance); err != nil {
		return nil, err
	}

	ctx, cancel := withDefaultTimeout(ctx, r.lookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.mdns.Lookup(ctx, instance, ServiceCoAP, DefaultDomain, entries); err != nil {
		return nil, err
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if err := lookupErr(ctx); err != nil {
					return nil, err
				}
				return nil, ErrServiceNotFound
			}
			if entry != nil && entry.Instance == instance {
				svc := newResolvedService(entry)
				return &svc, nil
			}
		case <-ctx.Done():
			return nil, lookupErr(ctx)
		}
	}
}

// withDefaultTimeout bounds ctx by d unless it already has a deadline. The
// returned cancel also stops the underlying mDNS query.
func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func lookupErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func newResolvedService(entry *zeroconf.ServiceEntry) ResolvedService {
	ips := make([]net.IP, 0, len(entry.AddrIPv6)+len(entry.AddrIPv4))
	ips = append(ips, entry.AddrIPv6...)
	ips = append(ips, entry.AddrIPv4...)

	svc := ResolvedService{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(ips),
		Text:         ParseTXT(entry.Text),
	}
	if txt, err := ParseServiceTXT(entry.Text); err == nil {
		svc.TXT = *txt
	}
	return svc
}
