package exchange

import (
	"fmt"
	"time"

	"github.com/backkem/coap/pkg/message"
)

// Transmission parameters from RFC 7252 Section 4.8, plus the observe and
// block-wise limits from RFC 7641 and RFC 7959. Peers must agree on the
// first four for retransmission and deduplication to interoperate.
const (
	// DefaultAckTimeout is ACK_TIMEOUT, the base of the initial retransmission timeout.
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor is ACK_RANDOM_FACTOR. The initial timeout is
	// drawn from [ACK_TIMEOUT, ACK_TIMEOUT * ACK_RANDOM_FACTOR).
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is MAX_RETRANSMIT. A confirmable message is sent
	// at most DefaultMaxRetransmit+1 times.
	DefaultMaxRetransmit = 4

	// DefaultExchangeLifetime is EXCHANGE_LIFETIME, the time from the first
	// transmission of a confirmable message until its message ID may be reused.
	DefaultExchangeLifetime = 247 * time.Second

	// DefaultBlockSize is the preferred block size for block-wise transfers.
	DefaultBlockSize = message.MaxBlockSize

	// DefaultMaxPayloadSize caps a reassembled block-wise body.
	DefaultMaxPayloadSize = 256 * 1024

	// DefaultObserveStaleness is the 128 second window after which any
	// notification is considered newer regardless of its sequence number
	// (RFC 7641 Section 3.4).
	DefaultObserveStaleness = 128 * time.Second

	// DefaultMaxObserveFailures is how many consecutive unacknowledged
	// confirmable notifications an observer survives.
	DefaultMaxObserveFailures = 3

	// DefaultDedupCapacity bounds the number of remembered inbound exchanges.
	DefaultDedupCapacity = 8192

	// DefaultMaxBlockContexts bounds concurrent inbound block-wise transfers.
	DefaultMaxBlockContexts = 1024

	// DefaultSweepInterval is how often expired cache entries are purged.
	DefaultSweepInterval = 5 * time.Second
)

// observeSeqMask keeps Observe sequence numbers within 24 bits.
const observeSeqMask = 1<<24 - 1

// Params holds the protocol parameters of a Manager.
// Zero fields are replaced by their defaults.
type Params struct {
	AckTimeout         time.Duration
	AckRandomFactor    float64
	MaxRetransmit      int
	ExchangeLifetime   time.Duration
	BlockSize          int
	MaxPayloadSize     int
	ObserveStaleness   time.Duration
	MaxObserveFailures int
	DedupCapacity      int
	MaxBlockContexts   int
	SweepInterval      time.Duration
}

// DefaultParams returns the RFC 7252 default parameters.
func DefaultParams() Params {
	return Params{
		AckTimeout:         DefaultAckTimeout,
		AckRandomFactor:    DefaultAckRandomFactor,
		MaxRetransmit:      DefaultMaxRetransmit,
		ExchangeLifetime:   DefaultExchangeLifetime,
		BlockSize:          DefaultBlockSize,
		MaxPayloadSize:     DefaultMaxPayloadSize,
		ObserveStaleness:   DefaultObserveStaleness,
		MaxObserveFailures: DefaultMaxObserveFailures,
		DedupCapacity:      DefaultDedupCapacity,
		MaxBlockContexts:   DefaultMaxBlockContexts,
		SweepInterval:      DefaultSweepInterval,
	}
}

// applyDefaults fills zero fields with the defaults.
func (p *Params) applyDefaults() {
	d := DefaultParams()
	if p.AckTimeout == 0 {
		p.AckTimeout = d.AckTimeout
	}
	if p.AckRandomFactor == 0 {
		p.AckRandomFactor = d.AckRandomFactor
	}
	if p.MaxRetransmit == 0 {
		p.MaxRetransmit = d.MaxRetransmit
	}
	if p.ExchangeLifetime == 0 {
		p.ExchangeLifetime = d.ExchangeLifetime
	}
	if p.BlockSize == 0 {
		p.BlockSize = d.BlockSize
	}
	if p.MaxPayloadSize == 0 {
		p.MaxPayloadSize = d.MaxPayloadSize
	}
	if p.ObserveStaleness == 0 {
		p.ObserveStaleness = d.ObserveStaleness
	}
	if p.MaxObserveFailures == 0 {
		p.MaxObserveFailures = d.MaxObserveFailures
	}
	if p.DedupCapacity == 0 {
		p.DedupCapacity = d.DedupCapacity
	}
	if p.MaxBlockContexts == 0 {
		p.MaxBlockContexts = d.MaxBlockContexts
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = d.SweepInterval
	}
}

// WithDefaults returns a copy of p with zero fields set to their defaults.
func (p Params) WithDefaults() Params {
	p.applyDefaults()
	return p
}

// Validate checks the parameters for consistency.
func (p Params) Validate() error {
	if p.AckTimeout <= 0 {
		return fmt.Errorf("%w: AckTimeout must be positive", ErrInvalidParams)
	}
	if p.AckRandomFactor < 1.0 {
		return fmt.Errorf("%w: AckRandomFactor must be at least 1.0", ErrInvalidParams)
	}
	if p.MaxRetransmit < 0 {
		return fmt.Errorf("%w: MaxRetransmit must not be negative", ErrInvalidParams)
	}
	if _, err := message.SZXForSize(p.BlockSize); err != nil {
		return fmt.Errorf("%w: BlockSize %d is not a power of two in [16, 1024]", ErrInvalidParams, p.BlockSize)
	}
	if p.MaxPayloadSize < p.BlockSize {
		return fmt.Errorf("%w: MaxPayloadSize below BlockSize", ErrInvalidParams)
	}
	if p.ExchangeLifetime <= 0 || p.ObserveStaleness <= 0 || p.SweepInterval <= 0 {
		return fmt.Errorf("%w: lifetimes must be positive", ErrInvalidParams)
	}
	if p.DedupCapacity <= 0 || p.MaxBlockContexts <= 0 || p.MaxObserveFailures <= 0 {
		return fmt.Errorf("%w: capacities must be positive", ErrInvalidParams)
	}
	return nil
}

// MaxTransmitSpan is the maximum time from the first transmission of a
// confirmable message to its last retransmission.
func (p Params) MaxTransmitSpan() time.Duration {
	return time.Duration(float64(p.AckTimeout) * float64(int(1)<<p.MaxRetransmit-1) * p.AckRandomFactor)
}

// MaxTransmitWait is the maximum time from the first transmission of a
// confirmable message to the moment the sender gives up.
func (p Params) MaxTransmitWait() time.Duration {
	return time.Duration(float64(p.AckTimeout) * float64(int(1)<<(p.MaxRetransmit+1)-1) * p.AckRandomFactor)
}
