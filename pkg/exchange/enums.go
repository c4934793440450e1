// Package exchange implements the CoAP exchange and reliability layer.
//
// The exchange layer sits between the datagram transport (pkg/transport) and
// the application. It turns best-effort datagrams into the guarantees of
// RFC 7252 and its extensions:
//
//   - Reliability: confirmable messages are retransmitted with exponential
//     backoff until acknowledged, reset, or MaxRetransmit is exhausted
//   - Deduplication: retransmitted requests are answered from a response cache
//     instead of reaching the handler twice
//   - Correlation: responses are matched to requests by token, ACK and RST by
//     message ID
//   - Observe (RFC 7641): client subscriptions with wraparound-aware ordering
//     of notifications, and server-side observer lists
//   - Block-wise transfer (RFC 7959): segmentation and reassembly of bodies
//     larger than a datagram
//
// Manager is the single entry point. Its tables are sharded per key so that
// unrelated peers never contend on one lock.
package exchange

// DedupStatus is the outcome of a deduplication lookup.
type DedupStatus int

const (
	// DedupFresh means the message was not seen before and is now registered.
	DedupFresh DedupStatus = iota

	// DedupInFlight means the message was seen but no response is recorded yet.
	// The duplicate must be dropped.
	DedupInFlight

	// DedupWithResponse means the message was answered. The cached response
	// must be resent verbatim.
	DedupWithResponse
)

// String returns a human-readable name for the status.
func (s DedupStatus) String() string {
	switch s {
	case DedupFresh:
		return "Fresh"
	case DedupInFlight:
		return "InFlight"
	case DedupWithResponse:
		return "WithResponse"
	default:
		return "Unknown"
	}
}

// AssemblyStatus is the outcome of accepting one inbound block.
type AssemblyStatus int

const (
	// AssemblyNeedMore means further blocks are expected.
	AssemblyNeedMore AssemblyStatus = iota

	// AssemblyComplete means the final block arrived and the body is complete.
	AssemblyComplete
)

// String returns a human-readable name for the status.
func (s AssemblyStatus) String() string {
	switch s {
	case AssemblyNeedMore:
		return "NeedMore"
	case AssemblyComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// TransactionState tracks the lifecycle of a confirmable transmission.
type TransactionState int

const (
	// TransactionPending means the message awaits an ACK or RST.
	TransactionPending TransactionState = iota

	// TransactionCompleted means an ACK or RST arrived.
	TransactionCompleted

	// TransactionFailed means retransmissions were exhausted.
	TransactionFailed

	// TransactionCancelled means the owner abandoned the exchange.
	TransactionCancelled
)

// String returns a human-readable name for the state.
func (s TransactionState) String() string {
	switch s {
	case TransactionPending:
		return "Pending"
	case TransactionCompleted:
		return "Completed"
	case TransactionFailed:
		return "Failed"
	case TransactionCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// IsTerminal returns true once the transaction can no longer change.
func (s TransactionState) IsTerminal() bool {
	return s != TransactionPending
}

// outcome is reported to the owner of a Transaction exactly once.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeReset
	outcomeTimeout
)

func (o outcome) String() string {
	switch o {
	case outcomeAck:
		return "ack"
	case outcomeReset:
		return "reset"
	case outcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
