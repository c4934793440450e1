package exchange

import "sync/atomic"

// Stats is a snapshot of the Manager counters.
type Stats struct {
	// Transmissions counts every datagram sent, retransmissions included.
	Transmissions uint64

	// Retransmissions counts resends of unacknowledged confirmable messages.
	Retransmissions uint64

	// Timeouts counts confirmable messages that exhausted MaxRetransmit.
	Timeouts uint64

	// Duplicates counts inbound messages absorbed by deduplication.
	Duplicates uint64

	// StaleNotifications counts notifications dropped as out of order.
	StaleNotifications uint64

	// DecodeErrors counts datagrams that failed to decode.
	DecodeErrors uint64

	// HandlerInvocations counts calls into resource handlers.
	HandlerInvocations uint64

	// ActiveTransactions is the number of unacknowledged confirmable messages.
	ActiveTransactions int

	// ActiveObservations is the number of client subscriptions.
	ActiveObservations int
}

type counters struct {
	transmissions      atomic.Uint64
	retransmissions    atomic.Uint64
	timeouts           atomic.Uint64
	duplicates         atomic.Uint64
	staleNotifications atomic.Uint64
	decodeErrors       atomic.Uint64
	handlerInvocations atomic.Uint64
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Transmissions:      m.stats.transmissions.Load(),
		Retransmissions:    m.stats.retransmissions.Load(),
		Timeouts:           m.stats.timeouts.Load(),
		Duplicates:         m.stats.duplicates.Load(),
		StaleNotifications: m.stats.staleNotifications.Load(),
		DecodeErrors:       m.stats.decodeErrors.Load(),
		HandlerInvocations: m.stats.handlerInvocations.Load(),
		ActiveTransactions: m.transactions.Count(),
		ActiveObservations: m.observations.Len(),
	}
}
