// Package metrics defines the coordinator's instrumentation points and
// provides a no-op and a Prometheus-backed implementation.
package metrics

import "time"

// Delivery paths reported to MessageDelivered.
const (
	PathLive   = "live"
	PathReplay = "replay"
)

// Command outcomes reported to CommandProcessed.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected" // precondition not met
	OutcomeFailed   = "failed"   // I/O or resource error
	OutcomeIgnored  = "ignored"  // unknown verb
)

// Collector receives coordinator events. Implementations must be safe for
// concurrent use by the acceptor and every worker.
type Collector interface {
	// ConnectionAccepted records a completed command-channel handshake.
	// reattach is true when the client id was already known.
	ConnectionAccepted(reattach bool)

	// HandshakeFailed records a command connection dropped during the id handshake.
	HandshakeFailed()

	// CommandProcessed records one command by verb and outcome.
	CommandProcessed(verb, outcome string)

	// MessageChannelHandshake records the duration of a register/reconnect accept.
	MessageChannelHandshake(verb string, d time.Duration, ok bool)

	// MessageAppended records a multicast message entering the log.
	MessageAppended(bytes int)

	// MessagesEvicted records entries removed by retention.
	MessagesEvicted(n int)

	// MessageDelivered records a write to a message channel.
	MessageDelivered(path string)

	// DeliveryFailed records a failed write to a message channel.
	DeliveryFailed(path string)

	// SetLogEntries reports the retained log size.
	SetLogEntries(n int)

	// SetClients reports the number of clients per connection state.
	SetClients(state string, n int)

	// WorkerStalled records a worker crossing the stall threshold.
	WorkerStalled(worker int)
}
