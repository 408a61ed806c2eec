package metrics

import "time"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when metrics are disabled.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements Collector.
var _ Collector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// ConnectionAccepted discards the accepted connection metric.
func (n *NopMetrics) ConnectionAccepted(_ /* reattach */ bool) {}

// HandshakeFailed discards the failed handshake metric.
func (n *NopMetrics) HandshakeFailed() {}

// CommandProcessed discards the command metric.
func (n *NopMetrics) CommandProcessed(_ /* verb */, _ /* outcome */ string) {}

// MessageChannelHandshake discards the handshake duration metric.
func (n *NopMetrics) MessageChannelHandshake(_ /* verb */ string, _ /* d */ time.Duration, _ /* ok */ bool) {
}

// MessageAppended discards the append metric.
func (n *NopMetrics) MessageAppended(_ /* bytes */ int) {}

// MessagesEvicted discards the eviction metric.
func (n *NopMetrics) MessagesEvicted(_ /* n */ int) {}

// MessageDelivered discards the delivery metric.
func (n *NopMetrics) MessageDelivered(_ /* path */ string) {}

// DeliveryFailed discards the delivery failure metric.
func (n *NopMetrics) DeliveryFailed(_ /* path */ string) {}

// SetLogEntries discards the log size gauge.
func (n *NopMetrics) SetLogEntries(_ /* n */ int) {}

// SetClients discards the clients gauge.
func (n *NopMetrics) SetClients(_ /* state */ string, _ /* n */ int) {}

// WorkerStalled discards the stall metric.
func (n *NopMetrics) WorkerStalled(_ /* worker */ int) {}
