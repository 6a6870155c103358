package ports

import "context"

// Message is an outbound update constructed only at the transport
// boundary; internal logic passes domain types, not maps.
type Message struct {
	Topic string                 // "orders", "market_data", "system", ...
	Key   string                 // Order id, symbol or "SYSTEM"
	Type  string                 // Message type within the topic
	Data  map[string]interface{} // View payload
}

// Broadcaster delivers updates to external consumers. Both operations are
// best-effort; neither may block the caller's critical path.
type Broadcaster interface {
	// Broadcast delivers the message immediately.
	Broadcast(ctx context.Context, msg Message)

	// QueueMessage enqueues the message for the next batched flush.
	QueueMessage(ctx context.Context, msg Message)
}
