package sink

// Sink is a downstream destination for delivered events (NATS, Kafka).
// Forwarding is fire-and-forget relative to the seq/catch-up contract:
// a sink failure never affects client delivery.
type Sink interface {
	// Publish sends a message to the sink
	Publish(subject string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}
