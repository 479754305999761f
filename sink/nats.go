package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	streamRoot string
}

// NewNatsSink creates a new NATS JetStream sink. streamRoot is the
// subject prefix all forwarded events are published under; a single
// stream covers the whole subtree.
func NewNatsSink(url, streamRoot string) (*NatsSink, error) {
	if url == "" {
		return nil, fmt.Errorf("nats sink requires a url")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streamRoot: streamRoot}, nil
}

// Publish sends a message to NATS JetStream
// subject: JetStream subject (e.g., "murmur.events.message")
// key: Message key (stored as header for routing)
// value: Message payload
func (n *NatsSink) Publish(subject, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamName := sanitizeStreamName(n.streamRoot)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{n.streamRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	_, err = n.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject root to a valid JetStream stream
// name. Stream names can't contain "." so we replace with "_".
func sanitizeStreamName(subject string) string {
	result := make([]byte, len(subject))
	for i, c := range subject {
		if c == '.' {
			result[i] = '_'
		} else {
			result[i] = byte(c)
		}
	}
	return string(result)
}
