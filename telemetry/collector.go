package telemetry

import (
	"sync"
	"time"
)

// ConnectionCounter reports currently open sessions
type ConnectionCounter interface {
	ConnectionCount() int
}

// QueueDepthProvider reports pending work in a sink queue
type QueueDepthProvider interface {
	QueueDepth() int
}

// MetricsCollector periodically samples component stats into telemetry gauges
type MetricsCollector struct {
	connections ConnectionCounter
	queues      []QueueDepthProvider
	interval    time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(connections ConnectionCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		connections: connections,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// AddQueue registers a sink queue to sample. Not safe after Start.
func (mc *MetricsCollector) AddQueue(q QueueDepthProvider) {
	mc.queues = append(mc.queues, q)
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.connections != nil {
		ConnectionsActive.Set(float64(mc.connections.ConnectionCount()))
	}

	depth := 0
	for _, q := range mc.queues {
		depth += q.QueueDepth()
	}
	SinkQueueDepth.Set(float64(depth))
}
