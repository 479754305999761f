package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DeliveryBuckets for in-process publish and push latencies
	DeliveryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// CatchUpBuckets for catch-up reads that touch disk
	CatchUpBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// FanOutBuckets for recipient counts per published event
	FanOutBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Connection Metrics
var (
	// ConnectionsActive tracks currently open WebSocket sessions
	ConnectionsActive Gauge = NoopStat{}

	// ConnectionsTotal counts accepted connections by result (ok, superseded, auth_failed)
	ConnectionsTotal CounterVec = noopCounterVec{}

	// ConnectionsSupersededTotal counts sessions closed by a newer session for the same identity
	ConnectionsSupersededTotal Counter = NoopStat{}

	// HeartbeatTimeoutsTotal counts sessions torn down for missed pongs
	HeartbeatTimeoutsTotal Counter = NoopStat{}
)

// Delivery Metrics
var (
	// EventsPublishedTotal counts published events by type
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventsDeliveredTotal counts events handed to a live connection by path (live, catch_up)
	EventsDeliveredTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures end-to-end publish latency (resolve + append + push)
	PublishDurationSeconds Histogram = NoopStat{}

	// FanOutRecipients measures resolved recipient count per event
	FanOutRecipients Histogram = NoopStat{}

	// FanOutErrorsTotal counts recipient resolution failures
	FanOutErrorsTotal Counter = NoopStat{}

	// AppendErrorsTotal counts event log append failures
	AppendErrorsTotal Counter = NoopStat{}
)

// Catch-Up Metrics
var (
	// CatchUpRequestsTotal counts catch-up requests from clients
	CatchUpRequestsTotal Counter = NoopStat{}

	// CatchUpDurationSeconds measures catch-up read and replay latency
	CatchUpDurationSeconds Histogram = NoopStat{}

	// CatchUpEventsTotal counts events replayed during catch-up
	CatchUpEventsTotal Counter = NoopStat{}
)

// Sink Metrics
var (
	// SinkForwardsTotal counts events forwarded downstream by sink and result
	SinkForwardsTotal CounterVec = noopCounterVec{}

	// SinkRetriesTotal counts forward retries by sink
	SinkRetriesTotal CounterVec = noopCounterVec{}

	// SinkQueueDepth tracks pending events in the sink queue
	SinkQueueDepth Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Connection Metrics
	ConnectionsActive = NewGauge(
		"connections_active",
		"Number of currently open WebSocket sessions",
	)
	ConnectionsTotal = NewCounterVec(
		"connections_total",
		"Accepted connection attempts by result",
		[]string{"result"},
	)
	ConnectionsSupersededTotal = NewCounter(
		"connections_superseded_total",
		"Sessions closed because a newer session replaced them",
	)
	HeartbeatTimeoutsTotal = NewCounter(
		"heartbeat_timeouts_total",
		"Sessions torn down after missed pongs",
	)

	// Delivery Metrics
	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Published events by type",
		[]string{"type"},
	)
	EventsDeliveredTotal = NewCounterVec(
		"events_delivered_total",
		"Events handed to a live connection by path",
		[]string{"path"},
	)
	PublishDurationSeconds = NewHistogramWithBuckets(
		"publish_duration_seconds",
		"End-to-end publish latency in seconds",
		DeliveryBuckets,
	)
	FanOutRecipients = NewHistogramWithBuckets(
		"fanout_recipients",
		"Resolved recipient count per published event",
		FanOutBuckets,
	)
	FanOutErrorsTotal = NewCounter(
		"fanout_errors_total",
		"Recipient resolution failures",
	)
	AppendErrorsTotal = NewCounter(
		"append_errors_total",
		"Event log append failures",
	)

	// Catch-Up Metrics
	CatchUpRequestsTotal = NewCounter(
		"catchup_requests_total",
		"Catch-up requests received from clients",
	)
	CatchUpDurationSeconds = NewHistogramWithBuckets(
		"catchup_duration_seconds",
		"Catch-up read and replay latency in seconds",
		CatchUpBuckets,
	)
	CatchUpEventsTotal = NewCounter(
		"catchup_events_total",
		"Events replayed during catch-up",
	)

	// Sink Metrics
	SinkForwardsTotal = NewCounterVec(
		"sink_forwards_total",
		"Events forwarded downstream by sink and result",
		[]string{"sink", "result"},
	)
	SinkRetriesTotal = NewCounterVec(
		"sink_retries_total",
		"Forward retries by sink",
		[]string{"sink"},
	)
	SinkQueueDepth = NewGauge(
		"sink_queue_depth",
		"Pending events in the sink queue",
	)
}
