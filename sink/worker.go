package sink

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/encoding"
	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/telemetry"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum retry attempts before an event is dropped
	DefaultMaxRetries = 5
)

// WorkerConfig configures a sink forwarding worker
type WorkerConfig struct {
	Name            string             // Sink name (for logs and metrics)
	Sink            Sink               // Destination sink
	Filter          *TypeFilter        // Event type filter
	SubjectRoot     string             // Subject prefix (e.g., "murmur.events")
	Source          <-chan event.Event // Hub subscription channel
	RetryInitial    time.Duration      // Initial retry delay
	RetryMax        time.Duration      // Max retry delay
	RetryMultiplier float64            // Backoff multiplier
	MaxRetries      int                // Retry attempts before dropping
}

// Worker drains a hub subscription and forwards matching events to one
// sink. Forwarding carries no delivery guarantee: an event that exhausts
// its retries is dropped with a log line, never blocking client delivery.
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new sink forwarding worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("source channel is required")
	}
	if config.Filter == nil {
		config.Filter = &TypeFilter{}
	}
	if config.SubjectRoot == "" {
		config.SubjectRoot = "murmur.events"
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// QueueDepth reports pending events on the source channel
func (w *Worker) QueueDepth() int {
	return len(w.config.Source)
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Str("subject_root", w.config.SubjectRoot).
		Msg("Starting sink worker")

	go w.drainLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping sink worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Sink worker stopped")
}

// drainLoop is the main worker loop
func (w *Worker) drainLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.config.Source:
			if !ok {
				return
			}
			w.forward(ev)
		}
	}
}

// forward publishes one event, retrying transient failures with
// exponential backoff. Filtered events are skipped silently.
func (w *Worker) forward(ev event.Event) {
	if !w.config.Filter.Match(ev.Type) {
		return
	}

	value, err := encoding.Marshal(ev)
	if err != nil {
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", ev.Seq).
			Msg("Failed to encode event for sink")
		return
	}

	subject := fmt.Sprintf("%s.%s", w.config.SubjectRoot, ev.Type)
	if err := w.publishWithRetry(subject, string(ev.Recipient), value); err != nil {
		telemetry.SinkForwardsTotal.With(w.config.Name, "dropped").Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("recipient", string(ev.Recipient)).
			Uint64("seq", ev.Seq).
			Msg("Dropping event after exhausted retries")
		return
	}

	telemetry.SinkForwardsTotal.With(w.config.Name, "ok").Inc()
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns error if max retries are exhausted or the worker stopped.
func (w *Worker) publishWithRetry(subject, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(subject, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for subject %s: %w", w.config.MaxRetries, subject, err)
		}

		telemetry.SinkRetriesTotal.With(w.config.Name).Inc()
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("subject", subject).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
