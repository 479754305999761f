package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/encoding"
	"github.com/murmurchat/murmur/event"
)

// Digest summarizes per-identity event volume over one window.
type Digest struct {
	WindowStart int64                     `msgpack:"start"` // unix ms
	WindowEnd   int64                     `msgpack:"end"`   // unix ms
	Counts      map[event.Identity]uint64 `msgpack:"counts"`
}

// DigestTicker is a timer-driven side effect: it counts delivered events
// per identity between ticks and emits one summary through the sink per
// window. It carries no delivery guarantee.
type DigestTicker struct {
	sink     Sink
	subject  string
	interval time.Duration
	source   <-chan event.Event

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewDigestTicker creates a digest emitter over the given hub channel.
func NewDigestTicker(snk Sink, subject string, interval time.Duration, source <-chan event.Event) *DigestTicker {
	return &DigestTicker{
		sink:     snk,
		subject:  subject,
		interval: interval,
		source:   source,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins counting and emitting digests
func (d *DigestTicker) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running.Load() {
		return
	}

	d.running.Store(true)
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go d.loop()
}

// Stop emits the final partial window and stops
func (d *DigestTicker) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.Load() {
		return
	}

	close(d.stopCh)
	<-d.doneCh
	d.running.Store(false)
}

func (d *DigestTicker) loop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	counts := make(map[event.Identity]uint64)
	windowStart := time.Now()

	for {
		select {
		case <-d.stopCh:
			d.emit(windowStart, counts)
			return
		case ev, ok := <-d.source:
			if !ok {
				d.emit(windowStart, counts)
				return
			}
			counts[ev.Recipient]++
		case <-ticker.C:
			d.emit(windowStart, counts)
			counts = make(map[event.Identity]uint64)
			windowStart = time.Now()
		}
	}
}

// emit publishes one digest summary. Empty windows are skipped.
func (d *DigestTicker) emit(windowStart time.Time, counts map[event.Identity]uint64) {
	if len(counts) == 0 {
		return
	}

	digest := Digest{
		WindowStart: windowStart.UnixMilli(),
		WindowEnd:   time.Now().UnixMilli(),
		Counts:      counts,
	}

	data, err := encoding.Marshal(digest)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode digest")
		return
	}

	if err := d.sink.Publish(d.subject, "digest", data); err != nil {
		log.Warn().
			Err(err).
			Str("subject", d.subject).
			Int("identities", len(counts)).
			Msg("Failed to publish digest")
	}
}
