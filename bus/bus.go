package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/eventlog"
	"github.com/murmurchat/murmur/fanout"
	"github.com/murmurchat/murmur/telemetry"
)

// LivePusher hands a freshly appended event to a recipient's active
// session, if one exists. The ws connection registry implements it.
type LivePusher interface {
	Push(id event.Identity, ev *event.Event) bool
}

// EventBus is the single publish entry point. Command handlers call
// Publish after their own durable write succeeds; the bus resolves the
// audience, appends one sequenced copy per recipient and pushes to live
// sessions. Downstream side effects observe appended events via the Hub.
type EventBus struct {
	events   *eventlog.Log
	resolver *fanout.Resolver
	pusher   LivePusher
	hub      *Hub
}

// New creates an event bus. pusher may be nil (publish-only node).
func New(events *eventlog.Log, resolver *fanout.Resolver, pusher LivePusher) *EventBus {
	return &EventBus{
		events:   events,
		resolver: resolver,
		pusher:   pusher,
		hub:      NewHub(),
	}
}

// Hub exposes the subscription point for sinks and digest timers.
func (b *EventBus) Hub() *Hub {
	return b.hub
}

// Publish validates the envelope, resolves its audience as a snapshot at
// this instant, and delivers one copy per recipient. Fan-out across
// recipients runs fully in parallel; there are no cross-recipient locks.
// A partial scope failure degrades delivery to the surviving recipients
// and is reported back to the caller, never swallowed.
func (b *EventBus) Publish(env *event.Envelope) error {
	start := time.Now()

	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return fmt.Errorf("payload for %s event is not a JSON document", env.Type)
	}

	recipients, resolveErr := b.resolver.Resolve(env)
	if resolveErr != nil {
		telemetry.FanOutErrorsTotal.Inc()
		if len(recipients) == 0 {
			return fmt.Errorf("resolve recipients: %w", resolveErr)
		}
		log.Warn().
			Err(resolveErr).
			Str("sender", string(env.Sender)).
			Str("type", string(env.Type)).
			Msg("Partial fan-out, delivering to resolved recipients")
	}

	telemetry.FanOutRecipients.Observe(float64(len(recipients)))
	telemetry.EventsPublishedTotal.With(string(env.Type)).Inc()

	if len(recipients) == 0 {
		return resolveErr
	}

	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	futures := make([]*future.Future[event.Event], len(recipients))
	for i, rcpt := range recipients {
		p := future.NewPromise[event.Event]()
		futures[i] = p.Future()

		go func(rcpt event.Identity, p *future.Promise[event.Event]) {
			ev, err := b.events.Append(rcpt, env.Type, env.Payload, createdAt)
			if err != nil {
				telemetry.AppendErrorsTotal.Inc()
				p.Set(event.Event{}, fmt.Errorf("append for %s: %w", rcpt, err))
				return
			}
			if b.pusher != nil {
				b.pusher.Push(rcpt, &ev)
			}
			p.Set(ev, nil)
		}(rcpt, p)
	}

	errs := []error{resolveErr}
	for _, f := range futures {
		ev, err := f.Get()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.hub.Signal(ev)
	}

	telemetry.PublishDurationSeconds.Observe(time.Since(start).Seconds())
	return errors.Join(errs...)
}
