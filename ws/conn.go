package ws

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/eventlog"
	"github.com/murmurchat/murmur/telemetry"
)

// CloseSuperseded is the close code sent to a session that was replaced
// by a newer connection for the same identity.
const CloseSuperseded = 4409

// maxFrameSize bounds inbound client frames. Catch-up requests and pongs
// are tiny; anything larger is garbage.
const maxFrameSize = 4096

// Control frame types on the wire. Domain event frames use the event
// type itself and carry a seq.
const (
	frameTypePing    = "ping"
	frameTypePong    = "pong"
	frameTypeCatchUp = "catch-up"
)

// serverFrame is the server-to-client wire format. Seq is present on
// domain events only.
type serverFrame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// clientFrame is the client-to-server wire format.
type clientFrame struct {
	Type    string `json:"type"`
	LastSeq uint64 `json:"lastSeq"`
}

// Options tunes per-connection behavior.
type Options struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	CatchUpBatchSize  int
	SendBufferSize    int
}

// DefaultOptions are used for any zero Options field.
var DefaultOptions = Options{
	HeartbeatInterval: 30 * time.Second,
	PongTimeout:       10 * time.Second,
	WriteTimeout:      5 * time.Second,
	CatchUpBatchSize:  256,
	SendBufferSize:    64,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.HeartbeatInterval > 0 {
		d.HeartbeatInterval = o.HeartbeatInterval
	}
	if o.PongTimeout > 0 {
		d.PongTimeout = o.PongTimeout
	}
	if o.WriteTimeout > 0 {
		d.WriteTimeout = o.WriteTimeout
	}
	if o.CatchUpBatchSize > 0 {
		d.CatchUpBatchSize = o.CatchUpBatchSize
	}
	if o.SendBufferSize > 0 {
		d.SendBufferSize = o.SendBufferSize
	}
	return d
}

// Conn is one authenticated WebSocket session. A read pump parses client
// frames, a write pump owns all outbound writes and the per-session seq
// ordering state.
type Conn struct {
	id       event.Identity
	ws       *websocket.Conn
	events   *eventlog.Log
	registry *Registry
	opts     Options

	send    chan *event.Event
	catchUp chan uint64
	closeCh chan struct{}

	closeOnce  sync.Once
	superseded atomic.Bool

	// lastSent is owned by the write pump. Initialized to the log's max
	// seq at connect time so live mode only pushes events appended after
	// the session opened; older history is client-driven via catch-up.
	lastSent uint64
}

func newConn(id event.Identity, wsConn *websocket.Conn, events *eventlog.Log, registry *Registry, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:       id,
		ws:       wsConn,
		events:   events,
		registry: registry,
		opts:     opts,
		send:     make(chan *event.Event, opts.SendBufferSize),
		catchUp:  make(chan uint64, 1),
		closeCh:  make(chan struct{}),
	}
}

// Identity returns the session's authenticated identity.
func (c *Conn) Identity() event.Identity {
	return c.id
}

// start initializes ordering state, registers the session and launches
// both pumps. The registry replacement happens after lastSent is set so
// the write pump never observes deliveries before its baseline.
func (c *Conn) start() {
	maxSeq, err := c.events.MaxSeq(c.id)
	if err != nil {
		log.Warn().Err(err).Str("identity", string(c.id)).Msg("Failed to read max seq at connect")
	}
	c.lastSent = maxSeq
	c.registry.Register(c)

	go c.writePump()
	go c.readPump()
}

// Deliver enqueues a live event without blocking. A full buffer drops
// the event; the next delivery's gap repair (or a client catch-up)
// recovers it from the log.
func (c *Conn) Deliver(ev *event.Event) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	case <-c.closeCh:
		return false
	default:
		log.Debug().
			Str("identity", string(c.id)).
			Uint64("seq", ev.Seq).
			Msg("Send buffer full, dropping live event")
		return true
	}
}

// supersede marks the session replaced and tears it down with the
// reserved close code.
func (c *Conn) supersede() {
	c.superseded.Store(true)
	msg := websocket.FormatCloseMessage(CloseSuperseded, "superseded by newer connection")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
	c.close()
}

// close tears the session down exactly once. A superseded session must
// not evict its replacement, which Unregister guarantees.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.registry.Unregister(c)
		_ = c.ws.Close()
	})
}

// readPump parses client frames until the connection dies. Malformed or
// unrecognized frames are ignored; the read deadline doubles as the
// heartbeat liveness check.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	deadline := c.opts.HeartbeatInterval + c.opts.PongTimeout

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				telemetry.HeartbeatTimeoutsTotal.Inc()
				log.Debug().
					Str("identity", string(c.id)).
					Msg("Heartbeat deadline expired, closing session")
			} else if !c.superseded.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().
					Err(err).
					Str("identity", string(c.id)).
					Msg("Session read failed")
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case frameTypeCatchUp:
			telemetry.CatchUpRequestsTotal.Inc()
			select {
			case c.catchUp <- f.LastSeq:
			case <-c.closeCh:
				return
			default:
				// A request is already queued; the pending replay covers
				// at least as much of the log.
			}
		case frameTypePong:
			// Deadline already refreshed above.
		default:
			// Unknown frame types are ignored.
		}
	}
}

// writePump owns the socket's write side: live pushes, catch-up replays
// and heartbeat pings all serialize through it.
func (c *Conn) writePump() {
	defer c.close()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case ev := <-c.send:
			if !c.pushLive(ev) {
				return
			}
		case lastSeq := <-c.catchUp:
			if !c.replay(lastSeq) {
				return
			}
		case <-ticker.C:
			if !c.writeFrame(serverFrame{Type: frameTypePing}) {
				return
			}
		}
	}
}

// pushLive writes one live event, preserving strict seq order. Events at
// or below lastSent are duplicates of a replayed range and are dropped.
// A gap above lastSent means a delivery was missed (full buffer, lost
// race at connect); the log is authoritative, so replay from lastSent.
func (c *Conn) pushLive(ev *event.Event) bool {
	switch {
	case ev.Seq <= c.lastSent:
		return true
	case ev.Seq == c.lastSent+1:
		if !c.writeEvent(ev) {
			return false
		}
		telemetry.EventsDeliveredTotal.With("live").Inc()
		return true
	default:
		return c.replay(c.lastSent)
	}
}

// replay streams all logged events with seq > lastSeq in ascending
// order, exactly once each, then leaves the session in live mode with no
// gap or duplicate relative to the replayed range.
func (c *Conn) replay(lastSeq uint64) bool {
	start := time.Now()
	from := lastSeq

	for {
		batch, err := c.events.ReadSince(c.id, from, c.opts.CatchUpBatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("identity", string(c.id)).
				Uint64("last_seq", from).
				Msg("Catch-up read failed")
			return false
		}

		for i := range batch {
			ev := &batch[i]
			if !c.writeEvent(ev) {
				return false
			}
			telemetry.EventsDeliveredTotal.With("catch_up").Inc()
			telemetry.CatchUpEventsTotal.Inc()
		}

		if len(batch) < c.opts.CatchUpBatchSize {
			break
		}
		from = batch[len(batch)-1].Seq
	}

	telemetry.CatchUpDurationSeconds.Observe(time.Since(start).Seconds())
	return true
}

// writeEvent emits one domain event frame and advances lastSent.
func (c *Conn) writeEvent(ev *event.Event) bool {
	ok := c.writeFrame(serverFrame{
		Type: string(ev.Type),
		Seq:  ev.Seq,
		Data: json.RawMessage(ev.Payload),
	})
	if ok {
		c.lastSent = ev.Seq
	}
	return ok
}

func (c *Conn) writeFrame(f serverFrame) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return false
	}
	if err := c.ws.WriteJSON(f); err != nil {
		if !c.superseded.Load() {
			log.Debug().
				Err(err).
				Str("identity", string(c.id)).
				Msg("Session write failed")
		}
		return false
	}
	return true
}
