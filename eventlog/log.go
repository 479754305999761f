// Package eventlog stores the append-only per-recipient event history.
// All durable delivery state lives here; connections hold none.
package eventlog

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/encoding"
	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/seq"
)

// Key layout in Pebble. Identities are opaque byte strings and may
// contain the separator, so they are hex-encoded in keys to keep every
// recipient's range disjoint.
const (
	prefixEvents = "/events/" // /events/{hex-identity}/{16-hex-seq}
)

// defaultReadLimit bounds ReadSince when the caller passes no limit.
const defaultReadLimit = 100

// Log is a Pebble-backed append-only log of per-recipient events.
// Appends allocate the recipient's next seq and commit counter and event
// in a single batch: a seq is never issued without a visible event, and a
// failed append never burns a seq.
type Log struct {
	db    *pebble.DB
	alloc *seq.Allocator
}

// New creates a log over an open Pebble database and allocator.
// The database is owned by the caller.
func New(db *pebble.DB, alloc *seq.Allocator) *Log {
	return &Log{db: db, alloc: alloc}
}

// Open opens a Pebble database at dir with options tuned for sequential
// appends, plus an allocator sharing it. Close the returned DB last.
func Open(dir string) (*pebble.DB, *seq.Allocator, *Log, error) {
	opts := &pebble.Options{
		MemTableSize:                64 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               256 << 20,
		MaxConcurrentCompactions:    func() int { return 3 },
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open event log at %s: %w", dir, err)
	}

	alloc, err := seq.NewAllocator(db, 0)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to create allocator: %w", err)
	}

	return db, alloc, New(db, alloc), nil
}

func eventKey(id event.Identity, s uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefixEvents, hex.EncodeToString([]byte(id)), s))
}

func recipientPrefix(id event.Identity) []byte {
	return []byte(prefixEvents + hex.EncodeToString([]byte(id)) + "/")
}

// Append stamps the recipient's next seq on the event and persists it.
// Records are msgpack-encoded and s2-compressed; the payload itself stays
// opaque to the log.
func (l *Log) Append(rcpt event.Identity, typ event.Type, payload []byte, createdAt time.Time) (event.Event, error) {
	res, err := l.alloc.Reserve(rcpt)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to reserve seq for %s: %w", rcpt, err)
	}

	ev := event.Event{
		Recipient: rcpt,
		Seq:       res.Seq(),
		Type:      typ,
		Payload:   payload,
		CreatedAt: createdAt.UnixMilli(),
	}

	val, err := encoding.Marshal(&ev)
	if err != nil {
		res.Abort()
		return event.Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(eventKey(rcpt, ev.Seq), s2.Encode(nil, val), nil); err != nil {
		res.Abort()
		return event.Event{}, fmt.Errorf("failed to stage event: %w", err)
	}
	if err := res.Stage(batch); err != nil {
		res.Abort()
		return event.Event{}, fmt.Errorf("failed to stage seq: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		res.Abort()
		return event.Event{}, fmt.Errorf("failed to commit event for %s: %w", rcpt, err)
	}

	res.Commit()
	return ev, nil
}

// ReadSince returns up to limit events for the recipient with seq > lastSeq,
// in ascending seq order.
func (l *Log) ReadSince(rcpt event.Identity, lastSeq uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}

	prefix := recipientPrefix(rcpt)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(rcpt, lastSeq+1),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]event.Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		raw, err := s2.Decode(nil, val)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to decompress event record")
			continue
		}

		var ev event.Event
		if err := encoding.Unmarshal(raw, &ev); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal event record")
			continue
		}

		// A record must never cross recipient boundaries, whatever the
		// key claims.
		if ev.Recipient != rcpt {
			log.Warn().
				Str("key", string(iter.Key())).
				Str("recipient", string(ev.Recipient)).
				Msg("Skipping event record outside the requested recipient range")
			continue
		}

		events = append(events, ev)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// MaxSeq returns the highest seq ever issued to the recipient (0 if none).
func (l *Log) MaxSeq(rcpt event.Identity) (uint64, error) {
	return l.alloc.Current(rcpt)
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
