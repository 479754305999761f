package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurchat/murmur/encoding"
	"github.com/murmurchat/murmur/event"
)

func TestDigestEmitsPerWindowCounts(t *testing.T) {
	mock := &MockSink{}
	source := make(chan event.Event, 16)

	d := NewDigestTicker(mock, "murmur.digest", 50*time.Millisecond, source)
	d.Start()

	source <- testEvent("bob", 1, event.TypeMessage)
	source <- testEvent("bob", 2, event.TypeMessage)
	source <- testEvent("charlie", 1, event.TypeGroupInvite)

	msgs := waitForMessages(t, mock, 1)
	d.Stop()

	var digest Digest
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &digest))
	assert.Equal(t, uint64(2), digest.Counts["bob"])
	assert.Equal(t, uint64(1), digest.Counts["charlie"])
	assert.LessOrEqual(t, digest.WindowStart, digest.WindowEnd)
}

func TestDigestSkipsEmptyWindows(t *testing.T) {
	mock := &MockSink{}
	source := make(chan event.Event, 16)

	d := NewDigestTicker(mock, "murmur.digest", 20*time.Millisecond, source)
	d.Start()

	time.Sleep(100 * time.Millisecond)
	d.Stop()

	assert.Empty(t, mock.Snapshot())
}

func TestDigestStopFlushesPartialWindow(t *testing.T) {
	mock := &MockSink{}
	source := make(chan event.Event, 16)

	d := NewDigestTicker(mock, "murmur.digest", time.Hour, source)
	d.Start()

	source <- testEvent("bob", 1, event.TypeMessage)

	// Let the loop drain the channel before stopping.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(source) > 0 {
		time.Sleep(time.Millisecond)
	}
	d.Stop()

	msgs := mock.Snapshot()
	require.Len(t, msgs, 1)

	var digest Digest
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &digest))
	assert.Equal(t, uint64(1), digest.Counts["bob"])
}
