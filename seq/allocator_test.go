package seq

import (
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAllocatorNextStrictlyIncreasing(t *testing.T) {
	db := openTestDB(t)
	a, err := NewAllocator(db, 0)
	require.NoError(t, err)

	for want := uint64(1); want <= 10; want++ {
		got, err := a.Next("alice")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	cur, err := a.Current("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cur)
}

func TestAllocatorPerIdentityIsolation(t *testing.T) {
	db := openTestDB(t)
	a, err := NewAllocator(db, 0)
	require.NoError(t, err)

	s1, err := a.Next("alice")
	require.NoError(t, err)
	s2, err := a.Next("bob")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(1), s2)
}

func TestAllocatorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := pebble.Open(dir, &pebble.Options{})
	require.NoError(t, err)
	a, err := NewAllocator(db, 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = a.Next("alice")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db, err = pebble.Open(dir, &pebble.Options{})
	require.NoError(t, err)
	defer db.Close()
	a, err = NewAllocator(db, 0)
	require.NoError(t, err)

	got, err := a.Next("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got, "issued values never repeat across restarts")
}

func TestAllocatorConcurrentNextNoDuplicates(t *testing.T) {
	db := openTestDB(t)
	a, err := NewAllocator(db, 0)
	require.NoError(t, err)

	const goroutines = 16
	const perGoroutine = 25

	var mu sync.Mutex
	seen := make(map[uint64]int)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				v, err := a.Next("alice")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
	for v, count := range seen {
		assert.Equal(t, 1, count, "seq %d issued more than once", v)
	}
}

func TestReservationAbortLeavesNoGap(t *testing.T) {
	db := openTestDB(t)
	a, err := NewAllocator(db, 0)
	require.NoError(t, err)

	res, err := a.Reserve("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq())
	res.Abort()

	// The aborted value is reissued, not lost.
	got, err := a.Next("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
}

func TestReservationCommitAdvances(t *testing.T) {
	db := openTestDB(t)
	a, err := NewAllocator(db, 0)
	require.NoError(t, err)

	res, err := a.Reserve("alice")
	require.NoError(t, err)

	batch := db.NewBatch()
	require.NoError(t, res.Stage(batch))
	require.NoError(t, batch.Commit(pebble.Sync))
	require.NoError(t, batch.Close())
	res.Commit()

	got, err := a.Next("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)
}

func TestReservationSerializesSameIdentity(t *testing.T) {
	db := openTestDB(t)
	a, err := NewAllocator(db, 0)
	require.NoError(t, err)

	res, err := a.Reserve("alice")
	require.NoError(t, err)

	acquired := make(chan uint64, 1)
	go func() {
		res2, err := a.Reserve("alice")
		if err != nil {
			t.Error(err)
			return
		}
		acquired <- res2.Seq()
		res2.Abort()
	}()

	select {
	case <-acquired:
		t.Fatal("second reservation acquired while first still held")
	default:
	}

	batch := db.NewBatch()
	require.NoError(t, res.Stage(batch))
	require.NoError(t, batch.Commit(pebble.Sync))
	require.NoError(t, batch.Close())
	res.Commit()

	assert.Equal(t, uint64(2), <-acquired)
}
