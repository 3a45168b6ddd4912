package writer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghouse/loghouse/internal/ingester/configuration"
	"github.com/loghouse/loghouse/internal/ingester/model"
	"github.com/loghouse/loghouse/internal/ingester/ringbuffer"
)

type mockStore struct {
	mu       sync.Mutex
	batches  [][]model.LogEntry
	failures int
	inserts  int
	reopens  int
	closed   bool
}

func (s *mockStore) Insert(_ context.Context, entries []model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failures > 0 {
		s.failures--
		return errors.New("insert failed")
	}
	batch := make([]model.LogEntry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *mockStore) Reopen(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reopens++
	return nil
}

func (s *mockStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *mockStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

type ackRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (a *ackRecorder) record(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, ids...)
}

func (a *ackRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

func testConfig(batchSize int) *configuration.Configuration {
	return &configuration.Configuration{
		BatchSize:      batchSize,
		ReadBatchSize:  100,
		WriterThreads:  1,
		RingBufferSize: 64,
		BenchmarkCount: 1,
	}
}

func entry(i int) model.LogEntry {
	return model.LogEntry{
		AppID:      fmt.Sprintf("app-%d", i),
		Message:    "m",
		Level:      model.LevelInfo,
		UpstreamID: fmt.Sprintf("%d-0", i),
	}
}

// newPool builds a single-worker pool over one ring buffer without starting
// it, so tests can stage entries deterministically before the worker runs.
func newPool(config *configuration.Configuration, store *mockStore) (*Pool, []*ringbuffer.RingBuffer[model.LogEntry]) {
	pool := NewPool(config, func(context.Context) (LogStore, error) { return store, nil })
	buffers := []*ringbuffer.RingBuffer[model.LogEntry]{ringbuffer.New[model.LogEntry](config.RingBufferSize)}
	return pool, buffers
}

func TestFlushesFullBatches(t *testing.T) {
	store := &mockStore{}
	acks := &ackRecorder{}
	pool, buffers := newPool(testConfig(4), store)

	for i := 0; i < 8; i++ {
		require.True(t, buffers[0].TryPush(entry(i)))
	}
	require.NoError(t, pool.Start(context.Background(), buffers, acks.record))

	require.Eventually(t, func() bool { return pool.LogsWritten() == 8 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()

	assert.Equal(t, []int{4, 4}, store.batchSizes())
	assert.Equal(t, uint64(2), pool.BatchesWritten())
	assert.Equal(t, uint64(0), pool.WriteErrors())
	assert.Equal(t, 8, acks.count())
	assert.True(t, store.closed)
}

func TestIdleFlushOfPartialBatch(t *testing.T) {
	store := &mockStore{}
	acks := &ackRecorder{}
	pool, buffers := newPool(testConfig(1000), store)

	for i := 0; i < 3; i++ {
		require.True(t, buffers[0].TryPush(entry(i)))
	}
	require.NoError(t, pool.Start(context.Background(), buffers, acks.record))

	// Far below the batch size, yet flushed after a single empty pop.
	require.Eventually(t, func() bool { return pool.LogsWritten() == 3 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()

	assert.Equal(t, []int{3}, store.batchSizes())
	assert.Equal(t, 3, acks.count())
}

func TestPreservesFifoOrder(t *testing.T) {
	store := &mockStore{}
	pool, buffers := newPool(testConfig(5), store)

	for i := 0; i < 20; i++ {
		require.True(t, buffers[0].TryPush(entry(i)))
	}
	require.NoError(t, pool.Start(context.Background(), buffers, nil))
	require.Eventually(t, func() bool { return pool.LogsWritten() == 20 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	i := 0
	for _, batch := range store.batches {
		for _, e := range batch {
			assert.Equal(t, fmt.Sprintf("app-%d", i), e.AppID)
			i++
		}
	}
}

func TestRecoversAfterOneFailedAttempt(t *testing.T) {
	store := &mockStore{failures: 1}
	acks := &ackRecorder{}
	pool, buffers := newPool(testConfig(2), store)

	require.True(t, buffers[0].TryPush(entry(0)))
	require.True(t, buffers[0].TryPush(entry(1)))
	require.NoError(t, pool.Start(context.Background(), buffers, acks.record))

	require.Eventually(t, func() bool { return pool.LogsWritten() == 2 }, 3*time.Second, 10*time.Millisecond)
	pool.Stop()

	assert.GreaterOrEqual(t, store.reopens, 1)
	assert.Equal(t, uint64(0), pool.WriteErrors())
	assert.Equal(t, 2, acks.count())
}

func TestDiscardsBatchAfterRetryExhaustion(t *testing.T) {
	store := &mockStore{failures: insertAttempts}
	acks := &ackRecorder{}
	pool, buffers := newPool(testConfig(2), store)

	require.True(t, buffers[0].TryPush(entry(0)))
	require.True(t, buffers[0].TryPush(entry(1)))
	require.NoError(t, pool.Start(context.Background(), buffers, acks.record))

	// All attempts fail: the batch is dropped without acks so the upstream
	// queue re-delivers it.
	require.Eventually(t, func() bool { return pool.WriteErrors() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), pool.LogsWritten())
	assert.Equal(t, 0, acks.count())

	// The worker keeps going: later entries are written once the store is
	// healthy again.
	require.True(t, buffers[0].TryPush(entry(2)))
	require.True(t, buffers[0].TryPush(entry(3)))
	require.Eventually(t, func() bool { return pool.LogsWritten() == 2 }, 3*time.Second, 10*time.Millisecond)
	pool.Stop()
	assert.Equal(t, 2, acks.count())
}

func TestSkipsAcksForEntriesWithoutUpstreamId(t *testing.T) {
	store := &mockStore{}
	acks := &ackRecorder{}
	pool, buffers := newPool(testConfig(3), store)

	e := entry(0)
	e.UpstreamID = ""
	require.True(t, buffers[0].TryPush(e))
	require.True(t, buffers[0].TryPush(entry(1)))
	require.True(t, buffers[0].TryPush(entry(2)))
	require.NoError(t, pool.Start(context.Background(), buffers, acks.record))

	require.Eventually(t, func() bool { return pool.LogsWritten() == 3 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()

	// The id-less entry was written but never acknowledged.
	assert.Equal(t, 2, acks.count())
}

func TestStopDrainsRingBuffer(t *testing.T) {
	store := &mockStore{}
	pool, buffers := newPool(testConfig(1000), store)

	for i := 0; i < 50; i++ {
		require.True(t, buffers[0].TryPush(entry(i)))
	}
	require.NoError(t, pool.Start(context.Background(), buffers, nil))
	pool.Stop()

	assert.Equal(t, uint64(50), pool.LogsWritten())
	assert.True(t, buffers[0].Empty())
	assert.True(t, store.closed)
}

func TestStartRejectsBufferCountMismatch(t *testing.T) {
	config := testConfig(10)
	config.WriterThreads = 2
	pool := NewPool(config, func(context.Context) (LogStore, error) { return &mockStore{}, nil })

	err := pool.Start(context.Background(), []*ringbuffer.RingBuffer[model.LogEntry]{ringbuffer.New[model.LogEntry](8)}, nil)
	assert.Error(t, err)
}

func TestStartFailsWhenStoreCannotConnect(t *testing.T) {
	config := testConfig(10)
	config.WriterThreads = 2
	opened := &mockStore{}
	calls := 0
	pool := NewPool(config, func(context.Context) (LogStore, error) {
		calls++
		if calls == 1 {
			return opened, nil
		}
		return nil, errors.New("connect refused")
	})

	buffers := []*ringbuffer.RingBuffer[model.LogEntry]{
		ringbuffer.New[model.LogEntry](8),
		ringbuffer.New[model.LogEntry](8),
	}
	err := pool.Start(context.Background(), buffers, nil)
	require.Error(t, err)
	// The store opened before the failure is released again.
	assert.True(t, opened.closed)
}
