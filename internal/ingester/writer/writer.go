package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/loghouse/loghouse/internal/ingester/configuration"
	"github.com/loghouse/loghouse/internal/ingester/metrics"
	"github.com/loghouse/loghouse/internal/ingester/model"
	"github.com/loghouse/loghouse/internal/ingester/ringbuffer"
)

const (
	// Total insert attempts per batch, with a reconnect between attempts.
	insertAttempts = 3
	retryDelay     = 500 * time.Millisecond
	// How long a worker sleeps when its ring buffer comes up empty.  A
	// partial batch is flushed after a single empty pop, trading throughput
	// for ack latency.
	idleSleep = time.Millisecond
)

// LogStore persists batches of log entries.  Implemented by
// clickhousedb.LogsDb; tests substitute a mock.
type LogStore interface {
	Insert(ctx context.Context, entries []model.LogEntry) error
	Reopen(ctx context.Context) error
	Close()
}

// StoreFactory opens one store connection per worker.
type StoreFactory func(ctx context.Context) (LogStore, error)

// FlushCallback receives the upstream ids of a batch after the database has
// accepted it.  This is the sole trigger for upstream acknowledgment.
type FlushCallback func(ids []string)

// Pool runs one worker per ring buffer.  Each worker owns its buffer's
// consumer end and one database connection; workers share nothing with each
// other.  Entries popped from buffer i are inserted in pop order (per-writer
// FIFO); there is no cross-worker ordering.
type Pool struct {
	config  *configuration.Configuration
	factory StoreFactory
	onFlush FlushCallback
	clock   clock.Clock
	metrics *metrics.Metrics

	running atomic.Bool
	wg      sync.WaitGroup
	stats   model.WriterStats
}

func NewPool(config *configuration.Configuration, factory StoreFactory) *Pool {
	return &Pool{
		config:  config,
		factory: factory,
		clock:   clock.RealClock{},
		metrics: metrics.Get(),
	}
}

// Start opens one store per buffer and launches the workers.  A connect
// failure is a startup failure: no workers are left running.
func (p *Pool) Start(ctx context.Context, buffers []*ringbuffer.RingBuffer[model.LogEntry], onFlush FlushCallback) error {
	if len(buffers) != p.config.WriterThreads {
		return errors.Errorf("buffer count (%d) != writer threads (%d)", len(buffers), p.config.WriterThreads)
	}
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("writer pool already started")
	}

	stores := make([]LogStore, len(buffers))
	for i := range buffers {
		store, err := p.factory(ctx)
		if err != nil {
			for _, s := range stores[:i] {
				s.Close()
			}
			p.running.Store(false)
			p.metrics.RecordDBError(metrics.DBOperationConnect)
			return errors.WithMessagef(err, "writer %d failed to connect", i)
		}
		stores[i] = store
	}

	p.onFlush = onFlush
	for i := range buffers {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(id, buffers[id], stores[id])
		}(i)
	}
	log.Infof("Started %d writer workers", len(buffers))
	return nil
}

// Stop requests drain and blocks until every worker has emptied its ring
// buffer and flushed (or discarded) its residual batch.
func (p *Pool) Stop() {
	if p.running.CompareAndSwap(true, false) {
		p.wg.Wait()
	}
}

// runWorker is the per-worker flush state machine: accumulate until the
// batch is full, flush, and on stop keep going until the ring buffer is
// drained.  Inserts run under their own context so that a shutdown signal
// does not abort the drain; the store's own timeouts bound each attempt.
func (p *Pool) runWorker(id int, buf *ringbuffer.RingBuffer[model.LogEntry], store LogStore) {
	defer store.Close()

	ctx := context.Background()
	logger := log.WithField("writer", id)
	local := make([]model.LogEntry, 0, p.config.BatchSize)

	for p.running.Load() || !buf.Empty() {
		var popped int
		local, popped = buf.PopBatch(local, p.config.BatchSize-len(local))

		if len(local) >= p.config.BatchSize {
			local = p.flush(ctx, logger, store, local)
		} else if popped == 0 {
			p.clock.Sleep(idleSleep)
			if len(local) > 0 {
				local = p.flush(ctx, logger, store, local)
			}
		}
	}

	if len(local) > 0 {
		p.flush(ctx, logger, store, local)
	}
	logger.Info("writer drained and stopped")
}

// flush submits the batch with the retry budget and, only on success,
// reports the batch's upstream ids to the flush callback.  On retry
// exhaustion the batch is discarded unacknowledged so the upstream queue
// re-delivers it.  Always returns the cleared batch slice.
func (p *Pool) flush(ctx context.Context, logger *log.Entry, store LogStore, batch []model.LogEntry) []model.LogEntry {
	err := retry.Do(
		func() error { return store.Insert(ctx, batch) },
		retry.Attempts(insertAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.metrics.RecordDBError(metrics.DBOperationInsert)
			logger.WithError(err).Warnf("insert of %d entries failed on attempt %d of %d, reconnecting", len(batch), n+1, insertAttempts)
			if rerr := store.Reopen(ctx); rerr != nil {
				logger.WithError(rerr).Warn("reconnect failed")
			}
		}),
	)
	if err != nil {
		p.stats.WriteErrors.Add(1)
		p.metrics.RecordWriteError()
		logger.WithError(err).Errorf("discarding batch of %d entries after %d attempts; they will be re-delivered", len(batch), insertAttempts)
		return batch[:0]
	}

	p.stats.LogsWritten.Add(uint64(len(batch)))
	p.stats.BatchesWritten.Add(1)
	p.metrics.RecordLogsWritten(len(batch))

	if p.onFlush != nil {
		ids := make([]string, 0, len(batch))
		for _, e := range batch {
			if e.UpstreamID != "" {
				ids = append(ids, e.UpstreamID)
			}
		}
		if len(ids) > 0 {
			p.onFlush(ids)
		}
	}
	return batch[:0]
}

func (p *Pool) LogsWritten() uint64 {
	return p.stats.LogsWritten.Load()
}

func (p *Pool) BatchesWritten() uint64 {
	return p.stats.BatchesWritten.Load()
}

func (p *Pool) WriteErrors() uint64 {
	return p.stats.WriteErrors.Load()
}
