package ingester

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loghouse/loghouse/internal/common"
	"github.com/loghouse/loghouse/internal/ingester/clickhousedb"
	"github.com/loghouse/loghouse/internal/ingester/configuration"
	"github.com/loghouse/loghouse/internal/ingester/consumer"
	"github.com/loghouse/loghouse/internal/ingester/model"
	"github.com/loghouse/loghouse/internal/ingester/ringbuffer"
	"github.com/loghouse/loghouse/internal/ingester/writer"
)

const progressEvery = 10000

// Run wires the consumer, ring buffers and writer pool together and drives
// the main read loop until the context is cancelled (or the benchmark target
// is reached).  The returned error is always a startup failure; once the
// loop is running all errors are handled by the component that observes
// them.
func Run(ctx context.Context, config *configuration.Configuration) error {
	logStartupBanner(config)

	shutdownMetrics := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetrics()

	buffers := make([]*ringbuffer.RingBuffer[model.LogEntry], config.WriterThreads)
	for i := range buffers {
		buffers[i] = ringbuffer.New[model.LogEntry](config.RingBufferSize)
	}

	cons := consumer.New(config)
	if err := cons.Connect(ctx); err != nil {
		return errors.WithMessage(err, "failed to connect to upstream stream")
	}
	defer cons.Close()

	pool := writer.NewPool(config, func(ctx context.Context) (writer.LogStore, error) {
		return clickhousedb.Open(ctx, config.ClickHouse, config.BatchSize)
	})
	// Acknowledgment is driven solely by successful flushes.
	if err := pool.Start(ctx, buffers, cons.AckBatch); err != nil {
		return errors.WithMessage(err, "failed to start writer pool")
	}

	recovered := cons.RecoverPending(ctx, buffers)
	if recovered > 0 {
		log.Infof("Recovered %d pending messages from previous run", recovered)
	}

	start := time.Now()
	totalRead := recovered

	log.Info("Starting ingestion")
	for ctx.Err() == nil && cons.IsRunning() {
		read := cons.ReadBatch(ctx, buffers)
		totalRead += read

		if config.BenchmarkMode && pool.LogsWritten() >= uint64(config.BenchmarkCount) {
			log.Infof("Benchmark target of %d entries reached", config.BenchmarkCount)
			break
		}

		if read > 0 && totalRead%progressEvery < config.ReadBatchSize {
			buffered := 0
			for _, b := range buffers {
				buffered += b.Size()
			}
			log.Infof("Read: %d | Written: %d | Buffered: %d | Upstream length: %d",
				totalRead, pool.LogsWritten(), buffered, cons.StreamLength(ctx))
		}

		if config.PollingIntervalMs > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(config.PollingIntervalMs) * time.Millisecond):
			}
		}
	}

	cons.Stop()
	log.Info("Waiting for writers to drain")
	pool.Stop()

	logFinalStats(cons, pool, totalRead, time.Since(start))
	return nil
}

func logStartupBanner(config *configuration.Configuration) {
	log.Info("Loghouse ingester starting")
	log.Infof("Redis: %s:%d stream=%s group=%s consumer=%s",
		config.Redis.Host, config.Redis.Port, config.Redis.StreamKey, config.Redis.GroupName, config.Redis.ConsumerName)
	log.Infof("ClickHouse: %s:%d database=%s table=%s",
		config.ClickHouse.Host, config.ClickHouse.NativePort, config.ClickHouse.Database, config.ClickHouse.Table)
	log.Infof("Writers: %d | Batch size: %d | Ring buffer size: %d",
		config.WriterThreads, config.BatchSize, config.RingBufferSize)
	if config.BenchmarkMode {
		log.Infof("Mode: benchmark (%d entries)", config.BenchmarkCount)
	}
}

func logFinalStats(cons *consumer.StreamConsumer, pool *writer.Pool, totalRead int, duration time.Duration) {
	log.Infof("Total read: %d", totalRead)
	log.Infof("Total written: %d", pool.LogsWritten())
	log.Infof("Batches: %d", pool.BatchesWritten())
	log.Infof("Write errors: %d | Parse errors: %d", pool.WriteErrors(), cons.ParseErrors())
	log.Infof("Duration: %d ms", duration.Milliseconds())
	if duration > 0 {
		throughput := float64(pool.LogsWritten()) / duration.Seconds()
		log.Infof("Throughput: %.0f logs/sec", throughput)
	}
}
