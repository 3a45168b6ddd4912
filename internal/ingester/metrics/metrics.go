package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type DBOperation string

const (
	DBOperationInsert    DBOperation = "insert"
	DBOperationConnect   DBOperation = "connect"
	DBOperationRead      DBOperation = "read"
	DBOperationAck       DBOperation = "ack"
	DBOperationGroupInit DBOperation = "group_init"
)

const ingesterMetricsPrefix = "loghouse_ingester_"

type Metrics struct {
	messagesRead   prometheus.Counter
	parseErrors    prometheus.Counter
	logsWritten    prometheus.Counter
	batchesWritten prometheus.Counter
	writeErrors    prometheus.Counter
	dbErrors       *prometheus.CounterVec
	redisErrors    *prometheus.CounterVec
}

func newMetrics(prefix string) *Metrics {
	return &Metrics{
		messagesRead: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "messages_read_total",
			Help: "Number of messages read from the upstream stream",
		}),
		parseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "parse_errors_total",
			Help: "Number of messages whose payload could not be decoded",
		}),
		logsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "logs_written_total",
			Help: "Number of log entries accepted by the database",
		}),
		batchesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_written_total",
			Help: "Number of batches accepted by the database",
		}),
		writeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "write_errors_total",
			Help: "Number of batches discarded after exhausting the retry budget",
		}),
		dbErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors_total",
			Help: "Number of database errors grouped by operation",
		}, []string{"operation"}),
		redisErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "redis_errors_total",
			Help: "Number of upstream stream errors grouped by operation",
		}, []string{"operation"}),
	}
}

var m = newMetrics(ingesterMetricsPrefix)

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordMessagesRead(count int) {
	m.messagesRead.Add(float64(count))
}

func (m *Metrics) RecordParseError() {
	m.parseErrors.Inc()
}

func (m *Metrics) RecordLogsWritten(count int) {
	m.logsWritten.Add(float64(count))
	m.batchesWritten.Inc()
}

func (m *Metrics) RecordWriteError() {
	m.writeErrors.Inc()
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	m.dbErrors.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordRedisError(operation DBOperation) {
	m.redisErrors.With(map[string]string{"operation": string(operation)}).Inc()
}
