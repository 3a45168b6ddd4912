package clickhousedb

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"

	"github.com/loghouse/loghouse/internal/ingester/configuration"
	"github.com/loghouse/loghouse/internal/ingester/model"
)

// Column declaration order of the logs table.  The insert path depends on
// this order matching insertColumns below.
const insertColumns = "app_id, message, source, level, environment, metadata, trace_id, user_id"

// LogsDb is a single native-protocol connection to the logs table, owned by
// one writer worker.  Column builders are preallocated to the batch size and
// reused across inserts so the hot path does not allocate per entry.
type LogsDb struct {
	conn  clickhouse.Conn
	opts  *clickhouse.Options
	table string

	appID       []string
	message     []string
	source      []string
	level       []string
	environment []string
	metadata    []string
	traceID     []string
	userID      []string
}

// Open connects to ClickHouse over the native protocol with LZ4 compression,
// a 5 s dial timeout and a 5 s read timeout, and pings the server.  No write
// timeout is set.
func Open(ctx context.Context, config configuration.ClickHouseConfig, batchSize int) (*LogsDb, error) {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.NativePort)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.User,
			Password: config.Password,
		},
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	}

	conn, err := connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &LogsDb{
		conn:        conn,
		opts:        opts,
		table:       config.Table,
		appID:       make([]string, 0, batchSize),
		message:     make([]string, 0, batchSize),
		source:      make([]string, 0, batchSize),
		level:       make([]string, 0, batchSize),
		environment: make([]string, 0, batchSize),
		metadata:    make([]string, 0, batchSize),
		traceID:     make([]string, 0, batchSize),
		userID:      make([]string, 0, batchSize),
	}, nil
}

func connect(ctx context.Context, opts *clickhouse.Options) (clickhouse.Conn, error) {
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not connect to clickhouse on %s", opts.Addr[0])
	}
	if err = conn.Ping(ctx); err != nil {
		return nil, errors.WithMessagef(err, "failed to ping clickhouse at %s", opts.Addr[0])
	}
	return conn, nil
}

// Insert submits one column-oriented block containing the whole batch.
func (d *LogsDb) Insert(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", d.table, insertColumns))
	if err != nil {
		return errors.WithMessage(err, "prepare batch")
	}

	d.resetColumns()
	for _, e := range entries {
		d.appID = append(d.appID, e.AppID)
		d.message = append(d.message, e.Message)
		d.source = append(d.source, e.Source)
		d.level = append(d.level, e.Level)
		d.environment = append(d.environment, e.Environment)
		d.metadata = append(d.metadata, e.Metadata)
		d.traceID = append(d.traceID, e.TraceID)
		d.userID = append(d.userID, e.UserID)
	}

	columns := [][]string{
		d.appID, d.message, d.source, d.level,
		d.environment, d.metadata, d.traceID, d.userID,
	}
	for i, col := range columns {
		if err := batch.Column(i).Append(col); err != nil {
			return errors.WithMessagef(err, "append column %d", i)
		}
	}

	return batch.Send()
}

func (d *LogsDb) resetColumns() {
	d.appID = d.appID[:0]
	d.message = d.message[:0]
	d.source = d.source[:0]
	d.level = d.level[:0]
	d.environment = d.environment[:0]
	d.metadata = d.metadata[:0]
	d.traceID = d.traceID[:0]
	d.userID = d.userID[:0]
}

// Reopen closes the current connection and dials a fresh one.  Used by the
// writer's retry loop after an insert failure.
func (d *LogsDb) Reopen(ctx context.Context) error {
	if d.conn != nil {
		_ = d.conn.Close()
	}
	conn, err := connect(ctx, d.opts)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

func (d *LogsDb) Close() {
	if d.conn != nil {
		_ = d.conn.Close()
	}
}

// CreateLogsTable provisions the logs table.  Used by integration tests and
// local setup.
func CreateLogsTable(ctx context.Context, conn clickhouse.Conn, table string) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		app_id LowCardinality(String),
		message String,
		source LowCardinality(String),
		level LowCardinality(String),
		environment LowCardinality(String),
		metadata String,
		trace_id String,
		user_id String,
		ingested_at DateTime DEFAULT now()
	) ENGINE = MergeTree()
	ORDER BY (app_id, ingested_at);
	`, table)

	if err := conn.Exec(ctx, ddl); err != nil {
		return errors.WithMessagef(err, "failed to create table %s", table)
	}
	return nil
}
