package configuration

// RedisConfig addresses the upstream stream and names this process's slot in
// its consumer group.
type RedisConfig struct {
	Host         string `validate:"required"`
	Port         int    `validate:"gt=0"`
	StreamKey    string `validate:"required"`
	GroupName    string `validate:"required"`
	ConsumerName string `validate:"required"`
}

// ClickHouseConfig addresses the downstream database over its native
// protocol.
type ClickHouseConfig struct {
	Host       string `validate:"required"`
	NativePort int    `validate:"gt=0"`
	Database   string `validate:"required"`
	Table      string `validate:"required"`
	User       string `validate:"required"`
	Password   string
}

// Configuration is the config object for the ingester
type Configuration struct {
	// Upstream stream configuration
	Redis RedisConfig
	// Downstream database configuration
	ClickHouse ClickHouseConfig
	// Number of log entries that will be batched together before being inserted into the database
	BatchSize int `validate:"gt=0"`
	// Number of messages fetched per upstream consumer-group read
	ReadBatchSize int `validate:"gt=0"`
	// Number of writer workers; one ring buffer and one database connection each
	WriterThreads int `validate:"gt=0"`
	// Milliseconds a blocking upstream read may wait for new messages
	BlockMs int `validate:"gte=0"`
	// Capacity of each ring buffer; rounded up to a power of two
	RingBufferSize int `validate:"gt=0"`
	// If > 0, upstream reads do not block and the main loop sleeps this many
	// milliseconds between rounds
	PollingIntervalMs int `validate:"gte=0"`
	// Port on which prometheus metrics will be served; 0 disables the listener
	MetricsPort uint16
	// If true, exit once BenchmarkCount entries have been written
	BenchmarkMode  bool
	BenchmarkCount int `validate:"gt=0"`
}
