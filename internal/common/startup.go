package common

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loghouse/loghouse/internal/ingester/configuration"
)

// Environment variables recognised for each config key.
var envBindings = map[string]string{
	"redis.host":            "REDIS_HOST",
	"redis.port":            "REDIS_PORT",
	"redis.streamKey":       "STREAM_KEY",
	"redis.groupName":       "GROUP_NAME",
	"redis.consumerName":    "CONSUMER_NAME",
	"clickHouse.host":       "CLICKHOUSE_HOST",
	"clickHouse.nativePort": "CLICKHOUSE_NATIVE_PORT",
	"clickHouse.database":   "CLICKHOUSE_DATABASE",
	"clickHouse.table":      "CLICKHOUSE_TABLE",
	"clickHouse.user":       "CLICKHOUSE_USER",
	"clickHouse.password":   "CLICKHOUSE_PASSWORD",
	"batchSize":             "BATCH_SIZE",
	"readBatchSize":         "READ_BATCH_SIZE",
	"writerThreads":         "WRITER_THREADS",
	"blockMs":               "BLOCK_MS",
	"ringBufferSize":        "RING_BUFFER_SIZE",
	"pollingIntervalMs":     "POLLING_INTERVAL_MS",
	"metricsPort":           "METRICS_PORT",
	"benchmarkMode":         "BENCHMARK_MODE",
	"benchmarkCount":        "BENCHMARK_COUNT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.streamKey", "logs:stream")
	v.SetDefault("redis.groupName", "log-processors")
	v.SetDefault("redis.consumerName", "loghouse-ingester")
	v.SetDefault("clickHouse.host", "localhost")
	v.SetDefault("clickHouse.nativePort", 9000)
	v.SetDefault("clickHouse.database", "logs_db")
	v.SetDefault("clickHouse.table", "logs")
	v.SetDefault("clickHouse.user", "default")
	v.SetDefault("clickHouse.password", "")
	v.SetDefault("batchSize", 10000)
	v.SetDefault("readBatchSize", 1000)
	v.SetDefault("writerThreads", 4)
	v.SetDefault("blockMs", 100)
	v.SetDefault("ringBufferSize", 100000)
	v.SetDefault("pollingIntervalMs", 0)
	v.SetDefault("metricsPort", 9090)
	v.SetDefault("benchmarkMode", false)
	v.SetDefault("benchmarkCount", 50000)
}

// LoadConfig resolves the ingester configuration from defaults, an optional
// config file, environment variables and any bound command line flags, in
// increasing order of precedence.
func LoadConfig(config *configuration.Configuration, userSpecifiedConfig string) error {
	setDefaults(viper.GetViper())

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return errors.WithMessagef(err, "error binding env var %s", env)
		}
	}

	if userSpecifiedConfig != "" {
		viper.SetConfigFile(userSpecifiedConfig)
		if err := viper.ReadInConfig(); err != nil {
			return errors.WithMessagef(err, "error reading config file %s", userSpecifiedConfig)
		}
		log.Infof("Read config from %s", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(config); err != nil {
		return errors.WithMessage(err, "error unmarshalling config")
	}
	return nil
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}
