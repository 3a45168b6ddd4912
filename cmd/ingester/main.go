package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loghouse/loghouse/internal/common"
	"github.com/loghouse/loghouse/internal/common/app"
	"github.com/loghouse/loghouse/internal/ingester"
	"github.com/loghouse/loghouse/internal/ingester/configuration"
)

const CustomConfigLocation = "config"

// Flags that override config keys under a different name.
var flagOverrides = map[string]string{
	"benchmarkMode":  "benchmark",
	"benchmarkCount": "count",
	"writerThreads":  "threads",
	"batchSize":      "batch",
}

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Bool("benchmark", false, "Run in benchmark mode (exit after --count entries written)")
	pflag.Int("count", 50000, "Number of log entries to write in benchmark mode")
	pflag.Int("threads", 4, "Number of writer threads")
	pflag.Int("batch", 10000, "Batch size before flush")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	for key, flagName := range flagOverrides {
		if err := viper.BindPFlag(key, pflag.Lookup(flagName)); err != nil {
			log.WithError(err).Errorf("error binding flag --%s", flagName)
			os.Exit(1)
		}
	}

	var config configuration.Configuration
	if err := common.LoadConfig(&config, viper.GetString(CustomConfigLocation)); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	if err := ingester.Run(app.CreateContextWithShutdown(), &config); err != nil {
		log.WithError(err).Error("ingester failed to start")
		os.Exit(1)
	}
}
