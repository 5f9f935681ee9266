package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/reefworks/reefworks/internal/common"
	"github.com/reefworks/reefworks/internal/coordinator"
	"github.com/reefworks/reefworks/internal/coordinator/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.CoordinatorConfiguration
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/coordinator", userSpecifiedConfig)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := common.WaitForShutdown()
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	if err := coordinator.StartUp(ctx, &config); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("coordinator failed")
	}
}
