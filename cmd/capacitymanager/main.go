package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/reefworks/reefworks/internal/capacitymanager"
	"github.com/reefworks/reefworks/internal/capacitymanager/configuration"
	"github.com/reefworks/reefworks/internal/common"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.CapacityManagerConfiguration
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/capacitymanager", userSpecifiedConfig)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := common.WaitForShutdown()
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	if err := capacitymanager.StartUp(ctx, &config); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("capacity manager failed")
	}
}
