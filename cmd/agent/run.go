package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/benmeehan/ota-agent/internal/metrics"
	"github.com/benmeehan/ota-agent/internal/service_registry"
	"github.com/benmeehan/ota-agent/pkg/mqtt"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the update agent until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	return cmd
}

func run() error {
	config, fileClient, deviceInfo, log, err := setup()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	var mqttClient mqtt.MQTTClient
	if config.MQTT.Enabled {
		// Generate a unique MQTT Client ID by appending a UUID
		clientID := config.MQTT.ClientID + "-" + uuid.New().String()
		log.Info().Str("client_id", clientID).Msg("Using MQTT Client ID")

		mqttService := mqtt.NewMqttService(fileClient)
		if err := mqttService.Initialize(config.MQTT.Broker, clientID, config.MQTT.CACertificate, config.MQTT.ConnectTimeout); err != nil {
			log.Error().Err(err).Msg("Failed to initialize MQTT connection")
			return err
		}
		defer mqttService.Disconnect(250)
		mqttClient = mqttService
	}

	serviceRegistry := service_registry.NewServiceRegistry(mqttClient, fileClient, reg, log)
	if err := serviceRegistry.RegisterServices(config, deviceInfo); err != nil {
		return fmt.Errorf("failed to register services: %w", err)
	}
	if err := serviceRegistry.StartServices(); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	log.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	return serviceRegistry.StopServices()
}
