package service_registry

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/archive"
	"github.com/benmeehan/ota-agent/internal/download"
	"github.com/benmeehan/ota-agent/internal/notifier"
	"github.com/benmeehan/ota-agent/internal/registry"
	"github.com/benmeehan/ota-agent/internal/scheduler"
	"github.com/benmeehan/ota-agent/internal/server"
	"github.com/benmeehan/ota-agent/internal/services"
	"github.com/benmeehan/ota-agent/internal/utils"
	"github.com/benmeehan/ota-agent/pkg/engine"
	"github.com/benmeehan/ota-agent/pkg/fetch"
	"github.com/benmeehan/ota-agent/pkg/file"
	"github.com/benmeehan/ota-agent/pkg/identity"
	"github.com/benmeehan/ota-agent/pkg/mqtt"
	"github.com/benmeehan/ota-agent/pkg/preferences"
	"github.com/benmeehan/ota-agent/pkg/verifier"
	"github.com/benmeehan/ota-agent/pkg/wakelock"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	mqttClient  mqtt.MQTTClient             // nil when MQTT is disabled
	fileClient  file.FileOperations
	gatherer    prometheus.Gatherer
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, fileClient file.FileOperations, gatherer prometheus.Gatherer,
	logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		mqttClient: mqttClient,
		fileClient: fileClient,
		gatherer:   gatherer,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// NewFetcher builds the fetcher selected by update.source.
func NewFetcher(config *utils.Config) (fetch.Fetcher, error) {
	u := config.Update
	switch u.Source {
	case "s3":
		return fetch.NewS3Fetcher(fetch.S3Options{
			Endpoint:        u.S3.Endpoint,
			AccessKeyID:     u.S3.AccessKeyID,
			SecretAccessKey: u.S3.SecretAccessKey,
			UseSSL:          u.S3.UseSSL,
			Bucket:          u.S3.Bucket,
			Prefix:          u.S3.Prefix,
			ConnectTimeout:  u.ConnectTimeout,
			ReadTimeout:     u.ReadTimeout,
		})
	case "http":
		return fetch.NewHTTPFetcher(u.BaseURL, u.ConnectTimeout, u.ReadTimeout), nil
	default:
		return nil, fmt.Errorf("unknown update source %q", u.Source)
	}
}

// NewUpdateService wires the update service and all of its collaborators.
func (sr *ServiceRegistry) NewUpdateService(config *utils.Config, deviceInfo identity.DeviceInfoInterface) (*services.UpdateService, error) {
	u := config.Update

	fetcher, err := NewFetcher(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	prefs := preferences.NewFileStore(u.PreferencesFile, sr.fileClient)
	if err := prefs.Load(); err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	var rebootNotifier notifier.Notifier = notifier.NewLogNotifier(sr.Logger)
	if sr.mqttClient != nil {
		rebootNotifier = notifier.NewMQTTNotifier(u.NotifyTopic, u.QOS, sr.mqttClient, sr.Logger)
	}

	return services.NewUpdateService(
		u.TriggerTopic,
		u.QOS,
		deviceInfo,
		sr.mqttClient,
		prefs,
		fetcher,
		download.NewManager(fetcher, prefs, sr.fileClient, u.UpdatePath, u.MinFreeBytes, sr.Logger),
		archive.NewValidator(verifier.NewZipVerifier(), sr.Logger),
		engine.NewCommandEngine(u.EngineBinary, sr.Logger),
		scheduler.NewJobScheduler(u.CheckInterval, u.RetryBaseDelay, u.RetryMaxDelay, sr.Logger),
		rebootNotifier,
		wakelock.NewSysfsWakeLock(u.WakeLockName),
		sr.fileClient,
		sr.Logger,
	), nil
}

// RegisterServices initializes and registers enabled services based on configuration.
// The update service is always registered; the others report on it.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, deviceInfo identity.DeviceInfoInterface) error {
	updateService, err := sr.NewUpdateService(config, deviceInfo)
	if err != nil {
		sr.Logger.Error().Err(err).Msg("Failed to create update service")
		return err
	}

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "update",
			enabled: true,
			constructor: func() (registry.Service, error) {
				return updateService, nil
			},
		},
		{
			name:    "status",
			enabled: config.Services.Status.Enabled,
			constructor: func() (registry.Service, error) {
				if sr.mqttClient == nil {
					return nil, errors.New("status service requires an MQTT connection")
				}
				return services.NewStatusService(
					config.Services.Status.Topic,
					config.Services.Status.Interval,
					config.Services.Status.QOS,
					updateService,
					sr.mqttClient,
					sr.Logger,
				), nil
			},
		},
		{
			name:    "status_server",
			enabled: config.Services.StatusServer.Enabled,
			constructor: func() (registry.Service, error) {
				return server.NewStatusServer(
					config.Services.StatusServer.ListenAddr,
					updateService,
					sr.gatherer,
					sr.Logger,
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
