package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/pkg/mqtt"
)

// StatusSource supplies the snapshot published by StatusService.
type StatusSource interface {
	Status() models.UpdateStatus
}

// StatusService periodically publishes the updater status.
type StatusService struct {
	PubTopic   string
	Interval   time.Duration
	QOS        int
	Source     StatusSource
	MqttClient mqtt.MQTTClient
	Logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusService initializes a new StatusService.
func NewStatusService(pubTopic string, interval time.Duration, qos int, source StatusSource,
	mqttClient mqtt.MQTTClient, logger zerolog.Logger) *StatusService {

	return &StatusService{
		PubTopic:   pubTopic,
		Interval:   interval,
		QOS:        qos,
		Source:     source,
		MqttClient: mqttClient,
		Logger:     logger,
	}
}

// Start launches the status loop in a separate goroutine.
func (s *StatusService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatusLoop()
	}()

	s.Logger.Info().Str("topic", s.PubTopic).Msg("StatusService started successfully")
	return nil
}

// Stop gracefully stops the status service.
func (s *StatusService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatusService stopped successfully")
	return nil
}

func (s *StatusService) runStatusLoop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.publish()
		case <-s.ctx.Done():
			s.Logger.Info().Msg("StatusService stopping gracefully")
			return
		}
	}
}

// publish sends one status message to <PubTopic>/<device id>.
func (s *StatusService) publish() {
	status := s.Source.Status()

	payload, err := json.Marshal(status)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to serialize status message")
		return
	}

	token := s.MqttClient.Publish(s.PubTopic+"/"+status.DeviceID, byte(s.QOS), false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to publish status message")
	} else {
		s.Logger.Debug().Str("state", status.State).Msg("Status published successfully")
	}
}
