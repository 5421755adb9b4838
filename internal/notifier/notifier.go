package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/pkg/mqtt"
)

const rebootMessage = "Update installed, reboot to finish"

// Notifier raises the user-facing "reboot to finish" notification.
type Notifier interface {
	NotifyRebootRequired(deviceID string, build models.BuildMetadata) error
}

// MQTTNotifier publishes a retained notification on <topic>/<device>, so a UI that
// connects later still sees it.
type MQTTNotifier struct {
	topic      string
	qos        int
	mqttClient mqtt.MQTTClient
	logger     zerolog.Logger
}

func NewMQTTNotifier(topic string, qos int, mqttClient mqtt.MQTTClient, logger zerolog.Logger) *MQTTNotifier {
	return &MQTTNotifier{topic: topic, qos: qos, mqttClient: mqttClient, logger: logger}
}

func (n *MQTTNotifier) NotifyRebootRequired(deviceID string, build models.BuildMetadata) error {
	payload, err := json.Marshal(newNotification(deviceID, build))
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	topic := n.topic + "/" + deviceID
	token := n.mqttClient.Publish(topic, byte(n.qos), true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	n.logger.Info().Str("topic", topic).Str("incremental", build.IncrementalID).Msg("Reboot notification published")
	return nil
}

// LogNotifier only logs; used when no MQTT broker is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyRebootRequired(deviceID string, build models.BuildMetadata) error {
	n.logger.Warn().
		Str("device_id", deviceID).
		Str("incremental", build.IncrementalID).
		Int64("build_date", build.TargetBuildTimestamp).
		Msg(rebootMessage)
	return nil
}

func newNotification(deviceID string, build models.BuildMetadata) models.RebootNotification {
	return models.RebootNotification{
		DeviceID:      deviceID,
		IncrementalID: build.IncrementalID,
		BuildDate:     build.TargetBuildTimestamp,
		Message:       rebootMessage,
		Timestamp:     time.Now().UTC(),
	}
}
