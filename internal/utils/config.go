package utils

import (
	"fmt"
	"time"

	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Log struct {
		Level      string `yaml:"level"`        // debug, info, warn, error
		File       string `yaml:"file"`         // Log file path, "stdout" or empty for stdout
		MaxSizeMB  int    `yaml:"max_size_mb"`  // Rotate after this many megabytes
		MaxBackups int    `yaml:"max_backups"`  // Rotated files to keep
		MaxAgeDays int    `yaml:"max_age_days"` // Days to keep rotated files
		Compress   bool   `yaml:"compress"`     // Gzip rotated files
	} `yaml:"log"`

	MQTT struct {
		Enabled        bool          `yaml:"enabled"`         // Connect to a broker for triggers and notifications
		Broker         string        `yaml:"broker"`          // MQTT broker address
		ClientID       string        `yaml:"client_id"`       // MQTT client ID
		CACertificate  string        `yaml:"ca_certificate"`  // Path to the CA certificate, empty disables TLS
		ConnectTimeout time.Duration `yaml:"connect_timeout"` // Timeout for the broker connection
	} `yaml:"mqtt"`

	Identity struct {
		PropertyFiles []string `yaml:"property_files"` // build.prop first, overrides after
	} `yaml:"identity"`

	Update struct {
		Source          string        `yaml:"source"`           // "http" or "s3"
		BaseURL         string        `yaml:"base_url"`         // Update server base URL for the http source
		UpdatePath      string        `yaml:"update_path"`      // Local artifact path
		PreferencesFile string        `yaml:"preferences_file"` // Persisted preferences
		ConnectTimeout  time.Duration `yaml:"connect_timeout"`  // Per request connect timeout
		ReadTimeout     time.Duration `yaml:"read_timeout"`     // Per read idle timeout
		CheckInterval   time.Duration `yaml:"check_interval"`   // Periodic check interval
		RetryBaseDelay  time.Duration `yaml:"retry_base_delay"` // First retry delay
		RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`  // Retry delay cap
		MinFreeBytes    uint64        `yaml:"min_free_bytes"`   // Space to leave free after a download
		TriggerTopic    string        `yaml:"trigger_topic"`    // MQTT topic for explicit check requests
		NotifyTopic     string        `yaml:"notify_topic"`     // MQTT topic for reboot notifications
		QOS             int           `yaml:"qos"`              // MQTT QoS level for update messages
		EngineBinary    string        `yaml:"engine_binary"`    // update_engine_client path
		WakeLockName    string        `yaml:"wake_lock_name"`   // Name written to /sys/power/wake_lock

		S3 struct {
			Endpoint        string `yaml:"endpoint"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			UseSSL          bool   `yaml:"use_ssl"`
			Bucket          string `yaml:"bucket"`
			Prefix          string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"update"`

	Services struct {
		Status struct {
			Enabled  bool          `yaml:"enabled"`  // Enable/disable the status heartbeat
			Topic    string        `yaml:"topic"`    // MQTT topic for status messages
			Interval time.Duration `yaml:"interval"` // Interval between status messages
			QOS      int           `yaml:"qos"`      // MQTT QoS level for status messages
		} `yaml:"status"`

		StatusServer struct {
			Enabled    bool   `yaml:"enabled"`     // Enable/disable the local HTTP server
			ListenAddr string `yaml:"listen_addr"` // e.g. 127.0.0.1:9090
		} `yaml:"status_server"`
	} `yaml:"services"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 30 * time.Second
	}
	if len(c.Identity.PropertyFiles) == 0 {
		c.Identity.PropertyFiles = []string{"/system/build.prop"}
	}

	u := &c.Update
	if u.Source == "" {
		u.Source = "http"
	}
	if u.UpdatePath == "" {
		u.UpdatePath = constants.DefaultUpdatePath
	}
	if u.PreferencesFile == "" {
		u.PreferencesFile = constants.DefaultPreferencesFile
	}
	if u.ConnectTimeout == 0 {
		u.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if u.ReadTimeout == 0 {
		u.ReadTimeout = constants.DefaultReadTimeout
	}
	if u.CheckInterval == 0 {
		u.CheckInterval = constants.DefaultCheckInterval
	}
	if u.RetryBaseDelay == 0 {
		u.RetryBaseDelay = constants.DefaultRetryBaseDelay
	}
	if u.RetryMaxDelay == 0 {
		u.RetryMaxDelay = constants.DefaultRetryMaxDelay
	}
	if u.TriggerTopic == "" {
		u.TriggerTopic = "ota/trigger"
	}
	if u.NotifyTopic == "" {
		u.NotifyTopic = "ota/notification"
	}
	if u.EngineBinary == "" {
		u.EngineBinary = constants.DefaultEngineBinary
	}
	if u.WakeLockName == "" {
		u.WakeLockName = constants.DefaultWakeLockName
	}

	if c.Services.Status.Topic == "" {
		c.Services.Status.Topic = "ota/status"
	}
	if c.Services.Status.Interval == 0 {
		c.Services.Status.Interval = constants.DefaultStatusInterval
	}
	if c.Services.StatusServer.ListenAddr == "" {
		c.Services.StatusServer.ListenAddr = "127.0.0.1:9090"
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Update.Source {
	case "http":
		if c.Update.BaseURL == "" {
			return fmt.Errorf("update.base_url is required for the http source")
		}
	case "s3":
		if c.Update.S3.Endpoint == "" || c.Update.S3.Bucket == "" {
			return fmt.Errorf("update.s3.endpoint and update.s3.bucket are required for the s3 source")
		}
	default:
		return fmt.Errorf("unknown update.source %q", c.Update.Source)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Services.Status.Enabled && !c.MQTT.Enabled {
		return fmt.Errorf("services.status requires mqtt")
	}
	if c.Update.RetryBaseDelay > c.Update.RetryMaxDelay {
		return fmt.Errorf("update.retry_base_delay exceeds update.retry_max_delay")
	}
	return nil
}
