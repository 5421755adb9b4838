package identity

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/pkg/file"
)

// DeviceInfoInterface defines the read-only device identity inputs of the updater.
type DeviceInfoInterface interface {
	LoadDeviceInfo() error
	GetDeviceID() string
	GetChannelOverride() string
	GetBuildTimestamp() int64
	GetBuildIncremental() string
}

// DeviceInfo reads device identity from key=value property files. Later files
// override earlier ones, so runtime overrides go after /system/build.prop.
type DeviceInfo struct {
	PropertyFiles []string
	properties    map[string]string
	fileOps       file.FileOperations
}

// NewDeviceInfo initializes a new DeviceInfo instance.
func NewDeviceInfo(propertyFiles []string, fileOps file.FileOperations) DeviceInfoInterface {
	return &DeviceInfo{
		PropertyFiles: propertyFiles,
		fileOps:       fileOps,
		properties:    map[string]string{},
	}
}

// LoadDeviceInfo reads all property files. Missing override files are skipped,
// the first file is required.
func (d *DeviceInfo) LoadDeviceInfo() error {
	properties := map[string]string{}
	for i, path := range d.PropertyFiles {
		content, err := d.fileOps.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && i > 0 {
				continue
			}
			return fmt.Errorf("failed to read property file %s: %w", path, err)
		}
		for k, v := range ParseProperties(content) {
			properties[k] = v
		}
	}
	if properties[constants.PropertyDevice] == "" {
		return fmt.Errorf("property %s is not set", constants.PropertyDevice)
	}
	d.properties = properties
	return nil
}

// ParseProperties parses build.prop style content. Comments and lines without '=' are ignored.
func ParseProperties(content string) map[string]string {
	properties := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		properties[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return properties
}

// GetDeviceID returns the device identifier (ro.product.device).
func (d *DeviceInfo) GetDeviceID() string {
	return d.properties[constants.PropertyDevice]
}

// GetChannelOverride returns sys.update.channel, empty when unset.
func (d *DeviceInfo) GetChannelOverride() string {
	return d.properties[constants.PropertyChannel]
}

// GetBuildTimestamp returns ro.build.date.utc, 0 when unset or malformed.
func (d *DeviceInfo) GetBuildTimestamp() int64 {
	timestamp, err := strconv.ParseInt(d.properties[constants.PropertyBuildDate], 10, 64)
	if err != nil {
		return 0
	}
	return timestamp
}

// GetBuildIncremental returns ro.build.version.incremental.
func (d *DeviceInfo) GetBuildIncremental() string {
	return d.properties[constants.PropertyBuildIncremental]
}
