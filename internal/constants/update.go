package constants

import "time"

type UpdateState string

const (
	UpdateStateIdle        UpdateState = "idle"
	UpdateStateChecking    UpdateState = "checking"
	UpdateStateDownloading UpdateState = "downloading"
	UpdateStateValidating  UpdateState = "validating"
	UpdateStateApplying    UpdateState = "applying"
)

// CycleOutcome is the terminal result of one check cycle.
type CycleOutcome string

const (
	OutcomeUpToDate    CycleOutcome = "up_to_date"
	OutcomeApplied     CycleOutcome = "applied"
	OutcomeApplyFailed CycleOutcome = "apply_failed"
	OutcomeFailed      CycleOutcome = "failed"
	OutcomeRejected    CycleOutcome = "rejected"
)

// Archive entry names
const (
	MetadataEntryName   = "META-INF/com/android/metadata"
	PayloadEntryName    = "payload.bin"
	PropertiesEntryName = "payload_properties.txt"
	PostTimestampKey    = "post-timestamp"

	// LocalFileHeaderLength is the fixed part of a zip local file header.
	LocalFileHeaderLength = 30
)

// Preference keys
const (
	PreferenceChannel      = "channel"
	PreferenceDownloadFile = "download_file"
	DefaultChannel         = "stable"
)

// Device properties
const (
	PropertyDevice           = "ro.product.device"
	PropertyChannel          = "sys.update.channel"
	PropertyBuildDate        = "ro.build.date.utc"
	PropertyBuildIncremental = "ro.build.version.incremental"
)

const (
	DefaultUpdatePath       = "/data/ota_package/update.zip"
	DefaultPreferencesFile  = "/data/ota_package/preferences.json"
	DefaultConnectTimeout   = 60 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultCheckInterval    = 6 * time.Hour
	DefaultRetryBaseDelay   = 1 * time.Minute
	DefaultRetryMaxDelay    = 1 * time.Hour
	DefaultProgressInterval = 1 * time.Second
	DefaultStatusInterval   = 1 * time.Minute
	DefaultWakeLockName     = "ota-agent"
	DefaultEngineBinary     = "update_engine_client"
	DownloadBufferSize      = 8192
)
