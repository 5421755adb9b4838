package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BuildMetadata is the server's answer to a check request.
//
// Fields:
//
//	IncrementalID: Opaque incremental id of the target build.
//	TargetBuildTimestamp: Build date of the target in seconds since the epoch.
type BuildMetadata struct {
	IncrementalID        string `json:"incremental_id"`
	TargetBuildTimestamp int64  `json:"target_build_timestamp"`
}

// ParseBuildMetadata parses a "<incrementalId> <targetBuildTimestamp>" line.
func ParseBuildMetadata(line string) (BuildMetadata, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return BuildMetadata{}, NewParseError("build metadata", fmt.Errorf("expected 2 fields, got %d in %q", len(fields), line))
	}
	timestamp, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return BuildMetadata{}, NewParseError("build metadata", err)
	}
	return BuildMetadata{IncrementalID: fields[0], TargetBuildTimestamp: timestamp}, nil
}

// DownloadTarget identifies the artifact being fetched.
type DownloadTarget struct {
	FileName      string `json:"file_name"`
	IsIncremental bool   `json:"is_incremental"`
}

// IncrementalTarget names the delta from sourceIncremental to targetIncremental.
func IncrementalTarget(device, sourceIncremental, targetIncremental string) DownloadTarget {
	return DownloadTarget{
		FileName:      device + "-incremental-" + sourceIncremental + "-" + targetIncremental + ".zip",
		IsIncremental: true,
	}
}

// FullTarget names the full image of targetIncremental.
func FullTarget(device, targetIncremental string) DownloadTarget {
	return DownloadTarget{FileName: device + "-ota_update-" + targetIncremental + ".zip"}
}

// DownloadState is the resume point recovered after a restart. BytesDownloaded is
// always taken from the size of the local artifact.
type DownloadState struct {
	TargetFileName  string `json:"target_file_name"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
}

// Progress is a throttled download observation.
type Progress struct {
	FileName  string
	Completed int64
	Total     int64 // -1 when the server did not announce a length
}

// IndexEntry locates one archive entry's data.
type IndexEntry struct {
	ByteOffset     int64
	CompressedSize int64
	IsDirectory    bool
}

// ArchiveIndex maps entry names to their data location.
type ArchiveIndex map[string]IndexEntry

// PayloadDescriptor is handed to the application engine.
type PayloadDescriptor struct {
	ArchivePath       string   `json:"archive_path"`
	PayloadByteOffset int64    `json:"payload_byte_offset"`
	PropertyLines     []string `json:"property_lines"`
}

// URI returns the file URI the application engine opens.
func (p PayloadDescriptor) URI() string {
	return "file://" + p.ArchivePath
}

// EngineStatus is an asynchronous status update from the application engine.
type EngineStatus struct {
	Status  string  `json:"status"`
	Percent float64 `json:"percent"`
}

// UpdateStatus is the snapshot published by the status service and the local server.
type UpdateStatus struct {
	DeviceID        string        `json:"device_id"`
	State           string        `json:"state"`
	Updating        bool          `json:"updating"`
	CycleID         string        `json:"cycle_id,omitempty"`
	TargetFileName  string        `json:"target_file_name,omitempty"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	LastOutcome     string        `json:"last_outcome,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	Engine          *EngineStatus `json:"engine,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// RebootNotification is raised once an update has been applied.
type RebootNotification struct {
	DeviceID      string    `json:"device_id"`
	IncrementalID string    `json:"incremental_id"`
	BuildDate     int64     `json:"build_date"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// TriggerCommand requests a check cycle. A non-empty Channel switches the update channel first.
type TriggerCommand struct {
	Channel string `json:"channel,omitempty"`
}
