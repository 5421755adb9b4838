package archive

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/pkg/verifier"
)

// Validator checks a downloaded package and extracts the payload descriptor.
type Validator struct {
	verifier verifier.PackageVerifier
	logger   zerolog.Logger
}

// NewValidator creates a Validator that runs packageVerifier before any archive introspection.
func NewValidator(packageVerifier verifier.PackageVerifier, logger zerolog.Logger) *Validator {
	return &Validator{verifier: packageVerifier, logger: logger}
}

// Validate verifies the package at path, checks its build timestamp against
// targetTimestamp and locates the payload.
func (v *Validator) Validate(ctx context.Context, path string, targetTimestamp int64) (models.PayloadDescriptor, error) {
	err := v.verifier.Verify(ctx, path, func(percent int) {
		v.logger.Debug().Int("percent", percent).Msg("Verifying package")
	})
	if err != nil {
		return models.PayloadDescriptor{}, models.NewSecurityValidationError("package verification failed", err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return models.PayloadDescriptor{}, models.NewParseError("archive", err)
	}
	defer zr.Close()

	timestamp, err := ReadPostTimestamp(&zr.Reader)
	if err != nil {
		return models.PayloadDescriptor{}, err
	}
	if timestamp != targetTimestamp {
		return models.PayloadDescriptor{}, models.NewSecurityValidationError(
			fmt.Sprintf("package timestamp %d does not match advertised %d", timestamp, targetTimestamp), nil)
	}

	offset, lines, err := LocatePayload(&zr.Reader, v.logger)
	if err != nil {
		return models.PayloadDescriptor{}, err
	}

	v.logger.Info().Int64("payload_offset", offset).Int("properties", len(lines)).Msg("Package validated")
	return models.PayloadDescriptor{
		ArchivePath:       path,
		PayloadByteOffset: offset,
		PropertyLines:     lines,
	}, nil
}

// ReadPostTimestamp returns the first post-timestamp value of the metadata entry, 0 if
// the key is absent. A missing metadata entry is a SecurityValidationError.
func ReadPostTimestamp(zr *zip.Reader) (int64, error) {
	var metadata *zip.File
	for _, f := range zr.File {
		if f.Name == constants.MetadataEntryName {
			metadata = f
			break
		}
	}
	if metadata == nil {
		return 0, models.NewSecurityValidationError("missing metadata file", nil)
	}

	rc, err := metadata.Open()
	if err != nil {
		return 0, models.NewParseError("metadata", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		key, value, _ := strings.Cut(scanner.Text(), "=")
		if key != constants.PostTimestampKey {
			continue
		}
		timestamp, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, models.NewParseError("metadata", err)
		}
		return timestamp, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, models.NewParseError("metadata", err)
	}
	return 0, nil
}
