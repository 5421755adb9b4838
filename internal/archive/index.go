package archive

import (
	"archive/zip"
	"bufio"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/internal/models"
)

// Entry is the part of a zip central directory record needed to compute offsets.
type Entry struct {
	Name           string
	CompressedSize int64
	ExtraLength    int64
	IsDirectory    bool
}

// EntriesOf lists the entries of an opened archive in stored order.
func EntriesOf(files []*zip.File) []Entry {
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, Entry{
			Name:           f.Name,
			CompressedSize: int64(f.CompressedSize64),
			ExtraLength:    int64(len(f.Extra)),
			IsDirectory:    isDirectory(f.Name),
		})
	}
	return entries
}

// BuildIndex computes each entry's data offset assuming entries are laid out back to back,
// each as a fixed local header, the name, the extra field, then the compressed data.
// Entries must be given in stored order.
func BuildIndex(entries []Entry) models.ArchiveIndex {
	index := make(models.ArchiveIndex, len(entries))
	var offset int64
	for _, e := range entries {
		offset += constants.LocalFileHeaderLength + int64(len(e.Name)) + e.ExtraLength
		index[e.Name] = models.IndexEntry{
			ByteOffset:     offset,
			CompressedSize: e.CompressedSize,
			IsDirectory:    e.IsDirectory,
		}
		if !e.IsDirectory {
			offset += e.CompressedSize
		}
	}
	return index
}

// LocatePayload finds the payload's byte offset and reads the payload properties.
// Missing payload is a ParseError; the offset is never defaulted.
func LocatePayload(zr *zip.Reader, logger zerolog.Logger) (int64, []string, error) {
	index := BuildIndex(EntriesOf(zr.File))

	var payload, properties *zip.File
	for _, f := range zr.File {
		if isDirectory(f.Name) {
			continue
		}
		switch f.Name {
		case constants.PayloadEntryName:
			payload = f
		case constants.PropertiesEntryName:
			properties = f
		}
	}
	if payload == nil {
		return 0, nil, models.NewParseError("archive", fmt.Errorf("entry %s not found", constants.PayloadEntryName))
	}
	if payload.Method != zip.Store {
		return 0, nil, models.NewParseError("archive", fmt.Errorf("entry %s is compressed (method %d)", payload.Name, payload.Method))
	}

	offset := index[constants.PayloadEntryName].ByteOffset
	dataOffset, err := payload.DataOffset()
	if err != nil {
		return 0, nil, models.NewParseError("archive", fmt.Errorf("failed to read local header of %s: %w", payload.Name, err))
	}
	if dataOffset != offset {
		logger.Warn().
			Int64("computed_offset", offset).
			Int64("data_offset", dataOffset).
			Msg("Payload offset differs from header arithmetic, using local header offset")
		offset = dataOffset
	}

	var lines []string
	if properties != nil {
		if lines, err = readLines(properties); err != nil {
			return 0, nil, models.NewParseError("archive", err)
		}
	}
	return offset, lines, nil
}

func readLines(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	var lines []string
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return lines, nil
}

func isDirectory(name string) bool {
	return strings.HasSuffix(name, "/")
}
