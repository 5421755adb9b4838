// Package testutil builds update packages for tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"testing"

	"github.com/benmeehan/ota-agent/internal/constants"
)

// ZipEntry is one stored entry. Names ending in "/" are directories.
type ZipEntry struct {
	Name  string
	Data  []byte
	Extra []byte
	// BadCRC records a checksum that does not match Data.
	BadCRC bool
}

// BuildZip lays entries out uncompressed, without data descriptors or timestamps,
// so every local header is exactly 30 bytes plus the name and the extra field.
func BuildZip(t testing.TB, entries []ZipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		crc := crc32.ChecksumIEEE(e.Data)
		if e.BadCRC {
			crc ^= 0xffffffff
		}
		fw, err := w.CreateRaw(&zip.FileHeader{
			Name:               e.Name,
			Method:             zip.Store,
			Extra:              e.Extra,
			CRC32:              crc,
			CompressedSize64:   uint64(len(e.Data)),
			UncompressedSize64: uint64(len(e.Data)),
		})
		if err != nil {
			t.Fatalf("create %s: %v", e.Name, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			t.Fatalf("write %s: %v", e.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// OTAPackage returns the entries of a minimal A/B package built at postTimestamp.
func OTAPackage(postTimestamp int64, payload []byte) []ZipEntry {
	return []ZipEntry{
		{Name: "META-INF/"},
		{Name: "META-INF/com/"},
		{Name: "META-INF/com/android/"},
		{Name: constants.MetadataEntryName, Data: []byte(fmt.Sprintf("ota-type=AB\npost-build=build-123\n%s=%d\n", constants.PostTimestampKey, postTimestamp))},
		{Name: constants.PayloadEntryName, Data: payload},
		{Name: constants.PropertiesEntryName, Data: []byte("FILE_HASH=abc=\nFILE_SIZE=42\nMETADATA_HASH=def=\nMETADATA_SIZE=7\n")},
	}
}

// WriteZip writes a package built from entries to path.
func WriteZip(t testing.TB, path string, entries []ZipEntry) []byte {
	t.Helper()
	data := BuildZip(t, entries)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return data
}
