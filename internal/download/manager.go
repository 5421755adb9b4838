package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"

	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/internal/metrics"
	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/pkg/fetch"
	"github.com/benmeehan/ota-agent/pkg/file"
	"github.com/benmeehan/ota-agent/pkg/preferences"
)

// ProgressFunc receives throttled download progress.
type ProgressFunc func(models.Progress)

// Manager selects, resumes and streams update artifacts to a fixed local path.
type Manager struct {
	fetcher          fetch.Fetcher
	prefs            preferences.Store
	fileClient       file.FileOperations
	updatePath       string
	minFreeBytes     uint64
	progressInterval time.Duration
	onProgress       ProgressFunc
	logger           zerolog.Logger

	now       func() time.Time
	freeSpace func(path string) (uint64, error)
}

// NewManager creates a Manager writing to updatePath.
func NewManager(fetcher fetch.Fetcher, prefs preferences.Store, fileClient file.FileOperations,
	updatePath string, minFreeBytes uint64, logger zerolog.Logger) *Manager {
	return &Manager{
		fetcher:          fetcher,
		prefs:            prefs,
		fileClient:       fileClient,
		updatePath:       updatePath,
		minFreeBytes:     minFreeBytes,
		progressInterval: constants.DefaultProgressInterval,
		logger:           logger,
		now:              time.Now,
		freeSpace:        diskFree,
	}
}

// SetProgressFunc registers fn to receive progress at most once per progress interval.
func (m *Manager) SetProgressFunc(fn ProgressFunc) {
	m.onProgress = fn
}

// UpdatePath returns the local artifact path.
func (m *Manager) UpdatePath() string {
	return m.updatePath
}

// State returns the persisted target and the size of the local artifact.
func (m *Manager) State() (models.DownloadState, error) {
	size, err := m.fileClient.FileSize(m.updatePath)
	if err != nil {
		return models.DownloadState{}, fmt.Errorf("failed to stat %s: %w", m.updatePath, err)
	}
	return models.DownloadState{
		TargetFileName:  m.prefs.GetString(constants.PreferenceDownloadFile, ""),
		BytesDownloaded: size,
	}, nil
}

// Discard deletes the local artifact and forgets the persisted target.
func (m *Manager) Discard() error {
	if err := m.fileClient.RemoveFile(m.updatePath); err != nil {
		return fmt.Errorf("failed to delete %s: %w", m.updatePath, err)
	}
	return m.prefs.Remove(constants.PreferenceDownloadFile)
}

// Download brings the artifact for targetIncremental to the local path. A persisted target
// matching either candidate is resumed; otherwise the incremental candidate is tried first and
// the full image is fetched when the incremental cannot be.
func (m *Manager) Download(ctx context.Context, device, sourceIncremental, targetIncremental string) (models.DownloadTarget, error) {
	incremental := models.IncrementalTarget(device, sourceIncremental, targetIncremental)
	full := models.FullTarget(device, targetIncremental)

	state, err := m.State()
	if err != nil {
		return models.DownloadTarget{}, err
	}

	var (
		target models.DownloadTarget
		stream *fetch.Stream
	)
	switch state.TargetFileName {
	case incremental.FileName, full.FileName:
		target = full
		if state.TargetFileName == incremental.FileName {
			target = incremental
		}
		m.logger.Info().
			Str("file", target.FileName).
			Int64("from", state.BytesDownloaded).
			Msg("Resuming download")

		stream, err = m.fetcher.Fetch(ctx, target.FileName, state.BytesDownloaded)
		if err != nil {
			var rangeErr *fetch.RangeError
			if state.BytesDownloaded == 0 || !errors.As(err, &rangeErr) {
				return target, err
			}
			if rangeErr.Total == state.BytesDownloaded {
				m.logger.Info().Str("file", target.FileName).Msg("Artifact already complete")
				return target, nil
			}
			// The local bytes cannot be matched against the remote size, so start over.
			m.logger.Warn().
				Str("file", target.FileName).
				Int64("local", state.BytesDownloaded).
				Int64("remote", rangeErr.Total).
				Msg("Resume offset rejected, restarting download")
			stream, err = m.fetcher.Fetch(ctx, target.FileName, 0)
			if err != nil {
				return target, err
			}
			return target, m.write(target, stream, 0)
		}
		return target, m.write(target, stream, state.BytesDownloaded)

	default:
		target = incremental
		m.logger.Info().Str("file", target.FileName).Msg("Fetching incremental update")
		stream, err = m.fetcher.Fetch(ctx, target.FileName, 0)
		if err != nil {
			if !models.IsNetworkError(err) {
				return target, err
			}
			target = full
			m.logger.Info().Err(err).Str("file", target.FileName).Msg("Incremental not available, fetching full update")
			stream, err = m.fetcher.Fetch(ctx, target.FileName, 0)
			if err != nil {
				return target, err
			}
		}
		return target, m.write(target, stream, 0)
	}
}

// write streams body into the artifact. stream.Offset decides between append and truncate,
// so a server that ignored the range restarts the file instead of corrupting it.
func (m *Manager) write(target models.DownloadTarget, stream *fetch.Stream, requested int64) (err error) {
	defer stream.Body.Close()

	appendMode := stream.Offset != 0
	if stream.Offset != requested {
		m.logger.Warn().
			Int64("requested", requested).
			Int64("offset", stream.Offset).
			Msg("Server did not honour resume offset, restarting download")
	}

	if stream.Length >= 0 {
		if err := m.ensureSpace(stream.Length, appendMode); err != nil {
			return err
		}
	}

	out, err := m.fileClient.OpenForWrite(m.updatePath, appendMode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", m.updatePath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", m.updatePath, cerr)
		}
	}()

	// Stale bytes are gone by now, so a crash after this point resumes the right artifact.
	if err := m.prefs.PutString(constants.PreferenceDownloadFile, target.FileName); err != nil {
		return err
	}

	total := int64(-1)
	if stream.Length >= 0 {
		total = stream.Offset + stream.Length
	}
	downloaded := stream.Offset
	last := m.now()
	buf := make([]byte, constants.DownloadBufferSize)
	for {
		n, rerr := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write %s: %w", m.updatePath, werr)
			}
			downloaded += int64(n)
			metrics.DownloadedBytes.Add(float64(n))
			if now := m.now(); now.Sub(last) >= m.progressInterval {
				last = now
				m.report(target, downloaded, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return models.NewNetworkError("download "+target.FileName, rerr)
		}
	}

	m.report(target, downloaded, total)
	m.logger.Info().Str("file", target.FileName).Int64("bytes", downloaded).Msg("Download finished")
	return nil
}

func (m *Manager) report(target models.DownloadTarget, downloaded, total int64) {
	metrics.DownloadProgress.Set(float64(downloaded))
	m.logger.Debug().Str("file", target.FileName).Int64("bytes", downloaded).Int64("total", total).Msg("Download progress")
	if m.onProgress != nil {
		m.onProgress(models.Progress{FileName: target.FileName, Completed: downloaded, Total: total})
	}
}

// ensureSpace fails when the remaining bytes plus the configured reserve do not fit.
// Failing to measure is logged and ignored.
func (m *Manager) ensureSpace(remaining int64, appendMode bool) error {
	need := uint64(remaining) + m.minFreeBytes
	if !appendMode {
		if size, err := m.fileClient.FileSize(m.updatePath); err == nil && uint64(size) < need {
			need -= uint64(size)
		}
	}
	free, err := m.freeSpace(m.updatePath)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Could not determine free space")
		return nil
	}
	if free < need {
		return fmt.Errorf("insufficient space for update: need %d bytes, %d free", need, free)
	}
	return nil
}

func diskFree(path string) (uint64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
