package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/internal/mocks"
	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/pkg/fetch"
	"github.com/benmeehan/ota-agent/pkg/file"
	"github.com/benmeehan/ota-agent/pkg/preferences"
)

const (
	incrementalName = "device-incremental-build-100-build-123.zip"
	fullName        = "device-ota_update-build-123.zip"
)

var content = bytes.Repeat([]byte("update-artifact-"), 2048)

type fixture struct {
	dir        string
	updatePath string
	prefsPath  string
	fileClient *file.FileService
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	return &fixture{
		dir:        dir,
		updatePath: filepath.Join(dir, "ota_package", "update.zip"),
		prefsPath:  filepath.Join(dir, "ota_package", "preferences.json"),
		fileClient: file.NewFileService(),
	}
}

// manager simulates a process start: preferences are reloaded from disk.
func (f *fixture) manager(t *testing.T, fetcher fetch.Fetcher) (*Manager, *preferences.FileStore) {
	prefs := preferences.NewFileStore(f.prefsPath, f.fileClient)
	require.NoError(t, prefs.Load())
	m := NewManager(fetcher, prefs, f.fileClient, f.updatePath, 0, zerolog.Nop())
	m.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	return m, prefs
}

func (f *fixture) local(t *testing.T) []byte {
	data, err := os.ReadFile(f.updatePath)
	require.NoError(t, err)
	return data
}

// artifactServer serves the full image only. The first full request is cut short after
// cutAt bytes when cutAt > 0.
func artifactServer(t *testing.T, cutAt int) (*httptest.Server, *[]string) {
	var (
		mu       sync.Mutex
		requests []string
		cut      atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path+" "+r.Header.Get("Range"))
		mu.Unlock()

		if r.URL.Path != "/"+fullName {
			http.NotFound(w, r)
			return
		}
		if cutAt > 0 && cut.CompareAndSwap(false, true) {
			w.Header().Set("Content-Length", "999999")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content[:cutAt])
			w.(http.Flusher).Flush()
			return
		}
		http.ServeContent(w, r, fullName, time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestDownload_FallsBackToFullImage(t *testing.T) {
	f := newFixture(t)
	srv, requests := artifactServer(t, 0)
	m, prefs := f.manager(t, fetch.NewHTTPFetcher(srv.URL, time.Second, time.Second))

	target, err := m.Download(context.Background(), "device", "build-100", "build-123")
	require.NoError(t, err)

	assert.Equal(t, models.DownloadTarget{FileName: fullName}, target)
	assert.Equal(t, fullName, prefs.GetString(constants.PreferenceDownloadFile, ""))
	assert.Equal(t, content, f.local(t))
	assert.Equal(t, []string{"/" + incrementalName + " ", "/" + fullName + " "}, *requests)
}

func TestDownload_ResumesAcrossRestart(t *testing.T) {
	f := newFixture(t)
	srv, requests := artifactServer(t, 10000)
	fetcher := fetch.NewHTTPFetcher(srv.URL, time.Second, time.Second)

	first, _ := f.manager(t, fetcher)
	_, err := first.Download(context.Background(), "device", "build-100", "build-123")
	require.Error(t, err)
	assert.True(t, models.IsNetworkError(err))
	assert.Equal(t, content[:10000], f.local(t))

	second, prefs := f.manager(t, fetcher)
	state, err := second.State()
	require.NoError(t, err)
	assert.Equal(t, models.DownloadState{TargetFileName: fullName, BytesDownloaded: 10000}, state)

	target, err := second.Download(context.Background(), "device", "build-100", "build-123")
	require.NoError(t, err)
	assert.Equal(t, fullName, target.FileName)
	assert.Equal(t, fullName, prefs.GetString(constants.PreferenceDownloadFile, ""))
	assert.Equal(t, content, f.local(t))
	assert.Contains(t, *requests, "/"+fullName+" bytes=10000-")
}

func TestDownload_ServerIgnoresRange(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	require.NoError(t, os.MkdirAll(filepath.Dir(f.updatePath), 0755))
	require.NoError(t, os.WriteFile(f.updatePath, []byte("stale bytes"), 0600))
	m, prefs := f.manager(t, fetch.NewHTTPFetcher(srv.URL, time.Second, time.Second))
	require.NoError(t, prefs.PutString(constants.PreferenceDownloadFile, fullName))

	_, err := m.Download(context.Background(), "device", "build-100", "build-123")
	require.NoError(t, err)
	assert.Equal(t, content, f.local(t))
}

func TestDownload_AlreadyComplete(t *testing.T) {
	f := newFixture(t)
	srv, _ := artifactServer(t, 0)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.updatePath), 0755))
	require.NoError(t, os.WriteFile(f.updatePath, content, 0600))
	m, prefs := f.manager(t, fetch.NewHTTPFetcher(srv.URL, time.Second, time.Second))
	require.NoError(t, prefs.PutString(constants.PreferenceDownloadFile, fullName))

	target, err := m.Download(context.Background(), "device", "build-100", "build-123")
	require.NoError(t, err)
	assert.Equal(t, fullName, target.FileName)
	assert.Equal(t, content, f.local(t))
}

func TestDownload_UnknownRemoteSizeRestarts(t *testing.T) {
	f := newFixture(t)
	mockFetcher := new(mocks.MockFetcher)
	rangeErr := models.NewNetworkError("fetch "+fullName, &fetch.RangeError{Offset: 11, Total: -1})
	mockFetcher.On("Fetch", mock.Anything, fullName, int64(11)).Return(nil, rangeErr).Once()
	mockFetcher.On("Fetch", mock.Anything, fullName, int64(0)).Return(mocks.NewStream("whole image"), nil).Once()

	require.NoError(t, os.MkdirAll(filepath.Dir(f.updatePath), 0755))
	require.NoError(t, os.WriteFile(f.updatePath, []byte("whole image"), 0600))
	m, prefs := f.manager(t, mockFetcher)
	require.NoError(t, prefs.PutString(constants.PreferenceDownloadFile, fullName))

	target, err := m.Download(context.Background(), "device", "build-100", "build-123")
	require.NoError(t, err)
	assert.Equal(t, fullName, target.FileName)
	assert.Equal(t, []byte("whole image"), f.local(t))
	assert.Equal(t, fullName, prefs.GetString(constants.PreferenceDownloadFile, ""))
	mockFetcher.AssertExpectations(t)
}

func TestDownload_StalePreferenceStartsOver(t *testing.T) {
	f := newFixture(t)
	mockFetcher := new(mocks.MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, incrementalName, int64(0)).Return(mocks.NewStream("fresh"), nil)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.updatePath), 0755))
	require.NoError(t, os.WriteFile(f.updatePath, []byte("old build bytes"), 0600))
	m, prefs := f.manager(t, mockFetcher)
	require.NoError(t, prefs.PutString(constants.PreferenceDownloadFile, "device-ota_update-build-99.zip"))

	target, err := m.Download(context.Background(), "device", "build-100", "build-123")
	require.NoError(t, err)
	assert.True(t, target.IsIncremental)
	assert.Equal(t, incrementalName, prefs.GetString(constants.PreferenceDownloadFile, ""))
	assert.Equal(t, []byte("fresh"), f.local(t))
	mockFetcher.AssertExpectations(t)
}

func TestDownload_InsufficientSpace(t *testing.T) {
	f := newFixture(t)
	mockFetcher := new(mocks.MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, incrementalName, int64(0)).Return(mocks.NewStream("0123456789"), nil)

	m, prefs := f.manager(t, mockFetcher)
	m.freeSpace = func(string) (uint64, error) { return 5, nil }

	_, err := m.Download(context.Background(), "device", "build-100", "build-123")
	assert.ErrorContains(t, err, "insufficient space")
	assert.Equal(t, "", prefs.GetString(constants.PreferenceDownloadFile, ""))
}

func TestDownload_ProgressIsThrottled(t *testing.T) {
	f := newFixture(t)
	mockFetcher := new(mocks.MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, incrementalName, int64(0)).Return(mocks.NewStream(string(content)), nil)

	m, _ := f.manager(t, mockFetcher)
	// Every read advances the clock by half an interval.
	clock := time.Unix(0, 0)
	m.now = func() time.Time {
		clock = clock.Add(constants.DefaultProgressInterval / 2)
		return clock
	}
	var reports []models.Progress
	m.SetProgressFunc(func(p models.Progress) { reports = append(reports, p) })

	_, err := m.Download(context.Background(), "device", "build-100", "build-123")
	require.NoError(t, err)

	reads := (len(content) + constants.DownloadBufferSize - 1) / constants.DownloadBufferSize
	require.NotEmpty(t, reports)
	assert.Less(t, len(reports), reads+1)
	last := reports[len(reports)-1]
	assert.Equal(t, int64(len(content)), last.Completed)
	assert.Equal(t, int64(len(content)), last.Total)
	assert.Equal(t, incrementalName, last.FileName)
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	m, prefs := f.manager(t, new(mocks.MockFetcher))
	require.NoError(t, os.MkdirAll(filepath.Dir(f.updatePath), 0755))
	require.NoError(t, os.WriteFile(f.updatePath, content, 0600))
	require.NoError(t, prefs.PutString(constants.PreferenceDownloadFile, fullName))

	require.NoError(t, m.Discard())

	_, err := os.Stat(f.updatePath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, "", prefs.GetString(constants.PreferenceDownloadFile, ""))
	require.NoError(t, m.Discard())
}
