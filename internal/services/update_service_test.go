package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/ota-agent/internal/archive"
	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/internal/download"
	"github.com/benmeehan/ota-agent/internal/mocks"
	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/internal/testutil"
	"github.com/benmeehan/ota-agent/pkg/engine"
	"github.com/benmeehan/ota-agent/pkg/file"
	"github.com/benmeehan/ota-agent/pkg/preferences"
	"github.com/benmeehan/ota-agent/pkg/verifier"
	"github.com/benmeehan/ota-agent/pkg/wakelock"
)

const (
	incrementalName = "device-incremental-build-100-build-123.zip"
	fullName        = "device-ota_update-build-123.zip"
)

type harness struct {
	service    *UpdateService
	deviceInfo *mocks.MockDeviceInfo
	fetcher    *mocks.MockFetcher
	engine     *mocks.MockEngine
	scheduler  *mocks.MockScheduler
	notifier   *mocks.MockNotifier
	wakeLock   *mocks.MockWakeLock
	prefs      *preferences.FileStore
	updatePath string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	fileClient := file.NewFileService()
	h := &harness{
		deviceInfo: new(mocks.MockDeviceInfo),
		fetcher:    new(mocks.MockFetcher),
		engine:     new(mocks.MockEngine),
		scheduler:  new(mocks.MockScheduler),
		notifier:   new(mocks.MockNotifier),
		wakeLock:   new(mocks.MockWakeLock),
		prefs:      preferences.NewFileStore(filepath.Join(dir, "preferences.json"), fileClient),
		updatePath: filepath.Join(dir, "update.zip"),
	}
	require.NoError(t, h.prefs.Load())

	h.deviceInfo.On("GetDeviceID").Return("device")
	h.deviceInfo.On("GetChannelOverride").Return("")
	h.deviceInfo.On("GetBuildTimestamp").Return(int64(1000000000))
	h.deviceInfo.On("GetBuildIncremental").Return("build-100")
	h.wakeLock.On("Acquire").Return(nil)
	h.wakeLock.On("Release").Return(nil)

	logger := zerolog.Nop()
	h.service = NewUpdateService(
		"ota/trigger",
		1,
		h.deviceInfo,
		nil,
		h.prefs,
		h.fetcher,
		download.NewManager(h.fetcher, h.prefs, fileClient, h.updatePath, 0, logger),
		archive.NewValidator(verifier.NewZipVerifier(), logger),
		h.engine,
		h.scheduler,
		h.notifier,
		h.wakeLock,
		fileClient,
		logger,
	)
	return h
}

func (h *harness) serveMetadata(line string) {
	h.fetcher.On("Fetch", mock.Anything, "device-stable", int64(0)).Return(mocks.NewStream(line), nil).Once()
}

func (h *harness) serveFullImageOnly(t *testing.T, postTimestamp int64) {
	pkg := testutil.BuildZip(t, testutil.OTAPackage(postTimestamp, []byte("payload-bytes")))
	h.fetcher.On("Fetch", mock.Anything, incrementalName, int64(0)).
		Return(nil, models.NewNetworkError("fetch "+incrementalName, errors.New("received status code: 404"))).Once()
	h.fetcher.On("Fetch", mock.Anything, fullName, int64(0)).Return(mocks.NewStream(string(pkg)), nil).Once()
}

func (h *harness) assertArtifactGone(t *testing.T) {
	_, err := os.Stat(h.updatePath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, "", h.prefs.GetString(constants.PreferenceDownloadFile, ""))
}

func TestRunCycle_AppliesFullImage(t *testing.T) {
	h := newHarness(t)
	h.serveMetadata("build-123 2000000000\n")
	h.serveFullImageOnly(t, 2000000000)

	h.engine.On("ApplyPayload", mock.Anything, mock.MatchedBy(func(desc models.PayloadDescriptor) bool {
		return desc.ArchivePath == h.updatePath && desc.PayloadByteOffset > 0 && len(desc.PropertyLines) == 4
	}), mock.Anything).Run(func(args mock.Arguments) {
		args.Get(2).(engine.StatusFunc)(models.EngineStatus{Status: "DOWNLOADING", Percent: 0.5})
	}).Return(mocks.Completion(engine.Success), nil)
	h.scheduler.On("Cancel").Return()
	h.notifier.On("NotifyRebootRequired", "device",
		models.BuildMetadata{IncrementalID: "build-123", TargetBuildTimestamp: 2000000000}).Return(nil)

	outcome, err := h.service.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, constants.OutcomeApplied, outcome)
	assert.True(t, h.service.IsUpdating())
	h.assertArtifactGone(t)

	status := h.service.Status()
	assert.Equal(t, string(constants.UpdateStateIdle), status.State)
	assert.Equal(t, fullName, status.TargetFileName)
	require.NotNil(t, status.Engine)
	assert.Equal(t, "DOWNLOADING", status.Engine.Status)

	h.fetcher.AssertExpectations(t)
	h.engine.AssertExpectations(t)
	h.scheduler.AssertExpectations(t)
	h.scheduler.AssertNotCalled(t, "ScheduleRetry")
	h.notifier.AssertExpectations(t)
	h.wakeLock.AssertExpectations(t)
}

func TestRunCycle_UpToDate(t *testing.T) {
	h := newHarness(t)
	h.serveMetadata("build-100 1000000000")

	outcome, err := h.service.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, constants.OutcomeUpToDate, outcome)
	assert.False(t, h.service.IsUpdating())
	h.fetcher.AssertNumberOfCalls(t, "Fetch", 1)
	h.engine.AssertNotCalled(t, "ApplyPayload", mock.Anything, mock.Anything, mock.Anything)
	h.scheduler.AssertNotCalled(t, "ScheduleRetry")
}

func TestRunCycle_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	h.service.updating.Store(true)

	outcome, err := h.service.RunCycle(context.Background())

	assert.Equal(t, constants.OutcomeRejected, outcome)
	assert.ErrorIs(t, err, models.ErrConcurrentRun)
	assert.True(t, h.service.IsUpdating())
	h.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
	h.wakeLock.AssertNotCalled(t, "Acquire")
	h.wakeLock.AssertNotCalled(t, "Release")
	assert.False(t, h.service.Trigger())
}

func TestRunCycle_RejectedRunKeepsWakeLockHeld(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	lock := &wakelock.SysfsWakeLock{
		Name:       "ota",
		LockPath:   filepath.Join(dir, "wake_lock"),
		UnlockPath: filepath.Join(dir, "wake_unlock"),
	}
	require.NoError(t, os.WriteFile(lock.LockPath, nil, 0600))
	require.NoError(t, os.WriteFile(lock.UnlockPath, nil, 0600))
	h.service.wakeLock = lock

	entered := make(chan struct{})
	release := make(chan struct{})
	h.fetcher.On("Fetch", mock.Anything, "device-stable", int64(0)).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(mocks.NewStream("build-100 1000000000"), nil).Once()

	type result struct {
		outcome constants.CycleOutcome
		err     error
	}
	first := make(chan result, 1)
	go func() {
		outcome, err := h.service.RunCycle(context.Background())
		first <- result{outcome, err}
	}()
	<-entered

	outcome, err := h.service.RunCycle(context.Background())
	assert.Equal(t, constants.OutcomeRejected, outcome)
	assert.ErrorIs(t, err, models.ErrConcurrentRun)

	unlocked, err := os.ReadFile(lock.UnlockPath)
	require.NoError(t, err)
	assert.Empty(t, string(unlocked))

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, constants.OutcomeUpToDate, res.outcome)

	locked, err := os.ReadFile(lock.LockPath)
	require.NoError(t, err)
	assert.Equal(t, "ota", string(locked))
	unlocked, err = os.ReadFile(lock.UnlockPath)
	require.NoError(t, err)
	assert.Equal(t, "ota", string(unlocked))
}

func TestRunCycle_TimestampMismatchDiscardsArtifact(t *testing.T) {
	h := newHarness(t)
	h.serveMetadata("build-123 2000000000\n")
	h.serveFullImageOnly(t, 1999999999)
	h.scheduler.On("ScheduleRetry").Return()

	outcome, err := h.service.RunCycle(context.Background())

	assert.Equal(t, constants.OutcomeFailed, outcome)
	assert.Equal(t, "security", models.ErrorKind(err))
	assert.False(t, h.service.IsUpdating())
	h.assertArtifactGone(t)
	h.scheduler.AssertNumberOfCalls(t, "ScheduleRetry", 1)
	h.engine.AssertNotCalled(t, "ApplyPayload", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, string(constants.OutcomeFailed), h.service.Status().LastOutcome)
}

func TestRunCycle_MetadataFailureSchedulesRetry(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		kind string
	}{
		{name: "network", err: models.NewNetworkError("fetch device-stable", errors.New("connection refused")), kind: "network"},
		{name: "empty body", body: "", kind: "parse"},
		{name: "malformed", body: "build-123\n", kind: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.err != nil {
				h.fetcher.On("Fetch", mock.Anything, "device-stable", int64(0)).Return(nil, tt.err)
			} else {
				h.serveMetadata(tt.body)
			}
			h.scheduler.On("ScheduleRetry").Return()

			outcome, err := h.service.RunCycle(context.Background())

			assert.Equal(t, constants.OutcomeFailed, outcome)
			assert.Equal(t, tt.kind, models.ErrorKind(err))
			assert.False(t, h.service.IsUpdating())
			h.scheduler.AssertNumberOfCalls(t, "ScheduleRetry", 1)
		})
	}
}

func TestRunCycle_DownloadFailureKeepsPartialArtifact(t *testing.T) {
	h := newHarness(t)
	h.serveMetadata("build-123 2000000000\n")
	require.NoError(t, os.WriteFile(h.updatePath, []byte("partial"), 0600))
	require.NoError(t, h.prefs.PutString(constants.PreferenceDownloadFile, fullName))
	h.fetcher.On("Fetch", mock.Anything, fullName, int64(7)).
		Return(nil, models.NewNetworkError("fetch "+fullName, errors.New("timeout")))
	h.scheduler.On("ScheduleRetry").Return()

	outcome, err := h.service.RunCycle(context.Background())

	assert.Equal(t, constants.OutcomeFailed, outcome)
	assert.True(t, models.IsNetworkError(err))
	data, rerr := os.ReadFile(h.updatePath)
	require.NoError(t, rerr)
	assert.Equal(t, "partial", string(data))
	assert.Equal(t, fullName, h.prefs.GetString(constants.PreferenceDownloadFile, ""))
}

func TestRunCycle_ApplyFailure(t *testing.T) {
	h := newHarness(t)
	h.serveMetadata("build-123 2000000000\n")
	h.serveFullImageOnly(t, 2000000000)
	h.engine.On("ApplyPayload", mock.Anything, mock.Anything, mock.Anything).Return(mocks.Completion(1), nil)

	outcome, err := h.service.RunCycle(context.Background())

	assert.Equal(t, constants.OutcomeApplyFailed, outcome)
	assert.ErrorContains(t, err, "code 1")
	assert.False(t, h.service.IsUpdating())
	h.assertArtifactGone(t)
	h.scheduler.AssertNotCalled(t, "Cancel")
	h.scheduler.AssertNotCalled(t, "ScheduleRetry")
	h.notifier.AssertNotCalled(t, "NotifyRebootRequired", mock.Anything, mock.Anything)
}

func TestRunCycle_EngineFailsToStart(t *testing.T) {
	h := newHarness(t)
	h.serveMetadata("build-123 2000000000\n")
	h.serveFullImageOnly(t, 2000000000)
	h.engine.On("ApplyPayload", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("exec: not found"))

	outcome, err := h.service.RunCycle(context.Background())

	assert.Equal(t, constants.OutcomeApplyFailed, outcome)
	assert.ErrorContains(t, err, "code -1")
	assert.False(t, h.service.IsUpdating())
}

func TestRunCycle_WakeLockFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.wakeLock.ExpectedCalls = nil
	h.wakeLock.On("Acquire").Return(errors.New("permission denied"))
	h.wakeLock.On("Release").Return(nil)
	h.serveMetadata("build-100 1000000000")

	outcome, err := h.service.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, constants.OutcomeUpToDate, outcome)
	h.wakeLock.AssertExpectations(t)
}

func TestChannel_Resolution(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "stable", h.service.Channel())

	require.NoError(t, h.service.SetChannel("beta"))
	assert.Equal(t, "beta", h.service.Channel())
	assert.Equal(t, "beta", h.prefs.GetString(constants.PreferenceChannel, ""))

	assert.Error(t, h.service.SetChannel("../etc"))

	h.deviceInfo.ExpectedCalls = nil
	h.deviceInfo.On("GetChannelOverride").Return("nightly")
	assert.Equal(t, "nightly", h.service.Channel())
}

func TestHandleTriggerCommand_SwitchesChannel(t *testing.T) {
	h := newHarness(t)

	h.service.handleTriggerCommand(nil, mocks.NewMockMessage("ota/trigger/device", []byte(`{"channel":"beta"}`)))
	assert.Equal(t, "beta", h.prefs.GetString(constants.PreferenceChannel, ""))

	h.service.handleTriggerCommand(nil, mocks.NewMockMessage("ota/trigger/device", []byte(`not json`)))
	assert.Equal(t, "beta", h.prefs.GetString(constants.PreferenceChannel, ""))
}

func TestUpdateService_StartStop(t *testing.T) {
	h := newHarness(t)
	mqttClient := new(mocks.MockMQTTClient)
	h.service.mqttClient = mqttClient
	mqttClient.On("Subscribe", "ota/trigger/device", byte(1), mock.Anything).Return(mocks.NewCompletedToken(nil))
	mqttClient.On("Unsubscribe", []string{"ota/trigger/device"}).Return(mocks.NewCompletedToken(nil))
	h.serveMetadata("build-100 1000000000")

	require.NoError(t, h.service.Start())
	assert.EqualError(t, h.service.Start(), "update service is already running")
	require.NoError(t, h.service.Stop())
	assert.EqualError(t, h.service.Stop(), "update service is not running")

	mqttClient.AssertExpectations(t)
	h.fetcher.AssertExpectations(t)
	assert.False(t, h.service.Trigger())
}

func TestUpdateService_StartSubscribeFailure(t *testing.T) {
	h := newHarness(t)
	mqttClient := new(mocks.MockMQTTClient)
	h.service.mqttClient = mqttClient
	mqttClient.On("Subscribe", "ota/trigger/device", byte(1), mock.Anything).Return(mocks.NewCompletedToken(errors.New("not authorized")))
	mqttClient.On("Unsubscribe", []string{"ota/trigger/device"}).Return(mocks.NewCompletedToken(nil))

	err := h.service.Start()
	assert.ErrorContains(t, err, "not authorized")
	h.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}
