package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/archive"
	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/internal/download"
	"github.com/benmeehan/ota-agent/internal/metrics"
	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/internal/notifier"
	"github.com/benmeehan/ota-agent/internal/scheduler"
	"github.com/benmeehan/ota-agent/internal/utils"
	"github.com/benmeehan/ota-agent/pkg/engine"
	"github.com/benmeehan/ota-agent/pkg/fetch"
	"github.com/benmeehan/ota-agent/pkg/file"
	"github.com/benmeehan/ota-agent/pkg/identity"
	"github.com/benmeehan/ota-agent/pkg/mqtt"
	"github.com/benmeehan/ota-agent/pkg/preferences"
	"github.com/benmeehan/ota-agent/pkg/wakelock"
)

// UpdateService runs check → download → validate → apply cycles, one at a time.
//
// The updating flag is the only admission control. It starts false with every process,
// is set when a cycle starts and cleared on every failure. After a successful apply it
// stays set: the device is expected to reboot into the new build.
type UpdateService struct {
	TriggerTopic string
	QOS          int

	deviceInfo identity.DeviceInfoInterface
	mqttClient mqtt.MQTTClient
	prefs      preferences.Store
	fetcher    fetch.Fetcher
	downloader *download.Manager
	validator  *archive.Validator
	engine     engine.ApplicationEngine
	scheduler  scheduler.Scheduler
	notifier   notifier.Notifier
	wakeLock   wakelock.WakeLock
	fileClient file.FileOperations
	logger     zerolog.Logger

	updating   atomic.Bool
	workerPool *utils.WorkerPool

	mu               sync.Mutex
	state            constants.UpdateState
	validTransitions map[constants.UpdateState][]constants.UpdateState
	status           models.UpdateStatus

	ctx    context.Context
	cancel context.CancelFunc
}

// NewUpdateService creates and returns a new instance of UpdateService.
// mqttClient may be nil when triggers only come from the scheduler or the local server.
func NewUpdateService(triggerTopic string, qos int, deviceInfo identity.DeviceInfoInterface,
	mqttClient mqtt.MQTTClient, prefs preferences.Store, fetcher fetch.Fetcher,
	downloader *download.Manager, validator *archive.Validator, applicationEngine engine.ApplicationEngine,
	retryScheduler scheduler.Scheduler, rebootNotifier notifier.Notifier, wakeLock wakelock.WakeLock,
	fileClient file.FileOperations, logger zerolog.Logger) *UpdateService {

	u := &UpdateService{
		TriggerTopic: triggerTopic,
		QOS:          qos,
		deviceInfo:   deviceInfo,
		mqttClient:   mqttClient,
		prefs:        prefs,
		fetcher:      fetcher,
		downloader:   downloader,
		validator:    validator,
		engine:       applicationEngine,
		scheduler:    retryScheduler,
		notifier:     rebootNotifier,
		wakeLock:     wakeLock,
		fileClient:   fileClient,
		logger:       logger,
		state:        constants.UpdateStateIdle,
		validTransitions: map[constants.UpdateState][]constants.UpdateState{
			constants.UpdateStateIdle:        {constants.UpdateStateChecking},
			constants.UpdateStateChecking:    {constants.UpdateStateDownloading, constants.UpdateStateIdle},
			constants.UpdateStateDownloading: {constants.UpdateStateValidating, constants.UpdateStateIdle},
			constants.UpdateStateValidating:  {constants.UpdateStateApplying, constants.UpdateStateIdle},
			constants.UpdateStateApplying:    {constants.UpdateStateIdle},
		},
	}
	downloader.SetProgressFunc(u.onDownloadProgress)
	return u
}

// Start subscribes to the trigger topic, starts the scheduler and queues a first check.
func (u *UpdateService) Start() error {
	u.mu.Lock()
	if u.ctx != nil {
		u.mu.Unlock()
		return errors.New("update service is already running")
	}
	u.ctx, u.cancel = context.WithCancel(context.Background())
	u.workerPool = utils.NewWorkerPool(1)
	u.mu.Unlock()

	if u.mqttClient != nil {
		topic := u.triggerTopic()
		token := u.mqttClient.Subscribe(topic, byte(u.QOS), u.handleTriggerCommand)
		token.Wait()
		if err := token.Error(); err != nil {
			u.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		u.logger.Info().Str("topic", topic).Msg("Subscribed to MQTT update topic")
	}

	if runner, ok := u.scheduler.(scheduler.Runner); ok {
		runner.Start(func() { u.Trigger() })
	}

	u.Trigger()
	return nil
}

// Stop cancels the running cycle's I/O and waits for it to unwind.
func (u *UpdateService) Stop() error {
	u.mu.Lock()
	if u.ctx == nil {
		u.mu.Unlock()
		return errors.New("update service is not running")
	}
	cancel, pool := u.cancel, u.workerPool
	u.mu.Unlock()

	if runner, ok := u.scheduler.(scheduler.Runner); ok {
		runner.Stop()
	}
	if u.mqttClient != nil {
		token := u.mqttClient.Unsubscribe(u.triggerTopic())
		token.Wait()
		if err := token.Error(); err != nil {
			u.logger.Warn().Err(err).Msg("Failed to unsubscribe from MQTT update topic")
		}
	}

	cancel()
	pool.Shutdown()

	u.mu.Lock()
	u.ctx, u.cancel, u.workerPool = nil, nil, nil
	u.mu.Unlock()

	u.logger.Info().Msg("Update service stopped")
	return nil
}

// Trigger queues a check cycle on the update worker. It is a no-op while a cycle is in flight.
func (u *UpdateService) Trigger() bool {
	if u.updating.Load() {
		u.logger.Debug().Msg("Updating already, ignoring trigger")
		return false
	}

	u.mu.Lock()
	ctx, pool := u.ctx, u.workerPool
	u.mu.Unlock()
	if pool == nil {
		u.logger.Warn().Msg("Update service is not running, ignoring trigger")
		return false
	}

	queued := pool.TrySubmit(func() {
		_, _ = u.RunCycle(ctx)
	})
	if !queued {
		u.logger.Debug().Msg("Check already queued, ignoring trigger")
	}
	return queued
}

// HandleTrigger applies the command's channel, if any, then queues a check.
func (u *UpdateService) HandleTrigger(cmd models.TriggerCommand) (bool, error) {
	if cmd.Channel != "" {
		if err := u.SetChannel(cmd.Channel); err != nil {
			return false, err
		}
	}
	return u.Trigger(), nil
}

// handleTriggerCommand processes incoming MQTT update commands
func (u *UpdateService) handleTriggerCommand(client MQTT.Client, msg MQTT.Message) {
	u.logger.Info().Msg("Received update command")

	var cmd models.TriggerCommand
	if payload := msg.Payload(); len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			u.logger.Error().Err(err).Msg("Failed to parse update command payload")
			return
		}
	}
	if _, err := u.HandleTrigger(cmd); err != nil {
		u.logger.Error().Err(err).Msg("Failed to handle update command")
	}
}

// Channel returns the active channel: device override, then preference, then "stable".
func (u *UpdateService) Channel() string {
	if override := u.deviceInfo.GetChannelOverride(); override != "" {
		return override
	}
	return u.prefs.GetString(constants.PreferenceChannel, constants.DefaultChannel)
}

// SetChannel persists the preferred channel.
func (u *UpdateService) SetChannel(channel string) error {
	if strings.ContainsAny(channel, "/ \t\n") {
		return fmt.Errorf("invalid channel %q", channel)
	}
	if err := u.prefs.PutString(constants.PreferenceChannel, channel); err != nil {
		return err
	}
	u.logger.Info().Str("channel", channel).Msg("Update channel changed")
	return nil
}

// IsUpdating reports whether a cycle or payload application is in flight.
func (u *UpdateService) IsUpdating() bool {
	return u.updating.Load()
}

// Status returns a snapshot of the updater state.
func (u *UpdateService) Status() models.UpdateStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	status := u.status
	status.DeviceID = u.deviceInfo.GetDeviceID()
	status.State = string(u.state)
	status.Updating = u.updating.Load()
	status.Timestamp = time.Now().UTC()
	return status
}

// RunCycle executes one check cycle synchronously on the calling goroutine.
func (u *UpdateService) RunCycle(ctx context.Context) (outcome constants.CycleOutcome, err error) {
	if !u.updating.CompareAndSwap(false, true) {
		u.logger.Info().Msg("Updating already, returning early")
		metrics.CycleOutcomes.WithLabelValues(string(constants.OutcomeRejected)).Inc()
		return constants.OutcomeRejected, models.ErrConcurrentRun
	}
	metrics.Updating.Set(1)

	// Only an admitted cycle touches the wake lock.
	if err := u.wakeLock.Acquire(); err != nil {
		u.logger.Warn().Err(err).Msg("Running update cycle without wake lock")
	}
	defer func() {
		if err := u.wakeLock.Release(); err != nil {
			u.logger.Warn().Err(err).Msg("Failed to release wake lock")
		}
	}()

	cycleID := uuid.NewString()
	logger := u.logger.With().Str("cycle_id", cycleID).Logger()
	started := time.Now()
	u.mu.Lock()
	u.status.CycleID = cycleID
	u.status.LastError = ""
	u.status.Engine = nil
	u.mu.Unlock()

	defer func() {
		metrics.CycleOutcomes.WithLabelValues(string(outcome)).Inc()
		metrics.CycleDuration.WithLabelValues(string(outcome)).Observe(time.Since(started).Seconds())
		if !u.updating.Load() {
			metrics.Updating.Set(0)
		}
		u.mu.Lock()
		u.status.LastOutcome = string(outcome)
		if err != nil {
			u.status.LastError = err.Error()
		}
		u.mu.Unlock()
	}()

	if err := u.transition(constants.UpdateStateChecking); err != nil {
		u.updating.Store(false)
		return constants.OutcomeFailed, err
	}

	device := u.deviceInfo.GetDeviceID()
	channel := u.Channel()
	logger.Info().Str("device", device).Str("channel", channel).Msg("Fetching metadata")

	build, err := u.fetchBuildMetadata(ctx, device+"-"+channel)
	if err != nil {
		return u.fail(constants.UpdateStateChecking, err, logger)
	}

	sourceBuildDate := u.deviceInfo.GetBuildTimestamp()
	if build.TargetBuildTimestamp <= sourceBuildDate {
		logger.Info().
			Int64("target_build_date", build.TargetBuildTimestamp).
			Int64("source_build_date", sourceBuildDate).
			Msg("Target build not newer than current build")
		u.forceIdle()
		u.updating.Store(false)
		if resetter, ok := u.scheduler.(interface{ Reset() }); ok {
			resetter.Reset()
		}
		return constants.OutcomeUpToDate, nil
	}

	if err := u.transition(constants.UpdateStateDownloading); err != nil {
		return u.fail(constants.UpdateStateChecking, err, logger)
	}
	target, err := u.downloader.Download(ctx, device, u.deviceInfo.GetBuildIncremental(), build.IncrementalID)
	if err != nil {
		return u.fail(constants.UpdateStateDownloading, err, logger)
	}
	logger.Info().Str("file", target.FileName).Bool("incremental", target.IsIncremental).Msg("Download successful")

	if err := u.transition(constants.UpdateStateValidating); err != nil {
		return u.fail(constants.UpdateStateDownloading, err, logger)
	}
	desc, err := u.validator.Validate(ctx, u.downloader.UpdatePath(), build.TargetBuildTimestamp)
	if err != nil {
		return u.fail(constants.UpdateStateValidating, err, logger)
	}

	if err := u.transition(constants.UpdateStateApplying); err != nil {
		return u.fail(constants.UpdateStateValidating, err, logger)
	}
	return u.apply(ctx, desc, build, logger)
}

func (u *UpdateService) fetchBuildMetadata(ctx context.Context, path string) (models.BuildMetadata, error) {
	stream, err := u.fetcher.Fetch(ctx, path, 0)
	if err != nil {
		return models.BuildMetadata{}, err
	}
	defer stream.Body.Close()

	line, err := bufio.NewReader(stream.Body).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return models.BuildMetadata{}, models.NewParseError("build metadata", errors.New("empty response"))
		}
		return models.BuildMetadata{}, models.NewNetworkError("fetch "+path, err)
	}
	return models.ParseBuildMetadata(strings.TrimSpace(line))
}

// apply hands the payload to the engine and waits for its single completion code.
func (u *UpdateService) apply(ctx context.Context, desc models.PayloadDescriptor, build models.BuildMetadata,
	logger zerolog.Logger) (constants.CycleOutcome, error) {

	// The engine runs as another user and opens the archive itself.
	if err := u.fileClient.MakeWorldReadable(desc.ArchivePath); err != nil {
		return u.fail(constants.UpdateStateApplying, fmt.Errorf("failed to make %s readable: %w", desc.ArchivePath, err), logger)
	}

	code := engine.ErrorUnknown
	done, err := u.engine.ApplyPayload(ctx, desc, func(status models.EngineStatus) {
		logger.Debug().Str("status", status.Status).Float64("percent", status.Percent).Msg("onStatusUpdate")
		u.mu.Lock()
		u.status.Engine = &status
		u.mu.Unlock()
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start application engine")
	} else if c, ok := <-done; ok {
		code = c
	}
	return u.onPayloadApplicationComplete(code, build, logger)
}

func (u *UpdateService) onPayloadApplicationComplete(code int, build models.BuildMetadata,
	logger zerolog.Logger) (constants.CycleOutcome, error) {

	defer func() {
		if err := u.downloader.Discard(); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete update artifact")
		}
		u.forceIdle()
	}()

	if code == engine.Success {
		logger.Info().Str("incremental", build.IncrementalID).Msg("onPayloadApplicationComplete success")
		u.scheduler.Cancel()
		if err := u.notifier.NotifyRebootRequired(u.deviceInfo.GetDeviceID(), build); err != nil {
			logger.Error().Err(err).Msg("Failed to raise reboot notification")
		}
		return constants.OutcomeApplied, nil
	}

	logger.Error().Int("code", code).Msg("onPayloadApplicationComplete failed")
	u.updating.Store(false)
	return constants.OutcomeApplyFailed, fmt.Errorf("application engine failed with code %d", code)
}

// fail ends a cycle that could not reach the engine. Network failures keep the partial
// artifact for resuming; validation failures discard it so the same bytes are never retried.
func (u *UpdateService) fail(stage constants.UpdateState, err error, logger zerolog.Logger) (constants.CycleOutcome, error) {
	kind := models.ErrorKind(err)
	metrics.StageFailures.WithLabelValues(string(stage), kind).Inc()
	logger.Error().Err(err).Str("stage", string(stage)).Str("kind", kind).Msg("Failed to download and install update")

	if stage == constants.UpdateStateValidating && models.IsValidationError(err) {
		if derr := u.downloader.Discard(); derr != nil {
			logger.Warn().Err(derr).Msg("Failed to delete rejected update artifact")
		} else {
			logger.Info().Msg("Rejected update artifact deleted")
		}
	}

	u.forceIdle()
	u.updating.Store(false)
	u.scheduler.ScheduleRetry()
	return constants.OutcomeFailed, err
}

func (u *UpdateService) onDownloadProgress(p models.Progress) {
	u.mu.Lock()
	u.status.TargetFileName = p.FileName
	u.status.BytesDownloaded = p.Completed
	u.mu.Unlock()
}

// transition moves the state machine, rejecting transitions not in validTransitions.
func (u *UpdateService) transition(newState constants.UpdateState) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.isValidTransition(newState) {
		return fmt.Errorf("invalid update state transition %s -> %s", u.state, newState)
	}
	u.logger.Debug().Str("from", string(u.state)).Str("to", string(newState)).Msg("Update state changed")
	u.state = newState
	return nil
}

// forceIdle returns to idle from any state; every cycle ends there.
func (u *UpdateService) forceIdle() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = constants.UpdateStateIdle
}

// isValidTransition checks if the transition between states is valid
func (u *UpdateService) isValidTransition(newState constants.UpdateState) bool {
	validStates, exists := u.validTransitions[u.state]
	if !exists {
		return false
	}
	for _, validState := range validStates {
		if newState == validState {
			return true
		}
	}
	return false
}

func (u *UpdateService) triggerTopic() string {
	return u.TriggerTopic + "/" + u.deviceInfo.GetDeviceID()
}
