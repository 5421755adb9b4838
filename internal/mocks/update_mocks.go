package mocks

import (
	"context"
	"io"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/ota-agent/internal/models"
	"github.com/benmeehan/ota-agent/pkg/engine"
	"github.com/benmeehan/ota-agent/pkg/fetch"
	"github.com/benmeehan/ota-agent/pkg/verifier"
)

// MockFetcher is a mock implementation of fetch.Fetcher
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, pathSuffix string, resumeFrom int64) (*fetch.Stream, error) {
	args := m.Called(ctx, pathSuffix, resumeFrom)
	stream, _ := args.Get(0).(*fetch.Stream)
	return stream, args.Error(1)
}

// NewStream returns a stream serving body from offset 0 with a known length.
func NewStream(body string) *fetch.Stream {
	return &fetch.Stream{
		Body:   io.NopCloser(strings.NewReader(body)),
		Length: int64(len(body)),
	}
}

// MockEngine is a mock implementation of engine.ApplicationEngine
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ApplyPayload(ctx context.Context, desc models.PayloadDescriptor, onStatus engine.StatusFunc) (<-chan int, error) {
	args := m.Called(ctx, desc, onStatus)
	done, _ := args.Get(0).(<-chan int)
	return done, args.Error(1)
}

// Completion returns a channel already holding code.
func Completion(code int) <-chan int {
	done := make(chan int, 1)
	done <- code
	close(done)
	return done
}

// MockVerifier is a mock implementation of verifier.PackageVerifier
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, path string, progress verifier.ProgressFunc) error {
	args := m.Called(ctx, path, progress)
	return args.Error(0)
}

// MockScheduler is a mock implementation of scheduler.Scheduler
type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Cancel() {
	m.Called()
}

func (m *MockScheduler) ScheduleRetry() {
	m.Called()
}

// MockNotifier is a mock implementation of notifier.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyRebootRequired(deviceID string, build models.BuildMetadata) error {
	args := m.Called(deviceID, build)
	return args.Error(0)
}

// MockWakeLock is a mock implementation of wakelock.WakeLock
type MockWakeLock struct {
	mock.Mock
}

func (m *MockWakeLock) Acquire() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockWakeLock) Release() error {
	args := m.Called()
	return args.Error(0)
}
