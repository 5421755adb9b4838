package engine

import (
	"context"
	"os/exec"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/ota-agent/internal/models"
)

var desc = models.PayloadDescriptor{
	ArchivePath:       "/data/ota_package/update.zip",
	PayloadByteOffset: 1234,
	PropertyLines:     []string{"FILE_HASH=abc", "FILE_SIZE=42"},
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []string{
		"--update",
		"--follow",
		"--payload=file:///data/ota_package/update.zip",
		"--offset=1234",
		"--size=0",
		"--headers=FILE_HASH=abc\nFILE_SIZE=42",
	}, Args(desc))
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		line     string
		expected models.EngineStatus
	}{
		{line: "onStatusUpdate(UPDATE_STATUS_DOWNLOADING (3), 0.25)", expected: models.EngineStatus{Status: "UPDATE_STATUS_DOWNLOADING", Percent: 0.25}},
		{line: "onStatusUpdate(UPDATE_STATUS_FINALIZING, 1)", expected: models.EngineStatus{Status: "UPDATE_STATUS_FINALIZING", Percent: 1}},
		{line: "Waiting for update to complete", expected: models.EngineStatus{Status: "Waiting for update to complete"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseStatus(tt.line))
		})
	}
}

func shellEngine(script string) *CommandEngine {
	e := NewCommandEngine("update_engine_client", zerolog.Nop())
	e.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
	return e
}

func TestApplyPayload_ReportsStatusAndExitCode(t *testing.T) {
	e := shellEngine(`echo "onStatusUpdate(UPDATE_STATUS_DOWNLOADING (3), 0.5)"; echo "onStatusUpdate(UPDATE_STATUS_FINALIZING (5), 1.0)" >&2; exit 3`)

	var (
		mu       sync.Mutex
		statuses []models.EngineStatus
	)
	done, err := e.ApplyPayload(context.Background(), desc, func(s models.EngineStatus) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})
	require.NoError(t, err)

	code, ok := <-done
	require.True(t, ok)
	assert.Equal(t, 3, code)
	_, ok = <-done
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, statuses, 2)
	assert.Equal(t, "UPDATE_STATUS_DOWNLOADING", statuses[0].Status)
}

func TestApplyPayload_Success(t *testing.T) {
	done, err := shellEngine("exit 0").ApplyPayload(context.Background(), desc, nil)
	require.NoError(t, err)
	assert.Equal(t, Success, <-done)
}

func TestApplyPayload_MissingBinary(t *testing.T) {
	e := NewCommandEngine("/nonexistent/update_engine_client", zerolog.Nop())
	_, err := e.ApplyPayload(context.Background(), desc, nil)
	assert.Error(t, err)
}
