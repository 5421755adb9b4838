package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/models"
)

// Success is the completion code of a successfully applied payload. Every other code is a failure.
const Success = 0

// ErrorUnknown is reported when the engine ended without an exit status.
const ErrorUnknown = -1

// StatusFunc receives asynchronous status updates while a payload is applied.
type StatusFunc func(models.EngineStatus)

// ApplicationEngine applies a payload addressed by offset inside an archive.
type ApplicationEngine interface {
	// ApplyPayload starts applying desc. The returned channel yields exactly one completion
	// code and is then closed. An error means the engine could not be started at all.
	ApplyPayload(ctx context.Context, desc models.PayloadDescriptor, onStatus StatusFunc) (<-chan int, error)
}

var statusLine = regexp.MustCompile(`onStatusUpdate\((\w+)[^,]*,\s*([0-9.]+)\)`)

// CommandEngine drives the platform's update_engine_client binary.
type CommandEngine struct {
	Binary string
	logger zerolog.Logger

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewCommandEngine creates an engine that runs binary.
func NewCommandEngine(binary string, logger zerolog.Logger) *CommandEngine {
	return &CommandEngine{Binary: binary, logger: logger, command: exec.CommandContext}
}

// Args builds the update_engine_client arguments for desc.
func Args(desc models.PayloadDescriptor) []string {
	return []string{
		"--update",
		"--follow",
		"--payload=" + desc.URI(),
		"--offset=" + strconv.FormatInt(desc.PayloadByteOffset, 10),
		"--size=0",
		"--headers=" + strings.Join(desc.PropertyLines, "\n"),
	}
}

// ApplyPayload starts the client and follows its output until it exits.
func (e *CommandEngine) ApplyPayload(ctx context.Context, desc models.PayloadDescriptor, onStatus StatusFunc) (<-chan int, error) {
	cmd := e.command(ctx, e.Binary, Args(desc)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach to %s output: %w", e.Binary, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.Binary, err)
	}
	e.logger.Info().Str("binary", e.Binary).Int64("offset", desc.PayloadByteOffset).Msg("Application engine started")

	done := make(chan int, 1)
	go func() {
		defer close(done)
		followStatus(stdout, onStatus)
		done <- exitCode(cmd.Wait())
	}()
	return done, nil
}

func followStatus(r io.Reader, onStatus StatusFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || onStatus == nil {
			continue
		}
		onStatus(ParseStatus(line))
	}
}

// ParseStatus extracts an EngineStatus from one line of client output.
func ParseStatus(line string) models.EngineStatus {
	m := statusLine.FindStringSubmatch(line)
	if m == nil {
		return models.EngineStatus{Status: line}
	}
	percent, _ := strconv.ParseFloat(m[2], 64)
	return models.EngineStatus{Status: m[1], Percent: percent}
}

func exitCode(err error) int {
	if err == nil {
		return Success
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return ErrorUnknown
}
