package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrReadTimeout is reported when a stream makes no progress within the read timeout.
var ErrReadTimeout = errors.New("read timed out")

// Fetcher opens artifact streams relative to a fixed base location.
type Fetcher interface {
	// Fetch opens pathSuffix starting at resumeFrom. Failures are *models.NetworkError.
	Fetch(ctx context.Context, pathSuffix string, resumeFrom int64) (*Stream, error)
}

// Stream is an open artifact body.
//
// Offset is the position of the first byte of Body within the artifact. It differs from
// the requested offset when the server ignored the range and sent the whole artifact.
// Length is the number of bytes Body will yield, -1 when unknown.
type Stream struct {
	Body   io.ReadCloser
	Offset int64
	Length int64
}

// RangeError is returned (wrapped) when the requested resume offset is not satisfiable.
// Total is the artifact size announced by the server, -1 when unknown.
type RangeError struct {
	Offset int64
	Total  int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range starting at %d not satisfiable (total %d)", e.Offset, e.Total)
}

// parseContentRange parses "bytes <start>-<end>/<total>" and "bytes */<total>".
// Missing parts are returned as -1.
func parseContentRange(header string) (start, total int64, err error) {
	start, total = -1, -1
	rangeSpec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return start, total, fmt.Errorf("unsupported content range %q", header)
	}
	rng, size, ok := strings.Cut(rangeSpec, "/")
	if !ok {
		return start, total, fmt.Errorf("malformed content range %q", header)
	}
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return -1, -1, fmt.Errorf("malformed content range total %q: %w", header, err)
		}
	}
	if rng != "*" {
		first, _, ok := strings.Cut(rng, "-")
		if !ok {
			return -1, -1, fmt.Errorf("malformed content range %q", header)
		}
		if start, err = strconv.ParseInt(first, 10, 64); err != nil {
			return -1, -1, fmt.Errorf("malformed content range start %q: %w", header, err)
		}
	}
	return start, total, nil
}

// idleTimeoutReader cancels the underlying request when a Read makes no progress for timeout.
type idleTimeoutReader struct {
	rc       io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout, cancel: cancel}
	r.timer = time.AfterFunc(timeout, func() {
		r.timedOut.Store(true)
		cancel()
	})
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil {
		if r.timedOut.Load() {
			return n, ErrReadTimeout
		}
		return n, err
	}
	r.timer.Reset(r.timeout)
	return n, nil
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	err := r.rc.Close()
	r.cancel()
	return err
}
