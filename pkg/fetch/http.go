package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/benmeehan/ota-agent/internal/models"
)

// HTTPFetcher fetches artifacts from a plain HTTP(S) server.
type HTTPFetcher struct {
	baseURL     string
	client      *http.Client
	readTimeout time.Duration
}

// NewHTTPFetcher creates a fetcher rooted at baseURL.
func NewHTTPFetcher(baseURL string, connectTimeout, readTimeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      &http.Client{Transport: newTransport(connectTimeout, readTimeout)},
		readTimeout: readTimeout,
	}
}

// newTransport bounds connection setup and waiting for response headers. Body reads are
// bounded separately by idleTimeoutReader.
func newTransport(connectTimeout, readTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Fetch issues GET <baseURL>/<pathSuffix>, with a Range header when resumeFrom != 0.
func (f *HTTPFetcher) Fetch(ctx context.Context, pathSuffix string, resumeFrom int64) (*Stream, error) {
	op := "fetch " + pathSuffix
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.baseURL+"/"+pathSuffix, nil)
	if err != nil {
		cancel()
		return nil, models.NewNetworkError(op, err)
	}
	if resumeFrom != 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, models.NewNetworkError(op, err)
	}

	var start int64
	switch resp.StatusCode {
	case http.StatusOK:
		start = 0
	case http.StatusPartialContent:
		start, _, err = parseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && start != resumeFrom {
			err = fmt.Errorf("server resumed at %d, requested %d", start, resumeFrom)
		}
		if err != nil {
			resp.Body.Close()
			cancel()
			return nil, models.NewNetworkError(op, err)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		_, total, _ := parseContentRange(resp.Header.Get("Content-Range"))
		resp.Body.Close()
		cancel()
		return nil, models.NewNetworkError(op, &RangeError{Offset: resumeFrom, Total: total})
	default:
		resp.Body.Close()
		cancel()
		return nil, models.NewNetworkError(op, fmt.Errorf("received status code: %d", resp.StatusCode))
	}

	return &Stream{
		Body:   newIdleTimeoutReader(resp.Body, f.readTimeout, cancel),
		Offset: start,
		Length: resp.ContentLength,
	}, nil
}
