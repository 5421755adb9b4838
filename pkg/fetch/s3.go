package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/benmeehan/ota-agent/internal/models"
)

// S3Fetcher fetches artifacts from an S3 compatible bucket.
type S3Fetcher struct {
	Conn        *minio.Client
	bucket      string
	prefix      string
	readTimeout time.Duration
}

// S3Options configures an S3Fetcher.
type S3Options struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Prefix          string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
}

// NewS3Fetcher creates the minio client. No request is made until the first Fetch.
func NewS3Fetcher(opts S3Options) (*S3Fetcher, error) {
	conn, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure:    opts.UseSSL,
		Transport: newTransport(opts.ConnectTimeout, opts.ReadTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &S3Fetcher{
		Conn:        conn,
		bucket:      opts.Bucket,
		prefix:      opts.Prefix,
		readTimeout: opts.ReadTimeout,
	}, nil
}

// Fetch reads <prefix><pathSuffix> from the bucket starting at resumeFrom.
func (f *S3Fetcher) Fetch(ctx context.Context, pathSuffix string, resumeFrom int64) (*Stream, error) {
	op := "fetch " + pathSuffix
	reqCtx, cancel := context.WithCancel(ctx)

	opts := minio.GetObjectOptions{}
	if resumeFrom != 0 {
		if err := opts.SetRange(resumeFrom, 0); err != nil {
			cancel()
			return nil, models.NewNetworkError(op, err)
		}
	}

	obj, err := f.Conn.GetObject(reqCtx, f.bucket, f.prefix+pathSuffix, opts)
	if err != nil {
		cancel()
		return nil, models.NewNetworkError(op, err)
	}

	// GetObject is lazy; Stat surfaces missing objects and bad ranges.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		cancel()
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable || resp.Code == "InvalidRange" {
			total := int64(-1)
			if st, serr := f.Conn.StatObject(ctx, f.bucket, f.prefix+pathSuffix, minio.StatObjectOptions{}); serr == nil {
				total = st.Size
			}
			return nil, models.NewNetworkError(op, &RangeError{Offset: resumeFrom, Total: total})
		}
		return nil, models.NewNetworkError(op, err)
	}

	length := int64(-1)
	if resumeFrom == 0 {
		length = info.Size
	}
	return &Stream{
		Body:   newIdleTimeoutReader(obj, f.readTimeout, cancel),
		Offset: resumeFrom,
		Length: length,
	}, nil
}
