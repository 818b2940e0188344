package upload

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Uploader dispatches reports to the uploader for the destination scheme.
// It implements engine.ReportUploader. The S3 client is built on first use.
type Uploader struct {
	s3Config S3Config
	logger   zerolog.Logger

	mu sync.Mutex
	s3 *S3Uploader

	file FileUploader
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithS3Client uses client instead of building one from the S3 config.
func WithS3Client(client PutObjectAPI) Option {
	return func(u *Uploader) {
		u.s3 = NewS3UploaderWithClient(client)
	}
}

// New creates an Uploader.
func New(cfg S3Config, logger zerolog.Logger, opts ...Option) *Uploader {
	u := &Uploader{s3Config: cfg, logger: logger}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload copies localPath to destination.
func (u *Uploader) Upload(ctx context.Context, destination, localPath string) error {
	dest, err := ParseDestination(destination)
	if err != nil {
		return err
	}

	switch dest.Scheme {
	case SchemeS3:
		client, err := u.s3Client(ctx)
		if err != nil {
			return err
		}
		key := dest.Key(localPath)
		if err := client.Put(ctx, dest.Bucket, key, localPath); err != nil {
			return err
		}
		u.logger.Info().Str("bucket", dest.Bucket).Str("key", key).Msg("Report uploaded")
	case SchemeFile:
		target, err := u.file.Put(ctx, dest.Dir, localPath)
		if err != nil {
			return err
		}
		u.logger.Info().Str("path", target).Msg("Report copied")
	}
	return nil
}

func (u *Uploader) s3Client(ctx context.Context) (*S3Uploader, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s3 != nil {
		return u.s3, nil
	}
	client, err := NewS3Uploader(ctx, u.s3Config)
	if err != nil {
		return nil, err
	}
	u.s3 = client
	return client, nil
}

var _ engine.ReportUploader = (*Uploader)(nil)
