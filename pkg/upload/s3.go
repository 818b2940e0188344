package upload

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/convergence/pkg/engine"
)

// DefaultAWSRegion is used when no region resolves and no custom endpoint is set.
const DefaultAWSRegion = "us-east-1"

// S3Config configures the S3 client.
type S3Config struct {
	// Region is the AWS region. Empty lets the SDK resolve it from env or profile.
	Region string

	// Endpoint is a custom endpoint for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit credentials. Both must be
	// set to take effect.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// PutObjectAPI is the subset of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores reports in S3 buckets.
type S3Uploader struct {
	client PutObjectAPI
}

// NewS3Uploader builds an S3 client from cfg.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, engine.NewPermanentError("failed to load AWS config", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Uploader{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// NewS3UploaderWithClient wraps an existing client.
func NewS3UploaderWithClient(client PutObjectAPI) *S3Uploader {
	return &S3Uploader{client: client}
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion defaults the region for AWS proper. S3-compatible stores
// often ignore it.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Put stores the file at localPath under bucket/key.
func (u *S3Uploader) Put(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return engine.NewInputError("failed to open report", err).WithSubject(localPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return engine.NewInputError("failed to stat report", err).WithSubject(localPath)
	}
	size := info.Size()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: &size,
		ContentType:   aws.String("application/xml"),
	})
	if err != nil {
		return wrapError(bucket, key, err)
	}
	return nil
}

// wrapError classifies S3 failures. Throttling and service faults are
// transient, credential problems are authentication errors and everything
// else is permanent.
func wrapError(bucket, key string, err error) error {
	subject := fmt.Sprintf("s3://%s/%s", bucket, key)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded",
			"ServiceUnavailable", "InternalError", "RequestTimeout":
			return engine.NewTransientError("report upload throttled or unavailable", err).WithSubject(subject)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return engine.NewAuthenticationError("report upload rejected", err).WithSubject(subject)
		case "NoSuchBucket":
			return engine.NewPermanentError(fmt.Sprintf("bucket %s does not exist", bucket), err).WithSubject(subject)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return engine.NewTransientError("report upload failed on the server", err).WithSubject(subject)
		}
		return engine.NewPermanentError("report upload failed", err).WithSubject(subject)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("report upload timed out", err).WithSubject(subject)
	}
	return engine.NewPermanentError("report upload failed", err).WithSubject(subject)
}
