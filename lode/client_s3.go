package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// S3Location addresses history stored in an S3 or S3-compatible bucket.
// Credentials come from the AWS default chain.
type S3Location struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the AWS endpoint (MinIO, R2).
	Endpoint     string
	UsePathStyle bool
}

// ParseS3Location reads a history path of the form "s3://bucket/prefix",
// "bucket/prefix" or "bucket". Surrounding slashes on the prefix are dropped.
func ParseS3Location(path string) (S3Location, error) {
	rest := strings.TrimPrefix(path, "s3://")
	bucket, prefix, _ := strings.Cut(rest, "/")
	loc := S3Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}
	return loc, loc.Validate()
}

// Validate reports a missing bucket.
func (l S3Location) Validate() error {
	if l.Bucket == "" {
		return errors.New("s3 history path needs a bucket")
	}
	return nil
}

func (l S3Location) clientOptions() []func(*s3.Options) {
	return []func(*s3.Options){func(o *s3.Options) {
		if l.Endpoint != "" {
			o.BaseEndpoint = aws.String(l.Endpoint)
		}
		o.UsePathStyle = l.UsePathStyle
	}}
}

// storeFactory opens one S3 client shared by every store the factory makes.
func (l S3Location) storeFactory(ctx context.Context) (lode.StoreFactory, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	var loadOpts []func(*config.LoadOptions) error
	if l.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(l.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, l.clientOptions()...)
	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{Bucket: l.Bucket, Prefix: l.Prefix})
	}, nil
}

// NewLodeS3Client creates a history client writing to loc.
func NewLodeS3Client(ctx context.Context, cfg Config, loc S3Location) (*LodeClient, error) {
	factory, err := loc.storeFactory(ctx)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return NewLodeClientWithFactory(cfg, factory)
}
