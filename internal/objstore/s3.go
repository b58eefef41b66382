package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3Store struct {
	client *s3.Client
	bucket string
	label  string
}

// NewS3 returns a store reading objects of bucket from an S3-compatible
// service. Credentials come from cfg when set, otherwise from the default
// AWS credential chain.
func NewS3(ctx context.Context, cfg Config, bucket string) (ObjectStore, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket cannot be empty")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	label := "s3://" + bucket + "/"
	if cfg.Endpoint != "" {
		label = cfg.Endpoint + "/" + bucket + "/"
	}
	return &s3Store{client: client, bucket: bucket, label: label}, nil
}

func (s *s3Store) String() string { return s.label }

func (s *s3Store) Head(ctx context.Context, key string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, s.wrap(key, err)
	}
	return Object{Key: key, Size: aws.ToInt64(out.ContentLength)}, nil
}

func (s *s3Store) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	if limit == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if r := rangeHeader(off, limit); r != "" {
		in.Range = aws.String(r)
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, s.wrap(key, err)
	}
	return out.Body, nil
}

func (s *s3Store) SupportsRanges() bool { return true }

func (s *s3Store) wrap(key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s%s: %w", s.label, key, ErrNotFound)
	}
	return fmt.Errorf("%s%s: %w", s.label, key, err)
}

// rangeHeader formats an HTTP Range header for [off, off+limit) with
// limit != 0. It returns "" when the whole object is requested.
func rangeHeader(off, limit int64) string {
	switch {
	case off <= 0 && limit < 0:
		return ""
	case limit < 0:
		return fmt.Sprintf("bytes=%d-", off)
	default:
		return fmt.Sprintf("bytes=%d-%d", off, off+limit-1)
	}
}
