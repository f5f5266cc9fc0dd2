package ingest

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type (
	ObjectInfo struct {
		Key  string
		Size int64
	}

	// ObjectStore is the listing/streaming boundary the poller works
	// against. The S3 variant is the production implementation.
	ObjectStore interface {
		List(ctx context.Context, prefix string) ([]ObjectInfo, error)
		GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	}

	S3Store struct {
		client *s3.Client
		bucket string

		endpoint  string
		region    string
		accessKey string
		secretKey string
	}

	S3Option func(s *S3Store)
)

// WithEndpoint points the client at a custom S3-compatible endpoint
// (MinIO and friends). Path-style addressing is enabled alongside.
func WithEndpoint(endpoint string) S3Option {
	return func(s *S3Store) {
		s.endpoint = endpoint
	}
}

func WithRegion(region string) S3Option {
	return func(s *S3Store) {
		s.region = region
	}
}

func WithStaticCredentials(accessKey, secretKey string) S3Option {
	return func(s *S3Store) {
		s.accessKey = accessKey
		s.secretKey = secretKey
	}
}

//nolint:whitespace // editor/linter issue
func NewS3Store(
	ctx context.Context,
	bucket string,
	opts ...S3Option,
) (*S3Store, error) {
	ret := &S3Store{bucket: bucket, region: "us-east-1"}
	for _, opt := range opts {
		opt(ret)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(ret.region),
	}
	if ret.accessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ret.accessKey, ret.secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	ret.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ret.endpoint != "" {
			o.BaseEndpoint = aws.String(ret.endpoint)
			o.UsePathStyle = true
		}
	})
	return ret, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ret := make([]ObjectInfo, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for i := range page.Contents {
			obj := &page.Contents[i]
			ret = append(ret, ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return ret, nil
}

func (s *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}
