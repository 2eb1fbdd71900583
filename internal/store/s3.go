package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"dedup-go/internal/dedup"
)

// S3Store is an S3-backed implementation of the RemoteStore interface.
// Objects are stored under an optional key prefix within a single bucket.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3Options configures an S3Store. Region and bucket are required. If
// AccessKeyID and SecretAccessKey are empty the default AWS credential
// chain is used.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store creates an S3-backed store for the given bucket.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket name")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Put uploads content to remotePath. Large objects are uploaded in parts
// by the upload manager.
func (s *S3Store) Put(ctx context.Context, remotePath string, r io.Reader, _ int64) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", remotePath, err)
	}
	return nil
}

// Get retrieves the object at remotePath. The caller must close the
// returned body.
func (s *S3Store) Get(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s: %w", remotePath, dedup.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", remotePath, err)
	}
	return out.Body, nil
}

// Exists reports whether an object exists at remotePath.
func (s *S3Store) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("failed to check object existence: %w", err)
}

// List calls fn for every object under prefix, paging through results. S3
// matches the request prefix as a plain string, so the listing is a superset
// when a sibling key shares leading characters ("D" also lists "D2/...");
// those keys are filtered out so the prefix behaves as a path segment.
func (s *S3Store) List(ctx context.Context, prefix string, fn func(dedup.ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			remotePath := s.stripPrefix(aws.ToString(obj.Key))
			if !matchesPrefix(remotePath, prefix) {
				continue
			}
			info := dedup.ObjectInfo{
				RemotePath: remotePath,
				Size:       aws.ToInt64(obj.Size),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}
	return nil
}

// key maps a remote path to a full S3 object key under the store prefix.
func (s *S3Store) key(remotePath string) string {
	if s.prefix == "" {
		return remotePath
	}
	if remotePath == "" {
		return s.prefix
	}
	return s.prefix + "/" + remotePath
}

func (s *S3Store) stripPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// Compile-time check that S3Store implements dedup.RemoteStore
var _ dedup.RemoteStore = (*S3Store)(nil)
