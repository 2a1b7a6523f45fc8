package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/logflow/tickflow/pkg/errors"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3 client configuration.
type S3Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string

	// Bucket is the target bucket
	Bucket string

	// Prefix is prepended to every key
	Prefix string

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// OperationTimeout bounds every call so a hung write counts as failed
	OperationTimeout time.Duration
}

// S3Store implements ObjectStore on S3.
type S3Store struct {
	cfg    S3Config
	client S3API
}

// NewS3Store creates an S3 store from the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeMissingCredential, "load AWS config")
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, cfg S3Config) *S3Store {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return &S3Store{cfg: cfg, client: client}
}

// Scheme returns "s3".
func (s *S3Store) Scheme() string {
	return "s3"
}

// URL renders a key as s3://bucket/prefix/key.
func (s *S3Store) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, s.key(key))
}

func (s *S3Store) key(key string) string {
	return s.cfg.Prefix + key
}

// Put uploads an object. IfNotExists is checked with HeadObject first; two
// racing writers of the same key write identical content in this pipeline,
// so the check only saves a redundant upload.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if opts.IfNotExists {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.cfg.Bucket),
		Key:      aws.String(s.key(key)),
		Body:     bytes.NewReader(data),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.mapErr(err, "put", key)
	}
	return nil
}

// Get downloads an object.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, s.mapErr(err, "get", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.mapErr(err, "read body", key)
	}
	return data, nil
}

// Exists checks if an object exists.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, s.mapErr(err, "head", key)
}

// List lists all objects under prefix with pagination.
func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var all []ObjectInfo
	var continuationToken *string

	for {
		output, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(s.key(prefix)),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, s.mapErr(err, "list", prefix)
		}

		for _, obj := range output.Contents {
			all = append(all, ObjectInfo{
				Key:          strings.TrimPrefix(aws.ToString(obj.Key), s.cfg.Prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}
	return all, nil
}

// Delete removes an object.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return s.mapErr(err, "delete", key)
	}
	return nil
}

func (s *S3Store) mapErr(err error, op, key string) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	var ae smithy.APIError
	if stderrors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchBucket":
			return errors.Configuration(errors.CodeInvalidConfig, "bucket does not exist").WithContext("bucket", s.cfg.Bucket)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errors.Configuration(errors.CodeMissingCredential, ae.ErrorMessage()).WithContext("bucket", s.cfg.Bucket)
		case "SlowDown", "ThrottlingException", "RequestLimitExceeded":
			return errors.Transient(errors.CodeThrottled, err, "s3 "+op).WithContext("key", key)
		}
	}
	return errors.Transient(errors.CodeStoreUnavailable, err, "s3 "+op).WithContext("key", key)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if stderrors.As(err, &nsk) || stderrors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if stderrors.As(err, &ae) {
		code := ae.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
