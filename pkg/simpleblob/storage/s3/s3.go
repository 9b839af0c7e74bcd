package s3

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
	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// Config options for the S3 backend
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // Optional key prefix inside the bucket
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// API is the subset of the S3 client used by the backend
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Backend is an S3-compatible implementation of the simpleblob.ByteStore interface
type Backend struct {
	client API
	bucket string
	config Config
}

// New creates a new S3-compatible storage backend
func New(config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	if config.Region == "" {
		config.Region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error

	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(config.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				config.AccessKeyID,
				config.SecretAccessKey,
				"",
			)),
		)
	} else {
		// Use default credential chain
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(config.Region),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)

	// Custom endpoint for S3-compatible services (MinIO, etc.)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	backend := NewWithClient(s3.NewFromConfig(awsCfg, s3Options...), config)

	if config.CreateBucketIfNotExist {
		if err := backend.createBucketIfNotExists(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return backend, nil
}

// NewWithClient creates a backend around an existing client
func NewWithClient(client API, config Config) *Backend {
	return &Backend{
		client: client,
		bucket: config.Bucket,
		config: config,
	}
}

// BackendName identifies the backend in errors
func (b *Backend) BackendName() string {
	return "s3"
}

// SoftDeleteAccounting keeps soft-deleted blobs counted until they are compacted,
// since the space is only reclaimed once the objects are removed from the bucket.
func (b *Backend) SoftDeleteAccounting() simpleblob.AccountingPolicy {
	return simpleblob.IncludeSoftDeleted
}

// createBucketIfNotExists creates the bucket if it doesn't exist
func (b *Backend) createBucketIfNotExists(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}

	// Handle multiple error types for MinIO compatibility
	if !isNotFound(err) && !strings.Contains(err.Error(), "BadRequest") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	}

	// Add location constraint for regions other than us-east-1
	if b.config.Region != "us-east-1" {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}

	_, err = b.client.CreateBucket(ctx, createInput)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
				return nil
			}
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	return nil
}

// GetObjectMeta retrieves metadata for an object in S3
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simpleblob.ObjectMeta, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", objectKey, simpleblob.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	return &simpleblob.ObjectMeta{
		Key:       objectKey,
		Size:      aws.ToInt64(result.ContentLength),
		UpdatedAt: aws.ToTime(result.LastModified),
		ETag:      strings.Trim(aws.ToString(result.ETag), "\""),
	}, nil
}

// Upload uploads content directly to S3. A PUT is atomic, so no temp key is needed.
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	uploader := manager.NewUploader(b.client)

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
		Body:   reader,
	}
	b.applyEncryption(input)

	if _, err := uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (b *Backend) applyEncryption(input *s3.PutObjectInput) {
	if !b.config.EnableSSE {
		return
	}
	switch b.config.SSEAlgorithm {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if b.config.SSEKMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
		}
	}
}

// Download downloads content directly from S3
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", objectKey, simpleblob.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	return result.Body, nil
}

// Delete deletes content from S3
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// List pages through the bucket listing under prefix
func (b *Backend) List(ctx context.Context, prefix string, fn func(objectKey string) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), b.keyPrefix())
			if err := fn(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) keyPrefix() string {
	if b.config.Prefix == "" {
		return ""
	}
	return strings.TrimSuffix(b.config.Prefix, "/") + "/"
}

func (b *Backend) key(objectKey string) string {
	return b.keyPrefix() + objectKey
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
