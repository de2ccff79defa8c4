package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/hemantobora/clusterboot/internal/models"
)

// S3Client is the subset of the S3 API the store uses
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
}

// S3Store keeps run state as a single object in a versioned bucket
type S3Store struct {
	client S3Client
	bucket string
	key    string
	region string
}

// NewS3Store creates a store for one stack's state object
func NewS3Store(client S3Client, bucket, key, region string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key, region: region}
}

func (s *S3Store) Location() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key)
}

func (s *S3Store) Load(ctx context.Context) (*RunState, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isMissing(err) {
			return nil, ErrNotFound
		}
		return nil, s.fail("load", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, s.fail("load", fmt.Errorf("failed to read run state: %w", err))
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, s.fail("load", fmt.Errorf("failed to unmarshal run state: %w", err))
	}
	if err := st.Validate(); err != nil {
		return nil, s.fail("load", err)
	}
	return &st, nil
}

func (s *S3Store) Save(ctx context.Context, st *RunState) error {
	if err := st.Validate(); err != nil {
		return s.fail("save", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return s.fail("save", fmt.Errorf("failed to marshal run state: %w", err))
	}
	if err := s.putObject(ctx, s.key, data, "application/json"); err != nil {
		return s.fail("save", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil && !isMissing(err) {
		return s.fail("delete", err)
	}
	return nil
}

// EnsureBucket creates the state bucket when it does not exist yet, with
// versioning on and public access blocked.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isMissing(err) {
		return s.fail("head-bucket", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou":
				// created by an earlier run, carry on configuring it
			case "BucketAlreadyExists":
				return s.fail("create-bucket", fmt.Errorf("bucket name %s is taken by another account", s.bucket))
			default:
				return s.fail("create-bucket", err)
			}
		} else {
			return s.fail("create-bucket", err)
		}
	}

	_, err = s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(s.bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return s.fail("put-bucket-versioning", err)
	}

	_, err = s.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(s.bucket),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return s.fail("put-public-access-block", err)
	}
	return nil
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	return err
}

func (s *S3Store) fail(op string, err error) error {
	return &models.StateError{Backend: "s3", Operation: op, Location: s.Location(), Cause: err}
}

func isMissing(err error) bool {
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
