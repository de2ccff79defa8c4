package state

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hemantobora/clusterboot/internal"
	"github.com/hemantobora/clusterboot/internal/cloud/naming"
	"github.com/hemantobora/clusterboot/internal/config"
)

// StoreForStack creates the store selected by the stack's state section.
// The S3 backend derives its bucket from the account and region unless one
// is configured, and makes sure the bucket exists.
func StoreForStack(ctx context.Context, stack *config.Stack, dc config.DeploymentContext, awsCfg aws.Config) (Store, error) {
	switch stack.State.Backend {
	case "", "file":
		return NewFileStore(stack.ResolvePath(stack.State.Path)), nil
	case "s3":
		names := naming.NewDefaultNaming(dc.Account, dc.Region)
		return S3StoreForStack(ctx, s3.NewFromConfig(awsCfg), stack, names, dc.Region)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", stack.State.Backend)
	}
}

// S3StoreForStack creates an S3 store on the given client
func S3StoreForStack(ctx context.Context, client S3Client, stack *config.Stack, names internal.NamingStrategy, region string) (*S3Store, error) {
	if err := names.ValidateStackName(stack.Name); err != nil {
		return nil, err
	}

	bucket := stack.State.Bucket
	if bucket == "" {
		bucket = names.StateBucketName(stack.Name)
	}

	store := NewS3Store(client, bucket, names.StateKey(stack.Name), region)
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
