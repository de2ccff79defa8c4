package state

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantobora/clusterboot/internal/cloud/naming"
	"github.com/hemantobora/clusterboot/internal/config"
	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/models"
)

func sampleState() *RunState {
	st := New("demo", "123456789012", "eu-west-1")
	st.Statuses["network"] = graph.StatusApplied
	st.Statuses["cluster"] = graph.StatusApplying
	st.Statuses["queue"] = graph.StatusPending
	st.Outputs["network"] = map[string]string{"vpc_id": "vpc-0abc"}
	return st
}

func TestFileStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "state.json"))

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, sampleState()))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Stack)
	assert.Equal(t, graph.StatusApplying, got.Statuses["cluster"])
	assert.Equal(t, "vpc-0abc", got.Outputs["network"]["vpc_id"])

	raw, err := os.ReadFile(store.Location())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cluster": "Applying"`)
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	require.NoError(t, store.Delete(ctx), "deleting missing state is fine")
	require.NoError(t, store.Save(ctx, sampleState()))
	require.NoError(t, store.Delete(ctx))

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRejectsCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	var serr *models.StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "file", serr.Backend)
	assert.Equal(t, "load", serr.Operation)
}

func TestLoadOrNew(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	fresh, err := LoadOrNew(ctx, store, "demo", "123456789012", "eu-west-1")
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.RunID)
	assert.Empty(t, fresh.Statuses)

	require.NoError(t, store.Save(ctx, sampleState()))
	_, err = LoadOrNew(ctx, store, "other", "123456789012", "eu-west-1")
	assert.Error(t, err, "state of another stack must not be reused")
}

func TestSettled(t *testing.T) {
	st := sampleState()
	assert.False(t, st.Settled())
	assert.Equal(t, 1, st.Count(graph.StatusApplied))

	for id := range st.Statuses {
		st.Statuses[id] = graph.StatusRolledBack
	}
	st.Statuses["queue"] = graph.StatusPending
	assert.True(t, st.Settled())
}

func TestRecorderCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	rec := NewRecorder(store, New("demo", "", "eu-west-1"))

	err := rec.Checkpoint(ctx,
		map[graph.NodeID]graph.Status{"network": graph.StatusApplied},
		map[graph.NodeID]map[string]string{"network": {"vpc_id": "vpc-1"}})
	require.NoError(t, err)

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusApplied, got.Statuses["network"])
	assert.Equal(t, rec.State().RunID, got.RunID)
}

type fakeS3 struct {
	objects      map[string][]byte
	buckets      map[string]bool
	createErr    error
	puts         []*s3.PutObjectInput
	creates      []*s3.CreateBucketInput
	versioned    bool
	publicBlocks bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, buckets: map[string]bool{}}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.creates = append(f.creates, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutBucketVersioning(context.Context, *s3.PutBucketVersioningInput, ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.versioned = true
	return &s3.PutBucketVersioningOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlock(context.Context, *s3.PutPublicAccessBlockInput, ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	f.publicBlocks = true
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func TestS3StoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	store := NewS3Store(client, "bucket", "stacks/demo/state.json", "eu-west-1")

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, sampleState()))
	require.Len(t, client.puts, 1)
	assert.Equal(t, types.ServerSideEncryptionAes256, client.puts[0].ServerSideEncryption)
	assert.Equal(t, "application/json", aws.ToString(client.puts[0].ContentType))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusApplied, got.Statuses["network"])
	assert.Equal(t, "s3://bucket/stacks/demo/state.json", store.Location())

	require.NoError(t, store.Delete(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureBucketCreatesVersionedBucket(t *testing.T) {
	client := newFakeS3()
	store := NewS3Store(client, "bucket", "key", "eu-west-1")

	require.NoError(t, store.EnsureBucket(context.Background()))
	require.Len(t, client.creates, 1)
	require.NotNil(t, client.creates[0].CreateBucketConfiguration)
	assert.Equal(t, types.BucketLocationConstraint("eu-west-1"), client.creates[0].CreateBucketConfiguration.LocationConstraint)
	assert.True(t, client.versioned)
	assert.True(t, client.publicBlocks)

	require.NoError(t, store.EnsureBucket(context.Background()))
	assert.Len(t, client.creates, 1, "existing bucket is left alone")
}

func TestEnsureBucketUSEast1(t *testing.T) {
	client := newFakeS3()
	require.NoError(t, NewS3Store(client, "bucket", "key", "us-east-1").EnsureBucket(context.Background()))
	require.Len(t, client.creates, 1)
	assert.Nil(t, client.creates[0].CreateBucketConfiguration)
}

func TestEnsureBucketCreateErrors(t *testing.T) {
	owned := newFakeS3()
	owned.createErr = &smithy.GenericAPIError{Code: "BucketAlreadyOwnedByYou"}
	require.NoError(t, NewS3Store(owned, "bucket", "key", "eu-west-1").EnsureBucket(context.Background()))
	assert.True(t, owned.versioned)

	taken := newFakeS3()
	taken.createErr = &smithy.GenericAPIError{Code: "BucketAlreadyExists"}
	err := NewS3Store(taken, "bucket", "key", "eu-west-1").EnsureBucket(context.Background())
	var serr *models.StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "create-bucket", serr.Operation)

	broken := newFakeS3()
	broken.createErr = errors.New("access denied")
	assert.Error(t, NewS3Store(broken, "bucket", "key", "eu-west-1").EnsureBucket(context.Background()))
}

func TestS3StoreForStackDerivesBucket(t *testing.T) {
	client := newFakeS3()
	stack := config.Default()
	stack.Name = "demo"
	stack.State = config.StateConfig{Backend: "s3"}
	names := naming.NewDefaultNaming("123456789012", "eu-west-1")

	store, err := S3StoreForStack(context.Background(), client, stack, names, "eu-west-1")
	require.NoError(t, err)
	assert.Contains(t, store.Location(), "s3://clusterboot-demo-")
	assert.Contains(t, store.Location(), "/stacks/demo/state.json")
	assert.Len(t, client.creates, 1)
}
