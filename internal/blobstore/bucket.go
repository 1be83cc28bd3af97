package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"

	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // nolint:nolintlint,golint,gci
	_ "gocloud.dev/blob/fileblob"  // nolint:nolintlint,golint,gci
	_ "gocloud.dev/blob/gcsblob"   // nolint:nolintlint,golint,gci
	_ "gocloud.dev/blob/memblob"   // nolint:nolintlint,golint,gci
	_ "gocloud.dev/blob/s3blob"    // nolint:nolintlint,golint,gci
	"gocloud.dev/gcerrors"
)

const bucketPrefix = "blobs"

// BucketStore uses a storage engine that can be defined by the construction url on creation.
type BucketStore struct {
	bucket *blob.Bucket
}

// NewBucketStore returns initialized instance of BucketStore. The storage engine is chosen based
// on the provided url value and a set of pre-registered blank imports in that file. It is the
// caller's responsibility to provide all required environment variables in order to get properly
// initialized storage engine driver.
func NewBucketStore(ctx context.Context, url string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bucket store: open bucket: %w", err)
	}

	return &BucketStore{bucket: bucket}, nil
}

// Close releases resources associated with the bucket communication.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		bucket := s.bucket
		s.bucket = nil
		if err := bucket.Close(); err != nil {
			return fmt.Errorf("bucket store: close bucket: %w", err)
		}
	}
	return nil
}

// Put stores data on the configured bucket. Blobs which already exist are not rewritten.
func (s *BucketStore) Put(ctx context.Context, data []byte) (Key, error) {
	key, err := KeyFor(data)
	if err != nil {
		return "", err
	}
	objectPath := path.Join(bucketPrefix, key.String())

	exists, err := s.bucket.Exists(ctx, objectPath)
	if err != nil {
		return "", classify(ctx, fmt.Sprintf("bucket store: exists %q", key), err)
	}
	if exists {
		return key, nil
	}

	writer, err := s.bucket.NewWriter(ctx, objectPath, &blob.WriterOptions{
		// Blobs are immutable, so intermediaries may cache them forever, but they may not
		// transform the content or the key would not match anymore.
		CacheControl: "public, max-age=31536000, immutable, no-transform",
		ContentType:  "application/octet-stream",
	})
	if err != nil {
		return "", classify(ctx, fmt.Sprintf("bucket store: new writer for %q", key), err)
	}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", classify(ctx, fmt.Sprintf("bucket store: writing data for %q", key), err)
	}

	if err := writer.Close(); err != nil {
		return "", classify(ctx, fmt.Sprintf("bucket store: finalise creation for %q", key), err)
	}

	return key, nil
}

// Get reads the blob stored under key and verifies it against the key.
func (s *BucketStore) Get(ctx context.Context, key Key) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, path.Join(bucketPrefix, key.String()))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("bucket store: %w", commonerr.NotFoundError{ObjectID: key.String()})
		}
		return nil, classify(ctx, fmt.Sprintf("bucket store: read %q", key), err)
	}

	if err := Verify(key, data); err != nil {
		return nil, fmt.Errorf("bucket store: %w", err)
	}

	return data, nil
}

// classify marks errors of the storage driver as transient unless they are caused by the caller's
// context or indicate a problem which will not go away by retrying.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch gcerrors.Code(err) {
	case gcerrors.InvalidArgument, gcerrors.PermissionDenied, gcerrors.Unimplemented, gcerrors.FailedPrecondition:
		return fmt.Errorf("%s: %w", op, err)
	default:
		return commonerr.NewTransientError(op, err)
	}
}
