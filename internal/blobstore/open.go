package blobstore

import (
	"context"
	"fmt"
	"strings"
)

const pebbleScheme = "pebble://"

// Open opens the store identified by url. URLs of the form "pebble://<dir>" open a local Pebble
// database, every other URL is handed to the gocloud bucket drivers, e.g. "mem://",
// "file:///var/lib/blobs" or "s3://bucket?region=us-east-1".
func Open(ctx context.Context, url string) (CloseableStore, error) {
	if url == "" {
		return nil, fmt.Errorf("open blob store: empty url")
	}

	if strings.HasPrefix(url, pebbleScheme) {
		return NewPebbleStore(strings.TrimPrefix(url, pebbleScheme))
	}

	return NewBucketStore(ctx, url)
}
