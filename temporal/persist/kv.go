package persist

import (
	"context"
	"strings"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/natsclient"
	"github.com/c360/citysync/pkg/retry"
	"github.com/c360/citysync/temporal"
)

// DefaultKVKey is the key the document is stored under.
const DefaultKVKey = "temporal.document"

// KVBucket is the subset of *natsclient.KVStore used by KV.
type KVBucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// KV keeps the document as one value in a JetStream KV bucket. Saves are
// retried with backoff on transient failures.
type KV struct {
	bucket KVBucket
	key    string
	retry  retry.Config
}

// NewKV returns a backend storing the document under key.
func NewKV(bucket KVBucket, key string) (*KV, error) {
	if bucket == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KV", "NewKV", "bucket is required")
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultKVKey
	}
	return &KV{bucket: bucket, key: key, retry: retry.DefaultConfig()}, nil
}

// Save writes doc.
func (k *KV) Save(ctx context.Context, doc temporal.Document) error {
	data, err := temporal.MarshalDocument(doc)
	if err != nil {
		return err
	}
	return retry.Do(ctx, k.retry, func() error {
		_, err := k.bucket.Put(ctx, k.key, data)
		return err
	})
}

// Load reads the document.
func (k *KV) Load(ctx context.Context) (temporal.Document, error) {
	entry, err := k.bucket.Get(ctx, k.key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return temporal.Document{}, errors.WrapInvalid(natsclient.ErrKVKeyNotFound, "KV", "Load", "get "+k.key)
		}
		return temporal.Document{}, err
	}
	return temporal.UnmarshalDocument(entry.Value)
}

// Close is a no-op; the bucket belongs to the NATS client.
func (k *KV) Close() error {
	return nil
}
