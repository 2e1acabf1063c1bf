package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/poem-engine/internal/config"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrConflict is returned when another writer holds the object's update
	// lock. Callers may retry.
	ErrConflict = errors.New("object is being updated by another writer")
)

// lockSuffix marks the per-object update lock; such keys are never listed.
const lockSuffix = ".lock"

// Object is a stored object and its user metadata.
type Object struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// UpdateFunc mutates metadata in place. Returning an error aborts the update
// and is passed through to the caller unchanged.
type UpdateFunc func(meta map[string]string) error

// ObjectStore abstracts the bucket holding ad records and rendered artifacts.
type ObjectStore interface {
	// List returns every object under prefix, with metadata, in key order.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Head returns one object's metadata.
	Head(ctx context.Context, key string) (Object, error)

	// Read returns an object's content.
	Read(ctx context.Context, key string) ([]byte, error)

	// UpdateMetadata runs a read-modify-write of the object's metadata that is
	// atomic with respect to every other UpdateMetadata call on the same key.
	UpdateMetadata(ctx context.Context, key string, fn UpdateFunc) error

	// Upload stores a local file under key with the given metadata.
	Upload(ctx context.Context, key, localPath, contentType string, metadata map[string]string) error

	// Type returns "local" or "s3".
	Type() string
}

// New creates an ObjectStore for one bucket based on config. With S3
// configured the bucket must be reachable; otherwise the bucket is a directory
// under cfg.LocalDir.
func New(cfg config.S3Config, bucket string, log zerolog.Logger) (ObjectStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(filepath.Join(cfg.LocalDir, bucket)), nil
	}

	s3store, err := NewS3Store(cfg, bucket, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	return s3store, nil
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
