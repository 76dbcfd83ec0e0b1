// Package storage persists harvest artifacts (checkpoints, outputs, reports, evidence)
// to a gocloud blob bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNotExist is returned when a key is absent.
var ErrNotExist = errors.New("object does not exist")

// Store abstracts the object store used by the harvester.
type Store interface {
	// Write publishes data under key. Readers never observe a partial object.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the object stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Exists checks if key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=local gcs s3 mem"`

	// Local filesystem
	LocalDir string `yaml:"local_dir" envconfig:"LOCAL_DIR" validate:"required_if=Backend local"`

	// GCS
	GCSBucket string `yaml:"gcs_bucket" envconfig:"GCS_BUCKET" validate:"required_if=Backend gcs"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket" envconfig:"S3_BUCKET" validate:"required_if=Backend s3"`
	S3Endpoint string `yaml:"s3_endpoint" envconfig:"S3_ENDPOINT"`
	S3Region   string `yaml:"s3_region" envconfig:"S3_REGION"`

	// Common
	Prefix string `yaml:"prefix" envconfig:"PREFIX"` // "harvest/" (path prefix within bucket or local dir)
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs", "s3":
		return OpenRemote(ctx, cfg)
	case "mem":
		return NewMemStore(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// BlobStore implements Store over a gocloud bucket. The backend-specific
// constructors only differ in how the bucket is opened.
type BlobStore struct {
	bucket  *blob.Bucket
	baseURI string // e.g. "gs://bucket"
	prefix  string
}

func newBlobStore(bucket *blob.Bucket, baseURI, prefix string) *BlobStore {
	return &BlobStore{
		bucket:  bucket,
		baseURI: strings.TrimSuffix(baseURI, "/"),
		prefix:  prefix,
	}
}

func (s *BlobStore) key(k string) string {
	return s.prefix + k
}

// Write publishes data atomically: temp object first, then finalize.
func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	tempKey, err := s.WriteTemp(ctx, key, data)
	if err != nil {
		return err
	}
	return s.Finalize(ctx, tempKey, key)
}

// WriteTemp writes data to a temporary location next to key.
// Returns the temp key that can be passed to Finalize.
func (s *BlobStore) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	tempKey := s.key(key) + ".tmp." + uuid.New().String()

	w, err := s.bucket.NewWriter(ctx, tempKey, nil)
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", tempKey, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write data to %s: %w", tempKey, err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", tempKey, err)
	}

	return tempKey, nil
}

// Finalize moves a temp object to its canonical key.
// Uses copy + delete pattern.
func (s *BlobStore) Finalize(ctx context.Context, tempKey, key string) error {
	finalKey := s.key(key)
	if err := s.bucket.Copy(ctx, finalKey, tempKey, nil); err != nil {
		s.Abort(ctx, tempKey)
		return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKey, err)
	}

	s.bucket.Delete(ctx, tempKey) // ignore errors
	return nil
}

// Abort removes temporary objects without publishing.
func (s *BlobStore) Abort(ctx context.Context, tempKeys ...string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			lastErr = err
		}
	}
	return lastErr
}

// Read returns the object stored under key.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, s.key(key), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Exists checks if key is present.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

// Delete removes key.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, s.key(key)); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix, relative to the store prefix.
// Temp objects are skipped.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.key(prefix),
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir || strings.Contains(obj.Key, ".tmp.") {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
	}

	return keys, nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, s.key(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.baseURI + "/" + s.key(key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements Store.
var _ Store = (*BlobStore)(nil)
