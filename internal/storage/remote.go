package storage

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // gs:// driver
	_ "gocloud.dev/blob/s3blob"  // s3:// driver
)

// bucketURL builds the gocloud URL of a remote backend. S3-compatible
// endpoints (B2, R2, MinIO) need path-style addressing.
func bucketURL(cfg Config) (string, string, error) {
	switch cfg.Backend {
	case "gcs":
		if cfg.GCSBucket == "" {
			return "", "", fmt.Errorf("gcs_bucket required for gcs backend")
		}
		base := "gs://" + cfg.GCSBucket
		return base, base, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return "", "", fmt.Errorf("s3_bucket required for s3 backend")
		}
		base := "s3://" + cfg.S3Bucket
		params := url.Values{}
		if cfg.S3Region != "" {
			params.Set("region", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			params.Set("endpoint", cfg.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) == 0 {
			return base, base, nil
		}
		return base + "?" + params.Encode(), base, nil
	default:
		return "", "", fmt.Errorf("not a remote backend: %s", cfg.Backend)
	}
}

// OpenRemote opens a GCS or S3 bucket. Credentials come from the
// environment the way each cloud SDK resolves them.
func OpenRemote(ctx context.Context, cfg Config) (*BlobStore, error) {
	u, base, err := bucketURL(cfg)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", base, err)
	}
	return newBlobStore(bucket, base, cfg.Prefix), nil
}
