package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a blob storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv builds a blob store from environment variables.
//
//	KEEL_EVIDENCE_BACKEND       "fs" (default), "s3", or "gcs"
//	KEEL_DATA_DIR               base directory for the fs backend (default "data")
//
// S3:
//
//	KEEL_EVIDENCE_S3_BUCKET     required
//	KEEL_EVIDENCE_S3_REGION     falls back to AWS_REGION, then us-east-1
//	KEEL_EVIDENCE_S3_ENDPOINT   optional, for MinIO/LocalStack
//	KEEL_EVIDENCE_S3_PREFIX     optional key prefix
//
// GCS (requires the gcp build tag):
//
//	KEEL_EVIDENCE_GCS_BUCKET    required
//	KEEL_EVIDENCE_GCS_PREFIX    optional key prefix
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("KEEL_EVIDENCE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported evidence backend: %s", backend)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("KEEL_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "evidence"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("KEEL_EVIDENCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("KEEL_EVIDENCE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("KEEL_EVIDENCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("KEEL_EVIDENCE_S3_ENDPOINT"),
		Prefix:   os.Getenv("KEEL_EVIDENCE_S3_PREFIX"),
	})
}
