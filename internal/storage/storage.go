package storage

import (
	"context"
	"time"
)

// ObjectInfo describes one stored snapshot.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions names the destination of an upload.
type UploadOptions struct {
	Bucket string
	Key    string
}

// Service stores database snapshots in remote object storage.
type Service interface {
	UploadFile(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}
