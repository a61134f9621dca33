package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveResult reports one completed archive upload. A zero Count means
// nothing matched the cutoff and no object was written.
type ArchiveResult struct {
	Path  string
	Count int64
}

// Archiver moves old monitoring data from the database to cold storage.
// Archiving never deletes source rows; callers prune them separately once
// the uploaded object has been verified.
type Archiver interface {
	ArchiveCycles(ctx context.Context, before time.Time) (ArchiveResult, error)
	ArchiveEpisodes(ctx context.Context, before time.Time) (ArchiveResult, error)
}
