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

// BlobReader retrieves archived files from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver moves old data from the database to cold storage.
type Archiver interface {
	// ArchiveOpportunities archives opportunities retired before the cutoff.
	ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error)
	// ArchiveExecutions archives executions settled before the cutoff.
	ArchiveExecutions(ctx context.Context, before time.Time) (int64, error)
}
