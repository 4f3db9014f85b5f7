package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one stored archive object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader lists and opens archive objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// ArchivedWindow is one exported [Since, Until) window of the trade journal
// or the audit log.
type ArchivedWindow struct {
	Kind   string
	Since  time.Time
	Until  time.Time
	Object BlobInfo
}

// Archiver exports closed windows of the journal and the audit log to cold
// storage and returns how many rows it wrote. Rows stay in the primary
// store.
type Archiver interface {
	ArchiveTrades(ctx context.Context, since, until time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, since, until time.Time) (int64, error)
}
