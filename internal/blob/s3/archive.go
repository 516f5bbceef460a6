package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// multipartThreshold is the encoded size above which snapshots are uploaded
// in parts.
const multipartThreshold = 16 * 1024 * 1024

type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// SnapshotArchive writes each persisted snapshot as JSON under
// snapshots/{window}/{unix_end}.json.
type SnapshotArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

var _ domain.SnapshotArchive = (*SnapshotArchive)(nil)

// NewSnapshotArchive creates a SnapshotArchive.
func NewSnapshotArchive(writer domain.BlobWriter, reader domain.BlobReader) *SnapshotArchive {
	return &SnapshotArchive{writer: writer, reader: reader}
}

// SnapshotPath is the object key of a window's archive copy.
func SnapshotPath(key domain.WindowKey, end time.Time) string {
	return fmt.Sprintf("snapshots/%s/%d.json", key, end.Unix())
}

// Put uploads snap and returns its object key. Snapshots are immutable, so an
// existing copy is left alone.
func (a *SnapshotArchive) Put(ctx context.Context, snap domain.Snapshot) (string, error) {
	path := SnapshotPath(snap.WindowKey, snap.WindowEnd)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if exists {
		return path, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return "", fmt.Errorf("s3blob: encode snapshot: %w", err)
	}

	if mw, ok := a.writer.(multipartWriter); ok && buf.Len() > multipartThreshold {
		if err := mw.PutMultipart(ctx, path, &buf, "application/json", 0); err != nil {
			return "", err
		}
		return path, nil
	}
	if err := a.writer.Put(ctx, path, &buf, "application/json"); err != nil {
		return "", err
	}
	return path, nil
}

// Get loads the archived copy for a window. A missing copy wraps
// domain.ErrNotFound.
func (a *SnapshotArchive) Get(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, error) {
	path := SnapshotPath(key, end)
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer body.Close()

	var snap domain.Snapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return snap, nil
}

// List returns the archived snapshot keys of one window, oldest first as
// listed by the store.
func (a *SnapshotArchive) List(ctx context.Context, key domain.WindowKey) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, fmt.Sprintf("snapshots/%s/", key))
}
