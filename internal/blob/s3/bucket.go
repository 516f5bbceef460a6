package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// S3 refuses multipart parts smaller than this, except the last.
const minPartSize int64 = 5 << 20

// Bucket is the object API the snapshot archive runs on.
type Bucket struct {
	api  *s3.Client
	name string
}

var (
	_ domain.BlobWriter = (*Bucket)(nil)
	_ domain.BlobReader = (*Bucket)(nil)
)

func NewBucket(c *Client) *Bucket {
	return &Bucket{api: c.s3, name: c.bucket}
}

func (b *Bucket) putInput(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	}
}

// Put stores data with a single PutObject.
func (b *Bucket) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if _, err := b.api.PutObject(ctx, b.putInput(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart streams data through the SDK upload manager.
func (b *Bucket) PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error {
	up := manager.NewUploader(b.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := up.Upload(ctx, b.putInput(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", path, err)
	}
	return nil
}

// Get opens the object at path. The caller closes the body.
func (b *Bucket) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.name), Key: aws.String(path)})
	if err != nil {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, mapErr(err))
	}
	return out.Body, nil
}

func (b *Bucket) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.name), Key: aws.String(path)})
	switch err = mapErr(err); {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", path, err)
	}
}

// List pages through every object under prefix.
func (b *Bucket) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{Bucket: aws.String(b.name), Prefix: aws.String(prefix)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, domain.BlobInfo{
				Path:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// mapErr turns the several shapes of "no such object" into domain.ErrNotFound.
// HeadObject reports a bare 404 and some compatible stores skip the typed
// error entirely.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var (
		noKey  *types.NoSuchKey
		absent *types.NotFound
		status interface{ HTTPStatusCode() int }
	)
	if errors.As(err, &noKey) || errors.As(err, &absent) ||
		(errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound) {
		return domain.ErrNotFound
	}
	return err
}
