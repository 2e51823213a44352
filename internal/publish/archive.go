package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
)

// GCSArchiver mirrors published artifacts into a GCS bucket, grounded on
// the teacher's platform/gcp bucketService.UploadFile idiom — a plain
// streaming NewWriter upload, no multipart/resume handling, since these are
// whole-file, not-too-large FITS/MS products.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

func NewGCSArchiver(ctx context.Context, bucket string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("publish: gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket}, nil
}

// Archive uploads the file at publishedPath under the product's data_id as
// object key, returning a gs:// URI. Failure here never affects the
// product's published state (see publishOne, which logs the error and
// leaves archived_at unset).
func (a *GCSArchiver) Archive(dataID, publishedPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	f, err := os.Open(publishedPath)
	if err != nil {
		return "", fmt.Errorf("publish: archive: open: %w", err)
	}
	defer f.Close()

	key := dataID
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("publish: archive: upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("publish: archive: close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, key), nil
}
