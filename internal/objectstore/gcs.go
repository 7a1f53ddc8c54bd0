package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"csv-ingest/internal/domain"
)

var _ Store = (*GCS)(nil)

// GCS reads and writes Google Cloud Storage objects. Reads are pinned to the
// notification's generation, so an overwrite after the event cannot change
// what gets loaded.
type GCS struct {
	client *storage.Client
}

// NewGCS creates a GCS store. An empty credentialsFile uses application
// default credentials; endpoint overrides the API host (emulators).
func NewGCS(ctx context.Context, credentialsFile, endpoint string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCS{client: client}, nil
}

// NewGCSFromClient wraps an existing client.
func NewGCSFromClient(client *storage.Client) *GCS {
	return &GCS{client: client}
}

// Scheme implements Store.
func (s *GCS) Scheme() string { return "gs" }

func (s *GCS) object(ref domain.ObjectRef) *storage.ObjectHandle {
	obj := s.client.Bucket(ref.Bucket).Object(ref.Object)
	if ref.Generation > 0 {
		obj = obj.Generation(ref.Generation)
	}
	return obj
}

// ReadRange implements domain.ObjectReader.
func (s *GCS) ReadRange(ctx context.Context, ref domain.ObjectRef, offset, length int64) ([]byte, error) {
	r, err := s.object(ref).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, mapGCSError(ref, err)
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", ref.Bucket, ref.Object, err)
	}
	return data, nil
}

// Open implements domain.ObjectReader.
func (s *GCS) Open(ctx context.Context, ref domain.ObjectRef) (io.ReadCloser, error) {
	r, err := s.object(ref).NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(ref, err)
	}
	return r, nil
}

// Create implements domain.ObjectWriter.
func (s *GCS) Create(ctx context.Context, bucket, object string) (io.WriteCloser, error) {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	return w, nil
}

// Close releases the underlying client.
func (s *GCS) Close() error {
	return s.client.Close()
}

func mapGCSError(ref domain.ObjectRef, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return domain.ErrNotFound("object gs://%s/%s generation %d not found", ref.Bucket, ref.Object, ref.Generation)
	}
	return fmt.Errorf("open gs://%s/%s: %w", ref.Bucket, ref.Object, err)
}
