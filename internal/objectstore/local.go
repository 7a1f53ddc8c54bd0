package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"csv-ingest/internal/domain"
)

var _ Store = (*Local)(nil)

// Local serves objects from <root>/<bucket>/<object> on the local disk. It is
// meant for development and tests; generations are ignored.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at root.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local object store requires LOCAL_OBJECT_ROOT")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve local root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Scheme implements Store.
func (s *Local) Scheme() string { return "file" }

func (s *Local) path(bucket, object string) (string, error) {
	p := filepath.Join(s.root, bucket, filepath.FromSlash(object))
	if p != s.root && !strings.HasPrefix(p, s.root+string(os.PathSeparator)) {
		return "", domain.ErrValidation("object path %q escapes the store root", bucket+"/"+object)
	}
	return p, nil
}

func (s *Local) open(ref domain.ObjectRef) (*os.File, error) {
	p, err := s.path(ref.Bucket, ref.Object)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // path checked against root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound("object %s not found", ref)
	}
	return f, err
}

// ReadRange implements domain.ObjectReader.
func (s *Local) ReadRange(_ context.Context, ref domain.ObjectRef, offset, length int64) ([]byte, error) {
	f, err := s.open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", ref, err)
	}
	return io.ReadAll(io.LimitReader(f, length))
}

// Open implements domain.ObjectReader.
func (s *Local) Open(_ context.Context, ref domain.ObjectRef) (io.ReadCloser, error) {
	return s.open(ref)
}

// Create implements domain.ObjectWriter.
func (s *Local) Create(_ context.Context, bucket, object string) (io.WriteCloser, error) {
	p, err := s.path(bucket, object)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	return os.Create(p) //nolint:gosec // path checked against root
}
