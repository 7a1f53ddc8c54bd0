// Package objectstore provides generation-pinned reads and simple writes over
// GCS, S3, Azure Blob Storage and a local directory.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"csv-ingest/internal/domain"
)

// Store kinds.
const (
	KindGCS   = "gcs"
	KindS3    = "s3"
	KindAzure = "azure"
	KindFile  = "file"
)

// Store reads source objects and writes error-sink objects.
type Store interface {
	domain.ObjectReader
	domain.ObjectWriter
	// Scheme is the URI scheme this store serves, e.g. "gs".
	Scheme() string
}

// Config selects and configures a Store.
type Config struct {
	Kind string

	GCSCredentialsFile string
	GCSEndpoint        string

	S3KeyID     string
	S3Secret    string
	S3Endpoint  string
	S3Region    string
	S3PathStyle bool

	AzureAccountName string
	AzureAccountKey  string
	AzureEndpoint    string

	LocalRoot string
}

// New builds the Store selected by cfg.Kind.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindGCS:
		return NewGCS(ctx, cfg.GCSCredentialsFile, cfg.GCSEndpoint)
	case KindS3:
		return NewS3(cfg)
	case KindAzure:
		return NewAzure(cfg)
	case KindFile:
		return NewLocal(cfg.LocalRoot)
	}
	return nil, fmt.Errorf("unknown object store kind %q", cfg.Kind)
}

// ParseURI splits "scheme://bucket/key" into its parts.
func ParseURI(uri string) (scheme, bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("parse object URI %q: %w", uri, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", "", fmt.Errorf("object URI %q must look like scheme://bucket/key", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", "", fmt.Errorf("empty key in object URI %q", uri)
	}
	return u.Scheme, u.Host, key, nil
}

// CreateURI opens a writer for a full object URI on s, rejecting URIs for a
// different backend.
func CreateURI(ctx context.Context, s Store, uri string) (io.WriteCloser, error) {
	scheme, bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if scheme != s.Scheme() {
		return nil, fmt.Errorf("object URI %q does not match store scheme %q", uri, s.Scheme())
	}
	return s.Create(ctx, bucket, key)
}

// bufferedUpload collects writes in memory and uploads them on Close, for
// backends whose upload call needs the full body.
type bufferedUpload struct {
	buf    bytes.Buffer
	upload func(body []byte) error
	closed bool
}

func (b *bufferedUpload) Write(p []byte) (int, error) {
	if b.closed {
		return 0, fmt.Errorf("write after close")
	}
	return b.buf.Write(p)
}

func (b *bufferedUpload) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.upload(b.buf.Bytes())
}
