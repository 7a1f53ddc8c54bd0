package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csv-ingest/internal/domain"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantScheme string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{uri: "gs://errors/run-1/bad.jsonl", wantScheme: "gs", wantBucket: "errors", wantKey: "run-1/bad.jsonl"},
		{uri: "s3://b/k", wantScheme: "s3", wantBucket: "b", wantKey: "k"},
		{uri: "az://container/dir/blob", wantScheme: "az", wantBucket: "container", wantKey: "dir/blob"},
		{uri: "gs://bucket-only", wantErr: true},
		{uri: "gs://bucket/", wantErr: true},
		{uri: "no-scheme/key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			scheme, bucket, key, err := ParseURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScheme, scheme)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func newLocal(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewLocal(root)
	require.NoError(t, err)
	return s, root
}

func TestLocal_ReadRange(t *testing.T) {
	t.Parallel()
	s, root := newLocal(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bkt", "incoming"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bkt", "incoming", "a.csv"), []byte("id,name\n1,x\n"), 0o600))

	ref := domain.ObjectRef{Bucket: "bkt", Object: "incoming/a.csv", Generation: 7}
	ctx := context.Background()

	got, err := s.ReadRange(ctx, ref, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "id,n", string(got))

	got, err = s.ReadRange(ctx, ref, 8, 100)
	require.NoError(t, err)
	assert.Equal(t, "1,x\n", string(got), "short read at end of object")

	got, err = s.ReadRange(ctx, ref, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocal_NotFound(t *testing.T) {
	t.Parallel()
	s, _ := newLocal(t)

	_, err := s.ReadRange(context.Background(), domain.ObjectRef{Bucket: "bkt", Object: "missing.csv"}, 0, 10)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.False(t, domain.IsRetryable(err))
}

func TestLocal_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()
	s, _ := newLocal(t)

	_, err := s.Open(context.Background(), domain.ObjectRef{Bucket: "bkt", Object: "../../etc/passwd"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCreateURI(t *testing.T) {
	t.Parallel()
	s, root := newLocal(t)
	ctx := context.Background()

	w, err := CreateURI(ctx, s, "file://errors/run-1/bad.jsonl")
	require.NoError(t, err)
	_, err = io.WriteString(w, "{}\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(root, "errors", "run-1", "bad.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	_, err = CreateURI(ctx, s, "gs://errors/x.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match store scheme")
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(context.Background(), Config{Kind: "ftp"})
	require.Error(t, err)
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{Kind: KindS3})
	require.Error(t, err)
	_, err = New(context.Background(), Config{Kind: KindAzure})
	require.Error(t, err)
	_, err = New(context.Background(), Config{Kind: KindFile})
	require.Error(t, err)
}

func TestS3_ReadRange(t *testing.T) {
	t.Parallel()

	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bkt/incoming/a.csv":
			gotRange = r.Header.Get("Range")
			w.Header().Set("Content-Type", "text/csv")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte("id,na"))
		default:
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
				`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
		}
	}))
	t.Cleanup(srv.Close)

	s, err := NewS3(Config{S3KeyID: "k", S3Secret: "s", S3Endpoint: srv.URL, S3PathStyle: true})
	require.NoError(t, err)

	data, err := s.ReadRange(context.Background(), domain.ObjectRef{Bucket: "bkt", Object: "incoming/a.csv"}, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "id,na", string(data))
	assert.Equal(t, "bytes=0-4", gotRange)

	_, err = s.ReadRange(context.Background(), domain.ObjectRef{Bucket: "bkt", Object: "missing.csv"}, 0, 5)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}
