package gcs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	google_http "google.golang.org/api/transport/http"

	"github.com/grafana/urd/metricdb/backend"
)

type readerWriter struct {
	cfg    *Config
	bucket *storage.BucketHandle
}

var (
	_ backend.Reader = (*readerWriter)(nil)
	_ backend.Writer = (*readerWriter)(nil)
)

// New gets the GCS backend, confirming the bucket is reachable.
func New(cfg *Config) (backend.Reader, backend.Writer, error) {
	return internalNew(cfg, true)
}

// NewNoConfirm gets the GCS backend without testing it.
func NewNoConfirm(cfg *Config) (backend.Reader, backend.Writer, error) {
	return internalNew(cfg, false)
}

func internalNew(cfg *Config, confirm bool) (backend.Reader, backend.Writer, error) {
	ctx := context.Background()

	bucket, err := createBucket(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating bucket: %w", err)
	}

	// check the bucket exists by getting attrs
	if confirm {
		if _, err = bucket.Attrs(ctx); err != nil {
			return nil, nil, fmt.Errorf("getting bucket attrs: %w", err)
		}
	}

	rw := &readerWriter{
		cfg:    cfg,
		bucket: bucket,
	}
	return rw, rw, nil
}

// Write implements backend.Writer
func (rw *readerWriter) Write(ctx context.Context, name string, data io.Reader, _ int64) error {
	w := rw.bucket.Object(name).NewWriter(ctx)
	w.ChunkSize = rw.cfg.ChunkBufferSize

	_, err := io.Copy(w, data)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to write: %w", err)
	}

	return w.Close()
}

// Delete implements backend.Writer
func (rw *readerWriter) Delete(ctx context.Context, name string) error {
	return readError(rw.bucket.Object(name).Delete(ctx))
}

// Read implements backend.Reader
func (rw *readerWriter) Read(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	r, err := rw.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, 0, readError(err)
	}
	return r, r.Attrs.Size, nil
}

// List implements backend.Reader
func (rw *readerWriter) List(ctx context.Context, prefix string) ([]string, error) {
	iter := rw.bucket.Objects(ctx, &storage.Query{
		Prefix:   prefix,
		Versions: false,
	})

	var objects []string
	for {
		attrs, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating objects: %w", err)
		}
		objects = append(objects, attrs.Name)
	}

	return objects, nil
}

// Shutdown implements backend.Reader
func (rw *readerWriter) Shutdown() {
}

func createBucket(ctx context.Context, cfg *Config) (*storage.BucketHandle, error) {
	// start with default transport
	customTransport := http.DefaultTransport.(*http.Transport).Clone()

	// add google auth
	transportOptions := []option.ClientOption{
		option.WithScopes(storage.ScopeReadWrite),
	}
	if cfg.Insecure {
		transportOptions = append(transportOptions, option.WithoutAuthentication())
		customTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	transport, err := google_http.NewTransport(ctx, customTransport, transportOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating google http transport: %w", err)
	}

	storageClientOptions := []option.ClientOption{
		option.WithHTTPClient(&http.Client{
			Transport: transport,
		}),
		option.WithScopes(storage.ScopeReadWrite),
	}
	if cfg.Endpoint != "" {
		storageClientOptions = append(storageClientOptions, option.WithEndpoint(cfg.Endpoint))
		storageClientOptions = append(storageClientOptions, storage.WithJSONReads())
	}
	client, err := storage.NewClient(ctx, storageClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	return client.Bucket(cfg.BucketName), nil
}

func readError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return backend.ErrDoesNotExist
	}

	return err
}
