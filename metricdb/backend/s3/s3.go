package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/grafana/urd/metricdb/backend"
)

// s3 error code for a missing object, compared against minio error responses
const errCodeNoSuchKey = "NoSuchKey"

// readerWriter can read/write segment objects from an s3 compatible backend
type readerWriter struct {
	logger gkLog.Logger
	cfg    *Config
	core   *minio.Core
}

var (
	_ backend.Reader = (*readerWriter)(nil)
	_ backend.Writer = (*readerWriter)(nil)
)

type overrideSignatureVersion struct {
	upstream credentials.Provider
	useV2    bool
}

func (s *overrideSignatureVersion) Retrieve() (credentials.Value, error) {
	v, err := s.upstream.Retrieve()
	if err != nil {
		return v, err
	}

	if s.useV2 && !v.SignerType.IsAnonymous() {
		v.SignerType = credentials.SignatureV2
	}

	return v, nil
}

func (s *overrideSignatureVersion) IsExpired() bool {
	return s.upstream.IsExpired()
}

// New gets the S3 backend, confirming the bucket is listable.
func New(cfg *Config, logger gkLog.Logger) (backend.Reader, backend.Writer, error) {
	return internalNew(cfg, logger, true)
}

// NewNoConfirm gets the S3 backend without testing it.
func NewNoConfirm(cfg *Config, logger gkLog.Logger) (backend.Reader, backend.Writer, error) {
	return internalNew(cfg, logger, false)
}

func internalNew(cfg *Config, logger gkLog.Logger, confirm bool) (backend.Reader, backend.Writer, error) {
	core, err := createCore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("unexpected error creating core: %w", err)
	}

	// try listing objects
	if confirm {
		_, err = core.ListObjects(cfg.Bucket, "", "", "/", 0)
		if err != nil {
			return nil, nil, fmt.Errorf("unexpected error from ListObjects on %s: %w", cfg.Bucket, err)
		}
	}

	rw := &readerWriter{
		logger: logger,
		cfg:    cfg,
		core:   core,
	}
	return rw, rw, nil
}

// Write implements backend.Writer
func (rw *readerWriter) Write(ctx context.Context, name string, data io.Reader, size int64) error {
	info, err := rw.core.Client.PutObject(
		ctx,
		rw.cfg.Bucket,
		name,
		data,
		size,
		minio.PutObjectOptions{
			PartSize:     rw.cfg.PartSize,
			StorageClass: rw.cfg.StorageClass,
			UserTags:     rw.cfg.Tags,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "error writing object to s3 backend, object %s", name)
	}
	level.Debug(rw.logger).Log("msg", "object uploaded to s3", "objectName", name, "size", info.Size)

	return nil
}

// Delete implements backend.Writer
func (rw *readerWriter) Delete(ctx context.Context, name string) error {
	err := rw.core.Client.RemoveObject(ctx, rw.cfg.Bucket, name, minio.RemoveObjectOptions{})
	if err != nil {
		return readError(err)
	}
	return nil
}

// Read implements backend.Reader
func (rw *readerWriter) Read(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	reader, info, _, err := rw.core.GetObject(ctx, rw.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, readError(err)
	}
	return reader, info.Size, nil
}

// List implements backend.Reader
func (rw *readerWriter) List(_ context.Context, prefix string) ([]string, error) {
	var objects []string

	nextMarker := ""
	isTruncated := true
	for isTruncated {
		// ListObjects(bucket, prefix, nextMarker, delimiter string, maxKeys int)
		res, err := rw.core.ListObjects(rw.cfg.Bucket, prefix, nextMarker, "", 0)
		if err != nil {
			return nil, errors.Wrapf(err, "error listing objects in s3 bucket, bucket: %s", rw.cfg.Bucket)
		}
		isTruncated = res.IsTruncated
		nextMarker = res.NextMarker

		for _, obj := range res.Contents {
			objects = append(objects, obj.Key)
		}
	}

	return objects, nil
}

// Shutdown implements backend.Reader
func (rw *readerWriter) Shutdown() {
}

func createCore(cfg *Config) (*minio.Core, error) {
	wrapCredentialsProvider := func(p credentials.Provider) credentials.Provider {
		if cfg.SignatureV2 {
			return &overrideSignatureVersion{useV2: cfg.SignatureV2, upstream: p}
		}
		return p
	}

	creds := credentials.NewChainCredentials([]credentials.Provider{
		wrapCredentialsProvider(&credentials.EnvAWS{}),
		wrapCredentialsProvider(&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey.String(),
			},
		}),
		wrapCredentialsProvider(&credentials.EnvMinio{}),
		wrapCredentialsProvider(&credentials.FileAWSCredentials{}),
		wrapCredentialsProvider(&credentials.FileMinioClient{}),
		wrapCredentialsProvider(&credentials.IAM{
			Client: &http.Client{
				Transport: http.DefaultTransport,
			},
		}),
	})

	customTransport, err := minio.DefaultTransport(!cfg.Insecure)
	if err != nil {
		return nil, errors.Wrap(err, "create minio.DefaultTransport")
	}

	if cfg.InsecureSkipVerify {
		customTransport.TLSClientConfig.InsecureSkipVerify = true
	}

	opts := &minio.Options{
		Region:    cfg.Region,
		Secure:    !cfg.Insecure,
		Creds:     creds,
		Transport: customTransport,
	}

	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	return minio.NewCore(cfg.Endpoint, opts)
}

func readError(err error) error {
	if minio.ToErrorResponse(err).Code == errCodeNoSuchKey {
		return backend.ErrDoesNotExist
	}
	return err
}
