// Package archive copies the files behind a run's resources to object
// storage once the run has stopped.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/logger"
)

type uploader interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Specs limits archiving to resources of these specs; empty means all.
	Specs  []string
	Logger *zap.Logger
}

// MinIOArchiver is a document sink. It remembers the resources of each run
// and uploads their files when the stop document arrives, keyed by
// "<run uid>/<resource path>".
type MinIOArchiver struct {
	client uploader
	bucket string
	specs  map[string]bool
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string][]docs.Resource
}

func NewMinIOArchiver(cfg Config) (*MinIOArchiver, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newArchiver(client, cfg), nil
}

func newArchiver(client uploader, cfg Config) *MinIOArchiver {
	a := &MinIOArchiver{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.OrNop(cfg.Logger),
		runs:   make(map[string][]docs.Resource),
	}
	if len(cfg.Specs) > 0 {
		a.specs = make(map[string]bool, len(cfg.Specs))
		for _, s := range cfg.Specs {
			a.specs[s] = true
		}
	}
	return a
}

func (a *MinIOArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

func (a *MinIOArchiver) Emit(ctx context.Context, env docs.Envelope) error {
	switch doc := env.Doc.(type) {
	case docs.Resource:
		if a.specs != nil && !a.specs[doc.Spec] {
			return nil
		}
		a.mu.Lock()
		a.runs[doc.RunStart] = append(a.runs[doc.RunStart], doc)
		a.mu.Unlock()
	case docs.Stop:
		a.mu.Lock()
		resources := a.runs[doc.RunStart]
		delete(a.runs, doc.RunStart)
		a.mu.Unlock()
		return a.upload(ctx, doc.RunStart, resources)
	}
	return nil
}

func (a *MinIOArchiver) upload(ctx context.Context, run string, resources []docs.Resource) error {
	var errs []error
	for _, res := range resources {
		local := filepath.Join(res.Root, res.ResourcePath)
		object := path.Join(run, filepath.ToSlash(res.ResourcePath))
		info, err := a.client.FPutObject(ctx, a.bucket, object, local, miniogo.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"spec":      res.Spec,
				"resource":  res.UID,
				"run-start": run,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", local, err))
			continue
		}
		a.logger.Info("archived resource",
			zap.String("object", object),
			zap.Int64("bytes", info.Size),
		)
	}
	return errors.Join(errs...)
}
