package checkpoint

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/failure"
)

// Mirror copies saved checkpoint files to remote storage.
type Mirror interface {
	Upload(ctx context.Context, runID, name, localPath string) error
}

// MirrorConfig addresses an S3 compatible bucket.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

const defaultBucket = "qtrain-checkpoints"

// MinIOMirror stores files as <bucket>/<run id>/<name>.
type MinIOMirror struct {
	client *minio.Client
	bucket string

	mu    sync.Mutex
	ready bool
}

func NewMinIOMirror(cfg MirrorConfig) (*MinIOMirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required for checkpoint mirroring")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	return &MinIOMirror{client: client, bucket: bucket}, nil
}

func (m *MinIOMirror) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	m.ready = true
	return nil
}

func (m *MinIOMirror) Upload(ctx context.Context, runID, name, localPath string) error {
	if err := m.ensureBucket(ctx); err != nil {
		return errors.Wrap(err, "bucket")
	}
	_, err := m.client.FPutObject(ctx, m.bucket, ObjectName(runID, name), localPath,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// Fetch downloads <run id>/<name> into localPath. A missing object is a
// failure.ResumeNotFound, any other problem a failure.ResumeCorrupt.
func (m *MinIOMirror) Fetch(ctx context.Context, runID, name, localPath string) error {
	ref := MirrorScheme + ObjectName(runID, name)
	err := m.client.FGetObject(ctx, m.bucket, ObjectName(runID, name), localPath, minio.GetObjectOptions{})
	switch {
	case err == nil:
		return nil
	case minio.ToErrorResponse(err).Code == "NoSuchKey":
		return failure.WithPath(failure.ResumeNotFound, "fetch", ref, err)
	default:
		return failure.WithPath(failure.ResumeCorrupt, "fetch", ref, err)
	}
}

func ObjectName(runID, name string) string {
	return path.Join(runID, name)
}

// MirrorScheme prefixes resume references that live in the mirror bucket,
// as in "minio://<run id>/<file name>".
const MirrorScheme = "minio://"

// ParseMirrorRef splits a mirror reference into run id and file name.
func ParseMirrorRef(ref string) (runID, name string, ok bool) {
	rest, found := strings.CutPrefix(ref, MirrorScheme)
	if !found {
		return "", "", false
	}
	runID, name, found = strings.Cut(rest, "/")
	if !found || runID == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return runID, name, true
}
