package publish

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/TobiSchelling/peerreview/internal/config"
)

// S3Store publishes objects into an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

// NewS3Store connects to the configured endpoint. Credentials are read from
// the environment variables the config names.
func NewS3Store(c config.S3Config) (*S3Store, error) {
	if c.Endpoint == "" || c.Bucket == "" {
		return nil, fmt.Errorf("s3 publish backend needs endpoint and bucket")
	}
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv(c.AccessKeyEnv), os.Getenv(c.SecretKeyEnv), ""),
		Secure: c.UseSSL,
		Region: c.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3Store{client: client, bucket: c.Bucket, region: c.Region, prefix: c.Prefix}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Publish uploads the bundle objects in order. The catalog goes last, so a
// failed upload leaves the previous catalog in place.
func (s *S3Store) Publish(ctx context.Context, b Bundle) error {
	objs, err := objects(b)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if err := s.put(ctx, o); err != nil {
			return err
		}
	}
	slog.Info("published paper", "paper", b.Record.ID, "objects", len(objs), "bucket", s.bucket)
	return nil
}

// WriteFeedback uploads feedback/<id>.json.
func (s *S3Store) WriteFeedback(ctx context.Context, submissionID string, feedback []byte) error {
	if err := checkID(submissionID); err != nil {
		return err
	}
	return s.put(ctx, object{feedbackKey(submissionID), "application/json", feedback})
}

func (s *S3Store) put(ctx context.Context, o object) error {
	key := path.Join(s.prefix, o.key)
	opts := minio.PutObjectOptions{ContentType: o.contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(o.data), int64(len(o.data)), opts); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Open returns the configured artifact store.
func Open(c config.Publish) (Store, error) {
	switch c.Backend {
	case "", "fs":
		if c.Dir == "" {
			return nil, fmt.Errorf("publish.dir is required for the fs backend")
		}
		return NewFSStore(c.Dir), nil
	case "s3":
		return NewS3Store(c.S3)
	default:
		return nil, fmt.Errorf("unknown publish backend %q", c.Backend)
	}
}
