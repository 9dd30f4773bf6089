// Package artifacts persists render debugging output: the screenshots and
// HTML snapshots the rendering service returns in test mode. Artifacts go
// to S3 when a bucket is configured, to a local directory otherwise.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "github.com/relaypoint/portal-bridge/internal/config"
)

// Store saves one artifact and returns where it landed. kind names the
// action that produced it ("accept_invite", "send_reply"); ext carries the
// dot (".png", ".html").
type Store interface {
	Save(ctx context.Context, kind, ext string, data []byte) (string, error)
}

// NewStore picks a backend from config: S3 when a bucket is set, the local
// directory otherwise, and a discarding store when artifacts are disabled.
func NewStore(ctx context.Context, cfg appconfig.ArtifactsConfig) Store {
	if !cfg.Enabled {
		return Discard{}
	}
	if cfg.S3Bucket != "" {
		st, err := NewS3Store(ctx, cfg)
		if err != nil {
			log.Printf("[Artifacts] s3 unavailable, falling back to local dir: %v", err)
		} else {
			return st
		}
	}
	return &LocalStore{Dir: cfg.LocalDir, Prefix: cfg.KeyPrefix}
}

func artifactKey(prefix, kind, ext string) string {
	return path.Join(prefix, fmt.Sprintf("%s_%s%s", kind, uuid.New().String(), ext))
}

func contentType(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".html":
		return "text/html"
	case ".json", ".har":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// S3Store writes artifacts to a bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds the S3 client from the default credential chain.
func NewS3Store(ctx context.Context, cfg appconfig.ArtifactsConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.KeyPrefix,
	}, nil
}

func (s *S3Store) Save(ctx context.Context, kind, ext string, data []byte) (string, error) {
	key := artifactKey(s.prefix, kind, ext)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(ext)),
	})
	if err != nil {
		return "", fmt.Errorf("putting artifact to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// LocalStore writes artifacts under a directory.
type LocalStore struct {
	Dir    string
	Prefix string
}

func (s *LocalStore) Save(_ context.Context, kind, ext string, data []byte) (string, error) {
	key := artifactKey(s.Prefix, kind, ext)
	full := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return full, nil
}

// Discard is the store used when artifacts are disabled.
type Discard struct{}

func (Discard) Save(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
