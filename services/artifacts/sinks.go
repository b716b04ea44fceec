package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// DirSink saves artifacts into a local directory, replacing files of
// the same name.
type DirSink struct {
	Dir string
}

// Save writes the artifact next to its final name and renames it into
// place.
func (s DirSink) Save(_ context.Context, req SaveRequest) (string, error) {
	name, err := safeName(req.Name)
	if err != nil {
		return "", err
	}
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, req.File); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return target, nil
}

// ObjectStore is the subset of the S3 client used by S3Sink.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// S3Sink mirrors artifacts into a bucket under Prefix/<cid>/<name>.
// With a PresignTTL the returned location is a presigned GET URL.
type S3Sink struct {
	Store      ObjectStore
	Bucket     string
	Prefix     string
	PresignTTL time.Duration
}

func (s S3Sink) Save(ctx context.Context, req SaveRequest) (string, error) {
	if s.Store == nil {
		return "", errors.New("object store is required")
	}
	if s.Bucket == "" {
		return "", errors.New("bucket is required")
	}
	name, err := safeName(req.Name)
	if err != nil {
		return "", err
	}

	key := path.Join(strings.Trim(s.Prefix, "/"), req.Ref.CID, name)
	if err := s.Store.PutObject(ctx, s.Bucket, key, req.File, req.Size, req.SHA256); err != nil {
		return "", err
	}
	if s.PresignTTL <= 0 {
		return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
	}
	return s.Store.PresignGet(ctx, s.Bucket, key, s.PresignTTL)
}

func safeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(strings.TrimSpace(name)))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}
