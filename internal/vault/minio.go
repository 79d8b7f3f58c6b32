// Package vault stores transparency-archive files in S3-compatible object
// storage. File contents are passed through untouched.
package vault

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const objectPrefix = "vault/"

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL overrides the endpoint in download links.
	PublicURL string
}

type Object struct {
	Path string
	URL  string
	Size int64
}

type MinioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

func NewMinioStore(ctx context.Context, opts Options) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	publicURL := opts.PublicURL
	if publicURL == "" {
		publicURL = client.EndpointURL().String()
	}
	return &MinioStore{client: client, bucket: opts.Bucket, publicURL: publicURL}, nil
}

func (s *MinioStore) Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (Object, error) {
	objectPath := ObjectPath(time.Now(), name)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, objectPath, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", objectPath, err)
	}
	return Object{Path: objectPath, URL: ObjectURL(s.publicURL, s.bucket, objectPath), Size: info.Size}, nil
}

func (s *MinioStore) Remove(ctx context.Context, objectPath string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", objectPath, err)
	}
	return nil
}

// ObjectPath names an upload vault/<unix-nanos>_<file name>.
func ObjectPath(now time.Time, name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return fmt.Sprintf("%s%d_%s", objectPrefix, now.UnixNano(), base)
}

func ObjectURL(publicURL, bucket, objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.TrimRight(publicURL, "/") + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}
