package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client wraps MinIO and provides collection-scoped object storage: one
// bucket per collection, holding function bundles and table data versions.
type Client struct {
	mc      *minio.Client
	enabled bool
}

// Config holds MinIO connection settings.
type Config struct {
	Endpoint        string // e.g. "minio:9000" or "localhost:9000"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// NewClient creates a storage client. If config has empty Endpoint, the
// client is disabled (all ops return ErrDisabled); schedulable work still
// carries logical data paths, they just cannot be resolved to URLs.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return &Client{enabled: false}, nil
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Client{mc: mc, enabled: true}, nil
}

// ErrDisabled is returned when storage is not configured.
var ErrDisabled = fmt.Errorf("storage service not configured")

// BucketForCollection returns the bucket name for a collection.
// MinIO/S3: lowercase, digits, hyphens; 3-63 chars.
func BucketForCollection(collectionID string) string {
	return "collection-" + strings.ToLower(collectionID)
}

// BundleKey is the object key for a function version's code bundle.
func BundleKey(versionID string) string {
	return fmt.Sprintf("bundles/%s.tar.gz", versionID)
}

// DataKey is the object key for a table data version. The logical data
// path in worker messages is "collectionID/tableID/dataVersionID"; this
// maps the table/version part into the collection bucket.
func DataKey(tableID, dataVersionID string) string {
	return fmt.Sprintf("data/%s/%s", tableID, dataVersionID)
}

// SplitDataPath splits a logical "collectionID/tableID/dataVersionID" path.
func SplitDataPath(path string) (collectionID, tableID, dataVersionID string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed data path %q", path)
	}
	return parts[0], parts[1], parts[2], nil
}

// EnsureBucket creates the collection bucket if it does not exist (idempotent).
func (c *Client) EnsureBucket(ctx context.Context, collectionID string) error {
	if !c.enabled {
		return ErrDisabled
	}
	bucket := BucketForCollection(collectionID)
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// PutBundle uploads a function version's code bundle and returns its key.
func (c *Client) PutBundle(ctx context.Context, collectionID, versionID string, reader io.Reader, size int64) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}
	if err := c.EnsureBucket(ctx, collectionID); err != nil {
		return "", err
	}
	key := BundleKey(versionID)
	_, err := c.mc.PutObject(ctx, BucketForCollection(collectionID), key, reader, size, minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		return "", err
	}
	return key, nil
}

// GetObjectResult holds the reader and metadata for a downloaded object.
type GetObjectResult struct {
	Reader       io.ReadCloser
	ContentType  string
	Size         int64
	LastModified time.Time
}

// GetObject downloads an object from the collection bucket.
func (c *Client) GetObject(ctx context.Context, collectionID, key string) (*GetObjectResult, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	bucket := BucketForCollection(collectionID)
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, err
	}
	return &GetObjectResult{
		Reader:       obj,
		ContentType:  info.ContentType,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// PresignData returns a presigned GET URL for a logical data path, valid
// for the given duration. Workers use it to fetch inputs without MinIO
// credentials of their own.
func (c *Client) PresignData(ctx context.Context, dataPath string, expiry time.Duration) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}
	collectionID, tableID, dataVersionID, err := SplitDataPath(dataPath)
	if err != nil {
		return "", err
	}
	u, err := c.mc.PresignedGetObject(ctx, BucketForCollection(collectionID), DataKey(tableID, dataVersionID), expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// PresignDataPut returns a presigned PUT URL so a worker can upload an
// output data version directly.
func (c *Client) PresignDataPut(ctx context.Context, dataPath string, expiry time.Duration) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}
	collectionID, tableID, dataVersionID, err := SplitDataPath(dataPath)
	if err != nil {
		return "", err
	}
	u, err := c.mc.PresignedPutObject(ctx, BucketForCollection(collectionID), DataKey(tableID, dataVersionID), expiry)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// DeleteObject removes an object from the collection bucket.
func (c *Client) DeleteObject(ctx context.Context, collectionID, key string) error {
	if !c.enabled {
		return ErrDisabled
	}
	return c.mc.RemoveObject(ctx, BucketForCollection(collectionID), key, minio.RemoveObjectOptions{})
}

// ObjectInfo is a minimal object listing entry.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListObjects lists objects in the collection bucket with optional prefix.
func (c *Client) ListObjects(ctx context.Context, collectionID, prefix string) ([]ObjectInfo, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	if err := c.EnsureBucket(ctx, collectionID); err != nil {
		return nil, err
	}
	ch := c.mc.ListObjects(ctx, BucketForCollection(collectionID), minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	var out []ObjectInfo
	for obj := range ch {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

// Enabled reports whether the storage client is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}
