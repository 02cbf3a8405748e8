package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// Config for the MinIO document archive
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectClient is the part of *minio.Client the archive uses
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Archive keeps the raw uploaded documents, keyed by content hash
type Archive struct {
	client objectClient
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// NewArchive connects to MinIO and verifies the bucket exists
func NewArchive(ctx context.Context, cfg Config, logger *slog.Logger) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage: endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "invoices"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	a := newArchive(client, cfg.Bucket, logger)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Ping(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchive(client objectClient, bucket string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{client: client, bucket: bucket, logger: logger, now: time.Now}
}

// Ping checks that the bucket exists
func (a *Archive) Ping(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

// Store uploads doc and returns "bucket/object". Path format: YYYY/MM/{hash}{ext}
func (a *Archive) Store(ctx context.Context, doc models.RawDocument, mediaType string) (string, error) {
	objectName := objectKey(a.now(), doc.ContentHash(), mediaType)

	_, err := a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(doc.Data), int64(len(doc.Data)), minio.PutObjectOptions{
		ContentType: mediaType,
		UserMetadata: map[string]string{
			"original-filename": doc.Filename,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload document: %w", err)
	}
	a.logger.Debug("storage.stored", "object", objectName, "bytes", len(doc.Data))

	// Return the full path for storage in DB
	return a.bucket + "/" + objectName, nil
}

// PresignedURL generates a URL for downloading an archived document
func (a *Archive) PresignedURL(ctx context.Context, objectPath string, expires time.Duration) (string, error) {
	if expires <= 0 {
		expires = 24 * time.Hour
	}
	u, err := a.client.PresignedGetObject(ctx, a.bucket, a.trimBucket(objectPath), expires, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u.String(), nil
}

// Delete removes an archived document
func (a *Archive) Delete(ctx context.Context, objectPath string) error {
	return a.client.RemoveObject(ctx, a.bucket, a.trimBucket(objectPath), minio.RemoveObjectOptions{})
}

func (a *Archive) trimBucket(objectPath string) string {
	return strings.TrimPrefix(objectPath, a.bucket+"/")
}

func objectKey(now time.Time, hash, mediaType string) string {
	return fmt.Sprintf("%d/%02d/%s%s", now.Year(), now.Month(), hash, FileExtension(mediaType))
}

// FileExtension maps a media type to a file extension
func FileExtension(mediaType string) string {
	switch mediaType {
	case models.MediaTypeJPEG:
		return ".jpg"
	case models.MediaTypePNG:
		return ".png"
	case models.MediaTypeGIF:
		return ".gif"
	case models.MediaTypeBMP:
		return ".bmp"
	case models.MediaTypeTIFF:
		return ".tiff"
	case models.MediaTypePDF:
		return ".pdf"
	default:
		return ".bin"
	}
}
