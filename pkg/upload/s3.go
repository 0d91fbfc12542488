package upload

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/types"
)

// S3Config carries the credentials and target of an S3-compatible store.
type S3Config struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"useSSL"`
}

// S3Remote implements Remote over any S3-compatible store using the
// low-level multipart API.
type S3Remote struct {
	core   *minio.Core
	bucket string
}

// NewS3Remote connects to an S3-compatible endpoint.
func NewS3Remote(cfg S3Config) (*S3Remote, error) {
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeStorageError, err, "s3 client for %s", cfg.Endpoint)
	}
	return &S3Remote{core: core, bucket: cfg.Bucket}, nil
}

// Exists checks for an object of the expected size via HeadObject. A
// size mismatch counts as missing so a truncated earlier upload is redone.
func (r *S3Remote) Exists(ctx context.Context, key string, size int64) (bool, error) {
	info, err := r.core.Client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return false, nil
		}
		return false, errdefs.Wrap(errdefs.CodeStorageError, err, "head %s", key)
	}
	return info.Size == size, nil
}

// CreateSession starts a multipart upload; the upload id is the session.
func (r *S3Remote) CreateSession(ctx context.Context, key string, size int64) (string, error) {
	uploadID, err := r.core.NewMultipartUpload(ctx, r.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeStorageError, err, "create multipart %s", key)
	}
	return uploadID, nil
}

// ListParts pages through the server-side part list for the upload id.
func (r *S3Remote) ListParts(ctx context.Context, key, sessionID string, size int64) ([]types.PartETag, error) {
	var parts []types.PartETag
	marker := 0
	for {
		res, err := r.core.ListObjectParts(ctx, r.bucket, key, sessionID, marker, 1000)
		if err != nil {
			if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
				return nil, errdefs.Wrap(errdefs.CodeSessionExpired, err, "upload id %s rejected", sessionID)
			}
			return nil, errdefs.Wrap(errdefs.CodeStorageError, err, "list parts %s", key)
		}
		for _, p := range res.ObjectParts {
			parts = append(parts, types.PartETag{
				PartNumber: p.PartNumber,
				ETag:       p.ETag,
				Size:       p.Size,
			})
		}
		if !res.IsTruncated {
			return parts, nil
		}
		marker = res.NextPartNumberMarker
	}
}

func (r *S3Remote) UploadPart(ctx context.Context, key, sessionID string, partNumber, totalParts int, reader io.Reader, size, totalSize int64) (types.PartETag, error) {
	part, err := r.core.PutObjectPart(ctx, r.bucket, key, sessionID, partNumber, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return types.PartETag{}, errdefs.Wrap(errdefs.CodeSessionExpired, err, "upload id %s rejected", sessionID)
		}
		return types.PartETag{}, errdefs.Wrap(errdefs.CodeStorageError, err, "put part %d of %s", partNumber, key)
	}
	return types.PartETag{PartNumber: part.PartNumber, ETag: part.ETag, Size: size}, nil
}

func (r *S3Remote) Complete(ctx context.Context, key, sessionID string, parts []types.PartETag) error {
	complete := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		complete[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	_, err := r.core.CompleteMultipartUpload(ctx, r.bucket, key, sessionID, complete, minio.PutObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return errdefs.Wrap(errdefs.CodeSessionExpired, err, "upload id %s rejected", sessionID)
		}
		return errdefs.Wrap(errdefs.CodeStorageError, err, "complete multipart %s", key)
	}
	return nil
}

func (r *S3Remote) Abort(ctx context.Context, key, sessionID string) error {
	return r.core.AbortMultipartUpload(ctx, r.bucket, key, sessionID)
}
