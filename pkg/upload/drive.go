package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/types"
)

const defaultDriveUploadURL = "https://www.googleapis.com/upload/drive/v3/files"

// DriveConfig carries the target folder and, for tests, endpoint overrides.
type DriveConfig struct {
	FolderID string
	// UploadURL overrides the resumable initiate endpoint.
	UploadURL string
	// APIEndpoint overrides the Drive API base URL.
	APIEndpoint string
}

// DriveRemote implements Remote over the Google Drive resumable upload
// protocol. Drive has no part etags; chunks of DriveChunkSize are modeled
// as parts and the committed byte offset reported by the session URI is
// the authoritative part list.
type DriveRemote struct {
	http      *http.Client
	svc       *drive.Service
	folderID  string
	uploadURL string
}

// NewDriveRemote builds a Drive remote over an OAuth-authenticated HTTP
// client.
func NewDriveRemote(ctx context.Context, client *http.Client, cfg DriveConfig) (*DriveRemote, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.APIEndpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeStorageError, err, "drive service")
	}
	uploadURL := cfg.UploadURL
	if uploadURL == "" {
		uploadURL = defaultDriveUploadURL
	}
	return &DriveRemote{
		http:      client,
		svc:       svc,
		folderID:  cfg.FolderID,
		uploadURL: uploadURL,
	}, nil
}

// Exists searches the target folder for a file with the same name and size.
func (r *DriveRemote) Exists(ctx context.Context, key string, size int64) (bool, error) {
	name := strings.ReplaceAll(path.Base(key), "'", `\'`)
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", name, r.folderID)
	list, err := r.svc.Files.List().Q(q).Fields("files(id, size)").Context(ctx).Do()
	if err != nil {
		return false, errdefs.Wrap(errdefs.CodeStorageError, err, "drive list %s", name)
	}
	for _, f := range list.Files {
		if f.Size == size {
			return true, nil
		}
	}
	return false, nil
}

// CreateSession initiates a resumable upload; the returned session URI is
// the session id.
func (r *DriveRemote) CreateSession(ctx context.Context, key string, size int64) (string, error) {
	meta, err := json.Marshal(map[string]any{
		"name":    path.Base(key),
		"parents": []string{r.folderID},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.uploadURL+"?uploadType=resumable", bytes.NewReader(meta))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", "application/octet-stream")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := r.http.Do(req)
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeStorageError, err, "initiate drive session for %s", key)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errdefs.New(errdefs.CodeStorageError,
			"drive session initiate for %s returned %d", key, resp.StatusCode)
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		return "", errdefs.New(errdefs.CodeStorageError, "drive session initiate returned no Location")
	}
	return uri, nil
}

// ListParts probes the session URI with an empty PUT to learn the
// committed byte offset, then synthesizes the full chunks it covers.
func (r *DriveRemote) ListParts(ctx context.Context, key, sessionID string, size int64) ([]types.PartETag, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeStorageError, err, "probe drive session for %s", key)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return chunkParts(size, size), nil
	case 308: // Resume Incomplete
		committed, err := parseCommitted(resp.Header.Get("Range"))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeStorageError, err, "probe drive session for %s", key)
		}
		// Only full chunks count as parts; a committed partial tail is
		// re-sent by the next chunk PUT.
		committed -= committed % DriveChunkSize
		return chunkParts(committed, size), nil
	case http.StatusNotFound, http.StatusGone:
		return nil, errdefs.New(errdefs.CodeSessionExpired, "drive session for %s no longer exists", key)
	default:
		return nil, errdefs.New(errdefs.CodeStorageError,
			"drive session probe for %s returned %d", key, resp.StatusCode)
	}
}

// UploadPart PUTs one chunk with its Content-Range. Drive answers 308 for
// intermediate chunks and 200/201 for the final one.
func (r *DriveRemote) UploadPart(ctx context.Context, key, sessionID string, partNumber, totalParts int, reader io.Reader, size, totalSize int64) (types.PartETag, error) {
	start := int64(partNumber-1) * DriveChunkSize
	end := start + size - 1

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionID, reader)
	if err != nil {
		return types.PartETag{}, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, totalSize))

	resp, err := r.http.Do(req)
	if err != nil {
		return types.PartETag{}, errdefs.Wrap(errdefs.CodeStorageError, err, "drive chunk %d of %s", partNumber, key)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if partNumber != totalParts {
			return types.PartETag{}, errdefs.New(errdefs.CodeStorageError,
				"drive finalized %s at chunk %d of %d", key, partNumber, totalParts)
		}
	case 308:
		if partNumber == totalParts {
			return types.PartETag{}, errdefs.New(errdefs.CodeStorageError,
				"drive did not finalize %s on last chunk", key)
		}
	case http.StatusNotFound, http.StatusGone:
		return types.PartETag{}, errdefs.New(errdefs.CodeSessionExpired, "drive session for %s no longer exists", key)
	default:
		return types.PartETag{}, errdefs.New(errdefs.CodeStorageError,
			"drive chunk %d of %s returned %d", partNumber, key, resp.StatusCode)
	}

	return types.PartETag{
		PartNumber: partNumber,
		ETag:       fmt.Sprintf("bytes=%d-%d", start, end),
		Size:       size,
	}, nil
}

// Complete is a no-op: the final chunk PUT finalizes a Drive upload.
func (r *DriveRemote) Complete(ctx context.Context, key, sessionID string, parts []types.PartETag) error {
	return nil
}

// Abort cancels the session. Best effort.
func (r *DriveRemote) Abort(ctx context.Context, key, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// chunkParts synthesizes the part list covering the first committed bytes
// of a totalSize file.
func chunkParts(committed, totalSize int64) []types.PartETag {
	var parts []types.PartETag
	for start := int64(0); start < committed; start += DriveChunkSize {
		size := DriveChunkSize
		if remaining := committed - start; remaining < int64(size) {
			size = int(remaining)
		}
		end := start + int64(size) - 1
		parts = append(parts, types.PartETag{
			PartNumber: int(start/DriveChunkSize) + 1,
			ETag:       fmt.Sprintf("bytes=%d-%d", start, end),
			Size:       int64(size),
		})
	}
	return parts
}

// parseCommitted extracts the committed byte count from a Range header of
// the form "bytes=0-X". An absent header means nothing committed.
func parseCommitted(rangeHeader string) (int64, error) {
	if rangeHeader == "" {
		return 0, nil
	}
	idx := strings.LastIndex(rangeHeader, "-")
	if idx < 0 {
		return 0, fmt.Errorf("malformed Range header %q", rangeHeader)
	}
	last, err := strconv.ParseInt(rangeHeader[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q", rangeHeader)
	}
	return last + 1, nil
}
