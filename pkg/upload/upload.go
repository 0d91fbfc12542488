package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/types"
)

const (
	// DefaultPartSize is the multipart chunk size for S3-style stores.
	DefaultPartSize = 10 * 1024 * 1024
	// DriveChunkSize is the resumable chunk size for Google Drive. Must be
	// a multiple of 256 KiB per the Drive API contract.
	DriveChunkSize = 8 * 1024 * 1024
)

// Remote is the provider-side half of a resumable upload. S3-style stores
// and Drive resumable sessions both fit behind it: Drive chunks are
// modeled as fixed-size parts whose committed prefix the server reports.
type Remote interface {
	// Exists reports whether an object of the given size already sits at
	// key.
	Exists(ctx context.Context, key string, size int64) (bool, error)
	// CreateSession starts a resumable upload and returns its session id.
	CreateSession(ctx context.Context, key string, size int64) (string, error)
	// ListParts returns the server's authoritative list of accepted parts.
	// A rejected session id surfaces as SESSION_EXPIRED.
	ListParts(ctx context.Context, key, sessionID string, size int64) ([]types.PartETag, error)
	// UploadPart sends one part. partNumber is 1-based.
	UploadPart(ctx context.Context, key, sessionID string, partNumber int, totalParts int, r io.Reader, size, totalSize int64) (types.PartETag, error)
	// Complete finishes the upload with the ordered part list.
	Complete(ctx context.Context, key, sessionID string, parts []types.PartETag) error
	// Abort discards a session. Best effort.
	Abort(ctx context.Context, key, sessionID string) error
}

// Config tunes the upload engine
type Config struct {
	PartSize int64
	// PartRetries bounds per-part attempts on transient failures.
	PartRetries int
	// PartBackoff is the base delay between per-part attempts, doubled
	// each attempt.
	PartBackoff time.Duration
	// Cancelled, when set, is polled at part boundaries. The in-flight
	// part finishes and is persisted before the upload stops with
	// CANCELLED; cancelling the context instead aborts the part mid-send.
	Cancelled func() bool
}

// DefaultConfig returns the production upload settings for S3-style stores.
func DefaultConfig() Config {
	return Config{
		PartSize:    DefaultPartSize,
		PartRetries: 3,
		PartBackoff: 2 * time.Second,
	}
}

// Engine performs resumable multipart uploads, persisting per-part progress
// so an interrupted transfer continues from the first missing byte.
type Engine struct {
	store    storage.Store
	remote   Remote
	provider types.Provider
	cfg      Config

	// one part-sized buffer shared across parts and files; uploads within
	// a job are strictly serial so a pool of one suffices.
	bufPool sync.Pool
}

// NewEngine creates an upload engine over the given remote.
func NewEngine(store storage.Store, remote Remote, provider types.Provider, cfg Config) *Engine {
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.PartRetries <= 0 {
		cfg.PartRetries = 3
	}
	e := &Engine{store: store, remote: remote, provider: provider, cfg: cfg}
	e.bufPool.New = func() any { return make([]byte, cfg.PartSize) }
	return e
}

// RemoteKey builds the object key for a job file.
func RemoteKey(job *types.UserJob, relPath string) string {
	return path.Join(fmt.Sprintf("jobs/%d", job.ID), relPath)
}

// UploadFile transfers one local file to the remote key, resuming any
// previous attempt. onPart is called after every completed part with the
// cumulative bytes uploaded for this file; callers throttle their own row
// updates.
func (e *Engine) UploadFile(ctx context.Context, jobID int64, localPath, remoteKey string, onPart func(bytesUploaded int64)) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeUploadFailed, err, "stat %s", localPath)
	}
	size := fi.Size()

	exists, err := e.remote.Exists(ctx, remoteKey, size)
	if err != nil {
		return err
	}
	if exists {
		// A previous attempt finished this file but died before deleting
		// the progress row.
		_ = e.store.DeleteUploadProgress(jobID, remoteKey)
		if onPart != nil {
			onPart(size)
		}
		return nil
	}

	prog, err := e.resumeOrCreate(ctx, jobID, remoteKey, size)
	if errdefs.HasCode(err, errdefs.CodeSessionExpired) {
		// The server no longer recognizes the old session. Drop the stale
		// row and start over; the file bytes are still on disk.
		if derr := e.store.DeleteUploadProgress(jobID, remoteKey); derr != nil {
			return derr
		}
		prog, err = e.resumeOrCreate(ctx, jobID, remoteKey, size)
	}
	if err != nil {
		return err
	}

	if err := e.uploadParts(ctx, prog, localPath, onPart); err != nil {
		return err
	}

	if err := e.remote.Complete(ctx, remoteKey, prog.UploadSessionID, prog.Parts); err != nil {
		return err
	}
	return e.store.DeleteUploadProgress(jobID, remoteKey)
}

// resumeOrCreate loads or creates the UploadProgress row for (job, key).
// When a row with a live session exists, the server's part list wins over
// the locally persisted one.
func (e *Engine) resumeOrCreate(ctx context.Context, jobID int64, remoteKey string, size int64) (*types.UploadProgress, error) {
	logger := log.WithComponent("upload").With().Int64("job_id", jobID).Logger()

	totalParts := int((size + e.cfg.PartSize - 1) / e.cfg.PartSize)
	if totalParts == 0 {
		totalParts = 1
	}

	prog, err := e.store.GetUploadProgress(jobID, remoteKey)
	if err == nil && prog.Status == types.UploadInProgress && prog.UploadSessionID != "" {
		serverParts, err := e.remote.ListParts(ctx, remoteKey, prog.UploadSessionID, size)
		if err != nil {
			return nil, err
		}
		prog.Parts = mergeParts(prog.Parts, serverParts)
		prog.PartsCompleted = len(prog.Parts)
		prog.BytesUploaded = partBytes(prog.Parts)
		prog.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveUploadProgress(prog); err != nil {
			return nil, err
		}
		logger.Info().Str("key", remoteKey).Int("parts_done", prog.PartsCompleted).
			Int("total_parts", prog.TotalParts).Msg("resuming upload session")
		return prog, nil
	}
	if err != nil && !errdefs.HasCode(err, errdefs.CodeNotFound) {
		return nil, err
	}

	sessionID, err := e.remote.CreateSession(ctx, remoteKey, size)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	prog = &types.UploadProgress{
		JobID:           jobID,
		RemoteKey:       remoteKey,
		Provider:        e.provider,
		UploadSessionID: sessionID,
		PartSize:        e.cfg.PartSize,
		TotalParts:      totalParts,
		TotalBytes:      size,
		Status:          types.UploadInProgress,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.SaveUploadProgress(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

// uploadParts sends parts startPart..totalParts, persisting progress after
// each one. Cancellation is checked at every part boundary.
func (e *Engine) uploadParts(ctx context.Context, prog *types.UploadProgress, localPath string, onPart func(int64)) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeUploadFailed, err, "open %s", localPath)
	}
	defer f.Close()

	buf := e.bufPool.Get().([]byte)
	defer e.bufPool.Put(buf)

	for part := prog.NextPart(); part <= prog.TotalParts; part++ {
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.CodeCancelled, err, "upload interrupted at part %d", part)
		}
		if e.cfg.Cancelled != nil && e.cfg.Cancelled() {
			return errdefs.New(errdefs.CodeCancelled, "upload stopped at part %d boundary", part)
		}

		offset := int64(part-1) * prog.PartSize
		partLen := prog.PartSize
		if remaining := prog.TotalBytes - offset; remaining < partLen {
			partLen = remaining
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return errdefs.Wrap(errdefs.CodeUploadFailed, err, "seek part %d", part)
		}
		if _, err := io.ReadFull(f, buf[:partLen]); err != nil {
			return errdefs.Wrap(errdefs.CodeUploadFailed, err, "read part %d", part)
		}

		etag, err := e.uploadPartWithRetry(ctx, prog, part, buf[:partLen])
		if err != nil {
			return err
		}

		prog.Parts = append(prog.Parts, etag)
		prog.PartsCompleted = len(prog.Parts)
		prog.BytesUploaded += partLen
		prog.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveUploadProgress(prog); err != nil {
			return err
		}
		if onPart != nil {
			onPart(prog.BytesUploaded)
		}
	}
	return nil
}

// uploadPartWithRetry retries transient per-part failures with doubling
// backoff. Session expiry and cancellation propagate immediately.
func (e *Engine) uploadPartWithRetry(ctx context.Context, prog *types.UploadProgress, part int, data []byte) (types.PartETag, error) {
	logger := log.WithComponent("upload").With().Int64("job_id", prog.JobID).Logger()

	var lastErr error
	delay := e.cfg.PartBackoff
	for attempt := 0; attempt < e.cfg.PartRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return types.PartETag{}, errdefs.Wrap(errdefs.CodeCancelled, ctx.Err(), "part %d", part)
			}
		}
		etag, err := e.remote.UploadPart(ctx, prog.RemoteKey, prog.UploadSessionID,
			part, prog.TotalParts, bytes.NewReader(data), int64(len(data)), prog.TotalBytes)
		if err == nil {
			return etag, nil
		}
		if errdefs.HasCode(err, errdefs.CodeSessionExpired) || ctx.Err() != nil {
			return types.PartETag{}, err
		}
		lastErr = err
		logger.Warn().Err(err).Str("key", prog.RemoteKey).Int("part", part).
			Int("attempt", attempt+1).Msg("part upload failed")
	}
	return types.PartETag{}, errdefs.Wrap(errdefs.CodeUploadFailed, lastErr,
		"part %d of %s failed after %d attempts", part, prog.RemoteKey, e.cfg.PartRetries)
}

// mergeParts reconciles local and server part lists; the server wins on
// conflicts. The result is sorted by part number.
func mergeParts(local, server []types.PartETag) []types.PartETag {
	byNum := make(map[int]types.PartETag, len(local)+len(server))
	for _, p := range local {
		byNum[p.PartNumber] = p
	}
	for _, p := range server {
		byNum[p.PartNumber] = p
	}
	out := make([]types.PartETag, 0, len(byNum))
	for _, p := range byNum {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

func partBytes(parts []types.PartETag) int64 {
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	return total
}
