package worker

import (
	"context"
	"path/filepath"
	"time"

	"github.com/seedvault/seedvault/pkg/dispatch"
	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/lease"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/metrics"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/torrent"
	"github.com/seedvault/seedvault/pkg/types"
	"github.com/seedvault/seedvault/pkg/upload"
)

// HandleUpload transfers a downloaded job directory to the user's cloud
// destination, resuming any earlier attempt part by part.
func (w *Worker) HandleUpload(ctx context.Context, task *queue.Task) error {
	jobID, err := dispatch.DecodePayload(task.Payload)
	if err != nil {
		wlog := log.WithComponent("worker")
		wlog.Warn().Err(err).Str("task", task.ID).Msg("dropping malformed task")
		return nil
	}
	logger := log.WithJobID(jobID)

	job, err := w.store.GetJob(jobID)
	if errdefs.HasCode(err, errdefs.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	res, err := w.jobLeases.TryAcquire(ctx, jobID, w.id, w.cfg.Lease.Duration)
	metrics.LeaseAcquisitionsTotal.WithLabelValues(res.String()).Inc()
	if err != nil {
		return err
	}
	if res != lease.Acquired {
		logger.Debug().Str("result", res.String()).Msg("upload skipped, lease not acquired")
		return nil
	}
	cleanup := context.WithoutCancel(ctx)
	defer w.jobLeases.Release(cleanup, jobID, w.id)

	switch job.Status {
	case types.JobStatusPendingUpload, types.JobStatusUploadRetry:
		if err := w.status.TransitionJob(job, types.JobStatusUploading, types.SourceWorker, "", nil); err != nil {
			return err
		}
		w.events.JobStatus(ctx, jobID, job.Status)
	case types.JobStatusUploading:
		// Recovered mid-upload; the part grid resumes below.
	default:
		logger.Debug().Str("status", string(job.Status)).Msg("upload skipped, job not in upload phase")
		return nil
	}

	profile, err := w.store.GetProfile(job.ProfileID)
	if err != nil {
		return w.failUpload(ctx, job, profile, errdefs.Wrap(errdefs.CodeProfileNotFound, err, "profile %d", job.ProfileID))
	}
	if !profile.IsActive {
		return w.failUpload(ctx, job, profile, errdefs.New(errdefs.CodeProfileInactive, "profile %d is inactive", profile.ID))
	}

	remote, engineCfg, err := w.remotes.Remote(ctx, profile)
	if err != nil {
		return w.failUpload(ctx, job, profile, err)
	}

	rf, err := w.store.GetRequestedFile(job.RequestedFileID)
	if err != nil {
		return err
	}
	files := torrent.SelectedFiles(rf, job.Selection)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g := w.startGuard(ctx, cancelRun, jobID, w.jobLeases, func(at time.Time) error {
		return w.store.TouchJobHeartbeat(jobID, at)
	}, cancelFlag)

	// The engine stops at the next part boundary once the signal lands, so
	// an accepted part is never thrown away mid-send.
	engineCfg.Cancelled = g.cancelled.Load
	engine := upload.NewEngine(w.store, remote, profile.Provider, engineCfg)

	throttle := newProgressThrottle(w.cfg.Upload.ProgressUpdateInterval, func() {
		if err := w.store.UpdateJob(job); err != nil {
			logger.Warn().Err(err).Msg("progress update failed")
		}
		w.events.UploadProgress(cleanup, profile.Provider, jobID, job.BytesUploaded, job.TotalBytes)
	})

	var upErr error
	var uploadedBase int64
	for _, f := range files {
		localPath := filepath.Join(job.DownloadPath, filepath.FromSlash(f.Path))
		remoteKey := upload.RemoteKey(job, f.Path)
		base := uploadedBase

		upErr = engine.UploadFile(runCtx, jobID, localPath, remoteKey, func(fileBytes int64) {
			job.BytesUploaded = base + fileBytes
			metrics.UploadPartsTotal.WithLabelValues(string(profile.Provider), "ok").Inc()
			throttle.tick()
		})
		if upErr != nil {
			break
		}
		uploadedBase += f.Size
		job.BytesUploaded = uploadedBase
	}
	g.stop()
	throttle.flush()
	metrics.BytesUploaded.WithLabelValues(string(profile.Provider)).Add(float64(job.BytesUploaded))

	switch {
	case g.leaseLost.Load():
		logger.Warn().Msg("lease lost mid-upload, abandoning without transition")
		return nil

	case g.cancelled.Load():
		// Progress rows stay in place; a later retry of the same job would
		// resume from the accepted parts.
		if err := w.status.TransitionJob(job, types.JobStatusCancelled, types.SourceUser, "", nil); err != nil {
			return err
		}
		w.cancels.Clear(cleanup, jobID)
		w.events.JobStatus(cleanup, jobID, job.Status)
		logger.Info().Int64("bytes_uploaded", job.BytesUploaded).Msg("upload cancelled")
		return nil

	case ctx.Err() != nil:
		return ctx.Err()

	case upErr != nil:
		metrics.UploadPartsTotal.WithLabelValues(string(profile.Provider), "error").Inc()
		if isPermanentUploadError(upErr) {
			return w.failUpload(ctx, job, profile, upErr)
		}
		if err := w.status.MarkJobFailed(job, types.JobStatusUploadRetry, types.SourceWorker, upErr.Error()); err != nil {
			return err
		}
		w.events.JobStatus(cleanup, jobID, job.Status)
		return upErr
	}

	if err := w.status.TransitionJob(job, types.JobStatusCompleted, types.SourceWorker, "", nil); err != nil {
		return err
	}
	w.events.JobStatus(cleanup, jobID, job.Status)
	if job.StartedAt != nil && job.CompletedAt != nil {
		metrics.JobDuration.WithLabelValues(string(job.Kind)).
			Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
	logger.Info().Int64("bytes", job.BytesUploaded).Msg("upload complete")
	return nil
}

// failUpload moves the job to its terminal upload failure: Drive profiles
// get GOOGLE_DRIVE_FAILED, everything else UPLOAD_FAILED.
func (w *Worker) failUpload(ctx context.Context, job *types.UserJob, profile *types.StorageProfile, cause error) error {
	to := types.JobStatusUploadFailed
	if profile != nil && profile.Provider == types.ProviderGoogleDrive && job.Status == types.JobStatusUploading {
		to = types.JobStatusGoogleDriveFailed
	}
	if err := w.status.TransitionJob(job, to, types.SourceWorker, cause.Error(), nil); err != nil {
		return err
	}
	w.events.JobStatus(context.WithoutCancel(ctx), job.ID, job.Status)
	return nil
}

// isPermanentUploadError reports whether retrying cannot help: broken
// credentials or configuration rather than a flaky network or remote.
func isPermanentUploadError(err error) bool {
	return errdefs.HasCode(err, errdefs.CodeProfileNotFound) ||
		errdefs.HasCode(err, errdefs.CodeProfileInactive) ||
		errdefs.HasCode(err, errdefs.CodeTokenExchangeFailed)
}
