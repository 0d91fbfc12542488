package worker

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/seedvault/seedvault/pkg/dispatch"
	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/lease"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/metrics"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/torrent"
	"github.com/seedvault/seedvault/pkg/types"
)

// HandleDownload runs one torrent download task end to end.
func (w *Worker) HandleDownload(ctx context.Context, task *queue.Task) error {
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
	if w.engine == nil {
		return errdefs.New(errdefs.CodeInvalidState, "no torrent engine bound to this worker")
	}

	res, err := w.jobLeases.TryAcquire(ctx, jobID, w.id, w.cfg.Lease.Duration)
	metrics.LeaseAcquisitionsTotal.WithLabelValues(res.String()).Inc()
	if err != nil {
		return err
	}
	if res != lease.Acquired {
		logger.Debug().Str("result", res.String()).Msg("download skipped, lease not acquired")
		return nil
	}
	cleanup := context.WithoutCancel(ctx)
	defer w.jobLeases.Release(cleanup, jobID, w.id)

	switch job.Status {
	case types.JobStatusQueued, types.JobStatusTorrentDownloadRetry:
		if err := w.status.TransitionJob(job, types.JobStatusDownloading, types.SourceWorker, "", nil); err != nil {
			return err
		}
		w.events.JobStatus(ctx, jobID, job.Status)
	case types.JobStatusDownloading:
		// Recovered mid-download; continue where the engine's resume data
		// left off.
	default:
		logger.Debug().Str("status", string(job.Status)).Msg("download skipped, job past download phase")
		return nil
	}

	rf, err := w.store.GetRequestedFile(job.RequestedFileID)
	if err != nil {
		return err
	}

	destDir := filepath.Join(w.cfg.DownloadsRoot, strconv.FormatInt(jobID, 10))
	job.DownloadPath = destDir

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g := w.startGuard(ctx, cancelRun, jobID, w.jobLeases, func(at time.Time) error {
		return w.store.TouchJobHeartbeat(jobID, at)
	}, cancelAbort)

	throttle := newProgressThrottle(w.cfg.Upload.ProgressUpdateInterval, func() {
		if err := w.store.UpdateJob(job); err != nil {
			logger.Warn().Err(err).Msg("progress update failed")
		}
		w.events.DownloadProgress(cleanup, jobID, job.BytesDownloaded, job.TotalBytes)
	})

	dlErr := w.engine.Download(runCtx, rf, job.Selection, destDir, func(p torrent.Progress) {
		job.BytesDownloaded = p.BytesDone
		job.CurrentState = p.State
		throttle.tick()
	})
	g.stop()
	throttle.flush()
	metrics.BytesDownloaded.Add(float64(job.BytesDownloaded))

	switch {
	case g.leaseLost.Load():
		logger.Warn().Msg("lease lost mid-download, abandoning without transition")
		return nil

	case g.cancelled.Load():
		if err := w.status.TransitionJob(job, types.JobStatusCancelled, types.SourceUser, "", nil); err != nil {
			return err
		}
		w.cancels.Clear(cleanup, jobID)
		w.events.JobStatus(cleanup, jobID, job.Status)
		logger.Info().Msg("download cancelled")
		return nil

	case ctx.Err() != nil:
		// Process shutdown or queue-side delete. Checkpoint happened via
		// the throttle flush; recovery continues the job.
		return ctx.Err()

	case dlErr != nil:
		if errdefs.HasCode(dlErr, errdefs.CodeInvalidTorrent) {
			if err := w.status.TransitionJob(job, types.JobStatusTorrentFailed, types.SourceWorker, dlErr.Error(), nil); err != nil {
				return err
			}
			w.events.JobStatus(cleanup, jobID, job.Status)
			return nil
		}
		if err := w.status.MarkJobFailed(job, types.JobStatusTorrentDownloadRetry, types.SourceWorker, dlErr.Error()); err != nil {
			return err
		}
		w.events.JobStatus(cleanup, jobID, job.Status)
		// Re-raise so the runtime's own counter advances too.
		return dlErr
	}

	if err := w.status.TransitionJob(job, types.JobStatusPendingUpload, types.SourceWorker, "", nil); err != nil {
		return err
	}
	w.events.JobStatus(cleanup, jobID, job.Status)

	if err := w.dispatcher.EnqueueUpload(cleanup, job); err != nil {
		return err
	}
	logger.Info().Int64("bytes", job.BytesDownloaded).Msg("download complete, upload enqueued")
	return nil
}
