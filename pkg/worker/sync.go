package worker

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/seedvault/seedvault/pkg/dispatch"
	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/lease"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/metrics"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/types"
	"github.com/seedvault/seedvault/pkg/upload"
)

// HandleSync pushes an already-downloaded job directory to a cloud
// destination, then removes the local copy. Deletion happens strictly
// after the COMPLETED transition.
func (w *Worker) HandleSync(ctx context.Context, task *queue.Task) error {
	syncID, err := dispatch.DecodeSyncPayload(task.Payload)
	if err != nil {
		wlog := log.WithComponent("worker")
		wlog.Warn().Err(err).Str("task", task.ID).Msg("dropping malformed task")
		return nil
	}
	logger := log.WithSyncID(syncID)

	sn, err := w.store.GetSync(syncID)
	if errdefs.HasCode(err, errdefs.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sn.Status.IsTerminal() {
		return nil
	}

	res, err := w.syncLeases.TryAcquire(ctx, syncID, w.id, w.cfg.Lease.Duration)
	metrics.LeaseAcquisitionsTotal.WithLabelValues(res.String()).Inc()
	if err != nil {
		return err
	}
	if res != lease.Acquired {
		logger.Debug().Str("result", res.String()).Msg("sync skipped, lease not acquired")
		return nil
	}
	cleanup := context.WithoutCancel(ctx)
	defer w.syncLeases.Release(cleanup, syncID, w.id)

	switch sn.Status {
	case types.SyncStatusPending, types.SyncStatusRetry:
		if err := w.status.TransitionSync(sn, types.SyncStatusSyncing, types.SourceWorker, "", nil); err != nil {
			return err
		}
	case types.SyncStatusSyncing:
		// Recovered mid-sync; resume below.
	default:
		return nil
	}

	profile, err := w.store.GetProfile(sn.ProfileID)
	if err != nil {
		return w.failSync(sn, err)
	}
	remote, engineCfg, err := w.remotes.Remote(ctx, profile)
	if err != nil {
		return w.failSync(sn, err)
	}
	engine := upload.NewEngine(w.store, remote, profile.Provider, engineCfg)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g := w.startGuard(ctx, cancelRun, syncID, w.syncLeases, func(at time.Time) error {
		return w.store.TouchSyncHeartbeat(syncID, at)
	}, cancelIgnore)

	throttle := newProgressThrottle(w.cfg.Upload.ProgressUpdateInterval, func() {
		if err := w.store.UpdateSync(sn); err != nil {
			logger.Warn().Err(err).Msg("progress update failed")
		}
	})

	syncErr := w.syncDirectory(runCtx, engine, sn, throttle)
	g.stop()
	throttle.flush()

	switch {
	case g.leaseLost.Load():
		logger.Warn().Msg("lease lost mid-sync, abandoning without transition")
		return nil

	case ctx.Err() != nil:
		return ctx.Err()

	case syncErr != nil:
		if err := w.status.TransitionSync(sn, types.SyncStatusRetry, types.SourceWorker, syncErr.Error(), nil); err != nil {
			return err
		}
		return syncErr
	}

	if err := w.status.TransitionSync(sn, types.SyncStatusCompleted, types.SourceWorker, "", nil); err != nil {
		return err
	}

	// The directory is only removed once the sync row is terminal; a crash
	// before this point leaves the files for the next attempt.
	if err := os.RemoveAll(sn.LocalPath); err != nil {
		logger.Warn().Err(err).Str("path", sn.LocalPath).Msg("failed to remove synced directory")
	}
	logger.Info().Int64("bytes", sn.BytesSynced).Msg("sync complete")
	return nil
}

// syncDirectory uploads every regular file under the sync's local path,
// keyed relative to the directory root.
func (w *Worker) syncDirectory(ctx context.Context, engine *upload.Engine, sn *types.Sync, throttle *progressThrottle) error {
	var uploadedBase int64
	return filepath.WalkDir(sn.LocalPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sn.LocalPath, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		base := uploadedBase
		remoteKey := upload.RemoteKey(&types.UserJob{ID: sn.JobID}, filepath.ToSlash(rel))
		if err := engine.UploadFile(ctx, sn.JobID, path, remoteKey, func(fileBytes int64) {
			sn.BytesSynced = base + fileBytes
			throttle.tick()
		}); err != nil {
			return err
		}
		uploadedBase += info.Size()
		sn.BytesSynced = uploadedBase
		return nil
	})
}

func (w *Worker) failSync(sn *types.Sync, cause error) error {
	return w.status.TransitionSync(sn, types.SyncStatusRetry, types.SourceWorker, cause.Error(), nil)
}
