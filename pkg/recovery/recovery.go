package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/seedvault/seedvault/pkg/config"
	"github.com/seedvault/seedvault/pkg/dispatch"
	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/metrics"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/status"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/types"
)

func errNoQueue(key string) error {
	return errdefs.New(errdefs.CodeQueueError, "no queue registered for %q", key)
}

// Monitor finds jobs whose worker died and puts them back on a queue.
// Running several monitors concurrently is safe: transitions are atomic
// and a second recovery of the same row is rejected as an illegal
// transition.
type Monitor struct {
	store  storage.Store
	status *status.Service
	queues *queue.Client
	cfg    *config.Config
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a recovery monitor.
func NewMonitor(store storage.Store, statusSvc *status.Service, queues *queue.Client, cfg *config.Config) *Monitor {
	return &Monitor{
		store:  store,
		status: statusSvc,
		queues: queues,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start runs the monitor loop: one sweep immediately, then one per check
// interval.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.RunOnce(ctx)

		ticker := time.NewTicker(m.cfg.Recovery.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// RunOnce performs a single recovery sweep.
func (m *Monitor) RunOnce(ctx context.Context) {
	started := m.now()
	defer func() {
		metrics.RecoveryRunDuration.Observe(time.Since(started).Seconds())
	}()

	m.sweepJobs(ctx)
	m.sweepSyncs(ctx)
}

func (m *Monitor) sweepJobs(ctx context.Context) {
	logger := log.WithComponent("recovery")

	jobs, err := m.store.ListJobsByStatus(
		types.JobStatusDownloading,
		types.JobStatusUploading,
		types.JobStatusTorrentDownloadRetry,
		types.JobStatusUploadRetry,
	)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list candidate jobs")
		return
	}

	now := m.now().UTC()
	for _, job := range jobs {
		switch {
		case job.Status.IsRetry():
			if job.NextRetryAt == nil || job.NextRetryAt.After(now) {
				continue
			}
		default:
			if !m.isStale(job.LastHeartbeat, job.StartedAt, now) {
				continue
			}
		}

		if !m.shouldRecover(ctx, job.QueueTaskID, job.LastHeartbeat, job.StartedAt, now) {
			continue
		}
		if err := m.recoverJob(ctx, job); err != nil {
			logger.Error().Err(err).Int64("job_id", job.ID).Msg("job recovery failed")
		}
	}
}

func (m *Monitor) sweepSyncs(ctx context.Context) {
	logger := log.WithComponent("recovery")

	syncs, err := m.store.ListSyncsByStatus(types.SyncStatusSyncing, types.SyncStatusRetry)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list candidate syncs")
		return
	}

	now := m.now().UTC()
	for _, sn := range syncs {
		switch sn.Status {
		case types.SyncStatusRetry:
			if sn.NextRetryAt == nil || sn.NextRetryAt.After(now) {
				continue
			}
		default:
			if !m.isStale(sn.LastHeartbeat, sn.StartedAt, now) {
				continue
			}
		}

		if !m.shouldRecover(ctx, sn.QueueTaskID, sn.LastHeartbeat, sn.StartedAt, now) {
			continue
		}
		if err := m.recoverSync(ctx, sn); err != nil {
			logger.Error().Err(err).Int64("sync_id", sn.ID).Msg("sync recovery failed")
		}
	}
}

// isStale applies the heartbeat rule: no heartbeat for the stale threshold,
// or never a heartbeat and started too long ago.
func (m *Monitor) isStale(lastHeartbeat, startedAt *time.Time, now time.Time) bool {
	cutoff := now.Add(-m.cfg.Recovery.StaleJobThreshold)
	if lastHeartbeat != nil {
		return lastHeartbeat.Before(cutoff)
	}
	if startedAt != nil {
		return startedAt.Before(cutoff)
	}
	return true
}

// shouldRecover consults the queue runtime's view of the stored handle.
func (m *Monitor) shouldRecover(ctx context.Context, handle string, lastHeartbeat, startedAt *time.Time, now time.Time) bool {
	state, err := m.queues.Inspect(ctx, handle)
	if err != nil {
		// Runtime unreachable; do not double-schedule blind.
		return false
	}
	switch state {
	case queue.StateEnqueued, queue.StateScheduled:
		// Already waiting to run; nothing to do.
		return false
	case queue.StateProcessing:
		// The runtime believes a worker has it, but the row says the
		// worker stopped heartbeating. The row wins.
		return m.isStale(lastHeartbeat, startedAt, now)
	default:
		// Succeeded with a non-terminal row, Failed, Deleted, Unknown:
		// reconcile by re-running.
		return true
	}
}

// recoverJob re-schedules one orphaned job. Running rows transition to
// their RETRY status first (the status service forces the terminal failure
// once the ceiling is hit); rows already in RETRY go straight back on the
// queue.
func (m *Monitor) recoverJob(ctx context.Context, job *types.UserJob) error {
	logger := log.WithComponent("recovery")
	previousTask := job.QueueTaskID

	if previousTask != "" {
		if err := m.queues.Delete(ctx, previousTask); err != nil {
			logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to delete stale queue handle")
		}
	}

	if !job.Status.IsRetry() {
		retryStatus := types.JobStatusTorrentDownloadRetry
		if job.Status == types.JobStatusUploading {
			retryStatus = types.JobStatusUploadRetry
		}
		err := m.status.TransitionJob(job, retryStatus, types.SourceRecovery,
			"worker heartbeat stale", map[string]string{"previousTask": previousTask})
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			logger.Warn().Int64("job_id", job.ID).Str("status", string(job.Status)).
				Msg("retry ceiling reached, job failed terminally")
			return nil
		}
	}

	queueName, err := m.queueForJob(job)
	if err != nil {
		return err
	}

	payload := dispatch.EncodePayload(job.ID)
	var handle string
	if job.NextRetryAt != nil && job.NextRetryAt.After(m.now().UTC()) {
		handle, err = m.queues.Schedule(ctx, queueName, payload, *job.NextRetryAt)
	} else {
		handle, err = m.queues.Enqueue(ctx, queueName, payload)
	}
	if err != nil {
		return err
	}

	job.QueueTaskID = handle
	if err := m.store.UpdateJob(job); err != nil {
		return err
	}

	metrics.OrphansRecoveredTotal.Inc()
	logger.Info().Int64("job_id", job.ID).Str("queue", queueName).
		Str("previous_task", previousTask).Int("retry_count", job.RetryCount).
		Msg("job recovered")
	return nil
}

func (m *Monitor) recoverSync(ctx context.Context, sn *types.Sync) error {
	logger := log.WithComponent("recovery")
	previousTask := sn.QueueTaskID

	if previousTask != "" {
		if err := m.queues.Delete(ctx, previousTask); err != nil {
			logger.Warn().Err(err).Int64("sync_id", sn.ID).Msg("failed to delete stale queue handle")
		}
	}

	if sn.Status == types.SyncStatusSyncing {
		err := m.status.TransitionSync(sn, types.SyncStatusRetry, types.SourceRecovery,
			"worker heartbeat stale", map[string]string{"previousTask": previousTask})
		if err != nil {
			return err
		}
		if sn.Status.IsTerminal() {
			return nil
		}
	}

	queueName, ok := m.cfg.QueueFor(string(types.JobKindSync))
	if !ok {
		return errNoQueue(string(types.JobKindSync))
	}

	payload := dispatch.EncodeSyncPayload(sn.ID)
	var handle string
	var err error
	if sn.NextRetryAt != nil && sn.NextRetryAt.After(m.now().UTC()) {
		handle, err = m.queues.Schedule(ctx, queueName, payload, *sn.NextRetryAt)
	} else {
		handle, err = m.queues.Enqueue(ctx, queueName, payload)
	}
	if err != nil {
		return err
	}

	sn.QueueTaskID = handle
	if err := m.store.UpdateSync(sn); err != nil {
		return err
	}

	metrics.OrphansRecoveredTotal.Inc()
	logger.Info().Int64("sync_id", sn.ID).Str("queue", queueName).Msg("sync recovered")
	return nil
}

// queueForJob picks the download queue for download-phase statuses and
// the provider queue for upload-phase ones.
func (m *Monitor) queueForJob(job *types.UserJob) (string, error) {
	switch job.Status {
	case types.JobStatusTorrentDownloadRetry, types.JobStatusDownloading:
		q, ok := m.cfg.QueueFor(string(types.JobKindTorrent))
		if !ok {
			return "", errNoQueue(string(types.JobKindTorrent))
		}
		return q, nil
	default:
		profile, err := m.store.GetProfile(job.ProfileID)
		if err != nil {
			return "", err
		}
		q, ok := m.cfg.QueueFor(string(profile.Provider))
		if !ok {
			return "", errNoQueue(string(profile.Provider))
		}
		return q, nil
	}
}
