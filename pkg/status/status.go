package status

import (
	"time"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/types"
)

// jobTransitions is the job state machine. A missing entry means the
// transition is illegal.
var jobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobStatusQueued: {
		types.JobStatusDownloading,
		types.JobStatusCancelled,
	},
	types.JobStatusDownloading: {
		types.JobStatusPendingUpload,
		types.JobStatusTorrentDownloadRetry,
		types.JobStatusTorrentFailed,
		types.JobStatusCancelled,
	},
	types.JobStatusTorrentDownloadRetry: {
		types.JobStatusDownloading,
		types.JobStatusTorrentFailed,
	},
	types.JobStatusPendingUpload: {
		types.JobStatusUploading,
		types.JobStatusCancelled,
	},
	types.JobStatusUploading: {
		types.JobStatusCompleted,
		types.JobStatusUploadRetry,
		types.JobStatusUploadFailed,
		types.JobStatusGoogleDriveFailed,
		types.JobStatusCancelled,
	},
	types.JobStatusUploadRetry: {
		types.JobStatusUploading,
		types.JobStatusUploadFailed,
	},
}

// syncTransitions is the sync state machine.
var syncTransitions = map[types.SyncStatus][]types.SyncStatus{
	types.SyncStatusPending: {
		types.SyncStatusSyncing,
	},
	types.SyncStatusSyncing: {
		types.SyncStatusCompleted,
		types.SyncStatusRetry,
		types.SyncStatusFailed,
	},
	types.SyncStatusRetry: {
		types.SyncStatusSyncing,
		types.SyncStatusFailed,
	},
}

// terminalFailureFor maps a retry status to the terminal status forced once
// the retry ceiling is reached.
var terminalFailureFor = map[types.JobStatus]types.JobStatus{
	types.JobStatusTorrentDownloadRetry: types.JobStatusTorrentFailed,
	types.JobStatusUploadRetry:          types.JobStatusUploadFailed,
}

// Config holds the retry/backoff policy applied on RETRY transitions.
type Config struct {
	MaxRetryCount int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetryCount: 5,
		BackoffBase:   30 * time.Second,
		BackoffCap:    30 * time.Minute,
	}
}

// Backoff returns the delay before the k-th retry: min(cap, base * 2^(k-1)).
func (c Config) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := c.BackoffBase
	for i := 1; i < k; i++ {
		d *= 2
		if d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	if d > c.BackoffCap {
		return c.BackoffCap
	}
	return d
}

// Service is the sole authority over job and sync status fields. Every
// transition appends a history row and writes the new status in one store
// transaction; anything outside the state machine is rejected with
// INVALID_STATE and writes nothing.
type Service struct {
	store storage.Store
	cfg   Config
	now   func() time.Time
}

// NewService creates a status service over the given store.
func NewService(store storage.Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg, now: time.Now}
}

func jobAllowed(from, to types.JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func syncAllowed(from, to types.SyncStatus) bool {
	for _, next := range syncTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionJob moves job to the target status, applying the retry/backoff
// policy. The from-status is read, validated, and replaced inside the
// store's write transaction, so two racing transitions cannot both commit
// from the same stale status. The job argument is overwritten with the
// persisted row. A RETRY target past the retry ceiling is forced to its
// terminal failure.
func (s *Service) TransitionJob(job *types.UserJob, to types.JobStatus, source types.TransitionSource, errMsg string, metadata map[string]string) error {
	updated, err := s.store.ApplyJobTransition(job.ID, func(row *types.UserJob) (*types.StatusHistory, error) {
		from := row.Status
		target := to
		if target.IsRetry() && row.RetryCount >= s.cfg.MaxRetryCount {
			target = terminalFailureFor[target]
		}

		if !jobAllowed(from, target) {
			return nil, errdefs.New(errdefs.CodeInvalidState,
				"job %d: illegal transition %s -> %s", row.ID, from, target)
		}

		now := s.now().UTC()
		row.Status = target
		row.ErrorMessage = errMsg

		switch {
		case target.IsTerminal():
			row.CompletedAt = &now
			row.NextRetryAt = nil
		case target.IsRetry():
			row.RetryCount++
			at := now.Add(s.cfg.Backoff(row.RetryCount))
			row.NextRetryAt = &at
		case target == types.JobStatusDownloading || target == types.JobStatusUploading:
			if row.StartedAt == nil {
				row.StartedAt = &now
			}
			row.NextRetryAt = nil
		}

		return &types.StatusHistory{
			TargetID:   row.ID,
			FromStatus: string(from),
			ToStatus:   string(target),
			Source:     source,
			Error:      errMsg,
			Metadata:   metadata,
			ChangedAt:  now,
		}, nil
	})
	if err != nil {
		return err
	}
	*job = *updated
	return nil
}

// RecordCreated appends the initial history row for a freshly created job.
// FromStatus is left empty, marking the start of the audit chain.
func (s *Service) RecordCreated(job *types.UserJob, source types.TransitionSource) error {
	updated, err := s.store.ApplyJobTransition(job.ID, func(row *types.UserJob) (*types.StatusHistory, error) {
		return &types.StatusHistory{
			TargetID:  row.ID,
			ToStatus:  string(row.Status),
			Source:    source,
			ChangedAt: s.now().UTC(),
		}, nil
	})
	if err != nil {
		return err
	}
	*job = *updated
	return nil
}

// TransitionSync is TransitionJob for sync entities.
func (s *Service) TransitionSync(sn *types.Sync, to types.SyncStatus, source types.TransitionSource, errMsg string, metadata map[string]string) error {
	updated, err := s.store.ApplySyncTransition(sn.ID, func(row *types.Sync) (*types.StatusHistory, error) {
		from := row.Status
		target := to
		if target == types.SyncStatusRetry && row.RetryCount >= s.cfg.MaxRetryCount {
			target = types.SyncStatusFailed
		}

		if !syncAllowed(from, target) {
			return nil, errdefs.New(errdefs.CodeInvalidState,
				"sync %d: illegal transition %s -> %s", row.ID, from, target)
		}

		now := s.now().UTC()
		row.Status = target
		row.ErrorMessage = errMsg

		switch {
		case target.IsTerminal():
			row.CompletedAt = &now
			row.NextRetryAt = nil
		case target == types.SyncStatusRetry:
			row.RetryCount++
			at := now.Add(s.cfg.Backoff(row.RetryCount))
			row.NextRetryAt = &at
		case target == types.SyncStatusSyncing:
			if row.StartedAt == nil {
				row.StartedAt = &now
			}
			row.NextRetryAt = nil
		}

		return &types.StatusHistory{
			TargetID:   row.ID,
			FromStatus: string(from),
			ToStatus:   string(target),
			Source:     source,
			Error:      errMsg,
			Metadata:   metadata,
			ChangedAt:  now,
		}, nil
	})
	if err != nil {
		return err
	}
	*sn = *updated
	return nil
}

// RecordSyncCreated appends the initial history row for a new sync.
func (s *Service) RecordSyncCreated(sn *types.Sync, source types.TransitionSource) error {
	updated, err := s.store.ApplySyncTransition(sn.ID, func(row *types.Sync) (*types.StatusHistory, error) {
		return &types.StatusHistory{
			TargetID:  row.ID,
			ToStatus:  string(row.Status),
			Source:    source,
			ChangedAt: s.now().UTC(),
		}, nil
	})
	if err != nil {
		return err
	}
	*sn = *updated
	return nil
}

// MarkJobFailed consults the retry counter and moves the job either to the
// scheduled-retry status or to its terminal failure.
func (s *Service) MarkJobFailed(job *types.UserJob, retryStatus types.JobStatus, source types.TransitionSource, errMsg string) error {
	return s.TransitionJob(job, retryStatus, source, errMsg, nil)
}
