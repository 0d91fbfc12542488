package status

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/types"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, DefaultConfig()), store
}

func createJob(t *testing.T, svc *Service, store storage.Store) *types.UserJob {
	t.Helper()
	job := &types.UserJob{
		UserID:          1,
		ProfileID:       1,
		RequestedFileID: 1,
		Kind:            types.JobKindTorrent,
		Status:          types.JobStatusQueued,
		TotalBytes:      1 << 20,
	}
	require.NoError(t, store.CreateJob(job))
	require.NoError(t, svc.RecordCreated(job, types.SourceUser))
	return job
}

func TestBackoffLaw(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{7, 1920 * time.Second},
		{10, 30 * time.Minute},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.retry), "retry %d", tt.retry)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	svc, store := newTestService(t)
	job := createJob(t, svc, store)

	for _, to := range []types.JobStatus{
		types.JobStatusDownloading,
		types.JobStatusPendingUpload,
		types.JobStatusUploading,
		types.JobStatusCompleted,
	} {
		require.NoError(t, svc.TransitionJob(job, to, types.SourceWorker, "", nil))
	}

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotNil(t, stored.StartedAt)
	assert.Nil(t, stored.NextRetryAt)
}

func TestIllegalTransitionsRejectedAndWriteNothing(t *testing.T) {
	tests := []struct {
		name string
		from types.JobStatus
		to   types.JobStatus
	}{
		{"queued to uploading", types.JobStatusQueued, types.JobStatusUploading},
		{"queued to completed", types.JobStatusQueued, types.JobStatusCompleted},
		{"downloading to completed", types.JobStatusDownloading, types.JobStatusCompleted},
		{"completed is terminal", types.JobStatusCompleted, types.JobStatusDownloading},
		{"cancelled is terminal", types.JobStatusCancelled, types.JobStatusQueued},
		{"torrent failed is terminal", types.JobStatusTorrentFailed, types.JobStatusDownloading},
		{"pending upload to downloading", types.JobStatusPendingUpload, types.JobStatusDownloading},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			job := createJob(t, svc, store)
			forceStatus(t, store, job, tt.from)

			before, err := store.ListJobHistory(job.ID)
			require.NoError(t, err)

			err = svc.TransitionJob(job, tt.to, types.SourceWorker, "", nil)
			require.Error(t, err)
			assert.True(t, errdefs.HasCode(err, errdefs.CodeInvalidState))

			after, err := store.ListJobHistory(job.ID)
			require.NoError(t, err)
			assert.Len(t, after, len(before), "rejected transition must write no history")

			stored, err := store.GetJob(job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.Status)
		})
	}
}

// forceStatus walks the job to the target status through legal transitions.
func forceStatus(t *testing.T, store storage.Store, job *types.UserJob, target types.JobStatus) {
	t.Helper()
	paths := map[types.JobStatus][]types.JobStatus{
		types.JobStatusQueued:        {},
		types.JobStatusDownloading:   {types.JobStatusDownloading},
		types.JobStatusPendingUpload: {types.JobStatusDownloading, types.JobStatusPendingUpload},
		types.JobStatusUploading:     {types.JobStatusDownloading, types.JobStatusPendingUpload, types.JobStatusUploading},
		types.JobStatusCompleted:     {types.JobStatusDownloading, types.JobStatusPendingUpload, types.JobStatusUploading, types.JobStatusCompleted},
		types.JobStatusCancelled:     {types.JobStatusCancelled},
		types.JobStatusTorrentFailed: {types.JobStatusDownloading, types.JobStatusTorrentFailed},
	}
	svc := NewService(store, DefaultConfig())
	for _, step := range paths[target] {
		require.NoError(t, svc.TransitionJob(job, step, types.SourceWorker, "", nil))
	}
}

func TestRetrySetsBackoffAndCounter(t *testing.T) {
	svc, store := newTestService(t)
	job := createJob(t, svc, store)
	require.NoError(t, svc.TransitionJob(job, types.JobStatusDownloading, types.SourceWorker, "", nil))

	start := time.Now().UTC()
	require.NoError(t, svc.TransitionJob(job, types.JobStatusTorrentDownloadRetry, types.SourceWorker, "swarm timeout", nil))

	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.NextRetryAt)
	delay := job.NextRetryAt.Sub(start)
	assert.InDelta(t, (30 * time.Second).Seconds(), delay.Seconds(), 2.0)
	assert.Equal(t, "swarm timeout", job.ErrorMessage)
}

func TestRetryCeilingForcesTerminalFailure(t *testing.T) {
	svc, store := newTestService(t)
	job := createJob(t, svc, store)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.TransitionJob(job, types.JobStatusDownloading, types.SourceWorker, "", nil))
		require.NoError(t, svc.TransitionJob(job, types.JobStatusTorrentDownloadRetry, types.SourceWorker, "fail", nil))
		assert.Equal(t, i+1, job.RetryCount)
	}

	// 6th failure: the RETRY target is forced to TORRENT_FAILED.
	require.NoError(t, svc.TransitionJob(job, types.JobStatusDownloading, types.SourceWorker, "", nil))
	require.NoError(t, svc.TransitionJob(job, types.JobStatusTorrentDownloadRetry, types.SourceWorker, "fail", nil))

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTorrentFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.NextRetryAt)
}

func TestCancelledSetsCompletedAt(t *testing.T) {
	svc, store := newTestService(t)
	job := createJob(t, svc, store)

	require.NoError(t, svc.TransitionJob(job, types.JobStatusCancelled, types.SourceUser, "", nil))

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, stored.Status)
	assert.NotNil(t, stored.CompletedAt, "cancellation is terminal and must set completedAt")
}

func TestHistoryIsMonotoneAndChained(t *testing.T) {
	svc, store := newTestService(t)
	job := createJob(t, svc, store)

	steps := []types.JobStatus{
		types.JobStatusDownloading,
		types.JobStatusTorrentDownloadRetry,
		types.JobStatusDownloading,
		types.JobStatusPendingUpload,
		types.JobStatusUploading,
		types.JobStatusCompleted,
	}
	for _, to := range steps {
		require.NoError(t, svc.TransitionJob(job, to, types.SourceWorker, "", nil))
	}

	hist, err := store.ListJobHistory(job.ID)
	require.NoError(t, err)
	require.Len(t, hist, len(steps)+1)

	assert.Empty(t, hist[0].FromStatus, "first row's fromStatus is empty")
	for i := 1; i < len(hist); i++ {
		assert.Equal(t, hist[i-1].ToStatus, hist[i].FromStatus, "row %d must chain", i)
		assert.False(t, hist[i].ChangedAt.Before(hist[i-1].ChangedAt), "row %d must not go back in time", i)
	}
	assert.Equal(t, string(types.JobStatusCompleted), hist[len(hist)-1].ToStatus)
}

func TestConcurrentTransitionsKeepHistoryChained(t *testing.T) {
	// A user cancel races a worker's DOWNLOADING -> PENDING_UPLOAD. Both
	// must validate against the committed status, never a stale read: the
	// loser either chains after the winner or is rejected outright.
	for i := 0; i < 50; i++ {
		svc, store := newTestService(t)
		job := createJob(t, svc, store)
		require.NoError(t, svc.TransitionJob(job, types.JobStatusDownloading, types.SourceWorker, "", nil))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			j := *job
			svc.TransitionJob(&j, types.JobStatusCancelled, types.SourceUser, "", nil)
		}()
		go func() {
			defer wg.Done()
			j := *job
			svc.TransitionJob(&j, types.JobStatusPendingUpload, types.SourceWorker, "", nil)
		}()
		wg.Wait()

		hist, err := store.ListJobHistory(job.ID)
		require.NoError(t, err)
		for k := 1; k < len(hist); k++ {
			require.Equal(t, hist[k-1].ToStatus, hist[k].FromStatus,
				"iteration %d: history chain broken at row %d: %s -> %s after %s",
				i, k, hist[k].FromStatus, hist[k].ToStatus, hist[k-1].ToStatus)
			require.True(t,
				jobAllowed(types.JobStatus(hist[k].FromStatus), types.JobStatus(hist[k].ToStatus)),
				"iteration %d: row %d records an illegal transition %s -> %s",
				i, k, hist[k].FromStatus, hist[k].ToStatus)
		}
	}
}

func TestSyncStateMachine(t *testing.T) {
	svc, store := newTestService(t)

	sn := &types.Sync{UserID: 1, JobID: 1, ProfileID: 1, Status: types.SyncStatusPending}
	require.NoError(t, store.CreateSync(sn))
	require.NoError(t, svc.RecordSyncCreated(sn, types.SourceUser))

	require.NoError(t, svc.TransitionSync(sn, types.SyncStatusSyncing, types.SourceWorker, "", nil))
	require.NoError(t, svc.TransitionSync(sn, types.SyncStatusRetry, types.SourceWorker, "network", nil))
	assert.Equal(t, 1, sn.RetryCount)
	require.NoError(t, svc.TransitionSync(sn, types.SyncStatusSyncing, types.SourceRecovery, "", nil))
	require.NoError(t, svc.TransitionSync(sn, types.SyncStatusCompleted, types.SourceWorker, "", nil))
	assert.NotNil(t, sn.CompletedAt)

	err := svc.TransitionSync(sn, types.SyncStatusSyncing, types.SourceWorker, "", nil)
	assert.True(t, errdefs.HasCode(err, errdefs.CodeInvalidState))
}
