package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedvault/seedvault/pkg/config"
	"github.com/seedvault/seedvault/pkg/kv"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/status"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/types"
)

type fixture struct {
	store   storage.Store
	status  *status.Service
	queues  *queue.Client
	rdb     *redis.Client
	monitor *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb)
	queues := queue.NewClient(client)
	statusSvc := status.NewService(store, status.DefaultConfig())

	return &fixture{
		store:   store,
		status:  statusSvc,
		queues:  queues,
		rdb:     rdb,
		monitor: NewMonitor(store, statusSvc, queues, config.Default()),
	}
}

// jumpAhead makes every running row look stale and every retry row look due.
func (f *fixture) jumpAhead(d time.Duration) {
	f.monitor.now = func() time.Time { return time.Now().Add(d) }
}

func (f *fixture) makeJob(t *testing.T, target types.JobStatus) *types.UserJob {
	t.Helper()
	profile := &types.StorageProfile{UserID: 1, Provider: types.ProviderAwsS3, Credentials: []byte("x"), IsActive: true}
	require.NoError(t, f.store.CreateProfile(profile))

	job := &types.UserJob{
		UserID:          1,
		ProfileID:       profile.ID,
		RequestedFileID: 1,
		Kind:            types.JobKindTorrent,
		Status:          types.JobStatusQueued,
		TotalBytes:      100,
	}
	require.NoError(t, f.store.CreateJob(job))
	require.NoError(t, f.status.RecordCreated(job, types.SourceUser))

	paths := map[types.JobStatus][]types.JobStatus{
		types.JobStatusDownloading: {types.JobStatusDownloading},
		types.JobStatusUploading:   {types.JobStatusDownloading, types.JobStatusPendingUpload, types.JobStatusUploading},
		types.JobStatusTorrentDownloadRetry: {
			types.JobStatusDownloading, types.JobStatusTorrentDownloadRetry,
		},
	}
	for _, step := range paths[target] {
		require.NoError(t, f.status.TransitionJob(job, step, types.SourceWorker, "", nil))
	}
	return job
}

func TestStaleDownloadIsRecovered(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusDownloading)
	f.jumpAhead(10 * time.Minute)
	ctx := context.Background()

	f.monitor.RunOnce(ctx)

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTorrentDownloadRetry, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotEmpty(t, stored.QueueTaskID)

	state, err := f.queues.Inspect(ctx, stored.QueueTaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateEnqueued, state, "backoff already elapsed at recovery time")

	hist, err := f.store.ListJobHistory(job.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, types.SourceRecovery, last.Source)
}

func TestFreshJobIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusDownloading)
	now := time.Now().UTC()
	require.NoError(t, f.store.TouchJobHeartbeat(job.ID, now))

	f.monitor.RunOnce(context.Background())

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusDownloading, stored.Status)
}

func TestPendingHandleSkipsRecovery(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusDownloading)
	ctx := context.Background()

	// The task is still sitting on the queue; a second copy would race it.
	handle, err := f.queues.Enqueue(ctx, "torrents", []byte(`{"jobId":1}`))
	require.NoError(t, err)
	job.QueueTaskID = handle
	require.NoError(t, f.store.UpdateJob(job))

	f.jumpAhead(10 * time.Minute)
	f.monitor.RunOnce(ctx)

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusDownloading, stored.Status)
	assert.Equal(t, handle, stored.QueueTaskID)
}

func TestDueRetryRowIsReEnqueued(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusTorrentDownloadRetry)
	f.jumpAhead(10 * time.Minute)
	ctx := context.Background()

	f.monitor.RunOnce(ctx)

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTorrentDownloadRetry, stored.Status, "no extra transition for rows already in retry")
	assert.Equal(t, 1, stored.RetryCount)
	require.NotEmpty(t, stored.QueueTaskID)

	n, err := f.queues.PendingCount(ctx, "torrents")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNotYetDueRetryRowWaits(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusTorrentDownloadRetry)

	// Real clock: NextRetryAt is ~30s out, so the row is not due.
	f.monitor.RunOnce(context.Background())

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.QueueTaskID)
}

func TestRetryCeilingFailsTerminally(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusDownloading)
	job.RetryCount = 5
	require.NoError(t, f.store.UpdateJob(job))

	f.jumpAhead(10 * time.Minute)
	ctx := context.Background()
	f.monitor.RunOnce(ctx)

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTorrentFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	n, err := f.queues.PendingCount(ctx, "torrents")
	require.NoError(t, err)
	assert.Zero(t, n, "terminally failed jobs are not re-enqueued")
}

func TestStaleUploadGoesToProviderQueue(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusUploading)
	f.jumpAhead(10 * time.Minute)
	ctx := context.Background()

	f.monitor.RunOnce(ctx)

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusUploadRetry, stored.Status)

	n, err := f.queues.PendingCount(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "upload-phase recovery routes to the provider queue")
}

func TestStaleSyncIsRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sn := &types.Sync{UserID: 1, JobID: 1, ProfileID: 1, Status: types.SyncStatusPending, LocalPath: "/tmp/x"}
	require.NoError(t, f.store.CreateSync(sn))
	require.NoError(t, f.status.RecordSyncCreated(sn, types.SourceUser))
	require.NoError(t, f.status.TransitionSync(sn, types.SyncStatusSyncing, types.SourceWorker, "", nil))

	f.jumpAhead(10 * time.Minute)
	f.monitor.RunOnce(ctx)

	stored, err := f.store.GetSync(sn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusRetry, stored.Status)
	require.NotEmpty(t, stored.QueueTaskID)

	n, err := f.queues.PendingCount(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessingHandleWithStaleHeartbeatIsRecovered(t *testing.T) {
	f := newFixture(t)
	job := f.makeJob(t, types.JobStatusDownloading)
	ctx := context.Background()

	handle, err := f.queues.Enqueue(ctx, "torrents", []byte(`{"jobId":1}`))
	require.NoError(t, err)
	// Simulate the runtime having handed the task to a worker that died.
	require.NoError(t, f.rdb.HSet(ctx, "queue:task:"+handle, "state", "processing").Err())
	require.NoError(t, f.rdb.LRem(ctx, "queue:torrents:pending", 0, handle).Err())

	job.QueueTaskID = handle
	require.NoError(t, f.store.UpdateJob(job))

	f.jumpAhead(10 * time.Minute)
	f.monitor.RunOnce(ctx)

	stored, err := f.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTorrentDownloadRetry, stored.Status, "the row's heartbeat outranks the runtime's processing state")
}
