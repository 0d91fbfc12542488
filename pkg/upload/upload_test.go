package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/types"
)

// fakeRemote is an in-memory Remote with scriptable failures.
type fakeRemote struct {
	mu sync.Mutex

	objects  map[string]int64            // key -> size, pre-existing objects
	sessions map[string]string           // sessionID -> key
	parts    map[string][]types.PartETag // sessionID -> accepted parts
	nextID   int

	// failPart makes the given part number fail that many times.
	failPart map[int]int
	// expiredSessions rejects these ids on ListParts/UploadPart.
	expiredSessions map[string]bool

	uploadCalls int
	completed   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:         map[string]int64{},
		sessions:        map[string]string{},
		parts:           map[string][]types.PartETag{},
		failPart:        map[int]int{},
		expiredSessions: map[string]bool{},
	}
}

func (f *fakeRemote) Exists(ctx context.Context, key string, size int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.objects[key]
	return ok && got == size, nil
}

func (f *fakeRemote) CreateSession(ctx context.Context, key string, size int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("session-%d", f.nextID)
	f.sessions[id] = key
	return id, nil
}

func (f *fakeRemote) ListParts(ctx context.Context, key, sessionID string, size int64) ([]types.PartETag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expiredSessions[sessionID] {
		return nil, errdefs.New(errdefs.CodeSessionExpired, "session %s expired", sessionID)
	}
	return append([]types.PartETag(nil), f.parts[sessionID]...), nil
}

func (f *fakeRemote) UploadPart(ctx context.Context, key, sessionID string, partNumber, totalParts int, r io.Reader, size, totalSize int64) (types.PartETag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if f.expiredSessions[sessionID] {
		return types.PartETag{}, errdefs.New(errdefs.CodeSessionExpired, "session %s expired", sessionID)
	}
	if n := f.failPart[partNumber]; n > 0 {
		f.failPart[partNumber] = n - 1
		return types.PartETag{}, fmt.Errorf("transient network error on part %d", partNumber)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return types.PartETag{}, err
	}
	etag := types.PartETag{PartNumber: partNumber, ETag: fmt.Sprintf("etag-%d", partNumber), Size: size}
	f.parts[sessionID] = append(f.parts[sessionID], etag)
	return etag, nil
}

func (f *fakeRemote) Complete(ctx context.Context, key, sessionID string, parts []types.PartETag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	f.objects[key] = total
	f.completed = append(f.completed, key)
	return nil
}

func (f *fakeRemote) Abort(ctx context.Context, key, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func testFile(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "payload.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func newTestEngine(t *testing.T, remote Remote, partSize int64) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cfg := Config{PartSize: partSize, PartRetries: 2, PartBackoff: time.Millisecond}
	return NewEngine(store, remote, types.ProviderAwsS3, cfg), store
}

func TestUploadFileHappyPath(t *testing.T) {
	remote := newFakeRemote()
	engine, store := newTestEngine(t, remote, 10)
	local := testFile(t, 25) // 3 parts: 10 + 10 + 5

	var reported []int64
	err := engine.UploadFile(context.Background(), 1, local, "jobs/1/payload.bin", func(n int64) {
		reported = append(reported, n)
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20, 25}, reported, "onPart reports cumulative bytes")
	assert.Equal(t, 3, remote.uploadCalls)
	assert.Equal(t, []string{"jobs/1/payload.bin"}, remote.completed)
	assert.Equal(t, int64(25), remote.objects["jobs/1/payload.bin"])

	_, err = store.GetUploadProgress(1, "jobs/1/payload.bin")
	assert.True(t, errdefs.HasCode(err, errdefs.CodeNotFound), "progress row is deleted on success")
}

func TestUploadFileResumesFromPersistedParts(t *testing.T) {
	remote := newFakeRemote()
	engine, store := newTestEngine(t, remote, 10)
	local := testFile(t, 50) // 5 parts

	// Part 3 fails more times than the retry budget: first run dies there.
	remote.failPart[3] = 5
	err := engine.UploadFile(context.Background(), 1, local, "jobs/1/payload.bin", nil)
	require.Error(t, err)
	assert.True(t, errdefs.HasCode(err, errdefs.CodeUploadFailed))

	prog, err := store.GetUploadProgress(1, "jobs/1/payload.bin")
	require.NoError(t, err)
	assert.Equal(t, 2, prog.PartsCompleted, "parts 1 and 2 are persisted")
	assert.Equal(t, int64(20), prog.BytesUploaded)

	// Second run: server reports parts 1-2, engine sends only 3-5.
	remote.failPart = map[int]int{}
	callsBefore := remote.uploadCalls
	err = engine.UploadFile(context.Background(), 1, local, "jobs/1/payload.bin", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, remote.uploadCalls-callsBefore, "already-accepted parts are not re-sent")
	assert.Equal(t, int64(50), remote.objects["jobs/1/payload.bin"])
	_, err = store.GetUploadProgress(1, "jobs/1/payload.bin")
	assert.True(t, errdefs.HasCode(err, errdefs.CodeNotFound))
}

func TestUploadFileRestartsWhenSessionExpired(t *testing.T) {
	remote := newFakeRemote()
	engine, store := newTestEngine(t, remote, 10)
	local := testFile(t, 30)

	// Fabricate a stale row whose session the server no longer accepts.
	remote.expiredSessions["stale-session"] = true
	now := time.Now().UTC()
	require.NoError(t, store.SaveUploadProgress(&types.UploadProgress{
		JobID:           1,
		RemoteKey:       "jobs/1/payload.bin",
		Provider:        types.ProviderAwsS3,
		UploadSessionID: "stale-session",
		PartSize:        10,
		TotalParts:      3,
		TotalBytes:      30,
		PartsCompleted:  2,
		BytesUploaded:   20,
		Parts: []types.PartETag{
			{PartNumber: 1, ETag: "old-1", Size: 10},
			{PartNumber: 2, ETag: "old-2", Size: 10},
		},
		Status:    types.UploadInProgress,
		StartedAt: now,
		UpdatedAt: now,
	}))

	err := engine.UploadFile(context.Background(), 1, local, "jobs/1/payload.bin", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, remote.uploadCalls, "expired session restarts from part 1")
	assert.Equal(t, int64(30), remote.objects["jobs/1/payload.bin"])
}

func TestUploadFileSkipsExistingObject(t *testing.T) {
	remote := newFakeRemote()
	engine, store := newTestEngine(t, remote, 10)
	local := testFile(t, 30)

	remote.objects["jobs/1/payload.bin"] = 30
	// Leftover row from the attempt that actually finished the object.
	now := time.Now().UTC()
	require.NoError(t, store.SaveUploadProgress(&types.UploadProgress{
		JobID:     1,
		RemoteKey: "jobs/1/payload.bin",
		Provider:  types.ProviderAwsS3,
		PartSize:  10,
		Status:    types.UploadInProgress,
		StartedAt: now,
		UpdatedAt: now,
	}))

	var reported []int64
	err := engine.UploadFile(context.Background(), 1, local, "jobs/1/payload.bin", func(n int64) {
		reported = append(reported, n)
	})
	require.NoError(t, err)

	assert.Zero(t, remote.uploadCalls)
	assert.Equal(t, []int64{30}, reported)
	_, err = store.GetUploadProgress(1, "jobs/1/payload.bin")
	assert.True(t, errdefs.HasCode(err, errdefs.CodeNotFound))
}

func TestUploadFileCancellationKeepsProgress(t *testing.T) {
	remote := newFakeRemote()
	engine, store := newTestEngine(t, remote, 10)
	local := testFile(t, 50)

	ctx, cancel := context.WithCancel(context.Background())
	err := engine.UploadFile(ctx, 1, local, "jobs/1/payload.bin", func(n int64) {
		if n >= 20 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.True(t, errdefs.HasCode(err, errdefs.CodeCancelled))

	prog, gerr := store.GetUploadProgress(1, "jobs/1/payload.bin")
	require.NoError(t, gerr)
	assert.GreaterOrEqual(t, prog.PartsCompleted, 2, "completed parts survive cancellation")
	assert.Empty(t, remote.completed)
}

func TestUploadFileStopsAtPartBoundaryOnCancelFlag(t *testing.T) {
	remote := newFakeRemote()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// The flag flips as soon as the remote has accepted a part, mimicking a
	// cancel signal landing mid-upload. The accepted part must be persisted
	// and the engine must stop before sending the next one.
	cfg := Config{
		PartSize:    10,
		PartRetries: 2,
		PartBackoff: time.Millisecond,
		Cancelled: func() bool {
			remote.mu.Lock()
			defer remote.mu.Unlock()
			return remote.uploadCalls >= 1
		},
	}
	engine := NewEngine(store, remote, types.ProviderAwsS3, cfg)
	local := testFile(t, 25) // 3 parts

	uerr := engine.UploadFile(context.Background(), 1, local, "jobs/1/payload.bin", nil)
	require.Error(t, uerr)
	assert.True(t, errdefs.HasCode(uerr, errdefs.CodeCancelled))

	assert.Equal(t, 1, remote.uploadCalls, "the in-flight part finishes, the next is never sent")
	assert.Empty(t, remote.completed)

	prog, gerr := store.GetUploadProgress(1, "jobs/1/payload.bin")
	require.NoError(t, gerr)
	assert.Equal(t, 1, prog.PartsCompleted, "the finished part survives for resume")
	assert.Equal(t, int64(10), prog.BytesUploaded)
}

func TestUploadFileEmptyFile(t *testing.T) {
	remote := newFakeRemote()
	engine, _ := newTestEngine(t, remote, 10)
	local := testFile(t, 0)

	err := engine.UploadFile(context.Background(), 1, local, "jobs/1/empty.bin", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.uploadCalls, "empty files still upload one zero-length part")
}

func TestRemoteKey(t *testing.T) {
	job := &types.UserJob{ID: 42}
	assert.Equal(t, "jobs/42/dir/file.bin", RemoteKey(job, "dir/file.bin"))
	assert.Equal(t, "jobs/42/file.bin", RemoteKey(job, "file.bin"))
}

func TestMergeParts(t *testing.T) {
	local := []types.PartETag{
		{PartNumber: 1, ETag: "l1", Size: 10},
		{PartNumber: 2, ETag: "l2", Size: 10},
	}
	server := []types.PartETag{
		{PartNumber: 2, ETag: "s2", Size: 10},
		{PartNumber: 3, ETag: "s3", Size: 10},
	}

	merged := mergeParts(local, server)
	require.Len(t, merged, 3)
	assert.Equal(t, "l1", merged[0].ETag)
	assert.Equal(t, "s2", merged[1].ETag, "server wins on conflict")
	assert.Equal(t, "s3", merged[2].ETag)
}
