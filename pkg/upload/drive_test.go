package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedvault/seedvault/pkg/errdefs"
)

// driveServer fakes the two Drive surfaces the remote touches: the
// resumable upload endpoint and the files list API.
type driveServer struct {
	*httptest.Server

	committed   int64
	totalSize   int64
	finalized   bool
	sessionLost bool
	chunkPuts   int
	listJSON    string
}

func newDriveServer(t *testing.T, totalSize int64) *driveServer {
	t.Helper()
	ds := &driveServer{totalSize: totalSize, listJSON: `{"files": []}`}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uploadType") != "resumable" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Location", ds.URL+"/session/1")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /session/1", func(w http.ResponseWriter, r *http.Request) {
		if ds.sessionLost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		cr := r.Header.Get("Content-Range")
		if strings.HasPrefix(cr, "bytes */") {
			// Status probe.
			if ds.finalized {
				w.WriteHeader(http.StatusOK)
				return
			}
			if ds.committed > 0 {
				w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", ds.committed-1))
			}
			w.WriteHeader(308)
			return
		}
		// Chunk upload.
		ds.chunkPuts++
		n, _ := io.Copy(io.Discard, r.Body)
		var start, end, total int64
		fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total)
		assert.Equal(t, ds.committed, start, "chunks must arrive in order")
		assert.Equal(t, end-start+1, n)
		ds.committed = end + 1
		if ds.committed >= ds.totalSize {
			ds.finalized = true
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(308)
	})
	mux.HandleFunc("DELETE /session/1", func(w http.ResponseWriter, r *http.Request) {
		ds.sessionLost = true
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, ds.listJSON)
	})

	ds.Server = httptest.NewServer(mux)
	t.Cleanup(ds.Close)
	return ds
}

func newDriveRemote(t *testing.T, ds *driveServer) *DriveRemote {
	t.Helper()
	remote, err := NewDriveRemote(context.Background(), ds.Client(), DriveConfig{
		FolderID:    "folder-1",
		UploadURL:   ds.URL + "/upload",
		APIEndpoint: ds.URL + "/",
	})
	require.NoError(t, err)
	return remote
}

func TestDriveSessionLifecycle(t *testing.T) {
	totalSize := int64(2*DriveChunkSize + 1024)
	ds := newDriveServer(t, totalSize)
	remote := newDriveRemote(t, ds)
	ctx := context.Background()

	session, err := remote.CreateSession(ctx, "jobs/1/file.bin", totalSize)
	require.NoError(t, err)
	assert.Equal(t, ds.URL+"/session/1", session)

	parts, err := remote.ListParts(ctx, "jobs/1/file.bin", session, totalSize)
	require.NoError(t, err)
	assert.Empty(t, parts, "fresh session has nothing committed")

	sizes := []int64{DriveChunkSize, DriveChunkSize, 1024}
	for i, size := range sizes {
		data := strings.NewReader(strings.Repeat("x", int(size)))
		etag, err := remote.UploadPart(ctx, "jobs/1/file.bin", session, i+1, len(sizes), data, size, totalSize)
		require.NoError(t, err)
		assert.Equal(t, i+1, etag.PartNumber)
		assert.Equal(t, size, etag.Size)
	}

	assert.True(t, ds.finalized)
	require.NoError(t, remote.Complete(ctx, "jobs/1/file.bin", session, nil))
}

func TestDriveListPartsReportsCommittedChunks(t *testing.T) {
	totalSize := int64(3 * DriveChunkSize)
	ds := newDriveServer(t, totalSize)
	remote := newDriveRemote(t, ds)

	// Server committed one full chunk plus a partial tail; only the full
	// chunk counts as a resumable part.
	ds.committed = DriveChunkSize + 4096

	parts, err := remote.ListParts(context.Background(), "jobs/1/file.bin", ds.URL+"/session/1", totalSize)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, int64(DriveChunkSize), parts[0].Size)
}

func TestDriveListPartsFinishedUpload(t *testing.T) {
	totalSize := int64(DriveChunkSize + 10)
	ds := newDriveServer(t, totalSize)
	remote := newDriveRemote(t, ds)
	ds.finalized = true

	parts, err := remote.ListParts(context.Background(), "jobs/1/file.bin", ds.URL+"/session/1", totalSize)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, int64(10), parts[1].Size)
}

func TestDriveLostSessionIsExpired(t *testing.T) {
	ds := newDriveServer(t, DriveChunkSize)
	remote := newDriveRemote(t, ds)
	ds.sessionLost = true
	ctx := context.Background()

	_, err := remote.ListParts(ctx, "jobs/1/file.bin", ds.URL+"/session/1", DriveChunkSize)
	assert.True(t, errdefs.HasCode(err, errdefs.CodeSessionExpired))

	_, err = remote.UploadPart(ctx, "jobs/1/file.bin", ds.URL+"/session/1",
		1, 1, strings.NewReader("x"), 1, DriveChunkSize)
	assert.True(t, errdefs.HasCode(err, errdefs.CodeSessionExpired))
}

func TestDriveExists(t *testing.T) {
	ds := newDriveServer(t, 0)
	remote := newDriveRemote(t, ds)
	ctx := context.Background()

	ds.listJSON = `{"files": [{"id": "abc", "size": "300"}]}`
	ok, err := remote.Exists(ctx, "jobs/1/file.bin", 300)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = remote.Exists(ctx, "jobs/1/file.bin", 400)
	require.NoError(t, err)
	assert.False(t, ok, "size mismatch is not a finished upload")

	ds.listJSON = `{"files": []}`
	ok, err = remote.Exists(ctx, "jobs/1/file.bin", 300)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunkParts(t *testing.T) {
	parts := chunkParts(0, 100)
	assert.Empty(t, parts)

	parts = chunkParts(2*DriveChunkSize, 3*DriveChunkSize)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, 2, parts[1].PartNumber)
}

func TestParseCommitted(t *testing.T) {
	n, err := parseCommitted("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = parseCommitted("bytes=0-8388607")
	require.NoError(t, err)
	assert.Equal(t, int64(8388608), n)

	_, err = parseCommitted("garbage")
	assert.Error(t, err)
}
