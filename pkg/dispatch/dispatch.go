package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/status"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/torrent"
	"github.com/seedvault/seedvault/pkg/types"
)

// Payload is the queue message for every job task: just the row id. All
// state lives in the store so a replayed message is harmless.
type Payload struct {
	JobID int64 `json:"jobId"`
}

// SyncPayload is the queue message for sync tasks.
type SyncPayload struct {
	SyncID int64 `json:"syncId"`
}

// EncodePayload marshals a job payload.
func EncodePayload(jobID int64) []byte {
	b, _ := json.Marshal(Payload{JobID: jobID})
	return b
}

// DecodePayload unmarshals a job payload.
func DecodePayload(raw []byte) (int64, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil || p.JobID == 0 {
		return 0, errdefs.New(errdefs.CodeQueueError, "malformed job payload %q", raw)
	}
	return p.JobID, nil
}

// EncodeSyncPayload marshals a sync payload.
func EncodeSyncPayload(syncID int64) []byte {
	b, _ := json.Marshal(SyncPayload{SyncID: syncID})
	return b
}

// DecodeSyncPayload unmarshals a sync payload.
func DecodeSyncPayload(raw []byte) (int64, error) {
	var p SyncPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SyncID == 0 {
		return 0, errdefs.New(errdefs.CodeQueueError, "malformed sync payload %q", raw)
	}
	return p.SyncID, nil
}

// Route binds a provider or job kind to its named queue.
type Route struct {
	Queue string
}

// Request describes a job to create
type Request struct {
	UserID          int64
	ProfileID       int64
	RequestedFileID int64
	Selection       []int
}

// Dispatcher creates job rows and places their tasks on the correct named
// queue. Routing is by registration: providers and job kinds register at
// startup, and dispatching to an unregistered key is an error, not a
// silent default.
type Dispatcher struct {
	store  storage.Store
	status *status.Service
	queues *queue.Client

	mu     sync.RWMutex
	routes map[string]Route
}

// NewDispatcher creates a dispatcher with no routes registered.
func NewDispatcher(store storage.Store, statusSvc *status.Service, queues *queue.Client) *Dispatcher {
	return &Dispatcher{
		store:  store,
		status: statusSvc,
		queues: queues,
		routes: make(map[string]Route),
	}
}

// Register binds a routing key (a provider name or job kind) to a queue.
// Duplicate registration is a programming error and panics at startup.
func (d *Dispatcher) Register(key string, route Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.routes[key]; dup {
		panic(fmt.Sprintf("dispatch: duplicate route registration for %q", key))
	}
	d.routes[key] = route
}

// RegisterAll registers a key-to-queue map, typically config.Queues.
func (d *Dispatcher) RegisterAll(queues map[string]string) {
	for key, q := range queues {
		d.Register(key, Route{Queue: q})
	}
}

func (d *Dispatcher) route(key string) (Route, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[key]
	if !ok {
		return Route{}, errdefs.New(errdefs.CodeQueueError, "no queue registered for %q", key)
	}
	return r, nil
}

// CreateJob validates the request, coalesces duplicates, creates the
// QUEUED row with its first history entry, and enqueues the download task.
func (d *Dispatcher) CreateJob(ctx context.Context, req Request) (*types.UserJob, error) {
	rf, err := d.store.GetRequestedFile(req.RequestedFileID)
	if err != nil {
		return nil, err
	}
	if err := torrent.ValidateDescriptor(rf); err != nil {
		return nil, err
	}

	profile, err := d.store.GetProfile(req.ProfileID)
	if err != nil {
		if errdefs.HasCode(err, errdefs.CodeNotFound) {
			return nil, errdefs.New(errdefs.CodeProfileNotFound, "storage profile %d not found", req.ProfileID)
		}
		return nil, err
	}
	if !profile.IsActive {
		return nil, errdefs.New(errdefs.CodeProfileInactive, "storage profile %d is inactive", profile.ID)
	}

	job := &types.UserJob{
		UserID:          req.UserID,
		ProfileID:       req.ProfileID,
		RequestedFileID: req.RequestedFileID,
		Kind:            types.JobKindTorrent,
		Status:          types.JobStatusQueued,
		Selection:       req.Selection,
		TotalBytes:      torrent.SelectionBytes(rf, req.Selection),
	}
	// Find-or-create is one store transaction, so two racing submissions
	// of the same (user, content, destination) cannot both insert a row.
	row, created, err := d.store.FindOrCreateActiveJob(job)
	if err != nil {
		return nil, err
	}
	if !created {
		logger := log.WithComponent("dispatch")
		logger.Info().Int64("job_id", row.ID).
			Msg("coalescing duplicate job submission")
		return row, nil
	}
	if err := d.status.RecordCreated(job, types.SourceUser); err != nil {
		return nil, err
	}

	if err := d.EnqueueDownload(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueDownload places the job on the torrent download queue and stores
// the runtime handle on the row.
func (d *Dispatcher) EnqueueDownload(ctx context.Context, job *types.UserJob) error {
	r, err := d.route(string(types.JobKindTorrent))
	if err != nil {
		return err
	}
	handle, err := d.queues.Enqueue(ctx, r.Queue, EncodePayload(job.ID))
	if err != nil {
		return err
	}
	job.QueueTaskID = handle
	return d.store.UpdateJob(job)
}

// EnqueueUpload routes the job to its provider's upload queue.
func (d *Dispatcher) EnqueueUpload(ctx context.Context, job *types.UserJob) error {
	profile, err := d.store.GetProfile(job.ProfileID)
	if err != nil {
		return err
	}
	r, err := d.route(string(profile.Provider))
	if err != nil {
		return err
	}
	handle, err := d.queues.Enqueue(ctx, r.Queue, EncodePayload(job.ID))
	if err != nil {
		return err
	}
	job.QueueTaskID = handle
	return d.store.UpdateJob(job)
}

// CreateSync creates a PENDING sync row for an already-downloaded job
// directory and enqueues it.
func (d *Dispatcher) CreateSync(ctx context.Context, userID, jobID, profileID int64, localPath string, totalBytes int64) (*types.Sync, error) {
	sn := &types.Sync{
		UserID:     userID,
		JobID:      jobID,
		ProfileID:  profileID,
		Status:     types.SyncStatusPending,
		LocalPath:  localPath,
		TotalBytes: totalBytes,
	}
	if err := d.store.CreateSync(sn); err != nil {
		return nil, err
	}
	if err := d.status.RecordSyncCreated(sn, types.SourceUser); err != nil {
		return nil, err
	}

	r, err := d.route(string(types.JobKindSync))
	if err != nil {
		return nil, err
	}
	handle, err := d.queues.Enqueue(ctx, r.Queue, EncodeSyncPayload(sn.ID))
	if err != nil {
		return nil, err
	}
	sn.QueueTaskID = handle
	if err := d.store.UpdateSync(sn); err != nil {
		return nil, err
	}
	return sn, nil
}

// errAlreadyRefunded aborts the refund transaction without writing a
// second audit row.
var errAlreadyRefunded = errors.New("already refunded")

// MarkRefunded records the wallet compensation on a terminally failed job.
// The refund itself happens in the billing tier; this only flips the flag
// and appends the audit row.
func (d *Dispatcher) MarkRefunded(jobID int64) error {
	_, err := d.store.ApplyJobTransition(jobID, func(job *types.UserJob) (*types.StatusHistory, error) {
		if !job.Status.IsTerminal() {
			return nil, errdefs.New(errdefs.CodeInvalidState, "job %d is not terminal, cannot refund", jobID)
		}
		if job.IsRefunded {
			return nil, errAlreadyRefunded
		}
		job.IsRefunded = true
		return &types.StatusHistory{
			TargetID:   job.ID,
			FromStatus: string(job.Status),
			ToStatus:   string(job.Status),
			Source:     types.SourceSystem,
			Metadata:   map[string]string{"refunded": "true"},
			ChangedAt:  time.Now().UTC(),
		}, nil
	})
	if errors.Is(err, errAlreadyRefunded) {
		return nil
	}
	return err
}
