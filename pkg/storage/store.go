package storage

import (
	"time"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errdefs.New(errdefs.CodeNotFound, "entity not found")

// Store defines the interface for the durable entity store.
// Implemented by BoltStore (embedded) and SQLStore (Postgres).
type Store interface {
	// Jobs
	CreateJob(job *types.UserJob) error
	GetJob(id int64) (*types.UserJob, error)
	UpdateJob(job *types.UserJob) error
	ListJobsByStatus(statuses ...types.JobStatus) ([]*types.UserJob, error)
	// FindActiveJob returns the non-terminal job for (user, content,
	// destination), if any. Used to coalesce duplicate submissions.
	FindActiveJob(userID, requestedFileID, profileID int64) (*types.UserJob, error)
	// FindOrCreateActiveJob inserts the job unless a non-terminal row for
	// the same (user, content, destination) already exists, in which case
	// that row is returned instead. Check and insert happen in a single
	// transaction so concurrent submissions cannot both create a row.
	FindOrCreateActiveJob(job *types.UserJob) (*types.UserJob, bool, error)
	TouchJobHeartbeat(id int64, at time.Time) error
	// ApplyJobTransition loads the job row, applies mutate to it, and
	// writes the updated row plus the returned history row, all in one
	// transaction. An error from mutate aborts the transaction and is
	// returned unchanged.
	ApplyJobTransition(id int64, mutate func(*types.UserJob) (*types.StatusHistory, error)) (*types.UserJob, error)
	ListJobHistory(jobID int64) ([]*types.StatusHistory, error)

	// Requested files
	CreateRequestedFile(rf *types.RequestedFile) error
	GetRequestedFile(id int64) (*types.RequestedFile, error)
	FindRequestedFile(infoHash string, uploaderID int64) (*types.RequestedFile, error)
	SetRequestedFileBlobURL(id int64, url string) error

	// Storage profiles
	CreateProfile(p *types.StorageProfile) error
	GetProfile(id int64) (*types.StorageProfile, error)
	ListProfiles(userID int64) ([]*types.StorageProfile, error)
	GetDefaultProfile(userID int64) (*types.StorageProfile, error)
	// SetDefaultProfile marks one profile default and clears the flag on
	// every other profile of the same user in the same transaction.
	SetDefaultProfile(userID, profileID int64) error

	// Upload progress
	SaveUploadProgress(p *types.UploadProgress) error
	GetUploadProgress(jobID int64, remoteKey string) (*types.UploadProgress, error)
	ListUploadProgress(jobID int64) ([]*types.UploadProgress, error)
	DeleteUploadProgress(jobID int64, remoteKey string) error

	// Syncs
	CreateSync(s *types.Sync) error
	GetSync(id int64) (*types.Sync, error)
	UpdateSync(s *types.Sync) error
	ListSyncsByStatus(statuses ...types.SyncStatus) ([]*types.Sync, error)
	TouchSyncHeartbeat(id int64, at time.Time) error
	ApplySyncTransition(id int64, mutate func(*types.Sync) (*types.StatusHistory, error)) (*types.Sync, error)
	ListSyncHistory(syncID int64) ([]*types.StatusHistory, error)

	// Utility
	Close() error
}
