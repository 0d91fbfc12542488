package types

import (
	"time"
)

// JobKind defines the kind of work a UserJob performs
type JobKind string

const (
	JobKindTorrent JobKind = "torrent"
	JobKindSync    JobKind = "sync"
)

// Provider identifies a cloud storage destination
type Provider string

const (
	ProviderGoogleDrive Provider = "googledrive"
	ProviderAwsS3       Provider = "s3"
	ProviderOneDrive    Provider = "onedrive"
	ProviderDropbox     Provider = "dropbox"
)

// JobStatus represents the state of a UserJob in its lifecycle
type JobStatus string

const (
	JobStatusQueued               JobStatus = "QUEUED"
	JobStatusDownloading          JobStatus = "DOWNLOADING"
	JobStatusTorrentDownloadRetry JobStatus = "TORRENT_DOWNLOAD_RETRY"
	JobStatusPendingUpload        JobStatus = "PENDING_UPLOAD"
	JobStatusUploading            JobStatus = "UPLOADING"
	JobStatusUploadRetry          JobStatus = "UPLOAD_RETRY"
	JobStatusCompleted            JobStatus = "COMPLETED"
	JobStatusCancelled            JobStatus = "CANCELLED"
	JobStatusTorrentFailed        JobStatus = "TORRENT_FAILED"
	JobStatusUploadFailed         JobStatus = "UPLOAD_FAILED"
	JobStatusGoogleDriveFailed    JobStatus = "GOOGLE_DRIVE_FAILED"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled,
		JobStatusTorrentFailed, JobStatusUploadFailed, JobStatusGoogleDriveFailed:
		return true
	}
	return false
}

// IsRetry reports whether s is a scheduled-retry status.
func (s JobStatus) IsRetry() bool {
	return s == JobStatusTorrentDownloadRetry || s == JobStatusUploadRetry
}

// SyncStatus represents the state of a Sync in its lifecycle
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "PENDING"
	SyncStatusSyncing   SyncStatus = "SYNCING"
	SyncStatusRetry     SyncStatus = "SYNC_RETRY"
	SyncStatusCompleted SyncStatus = "COMPLETED"
	SyncStatusFailed    SyncStatus = "FAILED"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// TransitionSource identifies who initiated a status transition
type TransitionSource string

const (
	SourceWorker   TransitionSource = "worker"
	SourceUser     TransitionSource = "user"
	SourceSystem   TransitionSource = "system"
	SourceRecovery TransitionSource = "recovery"
)

// UserJob represents one execution of the pipeline for one user
type UserJob struct {
	ID              int64
	UserID          int64
	ProfileID       int64
	Kind            JobKind
	Status          JobStatus
	RequestedFileID int64

	// Selection holds the indexes of the torrent files chosen by the user.
	// Empty means all files.
	Selection []int

	BytesDownloaded int64
	BytesUploaded   int64
	TotalBytes      int64

	DownloadPath string
	CurrentState string // human-readable progress message
	ErrorMessage string

	RetryCount  int
	NextRetryAt *time.Time

	// QueueTaskID is the queue-runtime handle of the most recently
	// enqueued task for this job.
	QueueTaskID string

	LastHeartbeat *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time

	IsRefunded bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TorrentFile is a single file inside a torrent's file list
type TorrentFile struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

// RequestedFile is the parsed content descriptor of a torrent.
// Deduplicated by (info-hash, uploader); immutable after creation except
// for the blob URL backfill.
type RequestedFile struct {
	ID         int64
	UploaderID int64
	Name       string
	InfoHashV1 string // 40-char hex SHA-1, empty for v2-only torrents
	TotalBytes int64
	Files      []TorrentFile
	Announce   []string
	BlobURL    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StorageProfile is a user's cloud destination
type StorageProfile struct {
	ID       int64
	UserID   int64
	Provider Provider

	// Credentials is the AES-256-GCM encrypted credential bag.
	Credentials []byte

	Email     string
	IsDefault bool
	IsActive  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UploadProgressStatus is the lifecycle state of an UploadProgress row
type UploadProgressStatus string

const (
	UploadInProgress UploadProgressStatus = "in_progress"
	UploadCompleted  UploadProgressStatus = "completed"
)

// PartETag records one completed multipart piece
type PartETag struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// UploadProgress tracks a resumable multipart upload of one file within a job.
// The part list is kept strictly sorted by part number; the row is removed
// once the remote object is completed.
type UploadProgress struct {
	ID    int64
	JobID int64

	RemoteKey string
	Provider  Provider

	// UploadSessionID is the provider-specific session identifier: the
	// multipart upload id for S3-style stores, the resumable session URI
	// for Google Drive.
	UploadSessionID string

	PartSize       int64
	TotalParts     int
	PartsCompleted int
	Parts          []PartETag
	BytesUploaded  int64
	TotalBytes     int64

	Status UploadProgressStatus

	StartedAt   time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// NextPart returns the first part number that has not been uploaded yet.
func (p *UploadProgress) NextPart() int {
	max := 0
	for _, part := range p.Parts {
		if part.PartNumber > max {
			max = part.PartNumber
		}
	}
	return max + 1
}

// StatusHistory is one append-only audit row for a job or sync transition.
// FromStatus is empty for the first row of a target.
type StatusHistory struct {
	ID         int64
	TargetID   int64
	FromStatus string
	ToStatus   string
	Source     TransitionSource
	Error      string
	Metadata   map[string]string
	ChangedAt  time.Time
}

// Sync represents a deferred cloud sync of an already-downloaded directory
type Sync struct {
	ID        int64
	UserID    int64
	JobID     int64
	ProfileID int64
	Status    SyncStatus

	LocalPath     string
	BytesSynced   int64
	TotalBytes    int64
	ErrorMessage  string
	RetryCount    int
	NextRetryAt   *time.Time
	QueueTaskID   string
	LastHeartbeat *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScrapeResult is the per-tracker outcome of a BEP-15 scrape
type ScrapeResult struct {
	Tracker   string
	Seeders   int32
	Leechers  int32
	Completed int32
	Err       error
}

// ScrapeAggregate combines scrape results across a tracker set
type ScrapeAggregate struct {
	InfoHash        string
	Seeders         int32
	Leechers        int32
	Completed       int32
	TrackersSuccess int
	TrackersTotal   int
	ScrapedAt       time.Time
}
