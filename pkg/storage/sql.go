package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/seedvault/seedvault/pkg/types"
)

// SQLStore implements Store on Postgres through sqlx. JSON-typed columns
// hold the selection vector, torrent file lists, part-etag lists, and
// history metadata. Schema is managed by goose (see migrations/).
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens a Postgres-backed store.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type jobRow struct {
	ID              int64      `db:"id"`
	UserID          int64      `db:"user_id"`
	ProfileID       int64      `db:"profile_id"`
	Kind            string     `db:"kind"`
	Status          string     `db:"status"`
	RequestedFileID int64      `db:"requested_file_id"`
	Selection       []byte     `db:"selection"`
	BytesDownloaded int64      `db:"bytes_downloaded"`
	BytesUploaded   int64      `db:"bytes_uploaded"`
	TotalBytes      int64      `db:"total_bytes"`
	DownloadPath    string     `db:"download_path"`
	CurrentState    string     `db:"current_state"`
	ErrorMessage    string     `db:"error_message"`
	RetryCount      int        `db:"retry_count"`
	NextRetryAt     *time.Time `db:"next_retry_at"`
	QueueTaskID     string     `db:"queue_task_id"`
	LastHeartbeat   *time.Time `db:"last_heartbeat"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	IsRefunded      bool       `db:"is_refunded"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r *jobRow) toJob() (*types.UserJob, error) {
	job := &types.UserJob{
		ID:              r.ID,
		UserID:          r.UserID,
		ProfileID:       r.ProfileID,
		Kind:            types.JobKind(r.Kind),
		Status:          types.JobStatus(r.Status),
		RequestedFileID: r.RequestedFileID,
		BytesDownloaded: r.BytesDownloaded,
		BytesUploaded:   r.BytesUploaded,
		TotalBytes:      r.TotalBytes,
		DownloadPath:    r.DownloadPath,
		CurrentState:    r.CurrentState,
		ErrorMessage:    r.ErrorMessage,
		RetryCount:      r.RetryCount,
		NextRetryAt:     r.NextRetryAt,
		QueueTaskID:     r.QueueTaskID,
		LastHeartbeat:   r.LastHeartbeat,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		IsRefunded:      r.IsRefunded,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Selection) > 0 {
		if err := json.Unmarshal(r.Selection, &job.Selection); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

const jobColumns = `id, user_id, profile_id, kind, status, requested_file_id, selection,
	bytes_downloaded, bytes_uploaded, total_bytes, download_path, current_state,
	error_message, retry_count, next_retry_at, queue_task_id, last_heartbeat,
	started_at, completed_at, is_refunded, created_at, updated_at`

func (s *SQLStore) CreateJob(job *types.UserJob) error {
	sel, err := marshalJSON(job.Selection)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	return s.db.QueryRow(`
		INSERT INTO user_jobs (user_id, profile_id, kind, status, requested_file_id,
			selection, bytes_downloaded, bytes_uploaded, total_bytes, download_path,
			current_state, error_message, retry_count, next_retry_at, queue_task_id,
			last_heartbeat, started_at, completed_at, is_refunded, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING id`,
		job.UserID, job.ProfileID, job.Kind, job.Status, job.RequestedFileID,
		sel, job.BytesDownloaded, job.BytesUploaded, job.TotalBytes, job.DownloadPath,
		job.CurrentState, job.ErrorMessage, job.RetryCount, job.NextRetryAt, job.QueueTaskID,
		job.LastHeartbeat, job.StartedAt, job.CompletedAt, job.IsRefunded, job.CreatedAt, job.UpdatedAt,
	).Scan(&job.ID)
}

func (s *SQLStore) GetJob(id int64) (*types.UserJob, error) {
	var row jobRow
	err := s.db.Get(&row, `SELECT `+jobColumns+` FROM user_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

func (s *SQLStore) UpdateJob(job *types.UserJob) error {
	return s.updateJobTx(s.db, job)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) updateJobTx(e execer, job *types.UserJob) error {
	sel, err := marshalJSON(job.Selection)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	res, err := e.Exec(`
		UPDATE user_jobs SET status=$2, selection=$3, bytes_downloaded=$4,
			bytes_uploaded=$5, total_bytes=$6, download_path=$7, current_state=$8,
			error_message=$9, retry_count=$10, next_retry_at=$11, queue_task_id=$12,
			last_heartbeat=$13, started_at=$14, completed_at=$15, is_refunded=$16,
			updated_at=$17
		WHERE id=$1`,
		job.ID, job.Status, sel, job.BytesDownloaded,
		job.BytesUploaded, job.TotalBytes, job.DownloadPath, job.CurrentState,
		job.ErrorMessage, job.RetryCount, job.NextRetryAt, job.QueueTaskID,
		job.LastHeartbeat, job.StartedAt, job.CompletedAt, job.IsRefunded,
		job.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListJobsByStatus(statuses ...types.JobStatus) ([]*types.UserJob, error) {
	if len(statuses) == 0 {
		return s.listJobs(`SELECT `+jobColumns+` FROM user_jobs ORDER BY id`, nil)
	}
	in := make([]string, len(statuses))
	for i, st := range statuses {
		in[i] = string(st)
	}
	query, args, err := sqlx.In(`SELECT `+jobColumns+` FROM user_jobs WHERE status IN (?) ORDER BY id`, in)
	if err != nil {
		return nil, err
	}
	return s.listJobs(s.db.Rebind(query), args)
}

func (s *SQLStore) listJobs(query string, args []any) ([]*types.UserJob, error) {
	var rows []jobRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	jobs := make([]*types.UserJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *SQLStore) FindActiveJob(userID, requestedFileID, profileID int64) (*types.UserJob, error) {
	var row jobRow
	err := s.db.Get(&row, `
		SELECT `+jobColumns+` FROM user_jobs
		WHERE user_id=$1 AND requested_file_id=$2 AND profile_id=$3
		  AND status NOT IN ('COMPLETED','CANCELLED','TORRENT_FAILED','UPLOAD_FAILED','GOOGLE_DRIVE_FAILED')
		ORDER BY id DESC LIMIT 1`,
		userID, requestedFileID, profileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

// FindOrCreateActiveJob relies on the partial unique index over active
// rows: a concurrent duplicate submission hits the conflict clause and
// falls through to the existing row instead of inserting a second one.
func (s *SQLStore) FindOrCreateActiveJob(job *types.UserJob) (*types.UserJob, bool, error) {
	sel, err := marshalJSON(job.Selection)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	err = s.db.QueryRow(`
		INSERT INTO user_jobs (user_id, profile_id, kind, status, requested_file_id,
			selection, bytes_downloaded, bytes_uploaded, total_bytes, download_path,
			current_state, error_message, retry_count, next_retry_at, queue_task_id,
			last_heartbeat, started_at, completed_at, is_refunded, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (user_id, requested_file_id, profile_id)
			WHERE status NOT IN ('COMPLETED','CANCELLED','TORRENT_FAILED','UPLOAD_FAILED','GOOGLE_DRIVE_FAILED')
			DO NOTHING
		RETURNING id`,
		job.UserID, job.ProfileID, job.Kind, job.Status, job.RequestedFileID,
		sel, job.BytesDownloaded, job.BytesUploaded, job.TotalBytes, job.DownloadPath,
		job.CurrentState, job.ErrorMessage, job.RetryCount, job.NextRetryAt, job.QueueTaskID,
		job.LastHeartbeat, job.StartedAt, job.CompletedAt, job.IsRefunded, job.CreatedAt, job.UpdatedAt,
	).Scan(&job.ID)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	existing, err := s.FindActiveJob(job.UserID, job.RequestedFileID, job.ProfileID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLStore) TouchJobHeartbeat(id int64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE user_jobs SET last_heartbeat=$2, updated_at=$3 WHERE id=$1`,
		id, at, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ApplyJobTransition(id int64, mutate func(*types.UserJob) (*types.StatusHistory, error)) (*types.UserJob, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The row lock serializes concurrent transitions of the same job, so
	// the from-status mutate validates against cannot go stale before the
	// commit. NOWAIT keeps a contended worker from stalling inside its
	// heartbeat window.
	var row jobRow
	err = tx.Get(&row, `SELECT `+jobColumns+` FROM user_jobs WHERE id=$1 FOR UPDATE NOWAIT`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job, err := row.toJob()
	if err != nil {
		return nil, err
	}

	hist, err := mutate(job)
	if err != nil {
		return nil, err
	}
	if err := s.updateJobTx(tx, job); err != nil {
		return nil, err
	}
	if err := insertHistory(tx, "job_status_history", hist); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func insertHistory(tx *sqlx.Tx, table string, hist *types.StatusHistory) error {
	meta, err := marshalJSON(hist.Metadata)
	if err != nil {
		return err
	}
	if hist.ChangedAt.IsZero() {
		hist.ChangedAt = time.Now().UTC()
	}
	return tx.QueryRow(`
		INSERT INTO `+table+` (target_id, from_status, to_status, source, error, metadata, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		hist.TargetID, hist.FromStatus, hist.ToStatus, hist.Source, hist.Error, meta, hist.ChangedAt,
	).Scan(&hist.ID)
}

type historyRow struct {
	ID         int64     `db:"id"`
	TargetID   int64     `db:"target_id"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Source     string    `db:"source"`
	Error      string    `db:"error"`
	Metadata   []byte    `db:"metadata"`
	ChangedAt  time.Time `db:"changed_at"`
}

func (s *SQLStore) listHistory(table string, targetID int64) ([]*types.StatusHistory, error) {
	var rows []historyRow
	err := s.db.Select(&rows, `
		SELECT id, target_id, from_status, to_status, source, error, metadata, changed_at
		FROM `+table+` WHERE target_id=$1 ORDER BY id`, targetID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.StatusHistory, 0, len(rows))
	for _, r := range rows {
		h := &types.StatusHistory{
			ID:         r.ID,
			TargetID:   r.TargetID,
			FromStatus: r.FromStatus,
			ToStatus:   r.ToStatus,
			Source:     types.TransitionSource(r.Source),
			Error:      r.Error,
			ChangedAt:  r.ChangedAt,
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &h.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *SQLStore) ListJobHistory(jobID int64) ([]*types.StatusHistory, error) {
	return s.listHistory("job_status_history", jobID)
}

// Requested file operations

type requestedFileRow struct {
	ID         int64     `db:"id"`
	UploaderID int64     `db:"uploader_id"`
	Name       string    `db:"name"`
	InfoHashV1 string    `db:"info_hash_v1"`
	TotalBytes int64     `db:"total_bytes"`
	Files      []byte    `db:"files"`
	Announce   []byte    `db:"announce"`
	BlobURL    string    `db:"blob_url"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *requestedFileRow) toRequestedFile() (*types.RequestedFile, error) {
	rf := &types.RequestedFile{
		ID:         r.ID,
		UploaderID: r.UploaderID,
		Name:       r.Name,
		InfoHashV1: r.InfoHashV1,
		TotalBytes: r.TotalBytes,
		BlobURL:    r.BlobURL,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Files) > 0 {
		if err := json.Unmarshal(r.Files, &rf.Files); err != nil {
			return nil, err
		}
	}
	if len(r.Announce) > 0 {
		if err := json.Unmarshal(r.Announce, &rf.Announce); err != nil {
			return nil, err
		}
	}
	return rf, nil
}

func (s *SQLStore) CreateRequestedFile(rf *types.RequestedFile) error {
	files, err := marshalJSON(rf.Files)
	if err != nil {
		return err
	}
	announce, err := marshalJSON(rf.Announce)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rf.CreatedAt = now
	rf.UpdatedAt = now
	return s.db.QueryRow(`
		INSERT INTO requested_files (uploader_id, name, info_hash_v1, total_bytes, files, announce, blob_url, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		rf.UploaderID, rf.Name, rf.InfoHashV1, rf.TotalBytes, files, announce, rf.BlobURL, rf.CreatedAt, rf.UpdatedAt,
	).Scan(&rf.ID)
}

func (s *SQLStore) GetRequestedFile(id int64) (*types.RequestedFile, error) {
	var row requestedFileRow
	err := s.db.Get(&row, `SELECT * FROM requested_files WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRequestedFile()
}

func (s *SQLStore) FindRequestedFile(infoHash string, uploaderID int64) (*types.RequestedFile, error) {
	var row requestedFileRow
	err := s.db.Get(&row, `SELECT * FROM requested_files WHERE info_hash_v1=$1 AND uploader_id=$2`, infoHash, uploaderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRequestedFile()
}

func (s *SQLStore) SetRequestedFileBlobURL(id int64, url string) error {
	res, err := s.db.Exec(`UPDATE requested_files SET blob_url=$2, updated_at=$3 WHERE id=$1`,
		id, url, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Storage profile operations

type profileRow struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	Provider    string    `db:"provider"`
	Credentials []byte    `db:"credentials"`
	Email       string    `db:"email"`
	IsDefault   bool      `db:"is_default"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *profileRow) toProfile() *types.StorageProfile {
	return &types.StorageProfile{
		ID:          r.ID,
		UserID:      r.UserID,
		Provider:    types.Provider(r.Provider),
		Credentials: r.Credentials,
		Email:       r.Email,
		IsDefault:   r.IsDefault,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *SQLStore) CreateProfile(p *types.StorageProfile) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return s.db.QueryRow(`
		INSERT INTO storage_profiles (user_id, provider, credentials, email, is_default, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		p.UserID, p.Provider, p.Credentials, p.Email, p.IsDefault, p.IsActive, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
}

func (s *SQLStore) GetProfile(id int64) (*types.StorageProfile, error) {
	var row profileRow
	err := s.db.Get(&row, `SELECT * FROM storage_profiles WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toProfile(), nil
}

func (s *SQLStore) ListProfiles(userID int64) ([]*types.StorageProfile, error) {
	var rows []profileRow
	if err := s.db.Select(&rows, `SELECT * FROM storage_profiles WHERE user_id=$1 ORDER BY id`, userID); err != nil {
		return nil, err
	}
	out := make([]*types.StorageProfile, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toProfile())
	}
	return out, nil
}

func (s *SQLStore) GetDefaultProfile(userID int64) (*types.StorageProfile, error) {
	var row profileRow
	err := s.db.Get(&row, `SELECT * FROM storage_profiles WHERE user_id=$1 AND is_default`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toProfile(), nil
}

func (s *SQLStore) SetDefaultProfile(userID, profileID int64) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE storage_profiles SET is_default=false, updated_at=$2 WHERE user_id=$1 AND is_default`,
		userID, time.Now().UTC()); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE storage_profiles SET is_default=true, updated_at=$3 WHERE id=$1 AND user_id=$2`,
		profileID, userID, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Upload progress operations

type progressRow struct {
	ID              int64      `db:"id"`
	JobID           int64      `db:"job_id"`
	RemoteKey       string     `db:"remote_key"`
	Provider        string     `db:"provider"`
	UploadSessionID string     `db:"upload_session_id"`
	PartSize        int64      `db:"part_size"`
	TotalParts      int        `db:"total_parts"`
	PartsCompleted  int        `db:"parts_completed"`
	Parts           []byte     `db:"parts"`
	BytesUploaded   int64      `db:"bytes_uploaded"`
	TotalBytes      int64      `db:"total_bytes"`
	Status          string     `db:"status"`
	StartedAt       time.Time  `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r *progressRow) toProgress() (*types.UploadProgress, error) {
	p := &types.UploadProgress{
		ID:              r.ID,
		JobID:           r.JobID,
		RemoteKey:       r.RemoteKey,
		Provider:        types.Provider(r.Provider),
		UploadSessionID: r.UploadSessionID,
		PartSize:        r.PartSize,
		TotalParts:      r.TotalParts,
		PartsCompleted:  r.PartsCompleted,
		BytesUploaded:   r.BytesUploaded,
		TotalBytes:      r.TotalBytes,
		Status:          types.UploadProgressStatus(r.Status),
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Parts) > 0 {
		if err := json.Unmarshal(r.Parts, &p.Parts); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *SQLStore) SaveUploadProgress(p *types.UploadProgress) error {
	parts, err := marshalJSON(p.Parts)
	if err != nil {
		return err
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	return s.db.QueryRow(`
		INSERT INTO upload_progress (job_id, remote_key, provider, upload_session_id,
			part_size, total_parts, parts_completed, parts, bytes_uploaded, total_bytes,
			status, started_at, completed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (job_id, remote_key) DO UPDATE SET
			upload_session_id=EXCLUDED.upload_session_id,
			part_size=EXCLUDED.part_size,
			total_parts=EXCLUDED.total_parts,
			parts_completed=EXCLUDED.parts_completed,
			parts=EXCLUDED.parts,
			bytes_uploaded=EXCLUDED.bytes_uploaded,
			total_bytes=EXCLUDED.total_bytes,
			status=EXCLUDED.status,
			completed_at=EXCLUDED.completed_at,
			updated_at=EXCLUDED.updated_at
		RETURNING id`,
		p.JobID, p.RemoteKey, p.Provider, p.UploadSessionID,
		p.PartSize, p.TotalParts, p.PartsCompleted, parts, p.BytesUploaded, p.TotalBytes,
		p.Status, p.StartedAt, p.CompletedAt, p.UpdatedAt,
	).Scan(&p.ID)
}

func (s *SQLStore) GetUploadProgress(jobID int64, remoteKey string) (*types.UploadProgress, error) {
	var row progressRow
	err := s.db.Get(&row, `SELECT * FROM upload_progress WHERE job_id=$1 AND remote_key=$2`, jobID, remoteKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toProgress()
}

func (s *SQLStore) ListUploadProgress(jobID int64) ([]*types.UploadProgress, error) {
	var rows []progressRow
	if err := s.db.Select(&rows, `SELECT * FROM upload_progress WHERE job_id=$1 ORDER BY id`, jobID); err != nil {
		return nil, err
	}
	out := make([]*types.UploadProgress, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toProgress()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLStore) DeleteUploadProgress(jobID int64, remoteKey string) error {
	_, err := s.db.Exec(`DELETE FROM upload_progress WHERE job_id=$1 AND remote_key=$2`, jobID, remoteKey)
	return err
}

// Sync operations

type syncRow struct {
	ID            int64      `db:"id"`
	UserID        int64      `db:"user_id"`
	JobID         int64      `db:"job_id"`
	ProfileID     int64      `db:"profile_id"`
	Status        string     `db:"status"`
	LocalPath     string     `db:"local_path"`
	BytesSynced   int64      `db:"bytes_synced"`
	TotalBytes    int64      `db:"total_bytes"`
	ErrorMessage  string     `db:"error_message"`
	RetryCount    int        `db:"retry_count"`
	NextRetryAt   *time.Time `db:"next_retry_at"`
	QueueTaskID   string     `db:"queue_task_id"`
	LastHeartbeat *time.Time `db:"last_heartbeat"`
	StartedAt     *time.Time `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r *syncRow) toSync() *types.Sync {
	return &types.Sync{
		ID:            r.ID,
		UserID:        r.UserID,
		JobID:         r.JobID,
		ProfileID:     r.ProfileID,
		Status:        types.SyncStatus(r.Status),
		LocalPath:     r.LocalPath,
		BytesSynced:   r.BytesSynced,
		TotalBytes:    r.TotalBytes,
		ErrorMessage:  r.ErrorMessage,
		RetryCount:    r.RetryCount,
		NextRetryAt:   r.NextRetryAt,
		QueueTaskID:   r.QueueTaskID,
		LastHeartbeat: r.LastHeartbeat,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (s *SQLStore) CreateSync(sn *types.Sync) error {
	now := time.Now().UTC()
	sn.CreatedAt = now
	sn.UpdatedAt = now
	return s.db.QueryRow(`
		INSERT INTO syncs (user_id, job_id, profile_id, status, local_path, bytes_synced,
			total_bytes, error_message, retry_count, next_retry_at, queue_task_id,
			last_heartbeat, started_at, completed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
		sn.UserID, sn.JobID, sn.ProfileID, sn.Status, sn.LocalPath, sn.BytesSynced,
		sn.TotalBytes, sn.ErrorMessage, sn.RetryCount, sn.NextRetryAt, sn.QueueTaskID,
		sn.LastHeartbeat, sn.StartedAt, sn.CompletedAt, sn.CreatedAt, sn.UpdatedAt,
	).Scan(&sn.ID)
}

func (s *SQLStore) GetSync(id int64) (*types.Sync, error) {
	var row syncRow
	err := s.db.Get(&row, `SELECT * FROM syncs WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toSync(), nil
}

func (s *SQLStore) UpdateSync(sn *types.Sync) error {
	return s.updateSyncTx(s.db, sn)
}

func (s *SQLStore) updateSyncTx(e execer, sn *types.Sync) error {
	sn.UpdatedAt = time.Now().UTC()
	res, err := e.Exec(`
		UPDATE syncs SET status=$2, local_path=$3, bytes_synced=$4, total_bytes=$5,
			error_message=$6, retry_count=$7, next_retry_at=$8, queue_task_id=$9,
			last_heartbeat=$10, started_at=$11, completed_at=$12, updated_at=$13
		WHERE id=$1`,
		sn.ID, sn.Status, sn.LocalPath, sn.BytesSynced, sn.TotalBytes,
		sn.ErrorMessage, sn.RetryCount, sn.NextRetryAt, sn.QueueTaskID,
		sn.LastHeartbeat, sn.StartedAt, sn.CompletedAt, sn.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListSyncsByStatus(statuses ...types.SyncStatus) ([]*types.Sync, error) {
	var (
		rows []syncRow
		err  error
	)
	if len(statuses) == 0 {
		err = s.db.Select(&rows, `SELECT * FROM syncs ORDER BY id`)
	} else {
		in := make([]string, len(statuses))
		for i, st := range statuses {
			in[i] = string(st)
		}
		var query string
		var args []any
		query, args, err = sqlx.In(`SELECT * FROM syncs WHERE status IN (?) ORDER BY id`, in)
		if err != nil {
			return nil, err
		}
		err = s.db.Select(&rows, s.db.Rebind(query), args...)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*types.Sync, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSync())
	}
	return out, nil
}

func (s *SQLStore) TouchSyncHeartbeat(id int64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE syncs SET last_heartbeat=$2, updated_at=$3 WHERE id=$1`,
		id, at, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ApplySyncTransition(id int64, mutate func(*types.Sync) (*types.StatusHistory, error)) (*types.Sync, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row syncRow
	err = tx.Get(&row, `SELECT * FROM syncs WHERE id=$1 FOR UPDATE NOWAIT`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sn := row.toSync()

	hist, err := mutate(sn)
	if err != nil {
		return nil, err
	}
	if err := s.updateSyncTx(tx, sn); err != nil {
		return nil, err
	}
	if err := insertHistory(tx, "sync_status_history", hist); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sn, nil
}

func (s *SQLStore) ListSyncHistory(syncID int64) ([]*types.StatusHistory, error) {
	return s.listHistory("sync_status_history", syncID)
}
