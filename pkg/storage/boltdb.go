package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/seedvault/seedvault/pkg/types"
)

var (
	// Bucket names
	bucketJobs           = []byte("jobs")
	bucketJobHistory     = []byte("job_history")
	bucketRequestedFiles = []byte("requested_files")
	bucketProfiles       = []byte("profiles")
	bucketUploadProgress = []byte("upload_progress")
	bucketSyncs          = []byte("syncs")
	bucketSyncHistory    = []byte("sync_history")
)

// BoltStore implements Store using BoltDB. It is the embedded default and
// the backend every package-level test runs against.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "seedvault.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketJobHistory,
			bucketRequestedFiles,
			bucketProfiles,
			bucketUploadProgress,
			bucketSyncs,
			bucketSyncHistory,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes an id as a sortable big-endian key
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// histKey orders history rows by (target, insertion sequence)
func histKey(targetID int64, seq uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(targetID))
	binary.BigEndian.PutUint64(b[8:], seq)
	return b
}

// Job operations

func (s *BoltStore) CreateJob(job *types.UserJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return insertJob(tx, job)
	})
}

func insertJob(tx *bolt.Tx, job *types.UserJob) error {
	b := tx.Bucket(bucketJobs)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	job.ID = int64(seq)
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put(itob(job.ID), data)
}

func (s *BoltStore) GetJob(id int64) (*types.UserJob, error) {
	var job types.UserJob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(job *types.UserJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx, job)
	})
}

func putJob(tx *bolt.Tx, job *types.UserJob) error {
	b := tx.Bucket(bucketJobs)
	if b.Get(itob(job.ID)) == nil {
		return ErrNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put(itob(job.ID), data)
}

func (s *BoltStore) ListJobsByStatus(statuses ...types.JobStatus) ([]*types.UserJob, error) {
	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var jobs []*types.UserJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.UserJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if len(want) == 0 || want[job.Status] {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) FindActiveJob(userID, requestedFileID, profileID int64) (*types.UserJob, error) {
	var found *types.UserJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.UserJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.UserID == userID && job.RequestedFileID == requestedFileID &&
				job.ProfileID == profileID && !job.Status.IsTerminal() {
				found = &job
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) FindOrCreateActiveJob(job *types.UserJob) (*types.UserJob, bool, error) {
	var (
		existing *types.UserJob
		created  bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.UserJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.UserID == job.UserID && j.RequestedFileID == job.RequestedFileID &&
				j.ProfileID == job.ProfileID && !j.Status.IsTerminal() {
				existing = &j
			}
			return nil
		})
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		created = true
		return insertJob(tx, job)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return job, created, nil
}

func (s *BoltStore) TouchJobHeartbeat(id int64, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		var job types.UserJob
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.LastHeartbeat = &at
		job.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

// ApplyJobTransition reads, mutates, and writes the row under one write
// transaction, so the from-status mutate sees cannot go stale before the
// commit.
func (s *BoltStore) ApplyJobTransition(id int64, mutate func(*types.UserJob) (*types.StatusHistory, error)) (*types.UserJob, error) {
	var job types.UserJob
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		hist, err := mutate(&job)
		if err != nil {
			return err
		}
		if err := putJob(tx, &job); err != nil {
			return err
		}
		return appendHistory(tx, bucketJobHistory, hist)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func appendHistory(tx *bolt.Tx, bucket []byte, hist *types.StatusHistory) error {
	b := tx.Bucket(bucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	hist.ID = int64(seq)
	if hist.ChangedAt.IsZero() {
		hist.ChangedAt = time.Now().UTC()
	}
	data, err := json.Marshal(hist)
	if err != nil {
		return err
	}
	return b.Put(histKey(hist.TargetID, seq), data)
}

func (s *BoltStore) ListJobHistory(jobID int64) ([]*types.StatusHistory, error) {
	return s.listHistory(bucketJobHistory, jobID)
}

func (s *BoltStore) listHistory(bucket []byte, targetID int64) ([]*types.StatusHistory, error) {
	var rows []*types.StatusHistory
	prefix := itob(targetID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var h types.StatusHistory
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			rows = append(rows, &h)
		}
		return nil
	})
	return rows, err
}

// Requested file operations

func (s *BoltStore) CreateRequestedFile(rf *types.RequestedFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestedFiles)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rf.ID = int64(seq)
		now := time.Now().UTC()
		rf.CreatedAt = now
		rf.UpdatedAt = now
		data, err := json.Marshal(rf)
		if err != nil {
			return err
		}
		return b.Put(itob(rf.ID), data)
	})
}

func (s *BoltStore) GetRequestedFile(id int64) (*types.RequestedFile, error) {
	var rf types.RequestedFile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequestedFiles).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rf)
	})
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

func (s *BoltStore) FindRequestedFile(infoHash string, uploaderID int64) (*types.RequestedFile, error) {
	var found *types.RequestedFile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequestedFiles).ForEach(func(k, v []byte) error {
			var rf types.RequestedFile
			if err := json.Unmarshal(v, &rf); err != nil {
				return err
			}
			if rf.InfoHashV1 == infoHash && rf.UploaderID == uploaderID {
				found = &rf
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) SetRequestedFileBlobURL(id int64, url string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequestedFiles)
		data := b.Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		var rf types.RequestedFile
		if err := json.Unmarshal(data, &rf); err != nil {
			return err
		}
		rf.BlobURL = url
		rf.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&rf)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

// Storage profile operations

func (s *BoltStore) CreateProfile(p *types.StorageProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		p.ID = int64(seq)
		now := time.Now().UTC()
		p.CreatedAt = now
		p.UpdatedAt = now
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(itob(p.ID), data)
	})
}

func (s *BoltStore) GetProfile(id int64) (*types.StorageProfile, error) {
	var p types.StorageProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProfiles(userID int64) ([]*types.StorageProfile, error) {
	var profiles []*types.StorageProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			var p types.StorageProfile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.UserID == userID {
				profiles = append(profiles, &p)
			}
			return nil
		})
	})
	return profiles, err
}

func (s *BoltStore) GetDefaultProfile(userID int64) (*types.StorageProfile, error) {
	profiles, err := s.ListProfiles(userID)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.IsDefault {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *BoltStore) SetDefaultProfile(userID, profileID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		var target *types.StorageProfile

		// Clear the flag everywhere first so at most one default survives
		// the transaction.
		err := b.ForEach(func(k, v []byte) error {
			var p types.StorageProfile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.UserID != userID {
				return nil
			}
			changed := false
			if p.IsDefault {
				p.IsDefault = false
				changed = true
			}
			if p.ID == profileID {
				p.IsDefault = true
				changed = true
				target = &p
			}
			if !changed {
				return nil
			}
			p.UpdatedAt = time.Now().UTC()
			out, err := json.Marshal(&p)
			if err != nil {
				return err
			}
			return b.Put(itob(p.ID), out)
		})
		if err != nil {
			return err
		}
		if target == nil {
			return ErrNotFound
		}
		return nil
	})
}

// Upload progress operations

func progressKey(jobID int64, remoteKey string) []byte {
	return append(itob(jobID), []byte(remoteKey)...)
}

func (s *BoltStore) SaveUploadProgress(p *types.UploadProgress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploadProgress)
		if p.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			p.ID = int64(seq)
			if p.StartedAt.IsZero() {
				p.StartedAt = time.Now().UTC()
			}
		}
		p.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(progressKey(p.JobID, p.RemoteKey), data)
	})
}

func (s *BoltStore) GetUploadProgress(jobID int64, remoteKey string) (*types.UploadProgress, error) {
	var p types.UploadProgress
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUploadProgress).Get(progressKey(jobID, remoteKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListUploadProgress(jobID int64) ([]*types.UploadProgress, error) {
	var rows []*types.UploadProgress
	prefix := itob(jobID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUploadProgress).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p types.UploadProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			rows = append(rows, &p)
		}
		return nil
	})
	return rows, err
}

func (s *BoltStore) DeleteUploadProgress(jobID int64, remoteKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploadProgress).Delete(progressKey(jobID, remoteKey))
	})
}

// Sync operations

func (s *BoltStore) CreateSync(sn *types.Sync) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		sn.ID = int64(seq)
		now := time.Now().UTC()
		sn.CreatedAt = now
		sn.UpdatedAt = now
		data, err := json.Marshal(sn)
		if err != nil {
			return err
		}
		return b.Put(itob(sn.ID), data)
	})
}

func (s *BoltStore) GetSync(id int64) (*types.Sync, error) {
	var sn types.Sync
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncs).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sn)
	})
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *BoltStore) UpdateSync(sn *types.Sync) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putSync(tx, sn)
	})
}

func putSync(tx *bolt.Tx, sn *types.Sync) error {
	b := tx.Bucket(bucketSyncs)
	if b.Get(itob(sn.ID)) == nil {
		return ErrNotFound
	}
	sn.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sn)
	if err != nil {
		return err
	}
	return b.Put(itob(sn.ID), data)
}

func (s *BoltStore) ListSyncsByStatus(statuses ...types.SyncStatus) ([]*types.Sync, error) {
	want := make(map[types.SyncStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var syncs []*types.Sync
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncs).ForEach(func(k, v []byte) error {
			var sn types.Sync
			if err := json.Unmarshal(v, &sn); err != nil {
				return err
			}
			if len(want) == 0 || want[sn.Status] {
				syncs = append(syncs, &sn)
			}
			return nil
		})
	})
	return syncs, err
}

func (s *BoltStore) TouchSyncHeartbeat(id int64, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncs)
		data := b.Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		var sn types.Sync
		if err := json.Unmarshal(data, &sn); err != nil {
			return err
		}
		sn.LastHeartbeat = &at
		sn.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&sn)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

func (s *BoltStore) ApplySyncTransition(id int64, mutate func(*types.Sync) (*types.StatusHistory, error)) (*types.Sync, error) {
	var sn types.Sync
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncs).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &sn); err != nil {
			return err
		}
		hist, err := mutate(&sn)
		if err != nil {
			return err
		}
		if err := putSync(tx, &sn); err != nil {
			return err
		}
		return appendHistory(tx, bucketSyncHistory, hist)
	})
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *BoltStore) ListSyncHistory(syncID int64) ([]*types.StatusHistory, error) {
	return s.listHistory(bucketSyncHistory, syncID)
}
