// Package state persists the pieces of runtime state that must survive a
// restart: per-group upload counters, ingest job records, and resume
// tokens. Backed by a single BoltDB file in the state directory.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketGroupUsage   = []byte("group_usage")
	bucketIngestJobs   = []byte("ingest_jobs")
	bucketResumeTokens = []byte("resume_tokens")
)

// GroupUsage is the persisted upload counter of one storage group.
type GroupUsage struct {
	Group         int       `json:"group"`
	UploadedBytes int64     `json:"uploaded_bytes"`
	IsFull        bool      `json:"is_full"`
	FullReason    string    `json:"full_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobRecord is the persisted view of one ingest job.
type JobRecord struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	State         string    `json:"state"`
	ChaptersDone  int       `json:"chapters_done"`
	ChaptersTotal int       `json:"chapters_total"`
	FilesTotal    int       `json:"files_total"`
	FilesDone     int       `json:"files_done"`
	BytesDone     int64     `json:"bytes_done"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ResumeToken records which chapters of an interrupted import already
// made it to remote storage.
type ResumeToken struct {
	Token             string    `json:"token"`
	Slug              string    `json:"slug"`
	CompletedChapters []string  `json:"completed_chapters"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store is a BoltDB-backed state store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state database in dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "pagerelay.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketGroupUsage, bucketIngestJobs, bucketResumeTokens}
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

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Group usage operations

func (s *Store) SaveGroupUsage(u *GroupUsage) error {
	u.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroupUsage)
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return b.Put(groupKey(u.Group), data)
	})
}

func (s *Store) GetGroupUsage(group int) (*GroupUsage, error) {
	var u GroupUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroupUsage)
		data := b.Get(groupKey(group))
		if data == nil {
			return fmt.Errorf("group usage not found: %d", group)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListGroupUsage() ([]*GroupUsage, error) {
	var out []*GroupUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroupUsage)
		return b.ForEach(func(k, v []byte) error {
			var u GroupUsage
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, &u)
			return nil
		})
	})
	return out, err
}

// Ingest job operations

func (s *Store) SaveJob(job *JobRecord) error {
	job.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngestJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *Store) GetJob(id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngestJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListJobs() ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngestJobs)
		return b.ForEach(func(k, v []byte) error {
			var job JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *Store) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIngestJobs).Delete([]byte(id))
	})
}

// PruneJobs deletes job records last updated before cutoff and returns
// how many were removed.
func (s *Store) PruneJobs(cutoff time.Time) (int, error) {
	return s.prune(bucketIngestJobs, func(v []byte) (time.Time, error) {
		var job JobRecord
		if err := json.Unmarshal(v, &job); err != nil {
			return time.Time{}, err
		}
		return job.UpdatedAt, nil
	}, cutoff)
}

// Resume token operations

func (s *Store) SaveResumeToken(tok *ResumeToken) error {
	tok.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResumeTokens)
		data, err := json.Marshal(tok)
		if err != nil {
			return err
		}
		return b.Put([]byte(tok.Token), data)
	})
}

func (s *Store) GetResumeToken(token string) (*ResumeToken, error) {
	var tok ResumeToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResumeTokens)
		data := b.Get([]byte(token))
		if data == nil {
			return fmt.Errorf("resume token not found: %s", token)
		}
		return json.Unmarshal(data, &tok)
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *Store) DeleteResumeToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResumeTokens).Delete([]byte(token))
	})
}

// PruneResumeTokens deletes tokens last updated before cutoff.
func (s *Store) PruneResumeTokens(cutoff time.Time) (int, error) {
	return s.prune(bucketResumeTokens, func(v []byte) (time.Time, error) {
		var tok ResumeToken
		if err := json.Unmarshal(v, &tok); err != nil {
			return time.Time{}, err
		}
		return tok.UpdatedAt, nil
	}, cutoff)
}

func (s *Store) prune(bucket []byte, updatedAt func([]byte) (time.Time, error), cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			ts, err := updatedAt(v)
			if err != nil {
				return err
			}
			if ts.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func groupKey(n int) []byte {
	return []byte(strconv.Itoa(n))
}
