// Copyright 2026 Skywatch Observatory
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	jobsBucket   = "jobs"
	framesBucket = "frames"
)

// Cache persists jobs and captured frames in a local bbolt database. It is
// the hand-off point between job submission (CLI, services) and the
// scheduler loop.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens or creates the database at path
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("scheduler: open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(jobsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(framesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("scheduler: init cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database
func (c *Cache) Close() error {
	return c.db.Close()
}

// SubmitJob stores a new job. A missing ID is assigned; the job always
// enters the queue as QUEUED.
func (c *Cache) SubmitJob(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = JobQueued
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("scheduler: job %s already exists", job.ID)
		}
		value, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), value)
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob retrieves one job, reporting whether it exists
func (c *Cache) GetJob(id string) (Job, bool, error) {
	var job Job
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(jobsBucket)).Get([]byte(id))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &job)
	})
	return job, found, err
}

// Jobs returns every job with the given status, highest priority first
func (c *Cache) Jobs(status JobStatus) ([]Job, error) {
	var jobs []Job
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(_, value []byte) error {
			var job Job
			if err := json.Unmarshal(value, &job); err != nil {
				return err
			}
			if job.Status == status {
				jobs = append(jobs, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Priority > jobs[j].Priority
	})
	return jobs, nil
}

// UpdateStatus moves a job to a new status, appending a timestamped line
// to its log when note is non-empty
func (c *Cache) UpdateStatus(id string, status JobStatus, note string) error {
	return c.update(id, func(job *Job) {
		job.Status = status
		if note != "" {
			job.Log = appendLog(job.Log, note)
		}
	})
}

// AppendLog adds a timestamped line to the job log
func (c *Cache) AppendLog(id, note string) error {
	return c.update(id, func(job *Job) {
		job.Log = appendLog(job.Log, note)
	})
}

// AddFrame stores a captured frame and stamps the job's observation time.
// The frame is kept in its own bucket so job listings stay cheap.
func (c *Cache) AddFrame(jobID string, data []byte, format string) error {
	now := time.Now().UTC()
	key := fmt.Sprintf("%s/%s%s", jobID, now.Format("20060102T150405.000"), format)
	return c.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		value := jobs.Get([]byte(jobID))
		if value == nil {
			return fmt.Errorf("scheduler: job %s not found", jobID)
		}
		var job Job
		if err := json.Unmarshal(value, &job); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(framesBucket)).Put([]byte(key), data); err != nil {
			return err
		}
		job.Observed = &now
		job.Frame = key
		updated, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return jobs.Put([]byte(jobID), updated)
	})
}

// GetFrame retrieves a stored frame by its key
func (c *Cache) GetFrame(key string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(framesBucket)).Get([]byte(key))
		if value == nil {
			return fmt.Errorf("scheduler: frame %s not found", key)
		}
		data = append([]byte(nil), value...)
		return nil
	})
	return data, err
}

// DeleteJob removes a job and its frame, if any
func (c *Cache) DeleteJob(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket([]byte(jobsBucket))
		value := jobs.Get([]byte(id))
		if value == nil {
			return nil
		}
		var job Job
		if err := json.Unmarshal(value, &job); err != nil {
			return err
		}
		if job.Frame != "" {
			if err := tx.Bucket([]byte(framesBucket)).Delete([]byte(job.Frame)); err != nil {
				return err
			}
		}
		return jobs.Delete([]byte(id))
	})
}

func (c *Cache) update(id string, mutate func(*Job)) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		value := b.Get([]byte(id))
		if value == nil {
			return fmt.Errorf("scheduler: job %s not found", id)
		}
		var job Job
		if err := json.Unmarshal(value, &job); err != nil {
			return err
		}
		mutate(&job)
		updated, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func appendLog(log, note string) string {
	line := fmt.Sprintf("%s - %s", time.Now().UTC().Format(time.RFC3339), note)
	if log == "" {
		return line
	}
	return log + "\n" + line
}
