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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenCache(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCacheSubmitAndGet(t *testing.T) {
	cache := openTestCache(t)

	job := NewStaticExposure("prop-1", 10, nil, nil, 83.6, 22.0, 30, "gri")
	stored, err := cache.SubmitJob(job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
	assert.Equal(t, JobQueued, stored.Status)

	got, found, err := cache.GetJob(job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "STATIC 83.6 22", got.Cmd)
	assert.Equal(t, "gri", got.Filter)
	assert.True(t, got.KeepFrame)

	_, found, err = cache.GetJob("nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheSubmitAssignsID(t *testing.T) {
	cache := openTestCache(t)

	stored, err := cache.SubmitJob(Job{Cmd: "SYNC_INPLACE", Filter: "g"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
}

func TestCacheSubmitDuplicate(t *testing.T) {
	cache := openTestCache(t)

	job := Job{ID: "dup", Cmd: "SYNC_INPLACE"}
	_, err := cache.SubmitJob(job)
	require.NoError(t, err)
	_, err = cache.SubmitJob(job)
	assert.Error(t, err)
}

func TestCacheSubmitForcesQueued(t *testing.T) {
	cache := openTestCache(t)

	stored, err := cache.SubmitJob(Job{ID: "j1", Cmd: "SYNC_INPLACE", Status: JobRunning})
	require.NoError(t, err)
	assert.Equal(t, JobQueued, stored.Status)
}

func TestCacheJobsFiltersAndSorts(t *testing.T) {
	cache := openTestCache(t)

	for _, j := range []Job{
		{ID: "low", Cmd: "SYNC_INPLACE", Priority: 1},
		{ID: "high", Cmd: "SYNC_INPLACE", Priority: 9},
		{ID: "mid", Cmd: "SYNC_INPLACE", Priority: 5},
	} {
		_, err := cache.SubmitJob(j)
		require.NoError(t, err)
	}
	require.NoError(t, cache.UpdateStatus("mid", JobRunning, ""))

	queued, err := cache.Jobs(JobQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "high", queued[0].ID)
	assert.Equal(t, "low", queued[1].ID)

	running, err := cache.Jobs(JobRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "mid", running[0].ID)
}

func TestCacheUpdateStatusAppendsLog(t *testing.T) {
	cache := openTestCache(t)
	_, err := cache.SubmitJob(Job{ID: "j1", Cmd: "SYNC_INPLACE"})
	require.NoError(t, err)

	require.NoError(t, cache.UpdateStatus("j1", JobRunning, "slewing"))
	require.NoError(t, cache.AppendLog("j1", "filter set"))

	job, found, err := cache.GetJob("j1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, JobRunning, job.Status)
	assert.Contains(t, job.Log, "slewing")
	assert.Contains(t, job.Log, "filter set")

	assert.Error(t, cache.UpdateStatus("nope", JobFailed, ""))
}

func TestCacheFrames(t *testing.T) {
	cache := openTestCache(t)
	_, err := cache.SubmitJob(Job{ID: "j1", Cmd: "SYNC_INPLACE"})
	require.NoError(t, err)

	frame := []byte{0x53, 0x49, 0x4d, 0x50, 0x4c, 0x45}
	require.NoError(t, cache.AddFrame("j1", frame, ".fits"))

	job, found, err := cache.GetJob("j1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, job.Observed)
	require.NotEmpty(t, job.Frame)

	data, err := cache.GetFrame(job.Frame)
	require.NoError(t, err)
	assert.Equal(t, frame, data)

	assert.Error(t, cache.AddFrame("nope", frame, ".fits"))
	_, err = cache.GetFrame("nope/key.fits")
	assert.Error(t, err)
}

func TestCacheDeleteJobRemovesFrame(t *testing.T) {
	cache := openTestCache(t)
	_, err := cache.SubmitJob(Job{ID: "j1", Cmd: "SYNC_INPLACE"})
	require.NoError(t, err)
	require.NoError(t, cache.AddFrame("j1", []byte("data"), ".fits"))

	job, _, err := cache.GetJob("j1")
	require.NoError(t, err)

	require.NoError(t, cache.DeleteJob("j1"))
	_, found, err := cache.GetJob("j1")
	require.NoError(t, err)
	assert.False(t, found)
	_, err = cache.GetFrame(job.Frame)
	assert.Error(t, err)

	// Deleting a missing job is not an error
	assert.NoError(t, cache.DeleteJob("j1"))
}

func TestJobStatusRoundTrip(t *testing.T) {
	for _, status := range []JobStatus{JobQueued, JobRunning, JobFailed, JobFinished} {
		text, err := status.MarshalText()
		require.NoError(t, err)
		var back JobStatus
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, status, back)
	}
	var s JobStatus
	assert.Error(t, s.UnmarshalText([]byte("PAUSED")))
}
