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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/indi/indi"
)

// observatoryConn simulates compliant instruments: a commanded filter slot
// applies immediately and an exposure publishes a fresh frame.
type observatoryConn struct {
	fakeConn
	frameVer uint64
}

func newObservatoryConn() *observatoryConn {
	o := &observatoryConn{}
	o.props = make(map[string]*indi.Property)
	return o
}

func (o *observatoryConn) Set(ctx context.Context, device, property string, values map[string]interface{}, opts ...indi.SetOption) (indi.SetResult, error) {
	result, err := o.fakeConn.Set(ctx, device, property, values, opts...)
	if err != nil {
		return result, err
	}
	switch property {
	case "FILTER_SLOT":
		o.define(filterSlot(device, values["FILTER_SLOT_VALUE"].(float64)))
	case "CCD_EXPOSURE":
		o.frameVer++
		o.define(ccdFrame(device, o.frameVer, []byte("frame")))
	}
	return result, nil
}

var testDevices = Devices{Mount: "Mount", Camera: "CCD", FilterWheel: "Wheel"}

func TestSchedulerRunsJobToCompletion(t *testing.T) {
	cache := openTestCache(t)
	cxn := newObservatoryConn()
	cxn.define(filterWheel("Wheel", "g", "r"))
	cxn.define(filterSlot("Wheel", 2))
	cxn.define(ccdFrame("CCD", 0, nil))

	job, err := cache.SubmitJob(Job{ID: "j1", Cmd: "SYNC_INPLACE", Filter: "g", Duration: 0.1})
	require.NoError(t, err)

	s := New(cxn, cache, testDevices, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		got, found, err := cache.GetJob(job.ID)
		return err == nil && found && got.Status == JobFinished
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The captured frame landed in the cache
	got, _, err := cache.GetJob(job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Frame)
	data, err := cache.GetFrame(got.Frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)
}

func TestSchedulerMarksUnparsableJobFailed(t *testing.T) {
	cache := openTestCache(t)
	_, err := cache.SubmitJob(Job{ID: "bad", Cmd: "ORBIT 25544"})
	require.NoError(t, err)

	s := New(newObservatoryConn(), cache, testDevices, nil)
	require.NoError(t, s.adoptQueued(context.Background()))

	job, found, err := cache.GetJob("bad")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, JobFailed, job.Status)
	assert.Contains(t, job.Log, "unknown command")
	assert.Empty(t, s.events)
}

func TestSchedulerFailsOrphanedRunningJob(t *testing.T) {
	cache := openTestCache(t)
	_, err := cache.SubmitJob(Job{ID: "orphan", Cmd: "SYNC_INPLACE", Filter: "g"})
	require.NoError(t, err)
	require.NoError(t, cache.UpdateStatus("orphan", JobRunning, ""))

	s := New(newObservatoryConn(), cache, testDevices, nil)
	require.NoError(t, s.adoptQueued(context.Background()))

	job, _, err := cache.GetJob("orphan")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
}

func TestSchedulerTriggersHighestPriorityOnly(t *testing.T) {
	cache := openTestCache(t)
	for _, id := range []string{"low", "high"} {
		_, err := cache.SubmitJob(Job{ID: id, Cmd: "SYNC_INPLACE", Filter: "g"})
		require.NoError(t, err)
	}

	s := New(newObservatoryConn(), cache, testDevices, nil)
	low := &stubEvent{name: "low", status: StatusReady}
	high := &stubEvent{name: "high", status: StatusReady}
	s.events["low"] = &prioritized{Event: low, priority: 1}
	s.events["high"] = &prioritized{Event: high, priority: 9}

	s.step(context.Background())

	assert.True(t, high.triggered)
	assert.False(t, low.triggered, "one event chain at a time")

	job, _, err := cache.GetJob("high")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)
}

func TestSchedulerWaitsWhileActive(t *testing.T) {
	cache := openTestCache(t)
	for _, id := range []string{"busy", "ready"} {
		_, err := cache.SubmitJob(Job{ID: id, Cmd: "SYNC_INPLACE", Filter: "g"})
		require.NoError(t, err)
	}

	s := New(newObservatoryConn(), cache, testDevices, nil)
	busy := &stubEvent{name: "busy", status: StatusRunning}
	ready := &stubEvent{name: "ready", status: StatusReady}
	s.events["busy"] = busy
	s.events["ready"] = ready

	s.step(context.Background())
	assert.False(t, ready.triggered, "instruments are not idle")
}

func TestSchedulerRetiresFinishedAndFailed(t *testing.T) {
	cache := openTestCache(t)
	for _, id := range []string{"done", "broken"} {
		_, err := cache.SubmitJob(Job{ID: id, Cmd: "SYNC_INPLACE", Filter: "g"})
		require.NoError(t, err)
	}

	s := New(newObservatoryConn(), cache, testDevices, nil)
	s.events["done"] = &stubEvent{name: "done", status: StatusFinished}
	s.events["broken"] = &stubEvent{name: "broken", status: StatusFailed, note: "mount hit a limit"}

	s.step(context.Background())
	assert.Empty(t, s.events)

	job, _, err := cache.GetJob("done")
	require.NoError(t, err)
	assert.Equal(t, JobFinished, job.Status)

	job, _, err = cache.GetJob("broken")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Contains(t, job.Log, "mount hit a limit")
}

func TestSchedulerShutdownCancelsActive(t *testing.T) {
	cache := openTestCache(t)
	_, err := cache.SubmitJob(Job{ID: "active", Cmd: "SYNC_INPLACE", Filter: "g"})
	require.NoError(t, err)

	s := New(newObservatoryConn(), cache, testDevices, nil)
	active := &stubEvent{name: "active", status: StatusRunning}
	s.events["active"] = active

	s.shutdown()

	assert.True(t, active.canceled)
	assert.Empty(t, s.events)
	job, _, err := cache.GetJob("active")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Contains(t, job.Log, "scheduler shut down")
}

// prioritized overrides an event's priority for ordering tests
type prioritized struct {
	Event
	priority int
}

func (p *prioritized) Priority() int { return p.priority }
