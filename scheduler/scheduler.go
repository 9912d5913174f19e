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
	"log/slog"
	"sort"
	"time"
)

// Scheduler greedily executes queued jobs against an INDI server. It polls
// the cache for new jobs, keeps at most one event chain active on the
// instruments, and records outcomes back to the cache.
type Scheduler struct {
	cxn     Conn
	cache   *Cache
	devices Devices
	logger  *slog.Logger

	// Poll interval for the main loop
	interval time.Duration

	// Live event per job id
	events map[string]Event
}

// New creates a scheduler driving the given connection and cache
func New(cxn Conn, cache *Cache, devices Devices, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cxn:      cxn,
		cache:    cache,
		devices:  devices,
		logger:   logger,
		interval: 50 * time.Millisecond,
		events:   make(map[string]Event),
	}
}

// Run executes jobs until the context is canceled. A running event is
// canceled and its job marked failed on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.adoptQueued(ctx); err != nil {
			s.logger.Error("failed to read job queue",
				slog.String("error", err.Error()),
			)
			continue
		}
		s.step(ctx)
	}
}

// adoptQueued parses newly queued jobs into live events. A job that fails
// to parse is marked failed immediately.
func (s *Scheduler) adoptQueued(ctx context.Context) error {
	jobs, err := s.cache.Jobs(JobQueued)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if _, ok := s.events[job.ID]; ok {
			continue
		}
		event, err := ParseEvent(job, s.devices, s.cache)
		if err != nil {
			s.logger.Warn("job failed to parse",
				slog.String("job", job.ID),
				slog.String("error", err.Error()),
			)
			if uerr := s.cache.UpdateStatus(job.ID, JobFailed, err.Error()); uerr != nil {
				return uerr
			}
			continue
		}
		s.events[job.ID] = event
	}

	// A job marked running with no live event was orphaned by a restart
	running, err := s.cache.Jobs(JobRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		if _, ok := s.events[job.ID]; !ok {
			s.logger.Warn("orphaned running job",
				slog.String("job", job.ID),
			)
			if err := s.cache.UpdateStatus(job.ID, JobFailed, "job was running but no event found"); err != nil {
				return err
			}
		}
	}
	return nil
}

// step polls every live event once, retires finished ones and triggers the
// highest-priority ready event if the instruments are idle
func (s *Scheduler) step(ctx context.Context) {
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.events[ids[i]].Priority() > s.events[ids[j]].Priority()
	})

	var trigger string
	active := false
	for _, id := range ids {
		event := s.events[id]
		status, note := event.Status(ctx, s.cxn)

		switch {
		case status == StatusFinished:
			delete(s.events, id)
			s.logger.Info("job finished", slog.String("job", id))
			s.recordStatus(id, JobFinished, note)

		case status == StatusFailed:
			delete(s.events, id)
			s.logger.Warn("job failed",
				slog.String("job", id),
				slog.String("note", note),
			)
			s.recordStatus(id, JobFailed, note)

		case status.IsActive():
			active = true
			s.ensureRunning(id)

		case status == StatusReady && trigger == "":
			trigger = id
		}
	}

	if active || trigger == "" {
		return
	}

	event := s.events[trigger]
	s.logger.Info("job triggered",
		slog.String("job", trigger),
		slog.Int("priority", event.Priority()),
	)
	s.recordStatus(trigger, JobRunning, "")
	if err := event.Trigger(ctx, s.cxn); err != nil {
		delete(s.events, trigger)
		s.logger.Warn("job failed to start",
			slog.String("job", trigger),
			slog.String("error", err.Error()),
		)
		s.recordStatus(trigger, JobFailed, err.Error())
	}
}

// ensureRunning keeps the persisted status in sync with the live event
func (s *Scheduler) ensureRunning(id string) {
	job, found, err := s.cache.GetJob(id)
	if err != nil || !found {
		return
	}
	if job.Status != JobRunning {
		s.recordStatus(id, JobRunning, "")
	}
}

func (s *Scheduler) recordStatus(id string, status JobStatus, note string) {
	if err := s.cache.UpdateStatus(id, status, note); err != nil {
		s.logger.Error("failed to record job status",
			slog.String("job", id),
			slog.String("status", status.String()),
			slog.String("error", err.Error()),
		)
	}
}

// shutdown cancels whatever is active and marks it failed
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id, event := range s.events {
		status, _ := event.Status(ctx, s.cxn)
		if !status.IsActive() {
			continue
		}
		if err := event.Cancel(ctx, s.cxn); err != nil {
			s.logger.Warn("failed to cancel event",
				slog.String("job", id),
				slog.String("error", err.Error()),
			)
		}
		s.recordStatus(id, JobFailed, "scheduler shut down")
	}
	s.events = make(map[string]Event)
}
