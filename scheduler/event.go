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

// Package scheduler runs observatory jobs against an INDI server. Jobs are
// parsed into events (slew, filter change, capture), queued in a local
// database and executed greedily, one active event at a time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/skywatch/indi/indi"
)

// Conn is the slice of the INDI client the events need. Events command
// devices without blocking; completion is observed through the mirror.
type Conn interface {
	Set(ctx context.Context, device, property string, values map[string]interface{}, opts ...indi.SetOption) (indi.SetResult, error)
	Property(device, name string) *indi.Property
}

// EventStatus is the life cycle of a scheduled event
type EventStatus int

const (
	StatusNotReady EventStatus = iota
	StatusReady
	StatusRunning
	StatusFinished
	StatusCanceling
	StatusFailed
)

func (s EventStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not ready"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusCanceling:
		return "canceling"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// IsDone reports whether the event reached a terminal status
func (s EventStatus) IsDone() bool {
	return s == StatusFinished || s == StatusFailed
}

// IsActive reports whether the event currently holds the instrument
func (s EventStatus) IsActive() bool {
	return s == StatusRunning || s == StatusCanceling
}

// IsStarted reports whether the event has left the queue
func (s EventStatus) IsStarted() bool {
	return s != StatusReady && s != StatusNotReady
}

// Event is one schedulable unit of work. Trigger starts it, Status is
// polled until a terminal value comes back, Cancel aborts a running event.
// Status also returns a human-readable note for the job log; it may be
// empty.
type Event interface {
	Name() string
	Priority() int
	Trigger(ctx context.Context, cxn Conn) error
	Status(ctx context.Context, cxn Conn) (EventStatus, string)
	Cancel(ctx context.Context, cxn Conn) error
}

// Series chains events, starting each as its predecessor finishes. The
// chain fails as soon as one member fails.
type Series struct {
	name     string
	priority int
	current  Event
	pending  []Event
}

// NewSeries builds a chain from the given events. At least one is required.
func NewSeries(name string, priority int, events ...Event) (*Series, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("scheduler: series %q needs at least one event", name)
	}
	return &Series{
		name:     name,
		priority: priority,
		current:  events[0],
		pending:  events[1:],
	}, nil
}

func (s *Series) Name() string  { return s.name }
func (s *Series) Priority() int { return s.priority }

func (s *Series) Trigger(ctx context.Context, cxn Conn) error {
	return s.current.Trigger(ctx, cxn)
}

func (s *Series) Cancel(ctx context.Context, cxn Conn) error {
	return s.current.Cancel(ctx, cxn)
}

func (s *Series) Status(ctx context.Context, cxn Conn) (EventStatus, string) {
	status, note := s.current.Status(ctx, cxn)
	if status != StatusFinished {
		return status, note
	}
	if len(s.pending) == 0 {
		return StatusFinished, note
	}
	s.current = s.pending[0]
	s.pending = s.pending[1:]
	if err := s.current.Trigger(ctx, cxn); err != nil {
		return StatusFailed, fmt.Sprintf("%s failed to start: %v", s.current.Name(), err)
	}
	return s.current.Status(ctx, cxn)
}

// TimeConstrained bounds an event to a window: Ready before the window
// opens reads as NotReady, Ready after it closes cancels the event.
type TimeConstrained struct {
	event Event
	start time.Time // zero means no lower bound
	end   time.Time // zero means no upper bound
}

func NewTimeConstrained(event Event, start, end time.Time) *TimeConstrained {
	return &TimeConstrained{event: event, start: start, end: end}
}

func (t *TimeConstrained) Name() string  { return t.event.Name() }
func (t *TimeConstrained) Priority() int { return t.event.Priority() }

func (t *TimeConstrained) Trigger(ctx context.Context, cxn Conn) error {
	return t.event.Trigger(ctx, cxn)
}

func (t *TimeConstrained) Cancel(ctx context.Context, cxn Conn) error {
	return t.event.Cancel(ctx, cxn)
}

func (t *TimeConstrained) Status(ctx context.Context, cxn Conn) (EventStatus, string) {
	status, note := t.event.Status(ctx, cxn)
	if status != StatusReady {
		return status, note
	}
	now := time.Now()
	if !t.start.IsZero() && now.Before(t.start) {
		return StatusNotReady, ""
	}
	if !t.end.IsZero() && now.After(t.end) {
		_ = t.event.Cancel(ctx, cxn)
		return StatusCanceling, "ready after window closed"
	}
	return StatusReady, note
}

// Delay pauses a chain for a fixed duration, e.g. settle time after a slew
type Delay struct {
	name     string
	priority int
	duration time.Duration
	status   EventStatus
	deadline time.Time
}

func NewDelay(name string, priority int, d time.Duration) *Delay {
	return &Delay{name: name, priority: priority, duration: d, status: StatusReady}
}

func (d *Delay) Name() string  { return d.name }
func (d *Delay) Priority() int { return d.priority }

func (d *Delay) Trigger(_ context.Context, _ Conn) error {
	d.deadline = time.Now().Add(d.duration)
	d.status = StatusRunning
	return nil
}

func (d *Delay) Cancel(_ context.Context, _ Conn) error {
	d.status = StatusFailed
	return nil
}

func (d *Delay) Status(_ context.Context, _ Conn) (EventStatus, string) {
	if d.status == StatusRunning && time.Now().After(d.deadline) {
		d.status = StatusFinished
	}
	return d.status, ""
}
