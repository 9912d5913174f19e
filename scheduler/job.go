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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the persisted life cycle of a job
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobRunning
	JobFailed
	JobFinished
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "QUEUED"
	case JobRunning:
		return "RUNNING"
	case JobFailed:
		return "FAILED"
	case JobFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalText stores the status by name so the database stays readable
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "QUEUED":
		*s = JobQueued
	case "RUNNING":
		*s = JobRunning
	case "FAILED":
		*s = JobFailed
	case "FINISHED":
		*s = JobFinished
	default:
		return fmt.Errorf("scheduler: unknown job status %q", text)
	}
	return nil
}

// Job is one persisted observation request. Cmd encodes what to do:
//
//	STATIC <ra_deg> <dec_deg>  slew, then capture once per filter
//	SYNC_INPLACE               set the filter and capture without slewing
type Job struct {
	ID         string     `json:"id"`
	ProposalID string     `json:"proposal_id"`
	Cmd        string     `json:"cmd"`
	Priority   int        `json:"priority"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Duration   float64    `json:"duration"` // exposure seconds
	Filter     string     `json:"filter"`
	KeepFrame  bool       `json:"keep_frame"`
	Private    bool       `json:"private"`
	Status     JobStatus  `json:"status"`
	Log        string     `json:"log"`
	Observed   *time.Time `json:"observed,omitempty"`
	Frame      string     `json:"frame,omitempty"` // frames-bucket key
}

// NewStaticExposure builds a job that points at fixed coordinates and
// exposes once per filter character
func NewStaticExposure(proposalID string, priority int, start, end *time.Time, ra, dec, duration float64, filter string) Job {
	return Job{
		ID:         uuid.NewString(),
		ProposalID: proposalID,
		Cmd:        fmt.Sprintf("STATIC %g %g", ra, dec),
		Priority:   priority,
		Start:      start,
		End:        end,
		Duration:   duration,
		Filter:     filter,
		KeepFrame:  true,
	}
}

// ParseEvent converts a job into its executable event chain. Filters are
// single characters, so "gri" exposes through three filters in order.
func ParseEvent(job Job, devices Devices, sink FrameSink) (Event, error) {
	fields := strings.Fields(job.Cmd)
	if len(fields) == 0 {
		return nil, fmt.Errorf("scheduler: job %s has an empty cmd", job.ID)
	}

	var chain []Event
	switch strings.ToUpper(fields[0]) {
	case "STATIC":
		if len(fields) != 3 {
			return nil, fmt.Errorf("scheduler: STATIC wants 'STATIC ra dec', got %q", job.Cmd)
		}
		ra, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("scheduler: bad ra in %q: %w", job.Cmd, err)
		}
		dec, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("scheduler: bad dec in %q: %w", job.Cmd, err)
		}
		chain = append(chain, NewSlew(job.ID+"/slew", job.Priority, devices.Mount, ra, dec))
		for _, filt := range job.Filter {
			chain = append(chain,
				NewSetFilter(job.ID+"/filter", job.Priority, devices.FilterWheel, string(filt)),
				NewCapture(job.ID+"/capture", job.Priority, devices.Camera, job.ID, job.Duration, sink),
			)
		}

	case "SYNC_INPLACE":
		chain = append(chain,
			NewSetFilter(job.ID+"/filter", job.Priority, devices.FilterWheel, job.Filter),
			NewCapture(job.ID+"/capture", job.Priority, devices.Camera, job.ID, job.Duration, sink),
		)

	default:
		return nil, fmt.Errorf("scheduler: unknown command %q", fields[0])
	}

	event, err := NewSeries(job.ID, job.Priority, chain...)
	if err != nil {
		return nil, err
	}

	var start, end time.Time
	if job.Start != nil {
		start = *job.Start
	}
	if job.End != nil {
		end = *job.End
	}
	if start.IsZero() && end.IsZero() {
		return event, nil
	}
	return NewTimeConstrained(event, start, end), nil
}
