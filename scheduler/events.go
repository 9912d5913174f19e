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
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/skywatch/indi/indi"
)

// Standard INDI property names for the instruments the events drive
const (
	propEqCoord     = "EQUATORIAL_EOD_COORD"
	propOnCoordSet  = "ON_COORD_SET"
	propAbortMotion = "TELESCOPE_ABORT_MOTION"
	propFilterSlot  = "FILTER_SLOT"
	propFilterName  = "FILTER_NAME"
	propExposure    = "CCD_EXPOSURE"
	propCCDFrame    = "CCD1"
)

// slewTolerance is the pointing error treated as "on target", in degrees
// (3 arcseconds)
const slewTolerance = 3.0 / 3600.0

// Devices names the instruments a job runs against
type Devices struct {
	Mount       string
	Camera      string
	FilterWheel string
}

// Slew points the mount at fixed equatorial coordinates. It finishes when
// the mount reports a position within slewTolerance of the target.
type Slew struct {
	name     string
	priority int
	mount    string
	ra, dec  float64 // degrees
	status   EventStatus
	note     string
}

func NewSlew(name string, priority int, mount string, ra, dec float64) *Slew {
	return &Slew{
		name:     name,
		priority: priority,
		mount:    mount,
		ra:       ra,
		dec:      dec,
		status:   StatusReady,
	}
}

func (s *Slew) Name() string  { return s.name }
func (s *Slew) Priority() int { return s.priority }

func (s *Slew) Trigger(ctx context.Context, cxn Conn) error {
	dist, err := s.offTarget(cxn)
	if err != nil {
		s.status = StatusFailed
		s.note = err.Error()
		return err
	}
	if dist < slewTolerance {
		s.status = StatusFinished
		return nil
	}

	if _, err := cxn.Set(ctx, s.mount, propOnCoordSet,
		map[string]interface{}{"SLEW": indi.SwitchOn}); err != nil {
		s.status = StatusFailed
		s.note = err.Error()
		return err
	}
	// Mounts take RA in hours
	_, err = cxn.Set(ctx, s.mount, propEqCoord, map[string]interface{}{
		"RA":  s.ra / 15,
		"DEC": s.dec,
	})
	if err != nil {
		s.status = StatusFailed
		s.note = err.Error()
		return err
	}
	s.status = StatusRunning
	return nil
}

func (s *Slew) Status(_ context.Context, cxn Conn) (EventStatus, string) {
	if s.status != StatusRunning {
		return s.status, s.note
	}
	dist, err := s.offTarget(cxn)
	if err != nil {
		s.status = StatusFailed
		s.note = err.Error()
		return s.status, s.note
	}
	if dist < slewTolerance {
		s.status = StatusFinished
	}
	return s.status, ""
}

func (s *Slew) Cancel(ctx context.Context, cxn Conn) error {
	_, err := cxn.Set(ctx, s.mount, propAbortMotion,
		map[string]interface{}{"ABORT": indi.SwitchOn})
	s.status = StatusFailed
	s.note = "slew canceled, motion aborted"
	return err
}

// offTarget returns the angular distance in degrees between the mount's
// reported position and the target
func (s *Slew) offTarget(cxn Conn) (float64, error) {
	prop := cxn.Property(s.mount, propEqCoord)
	if prop == nil {
		return 0, fmt.Errorf("scheduler: %s has no %s", s.mount, propEqCoord)
	}
	ra := prop.Number("RA")
	dec := prop.Number("DEC")
	if ra == nil || dec == nil {
		return 0, fmt.Errorf("scheduler: %s.%s missing RA/DEC", s.mount, propEqCoord)
	}
	return angularSeparation(ra.Value*15, dec.Value, s.ra, s.dec), nil
}

// angularSeparation computes the great-circle distance between two
// equatorial positions, all in degrees
func angularSeparation(ra1, dec1, ra2, dec2 float64) float64 {
	const d2r = math.Pi / 180
	sd1, cd1 := math.Sincos(dec1 * d2r)
	sd2, cd2 := math.Sincos(dec2 * d2r)
	cosSep := sd1*sd2 + cd1*cd2*math.Cos((ra1-ra2)*d2r)
	// Clamp against rounding before acos
	cosSep = math.Min(1, math.Max(-1, cosSep))
	return math.Acos(cosSep) / d2r
}

// SetFilter rotates the filter wheel to the slot carrying the named
// filter. Slot numbers are looked up from the wheel's FILTER_NAME vector,
// whose elements are named FILTER_SLOT_NAME_<n>.
type SetFilter struct {
	name     string
	priority int
	wheel    string
	filter   string
	slot     float64
	status   EventStatus
	note     string
}

func NewSetFilter(name string, priority int, wheel, filter string) *SetFilter {
	return &SetFilter{
		name:     name,
		priority: priority,
		wheel:    wheel,
		filter:   filter,
		status:   StatusReady,
	}
}

func (f *SetFilter) Name() string  { return f.name }
func (f *SetFilter) Priority() int { return f.priority }

func (f *SetFilter) Trigger(ctx context.Context, cxn Conn) error {
	names := cxn.Property(f.wheel, propFilterName)
	if names == nil {
		f.status = StatusFailed
		f.note = fmt.Sprintf("%s has no %s", f.wheel, propFilterName)
		return fmt.Errorf("scheduler: %s", f.note)
	}

	var available []string
	slot := -1
	for _, elem := range names.Texts {
		available = append(available, elem.Value)
		if elem.Value != f.filter {
			continue
		}
		idx := elem.Name[strings.LastIndex(elem.Name, "_")+1:]
		n, err := strconv.Atoi(idx)
		if err != nil {
			f.status = StatusFailed
			f.note = fmt.Sprintf("cannot parse slot from element %q", elem.Name)
			return fmt.Errorf("scheduler: %s", f.note)
		}
		slot = n
	}
	if slot < 0 {
		f.status = StatusFailed
		f.note = fmt.Sprintf("filter %q not in available filters %v", f.filter, available)
		return fmt.Errorf("scheduler: %s", f.note)
	}

	f.slot = float64(slot)
	if _, err := cxn.Set(ctx, f.wheel, propFilterSlot,
		map[string]interface{}{"FILTER_SLOT_VALUE": f.slot}); err != nil {
		f.status = StatusFailed
		f.note = err.Error()
		return err
	}
	f.status = StatusRunning
	return nil
}

func (f *SetFilter) Status(_ context.Context, cxn Conn) (EventStatus, string) {
	if f.status != StatusRunning {
		return f.status, f.note
	}
	prop := cxn.Property(f.wheel, propFilterSlot)
	if prop == nil {
		f.status = StatusFailed
		f.note = fmt.Sprintf("%s lost %s", f.wheel, propFilterSlot)
		return f.status, f.note
	}
	if elem := prop.Number("FILTER_SLOT_VALUE"); elem != nil && elem.Value == f.slot {
		f.status = StatusFinished
	}
	return f.status, ""
}

func (f *SetFilter) Cancel(_ context.Context, _ Conn) error {
	f.status = StatusFailed
	f.note = "canceled"
	return nil
}

// FrameSink receives captured frames. The job cache implements this.
type FrameSink interface {
	AddFrame(jobID string, data []byte, format string) error
}

// Capture starts an exposure and waits for the camera to publish the
// frame. Completion is detected by the CCD1 payload version advancing, so
// back-to-back identical frames still count.
type Capture struct {
	name     string
	priority int
	camera   string
	jobID    string
	duration float64 // seconds
	sink     FrameSink

	status  EventStatus
	note    string
	baseVer uint64
}

func NewCapture(name string, priority int, camera, jobID string, duration float64, sink FrameSink) *Capture {
	return &Capture{
		name:     name,
		priority: priority,
		camera:   camera,
		jobID:    jobID,
		duration: duration,
		sink:     sink,
		status:   StatusReady,
	}
}

func (c *Capture) Name() string  { return c.name }
func (c *Capture) Priority() int { return c.priority }

func (c *Capture) Trigger(ctx context.Context, cxn Conn) error {
	frame := cxn.Property(c.camera, propCCDFrame)
	if frame == nil {
		c.status = StatusFailed
		c.note = fmt.Sprintf("%s has no %s", c.camera, propCCDFrame)
		return fmt.Errorf("scheduler: %s", c.note)
	}
	if elem := frame.BLOB(propCCDFrame); elem != nil {
		c.baseVer = elem.Version
	}

	if _, err := cxn.Set(ctx, c.camera, propExposure,
		map[string]interface{}{"CCD_EXPOSURE_VALUE": c.duration}); err != nil {
		c.status = StatusFailed
		c.note = err.Error()
		return err
	}
	c.status = StatusRunning
	return nil
}

func (c *Capture) Status(_ context.Context, cxn Conn) (EventStatus, string) {
	if c.status != StatusRunning {
		return c.status, c.note
	}
	frame := cxn.Property(c.camera, propCCDFrame)
	if frame == nil {
		c.status = StatusFailed
		c.note = fmt.Sprintf("%s lost %s", c.camera, propCCDFrame)
		return c.status, c.note
	}
	elem := frame.BLOB(propCCDFrame)
	if elem == nil || elem.Version <= c.baseVer {
		return c.status, ""
	}

	if c.sink != nil {
		if err := c.sink.AddFrame(c.jobID, elem.Value, elem.Format); err != nil {
			c.status = StatusFailed
			c.note = fmt.Sprintf("failed to store frame: %v", err)
			return c.status, c.note
		}
	}
	c.status = StatusFinished
	return c.status, ""
}

func (c *Capture) Cancel(_ context.Context, _ Conn) error {
	c.status = StatusFailed
	c.note = "canceled"
	return nil
}
