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

package indi

import (
	"fmt"
	"sync"
	"time"
)

// UpdateKind classifies a store change delivered to OnUpdate subscribers
type UpdateKind int

const (
	UpdateDefined UpdateKind = iota
	UpdateValues
	UpdateDeleted
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateDefined:
		return "defined"
	case UpdateValues:
		return "values"
	case UpdateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("update(%d)", k)
	}
}

// Update is one store change. Property is a private copy the handler may
// keep; it is nil for deletions. For a whole-device deletion Name is empty.
type Update struct {
	Kind     UpdateKind
	Device   string
	Name     string
	Property *Property
	Note     string
}

// waitOutcome is the rendezvous payload between Apply and Await
type waitOutcome int

const (
	waitSatisfied waitOutcome = iota
	waitTargetRemoved
	waitClosed
)

type waiter struct {
	device   string
	property string
	cond     func(*Property) bool
	done     chan waitOutcome // buffered, written at most once
	fired    bool
}

// Store holds the mirrored device tree. All writes flow through Apply,
// which the reader loop calls from a single goroutine; reads via Snapshot,
// Property and Await are safe from any goroutine.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*Device

	version uint64 // monotonic, bumped per element write

	nextID  int64
	waiters map[int64]*waiter
	subs    map[int64]*subscription

	closed   bool
	closeErr error
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*Device),
		waiters: make(map[int64]*waiter),
		subs:    make(map[int64]*subscription),
	}
}

// Apply folds one decoded message into the tree. Messages that do not
// mutate state (server messages, echoed commands) are no-ops. A set or
// delete naming an unknown target returns an error and changes nothing.
func (s *Store) Apply(msg Message) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	var (
		update *Update
		err    error
	)
	switch m := msg.(type) {
	case *DefProperty:
		update = s.applyDef(m)
	case *SetProperty:
		update, err = s.applySet(m)
	case *DelProperty:
		update, err = s.applyDel(m)
	default:
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}

	fired := s.collectWaiters(update)
	subs := s.subscribers(update)
	s.mu.Unlock()

	for _, w := range fired {
		w.done <- w.outcome
	}
	// Handlers run on the caller's goroutine, outside the store lock, so
	// they may call Snapshot or Await without deadlocking.
	for _, fn := range subs {
		fn(*update)
	}
	return nil
}

func (s *Store) applyDef(m *DefProperty) *Update {
	prop := m.Property.clone()

	s.version++
	v := s.version
	for i := range prop.Switches {
		prop.Switches[i].Version = v
	}
	for i := range prop.Numbers {
		prop.Numbers[i].Version = v
	}
	for i := range prop.Texts {
		prop.Texts[i].Version = v
	}
	for i := range prop.Lights {
		prop.Lights[i].Version = v
	}
	for i := range prop.Blobs {
		prop.Blobs[i].Version = v
	}

	dev, ok := s.devices[prop.Device]
	if !ok {
		dev = &Device{Name: prop.Device, Properties: make(map[string]*Property)}
		s.devices[prop.Device] = dev
	}
	// A redefinition replaces the property wholesale
	dev.Properties[prop.Name] = prop

	return &Update{
		Kind:     UpdateDefined,
		Device:   prop.Device,
		Name:     prop.Name,
		Property: prop.clone(),
		Note:     m.Note,
	}
}

func (s *Store) applySet(m *SetProperty) (*Update, error) {
	dev, ok := s.devices[m.Device]
	if !ok {
		return nil, fmt.Errorf("indi: set for unknown device %q", m.Device)
	}
	prop, ok := dev.Properties[m.Name]
	if !ok {
		return nil, fmt.Errorf("indi: set for unknown property %s.%s", m.Device, m.Name)
	}
	if prop.Kind != m.Kind {
		return nil, fmt.Errorf("indi: set%sVector for %s.%s, which is a %s vector",
			m.Kind, m.Device, m.Name, prop.Kind)
	}

	// Resolve every target first so a message naming an unknown element
	// is dropped whole, leaving the property untouched
	for _, up := range m.Updates {
		var known bool
		switch m.Kind {
		case KindSwitch:
			known = prop.Switch(up.Name) != nil
		case KindNumber:
			known = prop.Number(up.Name) != nil
		case KindText:
			known = prop.Text(up.Name) != nil
		case KindLight:
			known = prop.Light(up.Name) != nil
		case KindBLOB:
			known = prop.BLOB(up.Name) != nil
		}
		if !known {
			return nil, unknownElement(m.Device, m.Name, up.Name)
		}
	}

	if m.State != nil {
		prop.State = *m.State
	}
	if m.Timeout != nil {
		prop.Timeout = *m.Timeout
	}
	prop.Timestamp = m.Timestamp

	for _, up := range m.Updates {
		s.version++
		v := s.version
		switch m.Kind {
		case KindSwitch:
			elem := prop.Switch(up.Name)
			elem.Value = up.Switch
			elem.Version = v
			if up.Switch == SwitchOn {
				s.enforceRadioRule(prop, up.Name)
			}
		case KindNumber:
			elem := prop.Number(up.Name)
			elem.Value = up.Number
			elem.Version = v
		case KindText:
			elem := prop.Text(up.Name)
			elem.Value = up.Text
			elem.Version = v
		case KindLight:
			elem := prop.Light(up.Name)
			elem.Value = up.Light
			elem.Version = v
		case KindBLOB:
			elem := prop.BLOB(up.Name)
			elem.Value = append([]byte(nil), up.Blob...)
			elem.Format = up.Format
			elem.Size = up.Size
			elem.Version = v
		}
	}

	return &Update{
		Kind:     UpdateValues,
		Device:   m.Device,
		Name:     m.Name,
		Property: prop.clone(),
		Note:     m.Note,
	}, nil
}

// enforceRadioRule turns the other members of an exclusive switch vector
// Off when one turns On. Servers usually send the full vector, but sparse
// updates are legal and the mirror must stay consistent.
func (s *Store) enforceRadioRule(prop *Property, on string) {
	if prop.Rule != RuleOneOfMany && prop.Rule != RuleAtMostOne {
		return
	}
	for i := range prop.Switches {
		elem := &prop.Switches[i]
		if elem.Name == on || elem.Value == SwitchOff {
			continue
		}
		s.version++
		elem.Value = SwitchOff
		elem.Version = s.version
	}
}

func (s *Store) applyDel(m *DelProperty) (*Update, error) {
	dev, ok := s.devices[m.Device]
	if !ok {
		return nil, fmt.Errorf("indi: delete for unknown device %q", m.Device)
	}
	if m.Name == "" {
		delete(s.devices, m.Device)
		return &Update{Kind: UpdateDeleted, Device: m.Device, Note: m.Note}, nil
	}
	if _, ok := dev.Properties[m.Name]; !ok {
		return nil, fmt.Errorf("indi: delete for unknown property %s.%s", m.Device, m.Name)
	}
	delete(dev.Properties, m.Name)
	if len(dev.Properties) == 0 {
		delete(s.devices, m.Device)
	}
	return &Update{Kind: UpdateDeleted, Device: m.Device, Name: m.Name, Note: m.Note}, nil
}

type firedWaiter struct {
	done    chan waitOutcome
	outcome waitOutcome
}

// collectWaiters resolves waiters affected by an update. Called with the
// lock held; the sends happen after release.
func (s *Store) collectWaiters(u *Update) []firedWaiter {
	var fired []firedWaiter
	for id, w := range s.waiters {
		if w.device != u.Device {
			continue
		}
		switch u.Kind {
		case UpdateDeleted:
			if u.Name != "" && u.Name != w.property {
				continue
			}
			delete(s.waiters, id)
			fired = append(fired, firedWaiter{w.done, waitTargetRemoved})
		case UpdateDefined, UpdateValues:
			if u.Name != w.property {
				continue
			}
			prop := s.lookup(w.device, w.property)
			if prop != nil && w.cond(prop) {
				delete(s.waiters, id)
				fired = append(fired, firedWaiter{w.done, waitSatisfied})
			}
		}
	}
	return fired
}

// subscription is one OnUpdate registration. Empty device or property
// matches everything.
type subscription struct {
	device   string
	property string
	fn       func(Update)
}

func (sub *subscription) matches(u *Update) bool {
	if sub.device != "" && sub.device != u.Device {
		return false
	}
	if sub.property == "" || sub.property == u.Name {
		return true
	}
	// A whole-device deletion carries no property name but still touches
	// every property subscription on that device
	return u.Kind == UpdateDeleted && u.Name == ""
}

func (s *Store) subscribers(u *Update) []func(Update) {
	var fns []func(Update)
	for _, sub := range s.subs {
		if sub.matches(u) {
			fns = append(fns, sub.fn)
		}
	}
	return fns
}

// hasDevice reports whether the named device is mirrored
func (s *Store) hasDevice(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[name]
	return ok
}

// lookup returns the live property, lock held
func (s *Store) lookup(device, name string) *Property {
	dev, ok := s.devices[device]
	if !ok {
		return nil
	}
	return dev.Properties[name]
}

// Snapshot returns a deep copy of the device tree. The copy never changes
// after it is returned.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Devices: make(map[string]*Device, len(s.devices)),
		Taken:   time.Now(),
	}
	for name, dev := range s.devices {
		copied := &Device{Name: dev.Name, Properties: make(map[string]*Property, len(dev.Properties))}
		for pname, prop := range dev.Properties {
			copied.Properties[pname] = prop.clone()
		}
		snap.Devices[name] = copied
	}
	return snap
}

// Property returns a private copy of one property, or nil if absent
func (s *Store) Property(device, name string) *Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prop := s.lookup(device, name)
	if prop == nil {
		return nil
	}
	return prop.clone()
}

// Await blocks until cond holds for the named property. The condition is
// checked immediately, then after every update touching the property, under
// the store lock against the live value.
//
// A zero timeout checks once and returns without blocking; a negative
// timeout waits indefinitely. Await returns nil when the condition held,
// ErrAwaitTimeout on deadline, ErrTargetRemoved if the property or its
// device was deleted while waiting, and ErrStoreClosed if the store shut
// down.
func (s *Store) Await(device, property string, timeout time.Duration, cond func(*Property) bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if prop := s.lookup(device, property); prop != nil && cond(prop) {
		s.mu.Unlock()
		return nil
	}
	if timeout == 0 {
		s.mu.Unlock()
		return ErrAwaitTimeout
	}

	w := &waiter{
		device:   device,
		property: property,
		cond:     cond,
		done:     make(chan waitOutcome, 1),
	}
	s.nextID++
	id := s.nextID
	s.waiters[id] = w
	s.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case outcome := <-w.done:
		return outcomeErr(outcome)
	case <-deadline:
	}

	// Deadline fired. An outcome may have been delivered in the race
	// window before we deregister; honor it if so.
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()

	select {
	case outcome := <-w.done:
		return outcomeErr(outcome)
	default:
		return ErrAwaitTimeout
	}
}

func outcomeErr(o waitOutcome) error {
	switch o {
	case waitSatisfied:
		return nil
	case waitTargetRemoved:
		return ErrTargetRemoved
	default:
		return ErrStoreClosed
	}
}

// Waiters reports the number of blocked Await calls
func (s *Store) Waiters() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waiters)
}

// OnUpdate registers a handler invoked after every apply touching the
// named property. An empty device or property widens the match to all
// devices or all properties. Handlers run synchronously on the reader
// goroutine, in Apply order; slow handlers stall the stream. The returned
// id cancels the subscription.
func (s *Store) OnUpdate(device, property string, fn func(Update)) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = &subscription{device: device, property: property, fn: fn}
	return id
}

// Unsubscribe removes an OnUpdate handler
func (s *Store) Unsubscribe(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Subscriptions reports the number of registered OnUpdate handlers
func (s *Store) Subscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// CloseWithError marks the store closed and releases every waiter with
// ErrStoreClosed. The tree is kept readable so callers can inspect the
// last known state after disconnect.
func (s *Store) CloseWithError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	fired := make([]firedWaiter, 0, len(s.waiters))
	for id, w := range s.waiters {
		delete(s.waiters, id)
		fired = append(fired, firedWaiter{w.done, waitClosed})
	}
	s.mu.Unlock()

	for _, w := range fired {
		w.done <- w.outcome
	}
}

// Reset clears the device tree and reopens the store for a fresh
// connection. Subscriptions survive a reset.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]*Device)
	s.closed = false
	s.closeErr = nil
}

func unknownElement(device, property, element string) error {
	return fmt.Errorf("indi: set for unknown element %s.%s.%s", device, property, element)
}
