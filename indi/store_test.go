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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defNumber(device, name string, values map[string]float64) *DefProperty {
	prop := &Property{
		Device: device,
		Name:   name,
		Kind:   KindNumber,
		Perm:   PermReadWrite,
		State:  StateIdle,
	}
	for elem, v := range values {
		prop.Numbers = append(prop.Numbers, NumberElement{Name: elem, Label: elem, Value: v})
	}
	return &DefProperty{Property: prop}
}

func defSwitch(device, name string, rule SwitchRule, on string, names ...string) *DefProperty {
	prop := &Property{
		Device: device,
		Name:   name,
		Kind:   KindSwitch,
		Perm:   PermReadWrite,
		Rule:   rule,
		State:  StateIdle,
	}
	for _, elem := range names {
		state := SwitchOff
		if elem == on {
			state = SwitchOn
		}
		prop.Switches = append(prop.Switches, SwitchElement{Name: elem, Label: elem, Value: state})
	}
	return &DefProperty{Property: prop}
}

func setNumber(device, name string, state PropertyState, values map[string]float64) *SetProperty {
	msg := &SetProperty{
		Device:    device,
		Name:      name,
		Kind:      KindNumber,
		State:     &state,
		Timestamp: time.Now(),
	}
	for elem, v := range values {
		msg.Updates = append(msg.Updates, ElementUpdate{Name: elem, Number: v})
	}
	return msg
}

func TestStoreDefineAndSnapshot(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	snap := s.Snapshot()
	prop := snap.Property("Mount", "HA")
	require.NotNil(t, prop)
	assert.Equal(t, 1.0, prop.Number("H").Value)
	assert.NotZero(t, prop.Number("H").Version)

	// Snapshots are isolated from later writes
	require.NoError(t, s.Apply(setNumber("Mount", "HA", StateOk, map[string]float64{"H": 2.0})))
	assert.Equal(t, 1.0, prop.Number("H").Value)
	assert.Equal(t, 2.0, s.Property("Mount", "HA").Number("H").Value)
}

func TestStoreRedefineReplacesProperty(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0, "D": 2.0})))
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 9.0})))

	prop := s.Property("Mount", "HA")
	assert.Len(t, prop.Numbers, 1)
	assert.Equal(t, 9.0, prop.Number("H").Value)
}

func TestStoreSetBumpsVersions(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))
	v1 := s.Property("Mount", "HA").Number("H").Version

	// Same value again still advances the version
	require.NoError(t, s.Apply(setNumber("Mount", "HA", StateOk, map[string]float64{"H": 1.0})))
	v2 := s.Property("Mount", "HA").Number("H").Version
	assert.Greater(t, v2, v1)

	prop := s.Property("Mount", "HA")
	assert.Equal(t, StateOk, prop.State)
}

func TestStoreSetUnknownTargets(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	assert.Error(t, s.Apply(setNumber("Nope", "HA", StateOk, map[string]float64{"H": 1.0})))
	assert.Error(t, s.Apply(setNumber("Mount", "Nope", StateOk, map[string]float64{"H": 1.0})))
	assert.Error(t, s.Apply(setNumber("Mount", "HA", StateOk, map[string]float64{"Nope": 1.0})))

	// A kind mismatch is rejected too
	bad := &SetProperty{Device: "Mount", Name: "HA", Kind: KindText,
		Updates: []ElementUpdate{{Name: "H", Text: "x"}}}
	assert.Error(t, s.Apply(bad))

	// Failed sets change nothing
	assert.Equal(t, 1.0, s.Property("Mount", "HA").Number("H").Value)
}

func TestStoreSetDroppedWhole(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "COORD", map[string]float64{"A": 1.0, "B": 2.0})))
	before := s.Property("Mount", "COORD")

	notified := 0
	s.OnUpdate("Mount", "COORD", func(Update) { notified++ })

	// A good element ahead of a bad one must not leak through
	state := StateOk
	err := s.Apply(&SetProperty{
		Device: "Mount", Name: "COORD", Kind: KindNumber, State: &state,
		Updates: []ElementUpdate{
			{Name: "A", Number: 42},
			{Name: "Nope", Number: 7},
		},
	})
	require.Error(t, err)

	after := s.Property("Mount", "COORD")
	assert.Equal(t, 1.0, after.Number("A").Value)
	assert.Equal(t, StateIdle, after.State)
	assert.Equal(t, before.Number("A").Version, after.Number("A").Version)
	assert.Zero(t, notified, "a dropped message must not notify subscribers")
}

func TestStoreSwitchRadioRule(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defSwitch("CCD", "CONNECTION", RuleOneOfMany, "DISCONNECT", "CONNECT", "DISCONNECT")))

	// A sparse set turning CONNECT on must turn DISCONNECT off
	require.NoError(t, s.Apply(&SetProperty{
		Device: "CCD", Name: "CONNECTION", Kind: KindSwitch,
		Updates: []ElementUpdate{{Name: "CONNECT", Switch: SwitchOn}},
	}))

	prop := s.Property("CCD", "CONNECTION")
	assert.Equal(t, SwitchOn, prop.Switch("CONNECT").Value)
	assert.Equal(t, SwitchOff, prop.Switch("DISCONNECT").Value)
}

func TestStoreSwitchAnyOfManyKeepsOthers(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defSwitch("CCD", "OPTIONS", RuleAnyOfMany, "A", "A", "B")))
	require.NoError(t, s.Apply(&SetProperty{
		Device: "CCD", Name: "OPTIONS", Kind: KindSwitch,
		Updates: []ElementUpdate{{Name: "B", Switch: SwitchOn}},
	}))

	prop := s.Property("CCD", "OPTIONS")
	assert.Equal(t, SwitchOn, prop.Switch("A").Value)
	assert.Equal(t, SwitchOn, prop.Switch("B").Value)
}

func TestStoreDelete(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))
	require.NoError(t, s.Apply(defNumber("Mount", "DEC", map[string]float64{"D": 2.0})))

	require.NoError(t, s.Apply(&DelProperty{Device: "Mount", Name: "HA"}))
	assert.Nil(t, s.Property("Mount", "HA"))
	assert.NotNil(t, s.Property("Mount", "DEC"))

	// Deleting the last property removes the device
	require.NoError(t, s.Apply(&DelProperty{Device: "Mount", Name: "DEC"}))
	assert.Nil(t, s.Snapshot().Device("Mount"))

	assert.Error(t, s.Apply(&DelProperty{Device: "Mount", Name: "DEC"}))
}

func TestStoreDeleteWholeDevice(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))
	require.NoError(t, s.Apply(defNumber("Mount", "DEC", map[string]float64{"D": 2.0})))

	require.NoError(t, s.Apply(&DelProperty{Device: "Mount"}))
	assert.Nil(t, s.Snapshot().Device("Mount"))
}

func TestAwaitAlreadySatisfied(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	err := s.Await("Mount", "HA", 0, func(p *Property) bool {
		return p.Number("H").Value == 1.0
	})
	assert.NoError(t, err)
}

func TestAwaitPollOnceTimesOut(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	err := s.Await("Mount", "HA", 0, func(p *Property) bool { return false })
	assert.ErrorIs(t, err, ErrAwaitTimeout)
}

func TestAwaitSatisfiedByLaterUpdate(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	done := make(chan error, 1)
	go func() {
		done <- s.Await("Mount", "HA", 5*time.Second, func(p *Property) bool {
			return p.Number("H").Value == 3.0
		})
	}()

	// Give the waiter time to register, then update twice
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Apply(setNumber("Mount", "HA", StateBusy, map[string]float64{"H": 2.0})))
	require.NoError(t, s.Apply(setNumber("Mount", "HA", StateOk, map[string]float64{"H": 3.0})))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Await did not return")
	}
}

func TestAwaitDeadline(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	start := time.Now()
	err := s.Await("Mount", "HA", 50*time.Millisecond, func(p *Property) bool { return false })
	assert.ErrorIs(t, err, ErrAwaitTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, s.Waiters(), "timed-out waiter must be deregistered")
}

func TestAwaitTargetRemoved(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	done := make(chan error, 1)
	go func() {
		done <- s.Await("Mount", "HA", 5*time.Second, func(p *Property) bool { return false })
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Apply(&DelProperty{Device: "Mount", Name: "HA"}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTargetRemoved)
	case <-time.After(time.Second):
		t.Fatal("Await did not return")
	}
}

func TestAwaitDeviceRemovedReleasesWaiter(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	done := make(chan error, 1)
	go func() {
		done <- s.Await("Mount", "HA", 5*time.Second, func(p *Property) bool { return false })
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Apply(&DelProperty{Device: "Mount"}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTargetRemoved)
	case <-time.After(time.Second):
		t.Fatal("Await did not return")
	}
}

func TestAwaitStoreClosed(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))

	done := make(chan error, 1)
	go func() {
		done <- s.Await("Mount", "HA", 5*time.Second, func(p *Property) bool { return false })
	}()

	time.Sleep(20 * time.Millisecond)
	s.CloseWithError(ErrConnectionClosed)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStoreClosed)
	case <-time.After(time.Second):
		t.Fatal("Await did not return")
	}

	// Closed store rejects new waiters and writes but stays readable
	assert.ErrorIs(t, s.Await("Mount", "HA", 0, func(*Property) bool { return true }), ErrStoreClosed)
	assert.ErrorIs(t, s.Apply(setNumber("Mount", "HA", StateOk, map[string]float64{"H": 2.0})), ErrStoreClosed)
	assert.NotNil(t, s.Property("Mount", "HA"))
}

func TestOnUpdateDeliversClones(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var got []Update
	id := s.OnUpdate("", "", func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	defer s.Unsubscribe(id)

	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))
	require.NoError(t, s.Apply(setNumber("Mount", "HA", StateOk, map[string]float64{"H": 2.0})))
	require.NoError(t, s.Apply(&DelProperty{Device: "Mount", Name: "HA"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, UpdateDefined, got[0].Kind)
	assert.Equal(t, UpdateValues, got[1].Kind)
	assert.Equal(t, UpdateDeleted, got[2].Kind)
	assert.Nil(t, got[2].Property)

	// The handler's copy is frozen at delivery time
	assert.Equal(t, 1.0, got[0].Property.Number("H").Value)
	assert.Equal(t, 2.0, got[1].Property.Number("H").Value)
}

func TestOnUpdateFiltersByTarget(t *testing.T) {
	s := NewStore()

	var haUpdates, mountUpdates, allUpdates int
	s.OnUpdate("Mount", "HA", func(Update) { haUpdates++ })
	s.OnUpdate("Mount", "", func(Update) { mountUpdates++ })
	s.OnUpdate("", "", func(Update) { allUpdates++ })

	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))
	require.NoError(t, s.Apply(defNumber("Mount", "DEC", map[string]float64{"D": 2.0})))
	require.NoError(t, s.Apply(defNumber("CCD", "TEMP", map[string]float64{"T": -10})))

	assert.Equal(t, 1, haUpdates)
	assert.Equal(t, 2, mountUpdates)
	assert.Equal(t, 3, allUpdates)

	// A whole-device delete reaches property-scoped subscribers too
	require.NoError(t, s.Apply(&DelProperty{Device: "Mount"}))
	assert.Equal(t, 2, haUpdates)
	assert.Equal(t, 3, mountUpdates)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStore()
	calls := 0
	id := s.OnUpdate("", "", func(Update) { calls++ })

	require.NoError(t, s.Apply(defNumber("Mount", "HA", map[string]float64{"H": 1.0})))
	s.Unsubscribe(id)
	require.NoError(t, s.Apply(setNumber("Mount", "HA", StateOk, map[string]float64{"H": 2.0})))

	assert.Equal(t, 1, calls)
	assert.Zero(t, s.Subscriptions())
}

func TestSnapshotConcurrentWithWrites(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(defNumber("Mount", "COORD", map[string]float64{"RA": 0, "DEC": 0})))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			v := float64(i)
			_ = s.Apply(setNumber("Mount", "COORD", StateBusy, map[string]float64{"RA": v, "DEC": v}))
		}
	}()

	// Both elements are written under one Apply, so every snapshot must
	// see them equal: a torn read would catch Apply mid-write.
	for i := 0; i < 100; i++ {
		prop := s.Snapshot().Property("Mount", "COORD")
		require.NotNil(t, prop)
		assert.Equal(t, prop.Number("RA").Value, prop.Number("DEC").Value)
	}
	wg.Wait()
}
