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

// Package indi provides an INDI protocol client for controlling astronomical
// instruments such as telescope mounts, cameras and filter wheels.
package indi

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPort is the standard INDI server TCP port
const DefaultPort = 7624

// ProtocolVersion is the INDI protocol version implemented
const ProtocolVersion = "1.7"

// PropertyState represents the state tag of a property vector
type PropertyState uint8

const (
	StateIdle PropertyState = iota
	StateOk
	StateBusy
	StateAlert
)

func (s PropertyState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOk:
		return "Ok"
	case StateBusy:
		return "Busy"
	case StateAlert:
		return "Alert"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// ParsePropertyState parses a wire state tag. Tags are case-sensitive on
// the wire; an unrecognized tag is a protocol error, not a crash.
func ParsePropertyState(s string) (PropertyState, bool) {
	states := map[string]PropertyState{
		"Idle":  StateIdle,
		"Ok":    StateOk,
		"Busy":  StateBusy,
		"Alert": StateAlert,
	}
	if st, ok := states[s]; ok {
		return st, true
	}
	return 0, false
}

// Permission represents property access permission
type Permission uint8

const (
	PermReadOnly Permission = iota
	PermWriteOnly
	PermReadWrite
)

func (p Permission) String() string {
	switch p {
	case PermReadOnly:
		return "ro"
	case PermWriteOnly:
		return "wo"
	case PermReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("perm(%d)", p)
	}
}

// ParsePermission parses a wire permission attribute
func ParsePermission(s string) (Permission, bool) {
	perms := map[string]Permission{
		"ro": PermReadOnly,
		"wo": PermWriteOnly,
		"rw": PermReadWrite,
	}
	if p, ok := perms[s]; ok {
		return p, true
	}
	return 0, false
}

// SwitchRule constrains how many elements of a switch vector may be On
type SwitchRule uint8

const (
	RuleOneOfMany SwitchRule = iota
	RuleAtMostOne
	RuleAnyOfMany
)

func (r SwitchRule) String() string {
	switch r {
	case RuleOneOfMany:
		return "OneOfMany"
	case RuleAtMostOne:
		return "AtMostOne"
	case RuleAnyOfMany:
		return "AnyOfMany"
	default:
		return fmt.Sprintf("rule(%d)", r)
	}
}

// ParseSwitchRule parses a wire rule attribute
func ParseSwitchRule(s string) (SwitchRule, bool) {
	rules := map[string]SwitchRule{
		"OneOfMany": RuleOneOfMany,
		"AtMostOne": RuleAtMostOne,
		"AnyOfMany": RuleAnyOfMany,
	}
	if r, ok := rules[s]; ok {
		return r, true
	}
	return 0, false
}

// SwitchState is the value of a single switch element
type SwitchState uint8

const (
	SwitchOff SwitchState = iota
	SwitchOn
)

func (s SwitchState) String() string {
	if s == SwitchOn {
		return "On"
	}
	return "Off"
}

// ParseSwitchState parses a switch element value. Devices are sloppy about
// whitespace and capitalization here, so parsing is lenient.
func ParseSwitchState(s string) (SwitchState, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return SwitchOn, true
	case "off":
		return SwitchOff, true
	}
	return 0, false
}

// PropertyKind identifies which of the five vector kinds a property is
type PropertyKind uint8

const (
	KindSwitch PropertyKind = iota
	KindNumber
	KindText
	KindLight
	KindBLOB
)

func (k PropertyKind) String() string {
	switch k {
	case KindSwitch:
		return "Switch"
	case KindNumber:
		return "Number"
	case KindText:
		return "Text"
	case KindLight:
		return "Light"
	case KindBLOB:
		return "BLOB"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// BLOBMode controls whether the server sends binary payloads on this connection
type BLOBMode uint8

const (
	BLOBNever BLOBMode = iota
	BLOBAlso
	BLOBOnly
)

func (m BLOBMode) String() string {
	switch m {
	case BLOBNever:
		return "Never"
	case BLOBAlso:
		return "Also"
	case BLOBOnly:
		return "Only"
	default:
		return fmt.Sprintf("blob-mode(%d)", m)
	}
}

// SwitchElement is a single named on/off value within a switch vector
type SwitchElement struct {
	Name    string
	Label   string
	Value   SwitchState
	Version uint64
}

// NumberElement is a single named numeric value within a number vector.
// Format is the server's printf-style display hint.
type NumberElement struct {
	Name    string
	Label   string
	Format  string
	Min     float64
	Max     float64
	Step    float64
	Value   float64
	Version uint64
}

// TextElement is a single named string value within a text vector
type TextElement struct {
	Name    string
	Label   string
	Value   string
	Version uint64
}

// LightElement is a single named read-only status within a light vector
type LightElement struct {
	Name    string
	Label   string
	Value   PropertyState
	Version uint64
}

// BLOBElement is a single named binary payload within a BLOB vector.
// Value is nil until the server sends data; Format describes the payload
// (e.g. ".fits"). Decoding the payload is the caller's concern.
type BLOBElement struct {
	Name    string
	Label   string
	Format  string
	Size    int
	Value   []byte
	Version uint64
}

// Property is a named vector of typed elements belonging to a device.
// Exactly one of the element slices is populated, selected by Kind.
// Element order is server-defined and preserved.
type Property struct {
	Device    string
	Name      string
	Label     string
	Group     string
	Kind      PropertyKind
	Perm      Permission
	Rule      SwitchRule // switch vectors only
	State     PropertyState
	Timeout   float64
	Timestamp time.Time

	Switches []SwitchElement
	Numbers  []NumberElement
	Texts    []TextElement
	Lights   []LightElement
	Blobs    []BLOBElement
}

func (p *Property) String() string {
	return fmt.Sprintf("%s.%s [%s %s %s]", p.Device, p.Name, p.Kind, p.Perm, p.State)
}

// Switch returns the named switch element, or nil
func (p *Property) Switch(name string) *SwitchElement {
	for i := range p.Switches {
		if p.Switches[i].Name == name {
			return &p.Switches[i]
		}
	}
	return nil
}

// Number returns the named number element, or nil
func (p *Property) Number(name string) *NumberElement {
	for i := range p.Numbers {
		if p.Numbers[i].Name == name {
			return &p.Numbers[i]
		}
	}
	return nil
}

// Text returns the named text element, or nil
func (p *Property) Text(name string) *TextElement {
	for i := range p.Texts {
		if p.Texts[i].Name == name {
			return &p.Texts[i]
		}
	}
	return nil
}

// Light returns the named light element, or nil
func (p *Property) Light(name string) *LightElement {
	for i := range p.Lights {
		if p.Lights[i].Name == name {
			return &p.Lights[i]
		}
	}
	return nil
}

// BLOB returns the named BLOB element, or nil
func (p *Property) BLOB(name string) *BLOBElement {
	for i := range p.Blobs {
		if p.Blobs[i].Name == name {
			return &p.Blobs[i]
		}
	}
	return nil
}

// ElementNames returns the element names in server order
func (p *Property) ElementNames() []string {
	var names []string
	switch p.Kind {
	case KindSwitch:
		for i := range p.Switches {
			names = append(names, p.Switches[i].Name)
		}
	case KindNumber:
		for i := range p.Numbers {
			names = append(names, p.Numbers[i].Name)
		}
	case KindText:
		for i := range p.Texts {
			names = append(names, p.Texts[i].Name)
		}
	case KindLight:
		for i := range p.Lights {
			names = append(names, p.Lights[i].Name)
		}
	case KindBLOB:
		for i := range p.Blobs {
			names = append(names, p.Blobs[i].Name)
		}
	}
	return names
}

// clone returns a deep copy sharing no mutable state with the receiver
func (p *Property) clone() *Property {
	c := *p
	if p.Switches != nil {
		c.Switches = make([]SwitchElement, len(p.Switches))
		copy(c.Switches, p.Switches)
	}
	if p.Numbers != nil {
		c.Numbers = make([]NumberElement, len(p.Numbers))
		copy(c.Numbers, p.Numbers)
	}
	if p.Texts != nil {
		c.Texts = make([]TextElement, len(p.Texts))
		copy(c.Texts, p.Texts)
	}
	if p.Lights != nil {
		c.Lights = make([]LightElement, len(p.Lights))
		copy(c.Lights, p.Lights)
	}
	if p.Blobs != nil {
		c.Blobs = make([]BLOBElement, len(p.Blobs))
		copy(c.Blobs, p.Blobs)
		for i := range p.Blobs {
			if p.Blobs[i].Value != nil {
				c.Blobs[i].Value = append([]byte(nil), p.Blobs[i].Value...)
			}
		}
	}
	return &c
}

// Device is a named instrument and its properties. Instances handed out in
// a Snapshot are deep copies and safe to hold indefinitely.
type Device struct {
	Name       string
	Properties map[string]*Property
}

// Groups returns property names keyed by the server-assigned group label
func (d *Device) Groups() map[string][]string {
	groups := make(map[string][]string)
	for name, prop := range d.Properties {
		groups[prop.Group] = append(groups[prop.Group], name)
	}
	return groups
}

// Snapshot is an immutable point-in-time copy of the full device tree
type Snapshot struct {
	Devices map[string]*Device
	Taken   time.Time
}

// Device returns the named device, or nil
func (s Snapshot) Device(name string) *Device {
	return s.Devices[name]
}

// Property returns the named property of the named device, or nil
func (s Snapshot) Property(device, name string) *Property {
	d := s.Devices[device]
	if d == nil {
		return nil
	}
	return d.Properties[name]
}

// FindBLOBVectors returns every BLOB property in the tree, typically used
// to locate cameras before enabling BLOB transfer.
func (s Snapshot) FindBLOBVectors() []*Property {
	var found []*Property
	for _, dev := range s.Devices {
		for _, prop := range dev.Properties {
			if prop.Kind == KindBLOB {
				found = append(found, prop)
			}
		}
	}
	return found
}
