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
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is a decoded INDI protocol message. The concrete types are
// DefProperty, SetProperty, NewProperty, DelProperty, ServerMessage and
// GetProperties.
type Message interface {
	message()
}

// DefProperty announces a property definition from the server
type DefProperty struct {
	Property *Property
	Note     string // server-attached message attribute, if any
}

// SetProperty carries new values for an already-defined property
type SetProperty struct {
	Device    string
	Name      string
	Kind      PropertyKind
	State     *PropertyState // nil when the server omitted the state attr
	Timeout   *float64
	Timestamp time.Time
	Note      string
	Updates   []ElementUpdate
}

// NewProperty is a client-side command echoed back by some servers. The
// reader loop logs and ignores these; the type is shared with the encode
// path so commands round-trip through the codec.
type NewProperty struct {
	Device    string
	Name      string
	Kind      PropertyKind
	Timestamp time.Time
	Updates   []ElementUpdate
}

// DelProperty removes a property, or a whole device when Name is empty
type DelProperty struct {
	Device    string
	Name      string
	Timestamp time.Time
	Note      string
}

// ServerMessage is an informational message from the server
type ServerMessage struct {
	Device    string
	Timestamp time.Time
	Text      string
}

// GetProperties is the discovery query; servers echo it to other clients
type GetProperties struct {
	Device  string
	Name    string
	Version string
}

func (*DefProperty) message()   {}
func (*SetProperty) message()   {}
func (*NewProperty) message()   {}
func (*DelProperty) message()   {}
func (*ServerMessage) message() {}
func (*GetProperties) message() {}

// ElementUpdate is one element's new value inside a set or new vector.
// The field matching the vector kind is meaningful, the rest are zero.
type ElementUpdate struct {
	Name   string
	Switch SwitchState
	Number float64
	Text   string
	Light  PropertyState
	Blob   []byte
	Format string
	Size   int
}

// Decoder splits a raw INDI byte stream into complete protocol messages.
// The stream is not message-aligned: Feed may deliver a fraction of an
// element or several at once, and the decoder buffers partial elements
// across calls. Next never fails the stream; a bad fragment is skipped and
// reported as a *DecodeError.
type Decoder struct {
	buf []byte
}

// Feed appends raw stream bytes to the decode buffer
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes awaiting a complete element
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message. It returns (nil, nil) when the
// buffer holds no complete element yet, and (nil, *DecodeError) when a
// fragment was discarded.
func (d *Decoder) Next() (Message, error) {
	chunk, err := d.nextChunk()
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return nil, nil
	}
	msg, err := parseChunk(chunk)
	if err != nil {
		return nil, &DecodeError{Fragment: string(chunk), Err: err}
	}
	return msg, nil
}

// nextChunk pops one complete top-level XML element off the buffer. A
// self-closing element ends at "/>", otherwise the matching close tag is
// required. Anything before the first '<' is garbage and discarded.
func (d *Decoder) nextChunk() ([]byte, error) {
	buf := bytes.TrimLeft(d.buf, " \t\r\n")
	if len(buf) == 0 {
		d.buf = d.buf[:0]
		return nil, nil
	}
	if buf[0] != '<' {
		idx := bytes.IndexByte(buf, '<')
		if idx < 0 {
			garbage := string(buf)
			d.buf = d.buf[:0]
			return nil, &DecodeError{Fragment: garbage, Err: fmt.Errorf("expected '<'")}
		}
		garbage := string(buf[:idx])
		d.buf = append(d.buf[:0], buf[idx:]...)
		return nil, &DecodeError{Fragment: garbage, Err: fmt.Errorf("expected '<'")}
	}

	name, complete := elementName(buf)
	if !complete {
		// Tag still arriving, need more data
		d.buf = append(d.buf[:0], buf...)
		return nil, nil
	}
	if name == "" {
		d.buf = append(d.buf[:0], buf[1:]...)
		return nil, &DecodeError{Fragment: "<", Err: fmt.Errorf("empty element name")}
	}

	// Self-closing element: "/>" appearing before the first '>'
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == '/' && buf[i+1] == '>' {
			chunk := append([]byte(nil), buf[:i+2]...)
			d.buf = append(d.buf[:0], buf[i+2:]...)
			return chunk, nil
		}
		if buf[i] == '>' {
			break
		}
	}

	end := "</" + name + ">"
	idx := bytes.Index(buf, []byte(end))
	if idx < 0 {
		// incomplete element, wait for more bytes
		d.buf = append(d.buf[:0], buf...)
		return nil, nil
	}
	idx += len(end)
	chunk := append([]byte(nil), buf[:idx]...)
	d.buf = append(d.buf[:0], buf[idx:]...)
	return chunk, nil
}

// elementName extracts the tag name following '<'. The second return is
// false while the name's terminator has not arrived yet.
func elementName(buf []byte) (string, bool) {
	for i := 1; i < len(buf); i++ {
		c := buf[i]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '>' || c == '/' {
			return string(buf[1:i]), true
		}
	}
	return "", false
}

// rawVector is the generic shape of any top-level INDI element
type rawVector struct {
	XMLName   xml.Name
	Device    string     `xml:"device,attr"`
	Name      string     `xml:"name,attr"`
	Label     string     `xml:"label,attr"`
	Group     string     `xml:"group,attr"`
	State     string     `xml:"state,attr"`
	Perm      string     `xml:"perm,attr"`
	Rule      string     `xml:"rule,attr"`
	Timeout   string     `xml:"timeout,attr"`
	Timestamp string     `xml:"timestamp,attr"`
	Message   string     `xml:"message,attr"`
	Version   string     `xml:"version,attr"`
	Children  []rawChild `xml:",any"`
}

type rawChild struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Label   string `xml:"label,attr"`
	Format  string `xml:"format,attr"`
	Min     string `xml:"min,attr"`
	Max     string `xml:"max,attr"`
	Step    string `xml:"step,attr"`
	Size    string `xml:"size,attr"`
	Value   string `xml:",chardata"`
}

func parseChunk(chunk []byte) (Message, error) {
	var raw rawVector
	if err := xml.Unmarshal(chunk, &raw); err != nil {
		return nil, err
	}

	tag := strings.ToLower(raw.XMLName.Local)
	switch tag {
	case "defswitchvector":
		return parseDef(&raw, KindSwitch)
	case "defnumbervector":
		return parseDef(&raw, KindNumber)
	case "deftextvector":
		return parseDef(&raw, KindText)
	case "deflightvector":
		return parseDef(&raw, KindLight)
	case "defblobvector":
		return parseDef(&raw, KindBLOB)
	case "setswitchvector":
		return parseSet(&raw, KindSwitch)
	case "setnumbervector":
		return parseSet(&raw, KindNumber)
	case "settextvector":
		return parseSet(&raw, KindText)
	case "setlightvector":
		return parseSet(&raw, KindLight)
	case "setblobvector":
		return parseSet(&raw, KindBLOB)
	case "newswitchvector":
		return parseNew(&raw, KindSwitch)
	case "newnumbervector":
		return parseNew(&raw, KindNumber)
	case "newtextvector":
		return parseNew(&raw, KindText)
	case "newblobvector":
		return parseNew(&raw, KindBLOB)
	case "delproperty":
		if raw.Device == "" {
			return nil, fmt.Errorf("delProperty: 'device' not defined")
		}
		return &DelProperty{
			Device:    raw.Device,
			Name:      raw.Name,
			Timestamp: parseTimestamp(raw.Timestamp),
			Note:      raw.Message,
		}, nil
	case "message":
		if raw.Message == "" {
			return nil, fmt.Errorf("message: 'message' not defined")
		}
		return &ServerMessage{
			Device:    raw.Device,
			Timestamp: parseTimestamp(raw.Timestamp),
			Text:      raw.Message,
		}, nil
	case "getproperties":
		return &GetProperties{Device: raw.Device, Name: raw.Name, Version: raw.Version}, nil
	}
	return nil, fmt.Errorf("unknown element <%s>", raw.XMLName.Local)
}

func parseDef(raw *rawVector, kind PropertyKind) (Message, error) {
	if raw.Device == "" || raw.Name == "" {
		return nil, fmt.Errorf("def%sVector: 'device' and 'name' required", kind)
	}

	prop := &Property{
		Device:    raw.Device,
		Name:      raw.Name,
		Label:     raw.Label,
		Group:     raw.Group,
		Kind:      kind,
		State:     StateIdle,
		Timestamp: parseTimestamp(raw.Timestamp),
	}
	if prop.Label == "" {
		prop.Label = prop.Name
	}

	if raw.State != "" {
		st, ok := ParsePropertyState(raw.State)
		if !ok {
			return nil, fmt.Errorf("%q is not a valid property state", raw.State)
		}
		prop.State = st
	}

	// Light vectors are implicitly read-only and carry no perm attribute
	if kind == KindLight {
		prop.Perm = PermReadOnly
	} else {
		perm, ok := ParsePermission(raw.Perm)
		if !ok {
			return nil, fmt.Errorf("%q is not a valid permission", raw.Perm)
		}
		prop.Perm = perm
	}

	if kind == KindSwitch {
		rule, ok := ParseSwitchRule(raw.Rule)
		if !ok {
			return nil, fmt.Errorf("%q is not a valid switch rule", raw.Rule)
		}
		prop.Rule = rule
	}

	if raw.Timeout != "" {
		to, err := strconv.ParseFloat(strings.TrimSpace(raw.Timeout), 64)
		if err != nil {
			return nil, fmt.Errorf("bad timeout attr: %w", err)
		}
		prop.Timeout = to
	}

	for i := range raw.Children {
		child := &raw.Children[i]
		if child.Name == "" {
			return nil, fmt.Errorf("element %d missing 'name'", i)
		}
		label := child.Label
		if label == "" {
			label = child.Name
		}
		text := strings.TrimSpace(child.Value)

		switch kind {
		case KindSwitch:
			val, ok := ParseSwitchState(text)
			if !ok {
				return nil, fmt.Errorf("element %q: %q is not a switch state", child.Name, text)
			}
			prop.Switches = append(prop.Switches, SwitchElement{Name: child.Name, Label: label, Value: val})

		case KindNumber:
			elem := NumberElement{Name: child.Name, Label: label, Format: child.Format}
			var err error
			if elem.Min, err = strconv.ParseFloat(strings.TrimSpace(child.Min), 64); err != nil {
				return nil, fmt.Errorf("element %q: bad min: %w", child.Name, err)
			}
			if elem.Max, err = strconv.ParseFloat(strings.TrimSpace(child.Max), 64); err != nil {
				return nil, fmt.Errorf("element %q: bad max: %w", child.Name, err)
			}
			if elem.Step, err = strconv.ParseFloat(strings.TrimSpace(child.Step), 64); err != nil {
				return nil, fmt.Errorf("element %q: bad step: %w", child.Name, err)
			}
			if elem.Value, err = strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("element %q: bad value: %w", child.Name, err)
			}
			prop.Numbers = append(prop.Numbers, elem)

		case KindText:
			prop.Texts = append(prop.Texts, TextElement{Name: child.Name, Label: label, Value: text})

		case KindLight:
			val, ok := ParsePropertyState(text)
			if !ok {
				return nil, fmt.Errorf("element %q: %q is not a light state", child.Name, text)
			}
			prop.Lights = append(prop.Lights, LightElement{Name: child.Name, Label: label, Value: val})

		case KindBLOB:
			// definitions carry no payload, only the element's existence
			prop.Blobs = append(prop.Blobs, BLOBElement{Name: child.Name, Label: label})
		}
	}

	return &DefProperty{Property: prop, Note: raw.Message}, nil
}

func parseSet(raw *rawVector, kind PropertyKind) (Message, error) {
	if raw.Device == "" || raw.Name == "" {
		return nil, fmt.Errorf("set%sVector: 'device' and 'name' required", kind)
	}

	msg := &SetProperty{
		Device:    raw.Device,
		Name:      raw.Name,
		Kind:      kind,
		Timestamp: parseTimestamp(raw.Timestamp),
		Note:      raw.Message,
	}

	if raw.State != "" {
		st, ok := ParsePropertyState(raw.State)
		if !ok {
			return nil, fmt.Errorf("%q is not a valid property state", raw.State)
		}
		msg.State = &st
	}
	if raw.Timeout != "" {
		to, err := strconv.ParseFloat(strings.TrimSpace(raw.Timeout), 64)
		if err != nil {
			return nil, fmt.Errorf("bad timeout attr: %w", err)
		}
		msg.Timeout = &to
	}

	updates, err := parseUpdates(raw, kind)
	if err != nil {
		return nil, err
	}
	msg.Updates = updates
	return msg, nil
}

func parseNew(raw *rawVector, kind PropertyKind) (Message, error) {
	if raw.Device == "" || raw.Name == "" {
		return nil, fmt.Errorf("new%sVector: 'device' and 'name' required", kind)
	}
	updates, err := parseUpdates(raw, kind)
	if err != nil {
		return nil, err
	}
	return &NewProperty{
		Device:    raw.Device,
		Name:      raw.Name,
		Kind:      kind,
		Timestamp: parseTimestamp(raw.Timestamp),
		Updates:   updates,
	}, nil
}

func parseUpdates(raw *rawVector, kind PropertyKind) ([]ElementUpdate, error) {
	var updates []ElementUpdate
	for i := range raw.Children {
		child := &raw.Children[i]
		if child.Name == "" {
			return nil, fmt.Errorf("element %d missing 'name'", i)
		}
		up := ElementUpdate{Name: child.Name}
		text := strings.TrimSpace(child.Value)

		switch kind {
		case KindSwitch:
			val, ok := ParseSwitchState(text)
			if !ok {
				return nil, fmt.Errorf("element %q: %q is not a switch state", child.Name, text)
			}
			up.Switch = val

		case KindNumber:
			val, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("element %q: bad number: %w", child.Name, err)
			}
			up.Number = val

		case KindText:
			up.Text = text

		case KindLight:
			val, ok := ParsePropertyState(text)
			if !ok {
				return nil, fmt.Errorf("element %q: %q is not a light state", child.Name, text)
			}
			up.Light = val

		case KindBLOB:
			data, err := base64.StdEncoding.DecodeString(stripWhitespace(child.Value))
			if err != nil {
				return nil, fmt.Errorf("element %q: bad base64 payload: %w", child.Name, err)
			}
			up.Blob = data
			up.Format = child.Format
			if child.Size != "" {
				size, err := strconv.Atoi(strings.TrimSpace(child.Size))
				if err != nil {
					return nil, fmt.Errorf("element %q: bad size attr: %w", child.Name, err)
				}
				up.Size = size
			} else {
				up.Size = len(data)
			}
		}
		updates = append(updates, up)
	}
	return updates, nil
}

// stripWhitespace removes the line breaks servers insert into base64 payloads
func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

// parseTimestamp parses the INDI timestamp attribute (ISO-8601, implicitly
// UTC). A missing or malformed timestamp yields the current time, matching
// how servers in the wild behave.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// formatTimestamp renders a timestamp the way INDI servers expect it
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

type xmlVector struct {
	XMLName   xml.Name
	Device    string `xml:"device,attr,omitempty"`
	Name      string `xml:"name,attr,omitempty"`
	Version   string `xml:"version,attr,omitempty"`
	Timestamp string `xml:"timestamp,attr,omitempty"`
	Value     string `xml:",chardata"`
	Elements  []xmlOneElement
}

type xmlOneElement struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Size    int    `xml:"size,attr,omitempty"`
	Format  string `xml:"format,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// EncodeGetProperties renders the discovery query. Empty device and name
// ask for everything.
func EncodeGetProperties(device, name string) []byte {
	v := xmlVector{
		XMLName: xml.Name{Local: "getProperties"},
		Version: ProtocolVersion,
		Device:  device,
		Name:    name,
	}
	out, _ := xml.Marshal(v)
	return out
}

// EncodeEnableBLOB renders the command instructing the server whether to
// send binary payloads on this connection.
func EncodeEnableBLOB(device string, mode BLOBMode) []byte {
	v := xmlVector{
		XMLName: xml.Name{Local: "enableBLOB"},
		Device:  device,
		Value:   mode.String(),
	}
	out, _ := xml.Marshal(v)
	return out
}

// EncodeNew renders a new*Vector command carrying the given element values.
// Light vectors are read-only and cannot be commanded.
func EncodeNew(device, property string, kind PropertyKind, updates []ElementUpdate) ([]byte, error) {
	var tag, childTag string
	switch kind {
	case KindSwitch:
		tag, childTag = "newSwitchVector", "oneSwitch"
	case KindNumber:
		tag, childTag = "newNumberVector", "oneNumber"
	case KindText:
		tag, childTag = "newTextVector", "oneText"
	case KindBLOB:
		tag, childTag = "newBLOBVector", "oneBLOB"
	default:
		return nil, fmt.Errorf("indi: cannot command a %s vector", kind)
	}

	v := xmlVector{
		XMLName:   xml.Name{Local: tag},
		Device:    device,
		Name:      property,
		Timestamp: formatTimestamp(time.Now()),
	}
	for _, up := range updates {
		elem := xmlOneElement{
			XMLName: xml.Name{Local: childTag},
			Name:    up.Name,
		}
		switch kind {
		case KindSwitch:
			elem.Value = up.Switch.String()
		case KindNumber:
			elem.Value = strconv.FormatFloat(up.Number, 'g', -1, 64)
		case KindText:
			elem.Value = up.Text
		case KindBLOB:
			elem.Value = base64.StdEncoding.EncodeToString(up.Blob)
			elem.Size = len(up.Blob)
			elem.Format = up.Format
		}
		v.Elements = append(v.Elements, elem)
	}

	return xml.Marshal(v)
}
