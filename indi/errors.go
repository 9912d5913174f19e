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
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrNotConnected     = errors.New("indi: not connected")
	ErrAlreadyConnected = errors.New("indi: already connected")
	ErrConnectionClosed = errors.New("indi: connection closed")
	ErrTargetRemoved    = errors.New("indi: target property removed")
	ErrStoreClosed      = errors.New("indi: state store closed")
	ErrAwaitTimeout     = errors.New("indi: await timed out")
)

// ValidationError reports a Set call that named an unknown device, property
// or element, or supplied a value incompatible with the property kind. It is
// returned before any bytes are written to the transport.
type ValidationError struct {
	Device   string
	Property string
	Element  string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("indi: invalid set %s.%s element %q: %s", e.Device, e.Property, e.Element, e.Reason)
	}
	return fmt.Sprintf("indi: invalid set %s.%s: %s", e.Device, e.Property, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return e.Device == t.Device && e.Property == t.Property && e.Element == t.Element
}

// DecodeError reports an unparseable stream fragment. The reader loop logs
// and discards these; the stream keeps flowing.
type DecodeError struct {
	Fragment string // first bytes of the offending fragment
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("indi: decode fragment %.80q: %v", e.Fragment, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsValidation returns true if the error is a validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTargetRemoved returns true if a blocking set failed because the target
// device or property was deleted while the call awaited confirmation
func IsTargetRemoved(err error) bool {
	return errors.Is(err, ErrTargetRemoved)
}

// IsClosed returns true if the error indicates the connection is gone
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrStoreClosed)
}
