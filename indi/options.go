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
	"log/slog"
	"time"
)

// clientOptions holds configuration for the INDI client
type clientOptions struct {
	// Network configuration
	port           int
	connectTimeout time.Duration
	readBufferSize int

	// Command confirmation
	commandTimeout time.Duration

	// BLOB transfer policy applied at connect
	blobMode   BLOBMode
	blobDevice string

	// Logging
	logger *slog.Logger
}

// defaultOptions returns the default client options
func defaultOptions() *clientOptions {
	return &clientOptions{
		port:           DefaultPort,
		connectTimeout: 5 * time.Second,
		readBufferSize: 1 << 16,
		commandTimeout: 10 * time.Second,
		blobMode:       BLOBNever,
		logger:         slog.Default(),
	}
}

// Option is a functional option for configuring the client
type Option func(*clientOptions)

// WithPort sets the server TCP port
func WithPort(port int) Option {
	return func(o *clientOptions) {
		o.port = port
	}
}

// WithConnectTimeout bounds the TCP dial
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithReadBufferSize sets the receive buffer size in bytes. Large BLOB
// payloads arrive faster with a bigger buffer.
func WithReadBufferSize(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.readBufferSize = n
		}
	}
}

// WithCommandTimeout sets the default confirmation deadline for blocking
// Set calls
func WithCommandTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.commandTimeout = d
	}
}

// WithBLOBMode sets the BLOB transfer policy announced right after connect.
// An empty device applies to all devices.
func WithBLOBMode(device string, mode BLOBMode) Option {
	return func(o *clientOptions) {
		o.blobDevice = device
		o.blobMode = mode
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// SetOptions holds configuration for a single Set call
type SetOptions struct {
	// Wait blocks until the server confirms the commanded values
	Wait bool

	// Timeout overrides the client's default confirmation deadline.
	// Zero checks the mirror once without blocking; negative waits
	// indefinitely. Without WithWaitTimeout the client default applies.
	Timeout time.Duration

	timeoutSet bool
}

// SetOption is a functional option for Set calls
type SetOption func(*SetOptions)

// defaultSetOptions returns default Set options
func defaultSetOptions() *SetOptions {
	return &SetOptions{}
}

// WithWait makes the Set call block until the store reflects the commanded
// values or the deadline passes
func WithWait() SetOption {
	return func(o *SetOptions) {
		o.Wait = true
	}
}

// WithWaitTimeout sets the confirmation deadline for this call and implies
// WithWait. Zero checks once without blocking; negative waits indefinitely.
func WithWaitTimeout(d time.Duration) SetOption {
	return func(o *SetOptions) {
		o.Wait = true
		o.Timeout = d
		o.timeoutSet = true
	}
}
