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
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skywatch/indi/indi/internal/transport"
)

// numberTolerance is the slack allowed when comparing a commanded number
// against the mirrored value. Servers round-trip values through printf
// formats, so exact equality is too strict.
const numberTolerance = 1e-4

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SetResult reports how a Set call concluded
type SetResult int

const (
	// ResultAccepted means the command was written to the transport; no
	// confirmation was requested
	ResultAccepted SetResult = iota
	// ResultConfirmed means the mirror reflects the commanded values
	ResultConfirmed
	// ResultTimedOut means the confirmation deadline passed first
	ResultTimedOut
)

func (r SetResult) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultConfirmed:
		return "confirmed"
	case ResultTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// BLOBValue is a binary payload for a Set call against a BLOB vector
type BLOBValue struct {
	Data   []byte
	Format string
}

// Client is an INDI protocol client. It maintains one persistent TCP
// connection to a server, mirrors every device it announces, and pushes
// commands back. All methods are safe for concurrent use.
type Client struct {
	opts      *clientOptions
	host      string
	transport *transport.TCPTransport
	store     *Store

	state atomic.Int32

	// Serializes command writes so concurrent Sets cannot interleave
	// XML fragments on the stream
	writeMu sync.Mutex

	// Metrics
	metrics *Metrics

	// Logger
	logger *slog.Logger

	// Receiver goroutine
	receiverCtx    context.Context
	receiverCancel context.CancelFunc
	receiverDone   chan struct{}
}

// NewClient creates a new INDI client for the given server host
func NewClient(host string, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("indi: host required")
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		opts:    options,
		host:    host,
		store:   NewStore(),
		metrics: NewMetrics(),
		logger:  options.logger,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", options.port))
	c.transport = transport.NewTCPTransport(addr)
	c.transport.SetBufferSize(options.readBufferSize)

	return c, nil
}

// Connect dials the server, announces the protocol version and asks for
// every property. Definitions stream in asynchronously; Connect returns as
// soon as the query is on the wire.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	c.metrics.ConnectAttempts.Inc()
	c.store.Reset()

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.connectTimeout)
		defer cancel()
	}
	if err := c.transport.Open(dialCtx); err != nil {
		c.state.Store(int32(StateDisconnected))
		c.metrics.ConnectFailures.Inc()
		return fmt.Errorf("open transport: %w", err)
	}

	// Start receiver goroutine
	c.receiverCtx, c.receiverCancel = context.WithCancel(context.Background())
	c.receiverDone = make(chan struct{})
	go c.receiver()

	c.state.Store(int32(StateConnected))
	c.metrics.ConnectSuccesses.Inc()

	c.logger.Info("connected",
		slog.String("server", c.transport.RemoteAddr().String()),
	)

	if err := c.send(ctx, EncodeGetProperties("", "")); err != nil {
		c.teardown()
		return fmt.Errorf("send getProperties: %w", err)
	}

	if c.opts.blobMode != BLOBNever {
		if err := c.EnableBLOB(ctx, c.opts.blobDevice, c.opts.blobMode); err != nil {
			c.logger.Warn("failed to enable BLOB transfer",
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// Close disconnects from the server. Pending blocking Sets and Awaits fail
// with ErrStoreClosed; the mirrored tree stays readable.
func (c *Client) Close() error {
	if c.state.Load() == int32(StateDisconnected) {
		return nil
	}
	c.state.Store(int32(StateDisconnected))
	c.metrics.Disconnects.Inc()

	err := c.teardown()
	c.logger.Info("disconnected")
	return err
}

// teardown stops the receiver and closes the transport. Closing the
// transport first unblocks the receiver's pending read.
func (c *Client) teardown() error {
	c.state.Store(int32(StateDisconnected))
	if c.receiverCancel != nil {
		c.receiverCancel()
	}
	err := c.transport.Close()
	if c.receiverDone != nil {
		<-c.receiverDone
	}
	c.store.CloseWithError(ErrConnectionClosed)
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Snapshot returns a point-in-time copy of the mirrored device tree
func (c *Client) Snapshot() Snapshot {
	return c.store.Snapshot()
}

// Property returns a private copy of one mirrored property, or nil
func (c *Client) Property(device, name string) *Property {
	return c.store.Property(device, name)
}

// OnUpdate registers a handler for mirror changes touching the named
// property; empty device or property widens the match. Handlers run on
// the receiver goroutine in stream order.
func (c *Client) OnUpdate(device, property string, fn func(Update)) int64 {
	id := c.store.OnUpdate(device, property, fn)
	c.metrics.ActiveSubscriptions.Inc()
	return id
}

// Unsubscribe removes an OnUpdate handler
func (c *Client) Unsubscribe(id int64) {
	c.store.Unsubscribe(id)
	c.metrics.ActiveSubscriptions.Dec()
}

// Await blocks until cond holds for the named property. See Store.Await
// for the timeout convention.
func (c *Client) Await(device, property string, timeout time.Duration, cond func(*Property) bool) error {
	c.metrics.ActiveWaiters.Inc()
	defer c.metrics.ActiveWaiters.Dec()
	return c.store.Await(device, property, timeout, cond)
}

// GetProperties re-queries the server. Empty device and name ask for
// everything; devices answer with fresh definitions.
func (c *Client) GetProperties(ctx context.Context, device, name string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.send(ctx, EncodeGetProperties(device, name))
}

// EnableBLOB tells the server whether to deliver binary payloads on this
// connection. An empty device applies to all devices.
func (c *Client) EnableBLOB(ctx context.Context, device string, mode BLOBMode) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.send(ctx, EncodeEnableBLOB(device, mode))
}

// Set commands new element values on a writable property. Values maps
// element names to Go values matching the vector kind: SwitchState, bool
// or string for switches; any numeric type for numbers; string for texts;
// BLOBValue or []byte for BLOBs.
//
// The command is validated against the mirror before anything is written.
// A failed validation returns a *ValidationError and writes nothing.
// Without WithWait the call returns ResultAccepted once the bytes are on
// the wire. With WithWait it blocks until the mirror confirms the values
// (ResultConfirmed), the deadline passes (ResultTimedOut, not an error),
// the property disappears (ErrTargetRemoved) or the connection drops
// (ErrStoreClosed).
func (c *Client) Set(ctx context.Context, device, property string, values map[string]interface{}, opts ...SetOption) (SetResult, error) {
	if c.State() != StateConnected {
		return 0, ErrNotConnected
	}

	setOpts := defaultSetOptions()
	for _, opt := range opts {
		opt(setOpts)
	}

	prop, updates, err := c.validate(device, property, values)
	if err != nil {
		c.metrics.CommandsRejected.Inc()
		return 0, err
	}

	data, err := EncodeNew(device, property, prop.Kind, updates)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := c.send(ctx, data); err != nil {
		return 0, err
	}
	c.metrics.CommandsSent.Inc()

	c.logger.Debug("command sent",
		slog.String("device", device),
		slog.String("property", property),
		slog.Int("elements", len(updates)),
	)

	if !setOpts.Wait {
		return ResultAccepted, nil
	}

	timeout := setOpts.Timeout
	if !setOpts.timeoutSet {
		timeout = c.opts.commandTimeout
	}

	cond := confirmCond(prop, updates)
	err = c.Await(device, property, timeout, cond)
	switch err {
	case nil:
		c.metrics.CommandsConfirmed.Inc()
		c.metrics.ConfirmLatency.Record(time.Since(start))
		return ResultConfirmed, nil
	case ErrAwaitTimeout:
		c.metrics.CommandsTimedOut.Inc()
		return ResultTimedOut, nil
	default:
		return 0, err
	}
}

// validate checks a Set call against the mirror and converts the values
// into wire updates, returning the property copy it validated against so
// the caller works from one consistent view. The lookup races with the
// stream by design; the server is the final authority and re-validates
// everything.
func (c *Client) validate(device, property string, values map[string]interface{}) (*Property, []ElementUpdate, error) {
	if len(values) == 0 {
		return nil, nil, &ValidationError{Device: device, Property: property, Reason: "no values supplied"}
	}

	if !c.store.hasDevice(device) {
		return nil, nil, &ValidationError{Device: device, Property: property, Reason: "unknown device"}
	}
	prop := c.store.Property(device, property)
	if prop == nil {
		return nil, nil, &ValidationError{Device: device, Property: property, Reason: "unknown property"}
	}
	if prop.Perm == PermReadOnly {
		return nil, nil, &ValidationError{Device: device, Property: property, Reason: "property is read-only"}
	}
	if prop.Kind == KindLight {
		return nil, nil, &ValidationError{Device: device, Property: property, Reason: "light vectors cannot be commanded"}
	}

	updates := make([]ElementUpdate, 0, len(values))
	onCount := 0
	for _, name := range prop.ElementNames() {
		val, ok := values[name]
		if !ok {
			continue
		}
		up := ElementUpdate{Name: name}
		switch prop.Kind {
		case KindSwitch:
			st, err := toSwitchState(val)
			if err != nil {
				return nil, nil, &ValidationError{Device: device, Property: property, Element: name, Reason: err.Error()}
			}
			up.Switch = st
			if st == SwitchOn {
				onCount++
			}
		case KindNumber:
			num, err := toFloat(val)
			if err != nil {
				return nil, nil, &ValidationError{Device: device, Property: property, Element: name, Reason: err.Error()}
			}
			elem := prop.Number(name)
			if elem.Min < elem.Max && (num < elem.Min || num > elem.Max) {
				return nil, nil, &ValidationError{
					Device: device, Property: property, Element: name,
					Reason: fmt.Sprintf("value %g outside [%g, %g]", num, elem.Min, elem.Max),
				}
			}
			up.Number = num
		case KindText:
			s, ok := val.(string)
			if !ok {
				return nil, nil, &ValidationError{Device: device, Property: property, Element: name, Reason: fmt.Sprintf("want string, got %T", val)}
			}
			up.Text = s
		case KindBLOB:
			switch v := val.(type) {
			case BLOBValue:
				up.Blob = v.Data
				up.Format = v.Format
			case []byte:
				up.Blob = v
			default:
				return nil, nil, &ValidationError{Device: device, Property: property, Element: name, Reason: fmt.Sprintf("want BLOBValue or []byte, got %T", val)}
			}
			up.Size = len(up.Blob)
		}
		updates = append(updates, up)
	}

	if len(updates) != len(values) {
		for name := range values {
			if elementMissing(prop, name) {
				return nil, nil, &ValidationError{Device: device, Property: property, Element: name, Reason: "unknown element"}
			}
		}
	}

	if prop.Kind == KindSwitch {
		switch prop.Rule {
		case RuleOneOfMany:
			if onCount != 1 {
				return nil, nil, &ValidationError{
					Device: device, Property: property,
					Reason: fmt.Sprintf("rule OneOfMany needs exactly one On element, got %d", onCount),
				}
			}
		case RuleAtMostOne:
			if onCount > 1 {
				return nil, nil, &ValidationError{
					Device: device, Property: property,
					Reason: fmt.Sprintf("rule AtMostOne allows at most one On element, got %d", onCount),
				}
			}
		}
	}

	return prop, updates, nil
}

func elementMissing(prop *Property, name string) bool {
	for _, n := range prop.ElementNames() {
		if n == name {
			return false
		}
	}
	return true
}

// confirmCond builds the condition a waiting Set checks after every update:
// the vector has left Busy and each commanded element reads back. BLOB
// elements confirm by version, since payload bytes are not compared.
func confirmCond(sent *Property, updates []ElementUpdate) func(*Property) bool {
	blobBase := make(map[string]uint64)
	for _, up := range updates {
		if sent.Kind == KindBLOB {
			if elem := sent.BLOB(up.Name); elem != nil {
				blobBase[up.Name] = elem.Version
			}
		}
	}

	return func(p *Property) bool {
		if p.State == StateBusy {
			return false
		}
		for _, up := range updates {
			switch sent.Kind {
			case KindSwitch:
				elem := p.Switch(up.Name)
				if elem == nil || elem.Value != up.Switch {
					return false
				}
			case KindNumber:
				elem := p.Number(up.Name)
				if elem == nil || math.Abs(elem.Value-up.Number) > numberTolerance {
					return false
				}
			case KindText:
				elem := p.Text(up.Name)
				if elem == nil || elem.Value != up.Text {
					return false
				}
			case KindBLOB:
				elem := p.BLOB(up.Name)
				if elem == nil || elem.Version <= blobBase[up.Name] {
					return false
				}
			}
		}
		return true
	}
}

func toSwitchState(val interface{}) (SwitchState, error) {
	switch v := val.(type) {
	case SwitchState:
		return v, nil
	case bool:
		if v {
			return SwitchOn, nil
		}
		return SwitchOff, nil
	case string:
		st, ok := ParseSwitchState(v)
		if !ok {
			return 0, fmt.Errorf("%q is not a switch state", v)
		}
		return st, nil
	}
	return 0, fmt.Errorf("want SwitchState, bool or string, got %T", val)
}

func toFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	}
	return 0, fmt.Errorf("want a numeric value, got %T", val)
}

// send writes one command to the stream, serialized so concurrent calls
// cannot interleave XML
func (c *Client) send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.transport.Write(ctx, data); err != nil {
		if c.transport.IsClosed() {
			return ErrConnectionClosed
		}
		return err
	}
	c.metrics.BytesSent.Add(int64(len(data)))
	c.metrics.RecordActivity()
	return nil
}

// receiver drains the stream, decodes it and folds every message into the
// mirror. It exits when the connection closes, marking the client
// disconnected and failing pending waiters.
func (c *Client) receiver() {
	defer close(c.receiverDone)

	dec := &Decoder{}
	for {
		select {
		case <-c.receiverCtx.Done():
			return
		default:
		}

		data, err := c.transport.Receive(c.receiverCtx)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if c.transport.IsClosed() || c.receiverCtx.Err() != nil {
				return
			}
			c.logger.Warn("stream read failed",
				slog.String("error", err.Error()),
			)
			c.streamFailed()
			return
		}

		c.metrics.BytesReceived.Add(int64(len(data)))
		c.metrics.RecordActivity()

		dec.Feed(data)
		for {
			msg, err := dec.Next()
			if err != nil {
				c.metrics.DecodeErrors.Inc()
				c.logger.Warn("discarded unparseable fragment",
					slog.String("error", err.Error()),
				)
				continue
			}
			if msg == nil {
				break
			}
			c.dispatch(msg)
		}
	}
}

// streamFailed transitions to Disconnected after an unexpected read error
func (c *Client) streamFailed() {
	c.state.Store(int32(StateDisconnected))
	c.metrics.Disconnects.Inc()
	_ = c.transport.Close()
	c.store.CloseWithError(ErrConnectionClosed)
}

// dispatch routes one decoded message. Runs on the receiver goroutine.
func (c *Client) dispatch(msg Message) {
	switch m := msg.(type) {
	case *ServerMessage:
		c.metrics.MessagesReceived.Inc()
		c.logger.Info("server message",
			slog.String("device", m.Device),
			slog.String("text", m.Text),
		)

	case *GetProperties, *NewProperty:
		// Echoes of other clients' traffic; nothing to mirror
		c.logger.Debug("ignoring echoed client command")

	case *DefProperty:
		c.metrics.DefsReceived.Inc()
		c.applyToStore(msg)

	case *SetProperty:
		c.metrics.SetsReceived.Inc()
		c.applyToStore(msg)

	case *DelProperty:
		c.metrics.DeletesReceived.Inc()
		c.applyToStore(msg)
	}
}

func (c *Client) applyToStore(msg Message) {
	if err := c.store.Apply(msg); err != nil {
		c.logger.Warn("dropped stream update",
			slog.String("error", err.Error()),
		)
		return
	}
	c.metrics.MessagesApplied.Inc()
}
