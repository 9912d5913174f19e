// Package transport provides the transport layer for INDI communication
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport carries the INDI XML stream over a persistent TCP connection
type TCPTransport struct {
	remoteAddr   string
	conn         net.Conn
	mu           sync.RWMutex
	writeTimeout time.Duration
	bufSize      int
	closed       bool
}

// NewTCPTransport creates a transport for the given "host:port" address
func NewTCPTransport(remoteAddr string) *TCPTransport {
	return &TCPTransport{
		remoteAddr:   remoteAddr,
		writeTimeout: 10 * time.Second,
		bufSize:      1 << 16,
	}
}

// SetWriteTimeout sets the default write timeout
func (t *TCPTransport) SetWriteTimeout(d time.Duration) {
	t.mu.Lock()
	t.writeTimeout = d
	t.mu.Unlock()
}

// SetBufferSize sets the receive buffer size
func (t *TCPTransport) SetBufferSize(n int) {
	t.mu.Lock()
	if n > 0 {
		t.bufSize = n
	}
	t.mu.Unlock()
}

// Open dials the server. A context deadline bounds the dial.
func (t *TCPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && !t.closed {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.remoteAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.remoteAddr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// The stream idles between updates; keepalives detect dead peers
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	t.conn = conn
	t.closed = false
	return nil
}

// Close closes the connection. Blocked reads and writes fail immediately.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}

	t.closed = true
	return t.conn.Close()
}

// RemoteAddr returns the peer address
func (t *TCPTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// Write sends data on the stream, honoring the context deadline
func (t *TCPTransport) Write(ctx context.Context, data []byte) error {
	t.mu.RLock()
	conn := t.conn
	writeTimeout := t.writeTimeout
	t.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("transport not open")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	n, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("write TCP: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}

	return nil
}

// Receive reads the next chunk of stream bytes. With no context deadline
// the read blocks until data arrives or the connection closes.
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.RLock()
	conn := t.conn
	bufSize := t.bufSize
	t.mu.RUnlock()

	if conn == nil {
		return nil, fmt.Errorf("transport not open")
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, bufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// ReceiveWithTimeout reads with a specific timeout
func (t *TCPTransport) ReceiveWithTimeout(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Receive(ctx)
}

// IsClosed returns true if the transport is closed
func (t *TCPTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
