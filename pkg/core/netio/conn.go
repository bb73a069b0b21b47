//go:build linux

// Package netio is the non-blocking socket layer underneath the proxy
// stages. A Conn owns a raw descriptor plus the status flags the stages
// key their state machines on; all syscall outcomes are mapped onto the
// sentinel errors of this package.
package netio

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a non-blocking TCP socket.
type Conn struct {
	fd           int
	lastActivity atomic.Int64
	readClosed   atomic.Bool
	writeClosed  atomic.Bool
	errored      atomic.Bool
	closed       atomic.Bool
}

// FromFD wraps an already-open descriptor. The caller must have set it
// non-blocking (Accept and NewTCPSocket do).
func FromFD(fd int) *Conn {
	c := &Conn{fd: fd}
	c.Touch()
	return c
}

// NewTCPSocket creates a non-blocking TCP socket for the given address
// family (unix.AF_INET or unix.AF_INET6). Socket creation failure is a
// syscall catastrophe; callers escalate it.
func NewTCPSocket(family int) (*Conn, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	return FromFD(fd), nil
}

// Listen opens the proxy listen socket on the given port, bound to all
// interfaces, non-blocking, with SO_REUSEADDR set.
func Listen(port uint32, backlog int) (*Conn, error) {
	c, err := NewTCPSocket(unix.AF_INET)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(c.fd, sa); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to bind port %d: %w", port, err)
	}
	if err := unix.Listen(c.fd, backlog); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return c, nil
}

// Accept accepts one connection from a listening Conn. The accepted socket
// comes back non-blocking. EAGAIN surfaces as ErrWouldBlock, which ends an
// accept drain loop.
func (c *Conn) Accept() (*Conn, error) {
	fd, _, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EAGAIN:
			return nil, ErrWouldBlock
		case unix.EINTR, unix.ECONNABORTED:
			// transient; the accept loop retries
			return nil, ErrWouldBlock
		default:
			return nil, fmt.Errorf("accept failed: %w", err)
		}
	}
	return FromFD(fd), nil
}

// FD exposes the descriptor for readiness registration and map keys.
func (c *Conn) FD() int {
	return c.fd
}

// Touch refreshes the last-activity timestamp.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last I/O on this socket.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Read reads into buf. Returns ErrWouldBlock when the socket has no data,
// ErrConnectionClosed on orderly peer close and on ECONNRESET (a reset also
// marks the Conn errored), and the raw error otherwise.
func (c *Conn) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err == unix.EAGAIN {
				return 0, ErrWouldBlock
			}
			if err == unix.ECONNRESET {
				c.errored.Store(true)
				return 0, ErrConnectionClosed
			}
			c.errored.Store(true)
			return 0, fmt.Errorf("read failed: %w", err)
		}
		if n == 0 {
			c.readClosed.Store(true)
			return 0, ErrConnectionClosed
		}
		c.Touch()
		return n, nil
	}
}

// Write writes buf, possibly partially. A zero-progress EAGAIN surfaces as
// ErrWouldBlock; EPIPE and ECONNRESET surface as ErrConnectionClosed.
// MSG_NOSIGNAL keeps SIGPIPE local to the syscall.
func (c *Conn) Write(buf []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(c.fd, buf, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err == unix.EAGAIN {
				return 0, ErrWouldBlock
			}
			if err == unix.EPIPE || err == unix.ECONNRESET {
				c.errored.Store(true)
				return 0, ErrConnectionClosed
			}
			c.errored.Store(true)
			return 0, fmt.Errorf("write failed: %w", err)
		}
		c.Touch()
		return n, nil
	}
}

// Connect initiates a non-blocking connect. ErrInProgress means the caller
// must wait for write-readiness and call Connect again; EISCONN on that
// retry reports success.
func (c *Conn) Connect(sa unix.Sockaddr) error {
	err := unix.Connect(c.fd, sa)
	switch err {
	case nil, unix.EISCONN:
		c.Touch()
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return ErrInProgress
	default:
		c.errored.Store(true)
		return fmt.Errorf("connect failed: %w", err)
	}
}

// ShutdownRead half-closes the receive direction. Idempotent.
func (c *Conn) ShutdownRead() {
	if c.readClosed.Swap(true) {
		return
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_RD)
}

// ShutdownWrite half-closes the send direction. Idempotent.
func (c *Conn) ShutdownWrite() {
	if c.writeClosed.Swap(true) {
		return
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
}

// ShutdownBoth shuts down both directions.
func (c *Conn) ShutdownBoth() {
	c.ShutdownRead()
	c.ShutdownWrite()
}

// ReadClosed reports whether the receive direction has been shut down or
// the peer was observed read-closed.
func (c *Conn) ReadClosed() bool {
	return c.readClosed.Load()
}

// WriteClosed reports whether the send direction has been shut down.
func (c *Conn) WriteClosed() bool {
	return c.writeClosed.Load()
}

// Errored reports whether a fatal socket error was observed.
func (c *Conn) Errored() bool {
	return c.errored.Load()
}

// Close releases the descriptor. Only the close quarantine calls this for
// data-plane sockets; everything else shuts down and enqueues. Idempotent.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return unix.Close(c.fd)
}
