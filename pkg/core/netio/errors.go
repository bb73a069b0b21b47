//go:build linux

package netio

import "errors"

// Sentinel errors classifying syscall outcomes. Transient conditions are
// not failures; they map to readiness waits in the callers.
var (
	// ErrWouldBlock means the operation would have blocked; re-arm and retry.
	ErrWouldBlock = errors.New("operation would block")
	// ErrInProgress means a non-blocking connect has been initiated.
	ErrInProgress = errors.New("connect in progress")
	// ErrConnectionClosed means the peer closed this direction (EOF or
	// ECONNRESET on read, EPIPE or ECONNRESET on write).
	ErrConnectionClosed = errors.New("connection closed")
)
