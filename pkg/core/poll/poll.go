//go:build linux

// Package poll wraps epoll into the edge-triggered, one-shot readiness
// sets the proxy stages are built on. Each stage owns one Set per concern
// (accept, connect, read, write) and polls it from a dedicated goroutine;
// ready descriptors are fanned out onto a worker pool.
//
// One-shot semantics serialize handlers per descriptor: after an event is
// delivered the descriptor is disarmed until the handler re-arms it, so
// two events for the same fd are never in flight at once.
package poll

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// Batch bounds the events drained by a single wait call.
	Batch = 100
	// WaitTimeoutMs bounds a single poll so shutdown is observed promptly.
	WaitTimeoutMs = 2000
)

// Event is one readiness notification.
type Event struct {
	FD   int
	Mask uint32
}

// Hup reports whether the peer closed or errored the descriptor.
func (e Event) Hup() bool {
	return e.Mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0
}

// RdHup reports whether the peer half-closed its write side.
func (e Event) RdHup() bool {
	return e.Mask&unix.EPOLLRDHUP != 0
}

// Set is a single edge-triggered, one-shot epoll instance.
type Set struct {
	logger *zap.Logger
	name   string
	epfd   int
	mask   uint32
}

// interest masks. Read arms always include HUP, RDHUP and ERR; write arms
// HUP and ERR. ERR and HUP are implicit for epoll but kept explicit so the
// registered interest matches the documented contract.
const (
	readMask  = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	writeMask = unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLERR
	oneShotET = unix.EPOLLET | unix.EPOLLONESHOT
)

// NewReadSet creates a Set whose arms register read interest.
func NewReadSet(logger *zap.Logger, name string) (*Set, error) {
	return newSet(logger, name, readMask)
}

// NewWriteSet creates a Set whose arms register write interest.
func NewWriteSet(logger *zap.Logger, name string) (*Set, error) {
	return newSet(logger, name, writeMask)
}

func newSet(logger *zap.Logger, name string, mask uint32) (*Set, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll set %s: %w", name, err)
	}
	return &Set{
		logger: logger.With(zap.String("set", name)),
		name:   name,
		epfd:   epfd,
		mask:   mask | oneShotET,
	}, nil
}

// Arm registers fd, or re-arms it after a one-shot delivery. The two cases
// collapse: a modify on an unknown fd falls back to an add and vice versa.
func (s *Set) Arm(fd int) error {
	ev := &unix.EpollEvent{Events: s.mask, Fd: int32(fd)}
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, ev)
		if err == unix.EEXIST {
			err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, ev)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to arm fd %d on %s: %w", fd, s.name, err)
	}
	return nil
}

// Delete removes fd from the set. Descriptors that were never armed, or
// were already closed, are not an error: late deregistration races with
// close are expected and benign.
func (s *Set) Delete(fd int) {
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		s.logger.Debug("failed to delete fd from epoll set",
			zap.Int("fd", fd), zap.Error(err))
	}
}

// Wait blocks for up to WaitTimeoutMs and appends ready events to out.
// EINTR returns an empty batch so the caller can re-check shutdown.
func (s *Set) Wait(out []Event) ([]Event, error) {
	var events [Batch]unix.EpollEvent
	n, err := unix.EpollWait(s.epfd, events[:], WaitTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, fmt.Errorf("epoll wait failed on %s: %w", s.name, err)
	}
	for i := 0; i < n; i++ {
		out = append(out, Event{FD: int(events[i].Fd), Mask: events[i].Events})
	}
	return out, nil
}

// Close releases the epoll descriptor.
func (s *Set) Close() error {
	return unix.Close(s.epfd)
}
