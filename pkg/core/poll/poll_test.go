//go:build linux

package poll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// waitFor keeps polling until an event arrives or d elapses.
func waitFor(t *testing.T, s *Set, d time.Duration) []Event {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		events, err := s.Wait(nil)
		require.NoError(t, err)
		if len(events) > 0 {
			return events
		}
	}
	return nil
}

func TestReadReadinessDelivered(t *testing.T) {
	a, b := socketPair(t)
	s, err := NewReadSet(zap.NewNop(), "test-read")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Arm(a))
	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	events := waitFor(t, s, 3*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, a, events[0].FD)
	assert.False(t, events[0].Hup())
}

func TestOneShotRequiresRearm(t *testing.T) {
	a, b := socketPair(t)
	s, err := NewReadSet(zap.NewNop(), "test-oneshot")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Arm(a))
	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	require.Len(t, waitFor(t, s, 3*time.Second), 1)

	// data still pending, but the one-shot has fired: nothing more until
	// the fd is re-armed
	events, err := s.Wait(nil)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, s.Arm(a))
	assert.Len(t, waitFor(t, s, 3*time.Second), 1, "re-arm redelivers for a still-ready fd")
}

func TestWriteReadiness(t *testing.T) {
	a, _ := socketPair(t)
	s, err := NewWriteSet(zap.NewNop(), "test-write")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Arm(a))
	events := waitFor(t, s, 3*time.Second)
	require.Len(t, events, 1, "an idle socket is immediately writable")
	assert.Equal(t, a, events[0].FD)
}

func TestRdHupReported(t *testing.T) {
	a, b := socketPair(t)
	s, err := NewReadSet(zap.NewNop(), "test-rdhup")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Arm(a))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_WR))

	events := waitFor(t, s, 3*time.Second)
	require.Len(t, events, 1)
	assert.True(t, events[0].RdHup())
}

func TestDeleteUnknownFDIsSilent(t *testing.T) {
	s, err := NewReadSet(zap.NewNop(), "test-del")
	require.NoError(t, err)
	defer s.Close()
	s.Delete(12345)
}
