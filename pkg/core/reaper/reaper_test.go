//go:build linux

package reaper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"go.relayd.io/proxy/pkg/core/netio"
)

func quarantineConn(t *testing.T) *netio.Conn {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return netio.FromFD(fds[0])
}

func TestSweepRespectsGracePeriod(t *testing.T) {
	r := New(zap.NewNop(), "test", 5*time.Second)
	conn := quarantineConn(t)
	r.Add(conn)
	require.Equal(t, 1, r.Pending())

	// too young: survives the sweep
	r.sweep(time.Now())
	assert.Equal(t, 1, r.Pending())

	// past the grace period: destroyed
	r.sweep(time.Now().Add(6 * time.Second))
	assert.Equal(t, 0, r.Pending())

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Quarantined)
	assert.Equal(t, uint64(1), st.Reaped)

	// descriptor is actually closed: the fd no longer accepts syscalls
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.Error(t, err)
}

func TestSweepStopsAtFirstYoungEntry(t *testing.T) {
	r := New(zap.NewNop(), "test", time.Second)

	old := quarantineConn(t)
	young := quarantineConn(t)
	r.Add(old)
	r.Add(young)

	// only the head entry is old enough
	r.mu.Lock()
	r.q.Front().Value = entry{at: time.Now().Add(-2 * time.Second), conn: old}
	r.mu.Unlock()

	r.sweep(time.Now())
	assert.Equal(t, 1, r.Pending())
}

func TestAddNilIsIgnored(t *testing.T) {
	r := New(zap.NewNop(), "test", time.Second)
	r.Add(nil)
	assert.Equal(t, 0, r.Pending())
}
