//go:build linux

package splice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"go.relayd.io/proxy/pkg/core/locks"
	"go.relayd.io/proxy/pkg/core/netio"
	"go.relayd.io/proxy/pkg/core/poll"
	"go.relayd.io/proxy/pkg/core/reaper"
)

// pairEnds returns a socketpair as (proxy-side Conn, test-side raw fd).
func pairEnds(t *testing.T) (*netio.Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return netio.FromFD(fds[0]), fds[1]
}

func newTestSplice(t *testing.T) (*Splice, context.CancelFunc) {
	t.Helper()
	logger := zap.NewNop()
	rp := reaper.New(logger, "splice-test", time.Minute)
	sp, err := New(logger, Config{
		BufferSize:  1024,
		MaxOverflow: 4096,
		Workers:     4,
	}, locks.NewPool(), rp)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sp.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sp, cancel
}

// readSome keeps reading fd until want bytes have arrived or the deadline
// passes.
func readSome(t *testing.T, fd, want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	return got
}

// readEOF waits until fd reports end of stream.
func readEOF(t *testing.T, fd int) {
	t.Helper()
	buf := make([]byte, 64)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("timed out waiting for EOF")
}

func writeAll(t *testing.T, fd int, b []byte) {
	t.Helper()
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		b = b[n:]
	}
}

func TestPendingHeaderFlushedOriginWard(t *testing.T) {
	sp, _ := newTestSplice(t)
	src, _ := pairEnds(t)
	sink, originEnd := pairEnds(t)

	header := []byte("GET http://h.test/x HTTP/1.0\r\nHost: h.test\r\n\r\n")
	require.NoError(t, sp.Add(src, sink, header, "h.test", 80))

	got := readSome(t, originEnd, len(header))
	assert.Equal(t, header, got, "preserved header forwarded verbatim")
	assert.Equal(t, 1, sp.ActiveTunnels())
}

func TestBidirectionalShuttle(t *testing.T) {
	sp, _ := newTestSplice(t)
	src, clientEnd := pairEnds(t)
	sink, originEnd := pairEnds(t)
	require.NoError(t, sp.Add(src, sink, nil, "example.test", 443))

	// client -> origin
	payload := []byte{0x16, 0x03, 0x01, 0x00, 0x04, 0xde, 0xad, 0xbe, 0xef}
	writeAll(t, clientEnd, payload)
	assert.Equal(t, payload, readSome(t, originEnd, len(payload)))

	// origin -> client
	writeAll(t, originEnd, []byte("ABCD"))
	assert.Equal(t, []byte("ABCD"), readSome(t, clientEnd, 4))

	st := sp.Stats()
	assert.Equal(t, uint64(1), st.TunnelsOpened)
	assert.Equal(t, uint64(len(payload)), st.BytesClientIn)
	assert.Equal(t, uint64(4), st.BytesOriginIn)
}

func TestHalfCloseThenFullClose(t *testing.T) {
	sp, _ := newTestSplice(t)
	src, clientEnd := pairEnds(t)
	sink, originEnd := pairEnds(t)
	require.NoError(t, sp.Add(src, sink, nil, "example.test", 443))

	// client FIN propagates to the origin's read side
	writeAll(t, clientEnd, []byte("last"))
	require.NoError(t, unix.Shutdown(clientEnd, unix.SHUT_WR))
	assert.Equal(t, []byte("last"), readSome(t, originEnd, 4))
	readEOF(t, originEnd)

	// reverse direction still flows while half-closed
	writeAll(t, originEnd, []byte("reply"))
	assert.Equal(t, []byte("reply"), readSome(t, clientEnd, 5))

	// origin FIN closes the tunnel
	require.NoError(t, unix.Shutdown(originEnd, unix.SHUT_WR))
	require.Eventually(t, func() bool {
		return sp.ActiveTunnels() == 0
	}, 5*time.Second, 10*time.Millisecond)

	st := sp.Stats()
	assert.Equal(t, uint64(1), st.TunnelsClosed)
}

func TestLargeTransferWithBackpressure(t *testing.T) {
	sp, _ := newTestSplice(t)
	src, clientEnd := pairEnds(t)
	sink, originEnd := pairEnds(t)
	require.NoError(t, sp.Add(src, sink, nil, "example.test", 443))

	// push well past MaxOverflow; the origin end is read concurrently, so
	// the overflow path only engages when the origin socket buffer fills
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeAll(t, clientEnd, payload)
		_ = unix.Shutdown(clientEnd, unix.SHUT_WR)
	}()

	got := readSome(t, originEnd, len(payload))
	<-done
	require.Equal(t, len(payload), len(got))
	assert.Equal(t, payload, got, "bytes survive the overflow path in order")
	readEOF(t, originEnd)
}

func TestLateEventAfterCloseIsIgnored(t *testing.T) {
	sp, _ := newTestSplice(t)
	src, clientEnd := pairEnds(t)
	sink, originEnd := pairEnds(t)
	require.NoError(t, sp.Add(src, sink, nil, "example.test", 443))

	srcFD := src.FD()
	require.NoError(t, unix.Shutdown(clientEnd, unix.SHUT_WR))
	require.NoError(t, unix.Shutdown(originEnd, unix.SHUT_WR))
	require.Eventually(t, func() bool {
		return sp.ActiveTunnels() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// a handler invoked for a quarantined fd finds no tunnel and does
	// nothing
	sp.notifyRead(srcFD, poll.Event{FD: srcFD, Mask: unix.EPOLLIN})
	assert.Equal(t, 0, sp.ActiveTunnels())
}
