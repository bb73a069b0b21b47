//go:build linux

package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go.relayd.io/proxy/config"
)

func freePort(t *testing.T) uint32 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint32(port)
}

// startCore boots a full pipeline on an ephemeral port and returns the
// core plus the proxy address.
func startCore(t *testing.T) (*Core, string, uint32) {
	t.Helper()
	cfg := config.New()
	cfg.Port = freePort(t)
	cfg.Pools = config.Pools{Ingress: 8, Splice: 8, DNS: 2}
	cfg.Limits.CloseGraceS = 1

	c, err := New(zap.NewNop(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Log("core did not stop in time")
		}
	})
	return c, fmt.Sprintf("127.0.0.1:%d", cfg.Port), cfg.Port
}

// echoOrigin accepts one connection and echoes everything back until EOF.
func echoOrigin(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	return l.Addr().String()
}

// recordingOrigin accepts one connection, records everything until EOF or
// deadline, then closes.
func recordingOrigin(t *testing.T, got chan<- []byte) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		data, _ := io.ReadAll(conn)
		got <- data
	}()
	return l.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.DialTimeout("tcp", addr, time.Second)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "proxy listen socket never came up")
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestConnectHappyPath(t *testing.T) {
	_, proxyAddr, _ := startCore(t)
	originAddr := echoOrigin(t)

	conn := dialProxy(t, proxyAddr)
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", originAddr)
	require.NoError(t, err)

	resp := readExactly(t, conn, len("HTTP/1.1 200 OK\r\n\r\n"))
	require.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(resp))

	// opaque bytes tunnel both ways
	payload := make([]byte, 32)
	payload[0], payload[1], payload[2] = 0x16, 0x03, 0x01
	for i := 3; i < len(payload); i++ {
		payload[i] = byte(i)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, readExactly(t, conn, len(payload)))

	// client FIN propagates; echo origin then FINs back and the stream ends
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, err = io.ReadAll(conn)
	assert.NoError(t, err)
}

func TestConnectRoundTripLargePayload(t *testing.T) {
	_, proxyAddr, _ := startCore(t)
	originAddr := echoOrigin(t)

	conn := dialProxy(t, proxyAddr)
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.0\r\n\r\n", originAddr)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.0 200 OK\r\n\r\n", string(readExactly(t, conn, 19)),
		"handshake version matches the client")

	payload := make([]byte, 4*1024*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	errCh := make(chan error, 1)
	go func() {
		_, werr := conn.Write(payload)
		if werr == nil {
			werr = conn.(*net.TCPConn).CloseWrite()
		}
		errCh <- werr
	}()

	echoed, rerr := io.ReadAll(conn)
	require.NoError(t, rerr)
	require.NoError(t, <-errCh)
	assert.Equal(t, payload, echoed, "N random bytes come back bit-identical")
}

func TestPlainForwardingVerbatim(t *testing.T) {
	_, proxyAddr, _ := startCore(t)
	got := make(chan []byte, 1)
	originAddr := recordingOrigin(t, got)

	request := fmt.Sprintf("GET http://%s/x HTTP/1.0\r\nHost: %s\r\n\r\n", originAddr, originAddr)
	conn := dialProxy(t, proxyAddr)
	_, err := conn.Write([]byte(request))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	select {
	case data := <-got:
		assert.Equal(t, request, string(data), "header block forwarded verbatim, nothing synthesized")
	case <-time.After(10 * time.Second):
		t.Fatal("origin never received the forwarded request")
	}
}

func TestDNSFailureGets403NotFound(t *testing.T) {
	_, proxyAddr, _ := startCore(t)

	conn := dialProxy(t, proxyAddr)
	_, err := conn.Write([]byte("CONNECT no.such.host.invalid:443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	data, _ := io.ReadAll(conn)
	assert.Equal(t, "HTTP/1.1 403 Not Found\r\n\r\n", string(data))
}

func TestMalformedRequestGets400(t *testing.T) {
	_, proxyAddr, _ := startCore(t)

	conn := dialProxy(t, proxyAddr)
	_, err := conn.Write([]byte("NONSENSE\r\n\r\n"))
	require.NoError(t, err)

	data, _ := io.ReadAll(conn)
	assert.Equal(t, "HTTP/1.1 400 Bad Request\r\n\r\n", string(data))
}

func TestSelfTargetClosedSilently(t *testing.T) {
	_, proxyAddr, port := startCore(t)

	conn := dialProxy(t, proxyAddr)
	_, err := fmt.Fprintf(conn, "CONNECT 127.0.0.1:%d HTTP/1.1\r\n\r\n", port)
	require.NoError(t, err)

	data, _ := io.ReadAll(conn)
	assert.Empty(t, data, "anti-loop refusal writes nothing")
}

func TestConnectWithTrailingBytesRejected(t *testing.T) {
	_, proxyAddr, _ := startCore(t)
	originAddr := echoOrigin(t)

	conn := dialProxy(t, proxyAddr)
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\nX", originAddr)
	require.NoError(t, err)

	data, _ := io.ReadAll(conn)
	assert.Equal(t, "HTTP/1.1 400 Bad Request\r\n\r\n", string(data))
}

func TestStatsReflectTraffic(t *testing.T) {
	c, proxyAddr, _ := startCore(t)
	originAddr := echoOrigin(t)

	conn := dialProxy(t, proxyAddr)
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", originAddr)
	require.NoError(t, err)
	readExactly(t, conn, 19)

	// the 200 is written before the outbound connect starts; wait for the
	// hand-off to splice before taking the snapshot
	require.Eventually(t, func() bool {
		return c.Stats().Ingress.HandedOff == 1
	}, 10*time.Second, 20*time.Millisecond)

	// the same snapshot the admin server serves
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Ingress.Accepted)
	assert.Equal(t, uint64(1), st.Ingress.HandedOff)
	assert.Equal(t, uint64(1), st.Splice.TunnelsOpened)
	assert.Equal(t, 1, st.Splice.ActiveTunnels)

	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, _ = io.ReadAll(conn)

	require.Eventually(t, func() bool {
		return c.Stats().Splice.ActiveTunnels == 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Splice.TunnelsClosed)
}
