//go:build linux

package ingress

import (
	"time"

	"go.relayd.io/proxy/pkg/core/netio"
	"go.relayd.io/proxy/pkg/core/resolver"
)

// readState tracks a socket whose request header is still being read.
type readState struct {
	conn    *netio.Conn
	buf     []byte
	created time.Time
}

// connectIntent carries everything needed to open the outbound side once
// the handshake response (if any) has drained.
type connectIntent struct {
	peer   resolver.Result
	header []byte
	host   string
	port   int
}

// writeState tracks a socket with a partially written response. A nil
// intent means the socket is shut down once the response drains (failure
// responses); otherwise the outbound connect begins.
type writeState struct {
	conn     *netio.Conn
	response []byte
	written  int
	intent   *connectIntent
}

// connectState tracks an outbound connect in progress, keyed by the
// outbound socket's descriptor.
type connectState struct {
	src    *netio.Conn
	out    *netio.Conn
	peer   resolver.Result
	header []byte
	host   string
	port   int
}
