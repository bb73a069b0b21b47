//go:build linux

package splice

import (
	"github.com/google/uuid"

	"go.relayd.io/proxy/pkg/core/netio"
)

// side identifies one half of a tunnel.
type side int

const (
	sideSrc  side = iota // accepted (client) socket
	sideSink             // outbound (origin) socket
)

func (s side) other() side {
	if s == sideSrc {
		return sideSink
	}
	return sideSrc
}

// tunnel is the shared state of one spliced pair. All mutable fields are
// guarded by the stripe mutex at lockIdx; conn status flags live on the
// Conns themselves.
type tunnel struct {
	id   string
	host string
	port int

	conns    [2]*netio.Conn // indexed by side
	overflow [2]*overflow   // overflow[s] holds bytes pending write to s

	// blockRead[s] means s has been deregistered from read-readiness
	// because the opposite overflow hit the cap (backpressure).
	// blockWrite[s] means s is currently registered for write-readiness.
	blockRead  [2]bool
	blockWrite [2]bool
	rdHup      [2]bool

	writeShutdownCount int
	closed             bool

	lockIdx int
}

func newTunnel(src, sink *netio.Conn, host string, port int, lockIdx int) *tunnel {
	return &tunnel{
		id:       uuid.NewString(),
		host:     host,
		port:     port,
		conns:    [2]*netio.Conn{src, sink},
		overflow: [2]*overflow{{}, {}},
		lockIdx:  lockIdx,
	}
}

// sideOf maps a descriptor back onto its side. The caller has already
// looked the tunnel up by fd, so the fd is one of the two.
func (t *tunnel) sideOf(fd int) side {
	if t.conns[sideSrc].FD() == fd {
		return sideSrc
	}
	return sideSink
}
