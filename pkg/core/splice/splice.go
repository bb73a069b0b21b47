//go:build linux

// Package splice is the back half of the data plane: a bidirectional byte
// pump between the accepted socket and the outbound socket. Each direction
// owns an overflow queue toward the slower side; when an overflow hits its
// cap the reader feeding it is deregistered from read-readiness so TCP
// flow control propagates to the upstream peer.
package splice

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go.relayd.io/proxy/pkg/core/locks"
	"go.relayd.io/proxy/pkg/core/netio"
	"go.relayd.io/proxy/pkg/core/poll"
	"go.relayd.io/proxy/pkg/core/pool"
	"go.relayd.io/proxy/pkg/core/reaper"
	"go.relayd.io/proxy/pkg/models"
	"go.relayd.io/proxy/utils"
)

// Config sizes the splice stage.
type Config struct {
	BufferSize  int
	MaxOverflow int
	Workers     int
}

// Splice runs the tunnel map and the read/write readiness loops.
type Splice struct {
	logger *zap.Logger
	cfg    Config

	readSet  *poll.Set
	writeSet *poll.Set
	workers  *pool.Pool
	stripes  *locks.Pool
	reaper   *reaper.Reaper

	mu      sync.Mutex
	tunnels map[int]*tunnel

	bufPool sync.Pool

	opened        atomic.Uint64
	closedTunnels atomic.Uint64
	backpressured atomic.Uint64
	overflowBytes atomic.Int64
	bytesIn       [2]atomic.Uint64
}

// New constructs the stage. The reaper is shared infrastructure owned by
// the caller; the readiness sets and worker pool are owned here.
func New(logger *zap.Logger, cfg Config, stripes *locks.Pool, rp *reaper.Reaper) (*Splice, error) {
	logger = logger.Named("splice")
	readSet, err := poll.NewReadSet(logger, "splice-read")
	if err != nil {
		return nil, err
	}
	writeSet, err := poll.NewWriteSet(logger, "splice-write")
	if err != nil {
		return nil, err
	}
	s := &Splice{
		logger:   logger,
		cfg:      cfg,
		readSet:  readSet,
		writeSet: writeSet,
		workers:  pool.New(logger, "splice", cfg.Workers),
		stripes:  stripes,
		reaper:   rp,
		tunnels:  make(map[int]*tunnel),
	}
	s.bufPool.New = func() any { return make([]byte, cfg.BufferSize) }
	return s, nil
}

// Add is the intake from ingress: a freshly connected pair plus any client
// bytes that must be forwarded origin-ward before anything else.
func (s *Splice) Add(src, sink *netio.Conn, pending []byte, host string, port int) error {
	t := newTunnel(src, sink, host, port, s.stripes.Next())

	lk := t.lockIdx
	s.stripes.Lock(lk)
	if len(pending) > 0 {
		t.overflow[sideSink].push(pending)
		t.blockWrite[sideSink] = true
		s.overflowBytes.Add(int64(len(pending)))
	}

	// Insert under both fd keys atomically.
	s.mu.Lock()
	s.tunnels[src.FD()] = t
	s.tunnels[sink.FD()] = t
	s.mu.Unlock()

	var err error
	if t.blockWrite[sideSink] {
		err = s.writeSet.Arm(sink.FD())
	}
	if err == nil {
		err = s.readSet.Arm(src.FD())
	}
	if err == nil {
		err = s.readSet.Arm(sink.FD())
	}
	if err != nil {
		s.closePairLocked(t)
		return err
	}
	s.stripes.Unlock(lk)

	s.opened.Add(1)
	s.logger.Debug("tunnel opened",
		zap.String("tunnel", t.id),
		zap.String("host", host),
		zap.Int("port", port),
		zap.Int("pending", len(pending)),
	)
	return nil
}

// Start runs the polling loops and the worker pool until ctx is cancelled.
func (s *Splice) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer utils.Recover(s.logger)
		return s.workers.Start(ctx)
	})
	g.Go(func() error {
		defer utils.Recover(s.logger)
		return s.pollLoop(ctx, s.readSet, s.notifyRead)
	})
	g.Go(func() error {
		defer utils.Recover(s.logger)
		return s.pollLoop(ctx, s.writeSet, s.notifyWrite)
	})
	err := g.Wait()
	s.closeAll()
	return err
}

func (s *Splice) pollLoop(ctx context.Context, set *poll.Set, notify func(int, poll.Event)) error {
	events := make([]poll.Event, 0, poll.Batch)
	for {
		if ctx.Err() != nil {
			return nil
		}
		var err error
		events, err = set.Wait(events[:0])
		if err != nil {
			// epoll failure is a syscall catastrophe
			utils.LogError(s.logger, err, "readiness wait failed; shutting down splice")
			return err
		}
		for _, ev := range events {
			fd, mask := ev.FD, ev.Mask
			s.workers.Submit(ctx, func() {
				notify(fd, poll.Event{FD: fd, Mask: mask})
			})
		}
	}
}

func (s *Splice) lookup(fd int) *tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnels[fd]
}

// notifyRead handles read-readiness (or hup) on either side of a tunnel.
func (s *Splice) notifyRead(fd int, ev poll.Event) {
	t := s.lookup(fd)
	if t == nil {
		// late event for a quarantined fd
		return
	}
	lk := t.lockIdx
	s.stripes.Lock(lk)
	if t.closed {
		s.stripes.Unlock(lk)
		return
	}

	rd := t.sideOf(fd)
	wr := rd.other()
	reader := t.conns[rd]
	writer := t.conns[wr]

	if ev.Mask&unix.EPOLLERR != 0 {
		s.closePairLocked(t)
		return
	}

	// Reading again: clear any backpressure latch for this side.
	t.blockRead[rd] = false

	buf := s.bufPool.Get().([]byte)
	defer s.bufPool.Put(buf)

	for {
		s.stripes.Unlock(lk)
		n, err := reader.Read(buf)
		s.stripes.Lock(lk)
		if t.closed {
			s.stripes.Unlock(lk)
			return
		}

		switch err {
		case nil:
		case netio.ErrWouldBlock:
			if !t.blockRead[rd] {
				if aerr := s.readSet.Arm(fd); aerr != nil {
					s.closePairLocked(t)
					return
				}
			}
			s.stripes.Unlock(lk)
			return
		case netio.ErrConnectionClosed:
			if reader.Errored() {
				// reset, not an orderly close
				s.closePairLocked(t)
				return
			}
			s.readClosedLocked(t, rd)
			return
		default:
			s.closePairLocked(t)
			return
		}

		s.bytesIn[rd].Add(uint64(n))
		data := buf[:n]
		o := t.overflow[wr]

		if o.empty() {
			// Attempt the write directly; only the unwritten suffix is
			// queued.
			s.stripes.Unlock(lk)
			w, werr := writer.Write(data)
			s.stripes.Lock(lk)
			if t.closed {
				s.stripes.Unlock(lk)
				return
			}
			switch {
			case werr == nil && w == len(data):
				continue // full write; read again
			case werr == nil, werr == netio.ErrWouldBlock:
				o.push(data[w:])
				s.overflowBytes.Add(int64(len(data) - w))
				t.blockWrite[wr] = true
				if aerr := s.writeSet.Arm(writer.FD()); aerr != nil {
					s.closePairLocked(t)
					return
				}
			default:
				s.closePairLocked(t)
				return
			}
		} else {
			o.push(data)
			s.overflowBytes.Add(int64(len(data)))
			if !t.blockWrite[wr] {
				t.blockWrite[wr] = true
				if aerr := s.writeSet.Arm(writer.FD()); aerr != nil {
					s.closePairLocked(t)
					return
				}
			}
		}

		if o.len() >= s.cfg.MaxOverflow {
			// Backpressure: stop reading until the writer drains.
			t.blockRead[rd] = true
			s.backpressured.Add(1)
			s.stripes.Unlock(lk)
			return
		}
	}
}

// readClosedLocked handles an orderly read-close observed on side rd.
// Called with the stripe lock held, per the convention of notifyRead;
// releases it before returning.
func (s *Splice) readClosedLocked(t *tunnel, rd side) {
	if t.rdHup[rd] {
		// duplicate close observation from a late event; already counted
		s.stripes.Unlock(t.lockIdx)
		return
	}
	wr := rd.other()
	writer := t.conns[wr]
	t.rdHup[rd] = true

	if t.overflow[wr].empty() {
		writer.ShutdownWrite()
	}
	// A non-empty overflow defers the shutdown to the write handler, but
	// the read-close is accounted for now.
	t.writeShutdownCount++
	if t.writeShutdownCount >= 2 {
		s.closePairLocked(t)
		return
	}
	s.readSet.Delete(t.conns[rd].FD())
	s.stripes.Unlock(t.lockIdx)
}

// notifyWrite handles write-readiness on either side of a tunnel.
func (s *Splice) notifyWrite(fd int, ev poll.Event) {
	t := s.lookup(fd)
	if t == nil {
		return
	}
	lk := t.lockIdx
	s.stripes.Lock(lk)
	if t.closed {
		s.stripes.Unlock(lk)
		return
	}

	wr := t.sideOf(fd)
	opp := wr.other()
	writer := t.conns[wr]
	o := t.overflow[wr]

	if ev.Mask&unix.EPOLLERR != 0 {
		s.closePairLocked(t)
		return
	}

	buf := s.bufPool.Get().([]byte)
	defer s.bufPool.Put(buf)

	for {
		if o.empty() {
			t.blockWrite[wr] = false
			if t.rdHup[opp] {
				// The deferred half-close: the peer finished sending and
				// the backlog has drained.
				writer.ShutdownWrite()
			} else {
				s.writeSet.Delete(fd)
			}
			s.stripes.Unlock(lk)
			return
		}

		n := o.peek(buf)
		s.stripes.Unlock(lk)
		w, err := writer.Write(buf[:n])
		s.stripes.Lock(lk)
		if t.closed {
			s.stripes.Unlock(lk)
			return
		}

		switch err {
		case nil:
		case netio.ErrWouldBlock:
			if aerr := s.writeSet.Arm(fd); aerr != nil {
				s.closePairLocked(t)
				return
			}
			s.stripes.Unlock(lk)
			return
		default:
			s.closePairLocked(t)
			return
		}

		o.consume(w)
		s.overflowBytes.Add(-int64(w))

		// Release backpressure once the backlog falls back under the cap.
		if o.len() < s.cfg.MaxOverflow && t.blockRead[opp] && !t.rdHup[opp] {
			t.blockRead[opp] = false
			if aerr := s.readSet.Arm(t.conns[opp].FD()); aerr != nil {
				s.closePairLocked(t)
				return
			}
		}

		if w < n {
			if aerr := s.writeSet.Arm(fd); aerr != nil {
				s.closePairLocked(t)
				return
			}
			s.stripes.Unlock(lk)
			return
		}
	}
}

// closePairLocked tears down a tunnel: both map keys removed, both fds
// deregistered everywhere, both directions shut down, both sockets
// quarantined. The closed flag is set before the stripe lock is released
// so concurrent late events observe it. Consumes the stripe lock.
func (s *Splice) closePairLocked(t *tunnel) {
	t.closed = true
	s.overflowBytes.Add(-int64(t.overflow[sideSrc].len() + t.overflow[sideSink].len()))

	src := t.conns[sideSrc]
	sink := t.conns[sideSink]

	s.mu.Lock()
	delete(s.tunnels, src.FD())
	delete(s.tunnels, sink.FD())
	s.mu.Unlock()

	for _, c := range t.conns {
		s.readSet.Delete(c.FD())
		s.writeSet.Delete(c.FD())
		c.ShutdownBoth()
		s.reaper.Add(c)
	}

	s.closedTunnels.Add(1)
	s.logger.Debug("tunnel closed",
		zap.String("tunnel", t.id),
		zap.String("host", t.host),
		zap.Int("port", t.port),
	)
	s.stripes.Unlock(t.lockIdx)
}

// closeAll tears down every live tunnel at shutdown.
func (s *Splice) closeAll() {
	s.mu.Lock()
	seen := make(map[*tunnel]struct{}, len(s.tunnels))
	for _, t := range s.tunnels {
		seen[t] = struct{}{}
	}
	s.mu.Unlock()

	for t := range seen {
		s.stripes.Lock(t.lockIdx)
		if t.closed {
			s.stripes.Unlock(t.lockIdx)
			continue
		}
		s.closePairLocked(t)
	}
	_ = s.readSet.Close()
	_ = s.writeSet.Close()
}

// ActiveTunnels reports the number of live tunnels.
func (s *Splice) ActiveTunnels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels) / 2
}

// Stats snapshots the stage counters.
func (s *Splice) Stats() models.SpliceStats {
	return models.SpliceStats{
		ActiveTunnels: s.ActiveTunnels(),
		TunnelsOpened: s.opened.Load(),
		TunnelsClosed: s.closedTunnels.Load(),
		BytesClientIn: s.bytesIn[sideSrc].Load(),
		BytesOriginIn: s.bytesIn[sideSink].Load(),
		Backpressured: s.backpressured.Load(),
		OverflowBytes: s.overflowBytes.Load(),
	}
}
