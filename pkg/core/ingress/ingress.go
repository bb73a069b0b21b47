//go:build linux

// Package ingress is the front half of the data plane: it accepts inbound
// connections, reads and parses the request header, resolves the target,
// writes the handshake response, opens the outbound connection and hands
// the finished pair to the splice stage.
package ingress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.relayd.io/proxy/pkg/core/netio"
	"go.relayd.io/proxy/pkg/core/poll"
	"go.relayd.io/proxy/pkg/core/pool"
	"go.relayd.io/proxy/pkg/core/reaper"
	"go.relayd.io/proxy/pkg/core/resolver"
	"go.relayd.io/proxy/pkg/models"
	"go.relayd.io/proxy/utils"
)

const listenBacklog = 512

// Sink is the output boundary toward the splice stage.
type Sink interface {
	Add(src, sink *netio.Conn, pending []byte, host string, port int) error
}

// Config sizes the ingress stage.
type Config struct {
	Port      uint32
	Workers   int
	MaxHeader int
}

// Ingress runs the accept, header-read, handshake-write and connect loops.
type Ingress struct {
	logger *zap.Logger
	cfg    Config

	listen     *netio.Conn
	acceptSet  *poll.Set
	readSet    *poll.Set
	writeSet   *poll.Set
	connectSet *poll.Set

	workers  *pool.Pool
	resolver *resolver.Resolver
	reaper   *reaper.Reaper
	next     Sink

	// ctx is the stage context, set by Start before any loop runs; async
	// resolver callbacks are bound to it.
	ctx context.Context

	mu            sync.Mutex
	readStates    map[int]*readState
	writeStates   map[int]*writeState
	connectStates map[int]*connectState

	catastropheOnce sync.Once
	catastrophe     chan error

	accepted        atomic.Uint64
	acceptErrors    atomic.Uint64
	headerTooLarge  atomic.Uint64
	parseFailures   atomic.Uint64
	resolveFailures atomic.Uint64
	selfRefused     atomic.Uint64
	connectFailures atomic.Uint64
	handedOff       atomic.Uint64
}

// New constructs the stage. The listen socket is opened immediately so a
// bad port fails construction rather than Start.
func New(logger *zap.Logger, cfg Config, res *resolver.Resolver, rp *reaper.Reaper, next Sink) (*Ingress, error) {
	logger = logger.Named("ingress")
	if cfg.MaxHeader <= 0 {
		cfg.MaxHeader = MaxHeader
	}

	listen, err := netio.Listen(cfg.Port, listenBacklog)
	if err != nil {
		return nil, err
	}

	mkSet := func(f func(*zap.Logger, string) (*poll.Set, error), name string) (*poll.Set, error) {
		set, err := f(logger, name)
		if err != nil {
			_ = listen.Close()
		}
		return set, err
	}
	acceptSet, err := mkSet(poll.NewReadSet, "ingress-accept")
	if err != nil {
		return nil, err
	}
	readSet, err := mkSet(poll.NewReadSet, "ingress-read")
	if err != nil {
		return nil, err
	}
	writeSet, err := mkSet(poll.NewWriteSet, "ingress-write")
	if err != nil {
		return nil, err
	}
	connectSet, err := mkSet(poll.NewWriteSet, "ingress-connect")
	if err != nil {
		return nil, err
	}

	return &Ingress{
		logger:        logger,
		cfg:           cfg,
		listen:        listen,
		acceptSet:     acceptSet,
		readSet:       readSet,
		writeSet:      writeSet,
		connectSet:    connectSet,
		workers:       pool.New(logger, "ingress", cfg.Workers),
		resolver:      res,
		reaper:        rp,
		next:          next,
		readStates:    make(map[int]*readState),
		writeStates:   make(map[int]*writeState),
		connectStates: make(map[int]*connectState),
		catastrophe:   make(chan error, 1),
	}, nil
}

// Start runs the stage loops until ctx is cancelled or a syscall
// catastrophe escalates.
func (in *Ingress) Start(ctx context.Context) error {
	in.ctx = ctx
	if err := in.acceptSet.Arm(in.listen.FD()); err != nil {
		return fmt.Errorf("failed to arm listen socket: %w", err)
	}
	in.logger.Info("proxy listening", zap.Uint32("port", in.cfg.Port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer utils.Recover(in.logger)
		return in.workers.Start(ctx)
	})
	g.Go(func() error {
		defer utils.Recover(in.logger)
		return in.acceptLoop(ctx)
	})
	g.Go(func() error {
		defer utils.Recover(in.logger)
		return in.pollLoop(ctx, in.readSet, in.readable)
	})
	g.Go(func() error {
		defer utils.Recover(in.logger)
		return in.pollLoop(ctx, in.writeSet, in.writable)
	})
	g.Go(func() error {
		defer utils.Recover(in.logger)
		return in.pollLoop(ctx, in.connectSet, in.connectable)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-in.catastrophe:
			return err
		}
	})

	err := g.Wait()
	in.closeAll()
	return err
}

func (in *Ingress) fatal(err error) {
	in.catastropheOnce.Do(func() {
		in.catastrophe <- err
	})
}

func (in *Ingress) pollLoop(ctx context.Context, set *poll.Set, notify func(int)) error {
	events := make([]poll.Event, 0, poll.Batch)
	for {
		if ctx.Err() != nil {
			return nil
		}
		var err error
		events, err = set.Wait(events[:0])
		if err != nil {
			utils.LogError(in.logger, err, "readiness wait failed; shutting down ingress")
			return err
		}
		for _, ev := range events {
			fd := ev.FD
			in.workers.Submit(ctx, func() {
				notify(fd)
			})
		}
	}
}

// acceptLoop drives the single-entry accept readiness set. On readiness it
// drains the backlog until the accept syscall reports would-block, then
// re-arms.
func (in *Ingress) acceptLoop(ctx context.Context) error {
	events := make([]poll.Event, 0, poll.Batch)
	for {
		if ctx.Err() != nil {
			return nil
		}
		var err error
		events, err = in.acceptSet.Wait(events[:0])
		if err != nil {
			utils.LogError(in.logger, err, "accept readiness wait failed")
			return err
		}
		if len(events) == 0 {
			continue
		}
		for {
			conn, err := in.listen.Accept()
			if err == netio.ErrWouldBlock {
				break
			}
			if err != nil {
				// transient accept failures are counted; the loop continues
				in.acceptErrors.Add(1)
				in.logger.Debug("accept failed", zap.Error(err))
				continue
			}
			in.accepted.Add(1)
			c := conn
			in.workers.Submit(ctx, func() {
				in.readHeader(c, nil)
			})
		}
		if err := in.acceptSet.Arm(in.listen.FD()); err != nil {
			in.fatal(err)
			return err
		}
	}
}

// readable resumes a header read for a socket with persisted read-state.
func (in *Ingress) readable(fd int) {
	in.mu.Lock()
	st := in.readStates[fd]
	delete(in.readStates, fd)
	in.mu.Unlock()
	if st == nil {
		// late event after the state moved on or failed
		return
	}
	in.readHeader(st.conn, st.buf)
}

// readHeader reads until the header terminator, the size cap, or
// would-block.
func (in *Ingress) readHeader(conn *netio.Conn, have []byte) {
	buf := make([]byte, in.cfg.MaxHeader)
	for {
		n, err := conn.Read(buf)
		switch err {
		case nil:
		case netio.ErrWouldBlock:
			// persist and wait for more bytes
			in.mu.Lock()
			in.readStates[conn.FD()] = &readState{conn: conn, buf: have, created: time.Now()}
			in.mu.Unlock()
			if aerr := in.readSet.Arm(conn.FD()); aerr != nil {
				in.mu.Lock()
				delete(in.readStates, conn.FD())
				in.mu.Unlock()
				in.terminate(conn)
			}
			return
		default:
			// closed or fatal while reading the header
			in.terminate(conn)
			return
		}

		have = append(have, buf[:n]...)
		if end := headerComplete(have); end >= 0 {
			in.parseAndDispatch(conn, have, end)
			return
		}
		if len(have) >= in.cfg.MaxHeader {
			in.headerTooLarge.Add(1)
			in.logger.Warn("request header exceeds limit; dropping connection",
				zap.Int("bytes", len(have)))
			in.terminate(conn)
			return
		}
	}
}

// parseAndDispatch parses the header block and drives resolution and the
// method-specific handshake.
func (in *Ingress) parseAndDispatch(conn *netio.Conn, buf []byte, end int) {
	req, perr := parseRequest(buf, end)
	if perr != parseOK {
		in.parseFailures.Add(1)
		in.respond(conn, badRequestResponse(req.httpVersion), nil)
		return
	}

	host, port, version := req.host, req.port, req.httpVersion
	connect, header := req.connect, req.header
	in.resolver.ResolveAsync(in.ctx, host, port, func(peer resolver.Result, err error) {
		defer utils.Recover(in.logger)
		if err != nil {
			in.resolveFailures.Add(1)
			in.logger.Debug("name resolution failed",
				zap.String("host", host), zap.Error(err))
			in.respond(conn, notFoundResponse(version), nil)
			return
		}
		if in.resolver.IsSelfTarget(peer, in.cfg.Port) {
			// anti-loop: refuse without writing anything
			in.selfRefused.Add(1)
			in.logger.Warn("refusing self-targeted request",
				zap.String("host", host), zap.Int("port", port))
			in.terminate(conn)
			return
		}
		intent := &connectIntent{peer: peer, header: header, host: host, port: port}
		if connect {
			in.respond(conn, okResponse(version), intent)
		} else {
			in.beginConnect(conn, intent)
		}
	})
}

// respond writes a handshake or failure response. A nil intent shuts the
// socket down once the response has drained.
func (in *Ingress) respond(conn *netio.Conn, response []byte, intent *connectIntent) {
	st := &writeState{conn: conn, response: response, intent: intent}
	in.continueWrite(st)
}

// writable resumes a partially written response.
func (in *Ingress) writable(fd int) {
	in.mu.Lock()
	st := in.writeStates[fd]
	delete(in.writeStates, fd)
	in.mu.Unlock()
	if st == nil {
		return
	}
	in.continueWrite(st)
}

func (in *Ingress) continueWrite(st *writeState) {
	conn := st.conn
	for st.written < len(st.response) {
		n, err := conn.Write(st.response[st.written:])
		switch err {
		case nil:
			st.written += n
		case netio.ErrWouldBlock:
			in.mu.Lock()
			in.writeStates[conn.FD()] = st
			in.mu.Unlock()
			if aerr := in.writeSet.Arm(conn.FD()); aerr != nil {
				in.mu.Lock()
				delete(in.writeStates, conn.FD())
				in.mu.Unlock()
				in.terminate(conn)
			}
			return
		default:
			in.terminate(conn)
			return
		}
	}

	if st.intent == nil {
		// failure response delivered; close out
		in.terminate(conn)
		return
	}
	in.beginConnect(conn, st.intent)
}

// beginConnect opens the outbound socket and starts the non-blocking
// connect toward the resolved peer.
func (in *Ingress) beginConnect(src *netio.Conn, intent *connectIntent) {
	out, err := netio.NewTCPSocket(intent.peer.Family)
	if err != nil {
		// socket creation failing is a process-level catastrophe
		utils.LogError(in.logger, err, "failed to create outbound socket")
		in.terminate(src)
		in.fatal(err)
		return
	}

	cs := &connectState{
		src:    src,
		out:    out,
		peer:   intent.peer,
		header: intent.header,
		host:   intent.host,
		port:   intent.port,
	}
	in.driveConnect(cs)
}

// connectable resumes an in-progress outbound connect.
func (in *Ingress) connectable(fd int) {
	in.mu.Lock()
	cs := in.connectStates[fd]
	delete(in.connectStates, fd)
	in.mu.Unlock()
	if cs == nil {
		return
	}
	in.driveConnect(cs)
}

func (in *Ingress) driveConnect(cs *connectState) {
	err := cs.out.Connect(cs.peer.Sockaddr)
	switch err {
	case nil:
		in.handoff(cs)
	case netio.ErrInProgress:
		in.mu.Lock()
		in.connectStates[cs.out.FD()] = cs
		in.mu.Unlock()
		if aerr := in.connectSet.Arm(cs.out.FD()); aerr != nil {
			in.mu.Lock()
			delete(in.connectStates, cs.out.FD())
			in.mu.Unlock()
			in.failPair(cs)
		}
	default:
		in.connectFailures.Add(1)
		in.logger.Debug("outbound connect failed",
			zap.String("host", cs.host), zap.Int("port", cs.port), zap.Error(err))
		in.failPair(cs)
	}
}

func (in *Ingress) handoff(cs *connectState) {
	if err := in.next.Add(cs.src, cs.out, cs.header, cs.host, cs.port); err != nil {
		utils.LogError(in.logger, err, "failed to hand off tunnel",
			zap.String("host", cs.host), zap.Int("port", cs.port))
		return
	}
	in.handedOff.Add(1)
}

// terminate shuts a socket down and quarantines it.
func (in *Ingress) terminate(conn *netio.Conn) {
	in.readSet.Delete(conn.FD())
	in.writeSet.Delete(conn.FD())
	conn.ShutdownBoth()
	in.reaper.Add(conn)
}

func (in *Ingress) failPair(cs *connectState) {
	in.connectSet.Delete(cs.out.FD())
	cs.out.ShutdownBoth()
	in.reaper.Add(cs.out)
	in.terminate(cs.src)
}

// closeAll releases the listen socket, readiness sets and any parked
// ephemeral states at shutdown.
func (in *Ingress) closeAll() {
	_ = in.listen.Close()

	in.mu.Lock()
	var conns []*netio.Conn
	for _, st := range in.readStates {
		conns = append(conns, st.conn)
	}
	for _, st := range in.writeStates {
		conns = append(conns, st.conn)
	}
	for _, cs := range in.connectStates {
		conns = append(conns, cs.src, cs.out)
	}
	in.readStates = make(map[int]*readState)
	in.writeStates = make(map[int]*writeState)
	in.connectStates = make(map[int]*connectState)
	in.mu.Unlock()

	for _, c := range conns {
		c.ShutdownBoth()
		in.reaper.Add(c)
	}

	_ = in.acceptSet.Close()
	_ = in.readSet.Close()
	_ = in.writeSet.Close()
	_ = in.connectSet.Close()
}

// Stats snapshots the stage counters.
func (in *Ingress) Stats() models.IngressStats {
	in.mu.Lock()
	pr, pw, pc := len(in.readStates), len(in.writeStates), len(in.connectStates)
	in.mu.Unlock()
	return models.IngressStats{
		Accepted:          in.accepted.Load(),
		AcceptErrors:      in.acceptErrors.Load(),
		HeaderTooLarge:    in.headerTooLarge.Load(),
		ParseFailures:     in.parseFailures.Load(),
		ResolveFailures:   in.resolveFailures.Load(),
		SelfTargetRefused: in.selfRefused.Load(),
		ConnectFailures:   in.connectFailures.Load(),
		HandedOff:         in.handedOff.Load(),
		PendingReads:      pr,
		PendingWrites:     pw,
		PendingConnects:   pc,
	}
}
