//go:build linux

// Package reaper implements the close quarantine. Sockets that have been
// logically shut down are parked here briefly before their descriptors
// are actually closed, so in-flight readiness events that still reference
// the fd observe a valid descriptor and are ignored instead of aliasing a
// freshly reused fd belonging to another live state.
package reaper

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go.relayd.io/proxy/pkg/core/netio"
	"go.relayd.io/proxy/pkg/models"
)

// sweepInterval is how often the quarantine head is scanned.
const sweepInterval = 2 * time.Second

type entry struct {
	at   time.Time
	conn *netio.Conn
}

// Reaper is one stage's close quarantine: a FIFO ordered by enqueue time,
// swept periodically.
type Reaper struct {
	logger *zap.Logger
	grace  time.Duration

	mu sync.Mutex
	q  *list.List

	quarantined atomic.Uint64
	reaped      atomic.Uint64
}

// New creates a quarantine with the given grace period.
func New(logger *zap.Logger, name string, grace time.Duration) *Reaper {
	return &Reaper{
		logger: logger.With(zap.String("reaper", name)),
		grace:  grace,
		q:      list.New(),
	}
}

// Add enqueues a shut-down connection timestamped now. The connection must
// already have been removed from every live state map.
func (r *Reaper) Add(conn *netio.Conn) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	r.q.PushBack(entry{at: time.Now(), conn: conn})
	r.mu.Unlock()
	r.quarantined.Add(1)
}

// Start sweeps until ctx is cancelled, then closes everything left.
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep destroys entries whose age has reached the grace period. Entries
// are append-ordered by timestamp, so the scan stops at the first young
// entry.
func (r *Reaper) sweep(now time.Time) {
	cutoff := now.Add(-r.grace)

	var expired []*netio.Conn
	r.mu.Lock()
	for e := r.q.Front(); e != nil; {
		ent := e.Value.(entry)
		if ent.at.After(cutoff) {
			break
		}
		next := e.Next()
		r.q.Remove(e)
		expired = append(expired, ent.conn)
		e = next
	}
	r.mu.Unlock()

	for _, conn := range expired {
		if err := conn.Close(); err != nil {
			r.logger.Debug("failed to close quarantined connection",
				zap.Int("fd", conn.FD()), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		r.reaped.Add(uint64(len(expired)))
		r.logger.Debug("reaped quarantined connections", zap.Int("count", len(expired)))
	}
}

func (r *Reaper) drain() {
	r.mu.Lock()
	var all []*netio.Conn
	for e := r.q.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(entry).conn)
	}
	r.q.Init()
	r.mu.Unlock()

	for _, conn := range all {
		_ = conn.Close()
	}
	r.reaped.Add(uint64(len(all)))
}

// Pending returns the current quarantine depth.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Len()
}

// Stats snapshots the quarantine counters.
func (r *Reaper) Stats() models.ReaperStats {
	return models.ReaperStats{
		Quarantined: r.quarantined.Load(),
		Reaped:      r.reaped.Load(),
		Pending:     r.Pending(),
	}
}
