//go:build linux

// Package resolver performs name resolution for the ingress stage. Lookups
// run on a dedicated worker pool so the event loops are never blocked on
// DNS. Numeric literals of either family short-circuit without touching
// the network; positive answers are cached in a bounded LRU.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"go.relayd.io/proxy/config"
	"go.relayd.io/proxy/pkg/core/pool"
)

// Result is a resolved peer: address family, sockaddr ready for connect,
// and the bare address for diagnostics and the anti-loop check.
type Result struct {
	Family   int
	Sockaddr unix.Sockaddr
	Addr     netip.Addr
	Port     int
}

// Resolver wraps the upstream lookup path.
type Resolver struct {
	logger  *zap.Logger
	servers []string
	timeout time.Duration
	client  *dns.Client
	cache   *lru.Cache[string, netip.Addr]
	workers *pool.Pool

	localAddrs map[netip.Addr]struct{}
}

// New builds a resolver from the DNS config. workers is the dedicated DNS
// pool; the local interface set is snapshotted once for the anti-loop
// check.
func New(logger *zap.Logger, cfg config.DNS, workers *pool.Pool) (*Resolver, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, netip.Addr](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	local, err := localInterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var servers []string
	for _, s := range cfg.Servers {
		if !strings.Contains(s, ":") {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}

	return &Resolver{
		logger:     logger,
		servers:    servers,
		timeout:    timeout,
		client:     &dns.Client{Timeout: timeout},
		cache:      cache,
		workers:    workers,
		localAddrs: local,
	}, nil
}

func localInterfaceAddrs() (map[netip.Addr]struct{}, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interface addresses: %w", err)
	}
	local := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		local[addr.Unmap()] = struct{}{}
	}
	return local, nil
}

// ResolveAsync submits a lookup to the DNS pool and invokes cb with the
// outcome. cb runs on a pool worker.
func (r *Resolver) ResolveAsync(ctx context.Context, host string, port int, cb func(Result, error)) {
	r.workers.Submit(ctx, func() {
		res, err := r.Resolve(ctx, host, port)
		cb(res, err)
	})
}

// Resolve maps host to a connectable sockaddr. Numeric literals of both
// families are recognized without a lookup.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) (Result, error) {
	host = strings.Trim(host, "[]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return mkResult(addr, port), nil
	}

	key := strings.ToLower(dns.Fqdn(host))
	if addr, ok := r.cache.Get(key); ok {
		return mkResult(addr, port), nil
	}

	addr, err := r.lookup(ctx, host)
	if err != nil {
		return Result{}, err
	}
	r.cache.Add(key, addr)
	return mkResult(addr, port), nil
}

func (r *Resolver) lookup(ctx context.Context, host string) (netip.Addr, error) {
	if len(r.servers) > 0 {
		return r.lookupUpstream(host)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip.IP); ok {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no usable address for %q", host)
}

// lookupUpstream queries the configured servers directly, A before AAAA,
// first answer wins.
func (r *Resolver) lookupUpstream(host string) (netip.Addr, error) {
	fqdn := dns.Fqdn(host)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		for _, server := range r.servers {
			in, _, err := r.client.Exchange(msg, server)
			if err != nil {
				r.logger.Debug("upstream dns query failed",
					zap.String("server", server), zap.String("host", host), zap.Error(err))
				continue
			}
			for _, rr := range in.Answer {
				switch a := rr.(type) {
				case *dns.A:
					if addr, ok := netip.AddrFromSlice(a.A); ok {
						return addr.Unmap(), nil
					}
				case *dns.AAAA:
					if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
						return addr, nil
					}
				}
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("failed to resolve %q via upstream servers", host)
}

// IsSelfTarget reports whether the resolved peer is one of this host's
// interface addresses on the proxy's own listen port. Connecting there
// would loop traffic back into the proxy.
func (r *Resolver) IsSelfTarget(res Result, listenPort uint32) bool {
	if res.Port != int(listenPort) {
		return false
	}
	_, ok := r.localAddrs[res.Addr.Unmap()]
	return ok
}

func mkResult(addr netip.Addr, port int) Result {
	addr = addr.Unmap()
	if addr.Is4() {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], addr.AsSlice())
		return Result{Family: unix.AF_INET, Sockaddr: sa, Addr: addr, Port: port}
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], addr.AsSlice())
	return Result{Family: unix.AF_INET6, Sockaddr: sa, Addr: addr, Port: port}
}
