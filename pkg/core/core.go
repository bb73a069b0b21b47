//go:build linux

// Package core assembles and supervises the proxy pipeline. Construction
// runs leaves-first (shared primitives, reapers, splice, ingress); Start
// runs every stage under one errgroup and tears the pipeline down when the
// context is cancelled or a stage escalates a catastrophe.
package core

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.relayd.io/proxy/config"
	"go.relayd.io/proxy/pkg/core/ingress"
	"go.relayd.io/proxy/pkg/core/locks"
	"go.relayd.io/proxy/pkg/core/pool"
	"go.relayd.io/proxy/pkg/core/reaper"
	"go.relayd.io/proxy/pkg/core/resolver"
	"go.relayd.io/proxy/pkg/core/splice"
	"go.relayd.io/proxy/pkg/models"
	"go.relayd.io/proxy/utils"
)

// Core owns the assembled pipeline.
type Core struct {
	logger *zap.Logger
	cfg    *config.Config

	stripes       *locks.Pool
	ingressReaper *reaper.Reaper
	spliceReaper  *reaper.Reaper
	dnsPool       *pool.Pool
	resolver      *resolver.Resolver
	splice        *splice.Splice
	ingress       *ingress.Ingress

	startedAt time.Time
}

// New wires the pipeline in dependency order.
func New(logger *zap.Logger, cfg *config.Config) (*Core, error) {
	stripes := locks.NewPool()
	grace := time.Duration(cfg.Limits.CloseGraceS) * time.Second

	ingressReaper := reaper.New(logger, "ingress", grace)
	spliceReaper := reaper.New(logger, "splice", grace)

	dnsPool := pool.New(logger, "dns", cfg.Pools.DNS)
	res, err := resolver.New(logger, cfg.DNS, dnsPool)
	if err != nil {
		return nil, err
	}

	sp, err := splice.New(logger, splice.Config{
		BufferSize:  cfg.Limits.BufferSize,
		MaxOverflow: cfg.Limits.MaxOverflow,
		Workers:     cfg.Pools.Splice,
	}, stripes, spliceReaper)
	if err != nil {
		return nil, err
	}

	ing, err := ingress.New(logger, ingress.Config{
		Port:      cfg.Port,
		Workers:   cfg.Pools.Ingress,
		MaxHeader: cfg.Limits.MaxHeader,
	}, res, ingressReaper, sp)
	if err != nil {
		return nil, err
	}

	return &Core{
		logger:        logger,
		cfg:           cfg,
		stripes:       stripes,
		ingressReaper: ingressReaper,
		spliceReaper:  spliceReaper,
		dnsPool:       dnsPool,
		resolver:      res,
		splice:        sp,
		ingress:       ing,
	}, nil
}

// Start runs every component until ctx is cancelled.
func (c *Core) Start(ctx context.Context) error {
	c.startedAt = time.Now()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer utils.Recover(c.logger)
		return c.ingressReaper.Start(ctx)
	})
	g.Go(func() error {
		defer utils.Recover(c.logger)
		return c.spliceReaper.Start(ctx)
	})
	g.Go(func() error {
		defer utils.Recover(c.logger)
		return c.dnsPool.Start(ctx)
	})
	g.Go(func() error {
		defer utils.Recover(c.logger)
		return c.splice.Start(ctx)
	})
	g.Go(func() error {
		defer utils.Recover(c.logger)
		return c.ingress.Start(ctx)
	})

	c.logger.Info("proxy core started",
		zap.Uint32("port", c.cfg.Port),
		zap.Int("ingressWorkers", c.cfg.Pools.Ingress),
		zap.Int("spliceWorkers", c.cfg.Pools.Splice),
	)

	err := g.Wait()
	c.logger.Info("proxy core stopped")
	return err
}

// Stats aggregates every stage snapshot.
func (c *Core) Stats() models.Stats {
	return models.Stats{
		Uptime:        time.Since(c.startedAt).Truncate(time.Second).String(),
		StartedAt:     c.startedAt,
		Ingress:       c.ingress.Stats(),
		Splice:        c.splice.Stats(),
		IngressReaper: c.ingressReaper.Stats(),
		SpliceReaper:  c.spliceReaper.Stats(),
	}
}
