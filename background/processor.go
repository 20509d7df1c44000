// Package background implements the Background Processor (spec.md
// §4.8): a single cron-driven loop that periodically sweeps every
// deferred-work queue the Dispatcher itself never revisits — due
// scheduled actions, group flushes, ready chain advancement, expired
// pending approvals, and audit TTL cleanup.
package background

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/penserai/acteon/approval"
	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/chainengine"
	"github.com/penserai/acteon/group"
	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/scheduler"
)

// Config controls sweep cadence and batch sizes.
type Config struct {
	// Spec is a standard five-field cron expression (seconds are not
	// supported, matching robfig/cron's default parser); "@every 10s"
	// style descriptors are also accepted.
	Spec       string
	SweepLimit int
}

// DefaultConfig sweeps every ten seconds, up to 100 entries per queue
// per tick.
func DefaultConfig() Config {
	return Config{Spec: "@every 10s", SweepLimit: 100}
}

// Processor owns the cron schedule driving every periodic sweep.
type Processor struct {
	cfg Config

	scheduler *scheduler.Scheduler
	groups    *group.Manager
	chains    *chainengine.Engine
	approvals *approval.Store
	auditLog  audit.Store

	logger *logging.Logger
	cron   *cron.Cron
}

// New builds a Processor. Any of the component dependencies may be nil
// if that subsystem is not wired (e.g. a deployment with no chains
// configured); a nil dependency's sweep step is skipped.
func New(
	cfg Config,
	sched *scheduler.Scheduler,
	groups *group.Manager,
	chains *chainengine.Engine,
	approvals *approval.Store,
	auditLog audit.Store,
	logger *logging.Logger,
) *Processor {
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 100
	}
	return &Processor{
		cfg:       cfg,
		scheduler: sched,
		groups:    groups,
		chains:    chains,
		approvals: approvals,
		auditLog:  auditLog,
		logger:    logger,
	}
}

// Start schedules the sweep on the configured cadence and returns
// immediately; the cron scheduler runs its own goroutine. Calling
// Start twice is a no-op after the first successful registration.
func (p *Processor) Start(ctx context.Context) error {
	if p.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(p.cfg.Spec, func() { p.tick(ctx) }); err != nil {
		return err
	}
	p.cron = c
	c.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight tick to
// finish.
func (p *Processor) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.cron = nil
}

// Tick runs one sweep pass synchronously; exported so tests and an
// admin "sweep now" endpoint can invoke it outside the cron cadence.
func (p *Processor) Tick(ctx context.Context) {
	p.tick(ctx)
}

func (p *Processor) tick(ctx context.Context) {
	now := time.Now()
	limit := p.cfg.SweepLimit

	if p.scheduler != nil {
		if err := p.scheduler.Sweep(ctx, now, limit); err != nil {
			p.warn(ctx, "scheduler sweep failed", err)
		}
	}
	if p.groups != nil {
		if err := p.groups.Sweep(ctx, now, limit); err != nil {
			p.warn(ctx, "group flush sweep failed", err)
		}
		if err := p.groups.Cleanup(ctx, now, limit); err != nil {
			p.warn(ctx, "group cleanup sweep failed", err)
		}
	}
	if p.chains != nil {
		p.advanceReadyChains(ctx, now, limit)
	}
	if p.approvals != nil {
		if err := p.approvals.SweepExpired(ctx, now, limit); err != nil {
			p.warn(ctx, "approval expiry sweep failed", err)
		}
		if err := p.approvals.RetryFailedNotifications(ctx, now, limit); err != nil {
			p.warn(ctx, "approval notification retry failed", err)
		}
	}
	if p.auditLog != nil {
		if _, err := p.auditLog.CleanupExpired(ctx, now); err != nil {
			p.warn(ctx, "audit TTL cleanup failed", err)
		}
	}
}

// advanceReadyChains pulls chain IDs indexed ready (their current
// step's wait condition or sub-chain completion already resolved) and
// advances each one. A chain that isn't actually ready yet (Advance
// returns without clearing the index) is left for the next tick.
func (p *Processor) advanceReadyChains(ctx context.Context, now time.Time, limit int) {
	ready, err := p.chains.ReadyChains(ctx, now, limit)
	if err != nil {
		p.warn(ctx, "ready-chain lookup failed", err)
		return
	}
	for _, chainID := range ready {
		if err := p.chains.Advance(ctx, chainID); err != nil {
			p.warn(ctx, "chain advance failed", err)
		}
	}
}

func (p *Processor) warn(ctx context.Context, message string, err error) {
	if p.logger != nil {
		p.logger.Error(ctx, message, err, nil)
	}
}
