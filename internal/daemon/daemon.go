// Package daemon runs the settlement loop: it keeps the local cache in step
// with the ledger, claims this agent's validated sales, and expires stale
// requests it is a party to. The validation orchestrator runs alongside when
// the agent judges work for others.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/market"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

// Engine is the market surface the settlement loop drives.
type Engine interface {
	Sync(ctx context.Context) (int, error)
	Claim(ctx context.Context, id uint64) (*market.SettlementReceipt, error)
	Expire(ctx context.Context, id uint64) error
	Store() market.Store
}

// Runner is a long-lived companion task, the validation orchestrator in
// practice.
type Runner interface {
	Run(ctx context.Context) error
}

// Config bounds one settlement loop.
type Config struct {
	Self         common.Address
	PollInterval time.Duration
	AutoClaim    bool
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Daemon is the settlement loop.
type Daemon struct {
	engine Engine
	runner Runner // optional
	cfg    Config
	log    *slog.Logger
}

// New wires the settlement loop. runner may be nil when this agent does not
// validate.
func New(engine Engine, runner Runner, cfg Config) (*Daemon, error) {
	if engine == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "engine is required")
	}
	cfg.applyDefaults()
	return &Daemon{engine: engine, runner: runner, cfg: cfg, log: logger.Named("daemon")}, nil
}

// Run drives settlement sweeps until the context ends. The sweep in flight
// when shutdown begins is allowed to finish so no claim is left half-done.
func (d *Daemon) Run(ctx context.Context) error {
	runnerErr := make(chan error, 1)
	if d.runner != nil {
		go func() { runnerErr <- d.runner.Run(ctx) }()
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			if d.runner != nil {
				<-runnerErr
			}
			return ctx.Err()
		case err := <-runnerErr:
			return err
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Sweep runs one settlement pass: sync, then claim and expire whatever is
// actionable. Failures on one request never stop the rest of the pass.
func (d *Daemon) Sweep(ctx context.Context) {
	d.sweep(ctx)
}

func (d *Daemon) sweep(ctx context.Context) {
	applied, err := d.engine.Sync(ctx)
	if err != nil {
		d.log.Warn("ledger sync failed", "error", err)
		return
	}
	if applied > 0 {
		d.log.Debug("ledger events applied", "count", applied)
	}
	if d.cfg.AutoClaim {
		d.claimValidatedSales(ctx)
	}
	d.expireStaleRequests(ctx)
}

// claimValidatedSales settles every validated request this agent sold.
func (d *Daemon) claimValidatedSales(ctx context.Context) {
	records, err := d.engine.Store().ListRequests(ctx, market.ListOptions{
		Statuses: []market.Status{market.StatusValidated},
		Seller:   d.cfg.Self.Hex(),
		Limit:    100,
	})
	if err != nil {
		d.log.Warn("listing validated sales failed", "error", err)
		return
	}
	for _, record := range records {
		if record.Passed != nil && !*record.Passed {
			continue
		}
		receipt, err := d.engine.Claim(ctx, record.ID)
		if err != nil {
			d.log.Warn("claim failed", "request_id", record.ID, "code", xerrors.CodeOf(err), "error", err)
			continue
		}
		d.log.Info("sale settled",
			"request_id", receipt.RequestID,
			"amount", receipt.SellerAmount.String(),
			"tx", receipt.TxHash)
	}
}

// expireStaleRequests pushes requests this agent bought past their deadline.
func (d *Daemon) expireStaleRequests(ctx context.Context) {
	records, err := d.engine.Store().ListRequests(ctx, market.ListOptions{
		Statuses: []market.Status{market.StatusOpen, market.StatusResponded, market.StatusValidated},
		Buyer:    d.cfg.Self.Hex(),
		Limit:    100,
	})
	if err != nil {
		d.log.Warn("listing stale requests failed", "error", err)
		return
	}
	now := time.Now().Unix()
	for _, record := range records {
		if record.Deadline == 0 || record.Deadline >= now {
			continue
		}
		if err := d.engine.Expire(ctx, record.ID); err != nil {
			d.log.Warn("expire failed", "request_id", record.ID, "error", err)
			continue
		}
		d.log.Info("request expired", "request_id", record.ID)
	}
}
