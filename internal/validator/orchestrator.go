package validator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/mailbox"
	"github.com/AgentMarketSh/agentmarket-cli/internal/market"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

// Market is the engine surface the orchestrator drives.
type Market interface {
	Sync(ctx context.Context) (int, error)
	Attest(ctx context.Context, id uint64, passed bool, score uint8) error
	Store() market.Store
}

// Opener decrypts sealed mailbox envelopes addressed to this validator.
type Opener interface {
	Open(sealed []byte) (mailbox.Message, error)
}

// Content fetches deliverables from the content network.
type Content interface {
	Cat(ctx context.Context, cid string) ([]byte, error)
}

// Config bounds the orchestrator's work.
type Config struct {
	// TaskTypes the validator is willing to judge. Empty means all.
	TaskTypes []string
	Workers   int
	// PollInterval between discovery sweeps.
	PollInterval time.Duration
	// PassingScore is the minimum score an approved verdict needs to count
	// as passed on chain.
	PassingScore uint8
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.PassingScore == 0 {
		c.PassingScore = 60
	}
}

// Orchestrator discovers requests awaiting validation, fans them through the
// queue, and turns handler verdicts into on-chain attestations. A handler
// failure never produces an attestation; the request stays pending and is
// picked up on a later sweep.
type Orchestrator struct {
	market  Market
	content Content
	opener  Opener
	handler Handler
	queue   Queue
	cfg     Config
	log     *slog.Logger

	mu       sync.Mutex
	inflight map[uint64]struct{}
	accepts  map[string]struct{}
}

// NewOrchestrator wires the orchestrator's collaborators together.
func NewOrchestrator(m Market, content Content, opener Opener, handler Handler, queue Queue, cfg Config) (*Orchestrator, error) {
	if m == nil || content == nil || handler == nil || queue == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "market, content, handler and queue are required")
	}
	cfg.applyDefaults()
	accepts := make(map[string]struct{}, len(cfg.TaskTypes))
	for _, taskType := range cfg.TaskTypes {
		accepts[taskType] = struct{}{}
	}
	return &Orchestrator{
		market:   m,
		content:  content,
		opener:   opener,
		handler:  handler,
		queue:    queue,
		cfg:      cfg,
		log:      logger.Named("validator"),
		inflight: make(map[uint64]struct{}),
		accepts:  accepts,
	}, nil
}

// Poll runs one discovery sweep: sync the ledger, then enqueue every
// responded request this validator can judge and is not already working on.
// It returns the number of jobs enqueued.
func (o *Orchestrator) Poll(ctx context.Context) (int, error) {
	if _, err := o.market.Sync(ctx); err != nil {
		return 0, fmt.Errorf("sync before discovery: %w", err)
	}
	records, err := o.market.Store().ListRequests(ctx, market.ListOptions{
		Statuses: []market.Status{market.StatusResponded},
		Limit:    500,
	})
	if err != nil {
		return 0, fmt.Errorf("list responded requests: %w", err)
	}

	enqueued := 0
	for _, record := range records {
		if record.Passed != nil || record.Validator != "" {
			continue
		}
		if !o.acceptsTaskType(record.TaskType) {
			continue
		}
		if !o.markInflight(record.ID) {
			continue
		}
		if err := o.queue.Publish(ctx, strconv.FormatUint(record.ID, 10)); err != nil {
			o.clearInflight(record.ID)
			return enqueued, fmt.Errorf("enqueue request %d: %w", record.ID, err)
		}
		enqueued++
	}
	return enqueued, nil
}

// Process judges one queued request. It is the JobFunc handed to the queue
// consumer.
func (o *Orchestrator) Process(ctx context.Context, requestID string) error {
	id, err := strconv.ParseUint(requestID, 10, 64)
	if err != nil {
		o.log.Warn("discarding malformed job", "request_id", requestID)
		return nil
	}
	defer o.clearInflight(id)

	record, err := o.market.Store().GetRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("load request %d: %w", id, err)
	}
	if record.Status != market.StatusResponded || record.Passed != nil {
		o.log.Debug("request no longer needs judgment", "request_id", id, "status", record.Status)
		return nil
	}

	deliverable, err := o.fetchDeliverable(ctx, record.DeliverableCID)
	if err != nil {
		o.log.Warn("deliverable unavailable", "request_id", id, "cid", record.DeliverableCID, "error", err)
		return err
	}

	verdict, err := o.handler.Judge(ctx, Job{
		RequestID:   id,
		TaskType:    record.TaskType,
		Seller:      record.Seller,
		Deadline:    record.Deadline,
		Price:       record.Price,
		Deliverable: deliverable,
	})
	if err != nil {
		o.log.Warn("handler did not produce a verdict, skipping attestation",
			"request_id", id, "code", xerrors.CodeOf(err), "error", err)
		return err
	}

	passed := verdict.Passed && verdict.Score >= o.cfg.PassingScore
	if err := o.market.Attest(ctx, id, passed, verdict.Score); err != nil {
		return fmt.Errorf("attest request %d: %w", id, err)
	}
	o.log.Info("attestation submitted",
		"request_id", id, "passed", passed, "score", verdict.Score, "reason", verdict.Reason)
	return nil
}

// Run consumes the queue and sweeps for new work until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- o.queue.Consume(ctx, o.cfg.Workers, o.Process)
	}()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	if _, err := o.Poll(ctx); err != nil {
		o.log.Warn("discovery sweep failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return <-consumeErr
		case err := <-consumeErr:
			return err
		case <-ticker.C:
			if _, err := o.Poll(ctx); err != nil {
				o.log.Warn("discovery sweep failed", "error", err)
			}
		}
	}
}

// fetchDeliverable pulls the deliverable and unwraps the mailbox envelope
// when one is present. Sellers on open requests store the bytes unsealed.
func (o *Orchestrator) fetchDeliverable(ctx context.Context, cid string) ([]byte, error) {
	raw, err := o.content.Cat(ctx, cid)
	if err != nil {
		return nil, err
	}
	if o.opener == nil {
		return raw, nil
	}
	message, err := o.opener.Open(raw)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeDecryptionFailed {
			return raw, nil
		}
		return nil, err
	}
	return message.Payload, nil
}

func (o *Orchestrator) acceptsTaskType(taskType string) bool {
	if len(o.accepts) == 0 {
		return true
	}
	_, ok := o.accepts[taskType]
	return ok
}

func (o *Orchestrator) markInflight(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) clearInflight(id uint64) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}
