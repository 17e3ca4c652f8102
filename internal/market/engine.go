package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AgentMarketSh/agentmarket-cli/internal/chain"
	"github.com/AgentMarketSh/agentmarket-cli/internal/commitment"
	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/mailbox"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

// Ledger is the chain-client surface the engine drives.
type Ledger interface {
	Submit(ctx context.Context, call chain.Call) (*chain.Receipt, error)
	QueryEvents(ctx context.Context, filter chain.EventFilter) ([]chain.Event, error)
	GetRequest(ctx context.Context, requestID *big.Int) (*chain.RequestState, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Content is the content-network surface the engine stores payloads on.
type Content interface {
	Add(ctx context.Context, content []byte) (string, error)
	Cat(ctx context.Context, cid string) ([]byte, error)
	Pin(ctx context.Context, cid string) error
}

// Mail seals payloads for named recipients and announces them.
type Mail interface {
	NewMessage(messageType string, payload []byte) mailbox.Message
	Publish(ctx context.Context, recipientPublicKeyHex string, message mailbox.Message) (string, error)
}

// Config carries the engine's chain-side parameters.
type Config struct {
	Self            common.Address
	Market          common.Address
	ValidatorFeeBps uint32
}

// SettlementReceipt reports one completed claim.
type SettlementReceipt struct {
	RequestID       uint64
	TxHash          string
	SellerAmount    *big.Int
	ValidatorAmount *big.Int
}

// eventCursorName keys the engine's sync position in the store.
const eventCursorName = "ledger_events"

// Engine drives the request lifecycle: it issues the on-chain calls through
// the ledger client and keeps the local cache consistent by replaying the
// ledger's events. The ledger always wins a disagreement.
type Engine struct {
	ledger  Ledger
	content Content
	mail    Mail
	store   Store
	cfg     Config
	log     *slog.Logger
}

// NewEngine wires the engine's collaborators together.
func NewEngine(ledger Ledger, content Content, mail Mail, store Store, cfg Config) (*Engine, error) {
	if ledger == nil || content == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger, content and store are required")
	}
	if cfg.ValidatorFeeBps > 10_000 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "validator fee above 10000 bps")
	}
	return &Engine{
		ledger:  ledger,
		content: content,
		mail:    mail,
		store:   store,
		cfg:     cfg,
		log:     logger.Named("market"),
	}, nil
}

// Store exposes the underlying local store for read paths.
func (e *Engine) Store() Store {
	return e.store
}

// SplitFee divides a price between seller and validator at the configured
// basis points. The two shares always sum to the exact price; rounding dust
// stays with the seller.
func SplitFee(price *big.Int, feeBps uint32) (seller, validator *big.Int) {
	validator = new(big.Int).Mul(price, big.NewInt(int64(feeBps)))
	validator.Div(validator, big.NewInt(10_000))
	seller = new(big.Int).Sub(price, validator)
	return seller, validator
}

// CreateSpec describes a new outbound request.
type CreateSpec struct {
	Payload         []byte
	SellerPublicKey string // optional; empty means an open request
	SellerAgentID   uint64
	TaskType        string
	Price           *big.Int
	Deadline        time.Time
}

// Create locks the price via an allowance, then creates the request on the
// ledger. The pair behaves atomically from the caller's view: if request
// creation fails after the allowance succeeded, the allowance is reset and a
// combined failure is reported.
func (e *Engine) Create(ctx context.Context, spec CreateSpec) (*Record, error) {
	if spec.Price == nil || spec.Price.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "price must be positive")
	}
	if !spec.Deadline.After(time.Now()) {
		return nil, xerrors.Wrap(xerrors.CodeExpired, ErrExpired, "deadline already passed")
	}
	if len(spec.Payload) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "payload must not be empty")
	}

	payloadCID, err := e.storePayload(ctx, spec.Payload, spec.SellerPublicKey, mailbox.TypeRequest)
	if err != nil {
		return nil, err
	}

	if _, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallApprove,
		Args: []any{e.cfg.Market, spec.Price},
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOf(err), err, "price authorization failed, request not created")
	}

	receipt, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallCreateRequest,
		Args: []any{payloadCID, spec.Price, uint64(spec.Deadline.Unix()), new(big.Int).SetUint64(spec.SellerAgentID)},
	})
	if err != nil {
		// Roll the allowance back so no half-authorized request remains.
		if _, resetErr := e.ledger.Submit(ctx, chain.Call{
			Kind: chain.CallApprove,
			Args: []any{e.cfg.Market, big.NewInt(0)},
		}); resetErr != nil {
			e.log.Warn("allowance reset failed after create failure",
				slog.Any("error", resetErr))
		}
		return nil, xerrors.Wrap(xerrors.CodeOf(err), err, "request creation failed, price authorization rolled back")
	}

	requestID, err := e.requestIDFromReceipt(ctx, receipt)
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID:            requestID,
		Buyer:         e.cfg.Self.Hex(),
		SellerAgentID: spec.SellerAgentID,
		TaskType:      spec.TaskType,
		PayloadCID:    payloadCID,
		Price:         spec.Price.String(),
		Deadline:      spec.Deadline.Unix(),
		Status:        StatusOpen,
	}
	if err := e.store.UpsertRequest(ctx, record); err != nil {
		return nil, err
	}
	e.log.Info("request created",
		slog.Uint64("request_id", requestID),
		slog.String("price", spec.Price.String()),
		slog.String("payload_cid", payloadCID))
	return record, nil
}

func (e *Engine) storePayload(ctx context.Context, payload []byte, recipientKey, messageType string) (string, error) {
	if recipientKey != "" && e.mail != nil {
		return e.mail.Publish(ctx, recipientKey, e.mail.NewMessage(messageType, payload))
	}
	cid, err := e.content.Add(ctx, payload)
	if err != nil {
		return "", err
	}
	if err := e.content.Pin(ctx, cid); err != nil {
		e.log.Warn("pin failed", slog.String("cid", cid), slog.Any("error", err))
	}
	return cid, nil
}

// requestIDFromReceipt recovers the ledger-assigned id by reading the
// creation event out of the confirmed transaction's block.
func (e *Engine) requestIDFromReceipt(ctx context.Context, receipt *chain.Receipt) (uint64, error) {
	events, err := e.ledger.QueryEvents(ctx, chain.EventFilter{
		FromBlock: receipt.BlockNumber,
		ToBlock:   receipt.BlockNumber,
		Kinds:     []chain.EventKind{chain.EventRequestCreated},
	})
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		if event.TxHash == receipt.TxHash && event.RequestID != nil {
			return event.RequestID.Uint64(), nil
		}
	}
	return 0, xerrors.New(xerrors.CodeSubmissionFailed, "creation event not found for confirmed transaction")
}

// loadRecord reads the local cache, falling back to the authoritative
// on-chain state for requests this process has never seen.
func (e *Engine) loadRecord(ctx context.Context, id uint64) (*Record, error) {
	record, err := e.store.GetRequest(ctx, id)
	if err == nil {
		return record, nil
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return nil, err
	}
	state, stateErr := e.ledger.GetRequest(ctx, new(big.Int).SetUint64(id))
	if stateErr != nil {
		return nil, ErrRequestNotFound
	}
	status, ok := StatusFromCode(state.StatusCode)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("unknown on-chain status code %d", state.StatusCode))
	}
	record = &Record{
		ID:         id,
		Buyer:      state.Buyer.Hex(),
		PayloadCID: state.PayloadCID,
		Price:      state.Price.String(),
		Deadline:   int64(state.Deadline),
		Status:     status,
	}
	if state.SellerAgentID != nil {
		record.SellerAgentID = state.SellerAgentID.Uint64()
	}
	if err := e.store.UpsertRequest(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func deadlinePassed(record *Record) bool {
	return record.Deadline > 0 && time.Now().Unix() >= record.Deadline
}

// Respond submits this identity's answer to an open request. The commitment
// secret is persisted before anything is broadcast, so a crash after the
// broadcast can never lose the only copy.
func (e *Engine) Respond(ctx context.Context, id uint64, deliverable []byte, recipientKeys []string) (*Record, error) {
	record, err := e.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusClaimed {
		return nil, ErrAlreadyClaimed
	}
	if record.Status != StatusOpen {
		return nil, xerrors.Wrap(xerrors.CodeInvalidTransition, ErrInvalidTransition,
			fmt.Sprintf("cannot respond to a %s request", record.Status))
	}
	if deadlinePassed(record) {
		return nil, ErrExpired
	}
	if len(deliverable) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "deliverable must not be empty")
	}

	var deliverableCID string
	if len(recipientKeys) > 0 && e.mail != nil {
		for i, key := range recipientKeys {
			cid, err := e.mail.Publish(ctx, key, e.mail.NewMessage(mailbox.TypeResponse, deliverable))
			if err != nil {
				return nil, err
			}
			if i == 0 {
				deliverableCID = cid
			}
		}
	} else {
		deliverableCID, err = e.storePayload(ctx, deliverable, "", mailbox.TypeResponse)
		if err != nil {
			return nil, err
		}
	}

	secret, digest, err := commitment.Generate()
	if err != nil {
		return nil, err
	}
	if err := e.store.PutSecret(ctx, id, secret.Hex()); err != nil {
		return nil, err
	}

	if _, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallSubmitResponse,
		Args: []any{new(big.Int).SetUint64(id), deliverableCID, [32]byte(digest)},
	}); err != nil {
		return nil, err
	}

	record.Status = StatusResponded
	record.Seller = e.cfg.Self.Hex()
	record.DeliverableCID = deliverableCID
	record.SecretDigest = digest.Hex()
	if err := e.store.UpsertRequest(ctx, record); err != nil {
		return nil, err
	}
	e.log.Info("response submitted",
		slog.Uint64("request_id", id),
		slog.String("deliverable_cid", deliverableCID))
	return record, nil
}

// Attest records a validation verdict on the ledger as two sequenced calls.
// The second call is only issued once the first has confirmed.
func (e *Engine) Attest(ctx context.Context, id uint64, passed bool, score uint8) error {
	record, err := e.loadRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.Status != StatusResponded {
		return xerrors.Wrap(xerrors.CodeInvalidTransition, ErrInvalidTransition,
			fmt.Sprintf("cannot validate a %s request", record.Status))
	}
	if deadlinePassed(record) {
		return ErrExpired
	}

	bigID := new(big.Int).SetUint64(id)
	if _, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallRequestValidation,
		Args: []any{bigID},
	}); err != nil {
		return err
	}
	if _, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallSubmitValidation,
		Args: []any{bigID, passed, score},
	}); err != nil {
		return err
	}

	record.Validator = e.cfg.Self.Hex()
	record.Passed = &passed
	record.Score = score
	if passed {
		record.Status = StatusValidated
	}
	if err := e.store.UpsertRequest(ctx, record); err != nil {
		return err
	}
	e.log.Info("attestation submitted",
		slog.Uint64("request_id", id),
		slog.Bool("passed", passed),
		slog.Int("score", int(score)))
	return nil
}

// Claim reveals the commitment secret and collects payment. The secret is
// deleted only after the claim has confirmed; the earnings record is
// appended in the same step.
func (e *Engine) Claim(ctx context.Context, id uint64) (*SettlementReceipt, error) {
	record, err := e.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusClaimed {
		return nil, ErrAlreadyClaimed
	}
	if record.Status != StatusValidated {
		return nil, xerrors.Wrap(xerrors.CodeInvalidTransition, ErrInvalidTransition,
			fmt.Sprintf("cannot claim a %s request", record.Status))
	}
	if deadlinePassed(record) {
		return nil, ErrExpired
	}

	secretHex, err := e.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	secret, err := commitment.SecretFromHex(secretHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "stored secret is corrupt")
	}
	if record.SecretDigest != "" {
		digest, err := commitment.DigestFromHex(record.SecretDigest)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "stored digest is corrupt")
		}
		if !commitment.Verify(secret, digest) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "stored secret does not match commitment")
		}
	}

	receipt, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallClaim,
		Args: []any{new(big.Int).SetUint64(id), [32]byte(secret)},
	})
	if err != nil {
		return nil, err
	}

	price, ok := new(big.Int).SetString(record.Price, 10)
	if !ok {
		price = big.NewInt(0)
	}
	sellerAmount, validatorAmount := SplitFee(price, e.cfg.ValidatorFeeBps)

	if err := e.store.DeleteSecret(ctx, id); err != nil {
		return nil, err
	}
	if err := e.appendEarning(ctx, Earning{
		RequestID: id,
		Role:      RoleSeller,
		Amount:    sellerAmount.String(),
		TxHash:    receipt.TxHash.Hex(),
	}); err != nil {
		return nil, err
	}
	record.Status = StatusClaimed
	if err := e.store.UpsertRequest(ctx, record); err != nil {
		return nil, err
	}

	e.log.Info("request claimed",
		slog.Uint64("request_id", id),
		slog.String("seller_amount", sellerAmount.String()),
		slog.String("validator_amount", validatorAmount.String()))
	return &SettlementReceipt{
		RequestID:       id,
		TxHash:          receipt.TxHash.Hex(),
		SellerAmount:    sellerAmount,
		ValidatorAmount: validatorAmount,
	}, nil
}

// Cancel withdraws an open request. Only the buyer may cancel.
func (e *Engine) Cancel(ctx context.Context, id uint64) error {
	record, err := e.loadRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.Status != StatusOpen {
		return xerrors.Wrap(xerrors.CodeInvalidTransition, ErrInvalidTransition,
			fmt.Sprintf("cannot cancel a %s request", record.Status))
	}
	if record.Buyer != e.cfg.Self.Hex() {
		return xerrors.New(xerrors.CodeInvalidArgument, "only the buyer may cancel")
	}
	if _, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallCancel,
		Args: []any{new(big.Int).SetUint64(id)},
	}); err != nil {
		return err
	}
	record.Status = StatusCancelled
	return e.store.UpsertRequest(ctx, record)
}

// Expire moves a request past its deadline. Anyone may trigger this.
func (e *Engine) Expire(ctx context.Context, id uint64) error {
	record, err := e.loadRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return xerrors.Wrap(xerrors.CodeInvalidTransition, ErrInvalidTransition,
			fmt.Sprintf("cannot expire a %s request", record.Status))
	}
	if !deadlinePassed(record) {
		return xerrors.Wrap(xerrors.CodeInvalidTransition, ErrInvalidTransition, "deadline not reached")
	}
	if _, err := e.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallExpire,
		Args: []any{new(big.Int).SetUint64(id)},
	}); err != nil {
		return err
	}
	record.Status = StatusExpired
	return e.store.UpsertRequest(ctx, record)
}

// Withdraw pulls this agent's accrued fee balance out of the market
// contract into its wallet.
func (e *Engine) Withdraw(ctx context.Context) (string, error) {
	receipt, err := e.ledger.Submit(ctx, chain.Call{Kind: chain.CallWithdraw})
	if err != nil {
		return "", err
	}
	logger.Audit().Info("balance withdrawn",
		slog.String("address", e.cfg.Self.Hex()),
		slog.String("tx", receipt.TxHash.Hex()))
	return receipt.TxHash.Hex(), nil
}

// ApplyEvent folds one ledger event into the local cache. It is idempotent:
// replaying an event the cache already reflects is a no-op, and a status
// only moves forward along the lifecycle. Events for unknown requests
// create their record on the spot.
func (e *Engine) ApplyEvent(ctx context.Context, event chain.Event) error {
	if event.RequestID == nil && event.Kind != chain.EventAgentRegistered {
		return nil
	}

	if event.Kind == chain.EventAgentRegistered {
		return e.applyRegistration(ctx, event)
	}

	id := event.RequestID.Uint64()
	record, err := e.store.GetRequest(ctx, id)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return err
		}
		record = &Record{ID: id, Status: StatusOpen}
	}

	switch event.Kind {
	case chain.EventRequestCreated:
		record.Buyer = event.Buyer.Hex()
		record.PayloadCID = event.PayloadCID
		if event.Price != nil {
			record.Price = event.Price.String()
		}
		record.Deadline = int64(event.Deadline)
		if event.SellerAgentID != nil {
			record.SellerAgentID = event.SellerAgentID.Uint64()
		}
		e.advance(record, StatusOpen)

	case chain.EventResponseSubmitted:
		record.Seller = event.Seller.Hex()
		record.DeliverableCID = event.PayloadCID
		record.SecretDigest = "0x" + common.Bytes2Hex(event.SecretDigest[:])
		e.advance(record, StatusResponded)

	case chain.EventValidationRecorded:
		record.Validator = event.Validator.Hex()
		passed := event.Passed
		record.Passed = &passed
		record.Score = event.Score

	case chain.EventRequestValidated:
		e.advance(record, StatusValidated)

	case chain.EventRequestClaimed:
		e.advance(record, StatusClaimed)
		if err := e.store.DeleteSecret(ctx, id); err != nil {
			return err
		}
		if err := e.recordSettlement(ctx, record, event); err != nil {
			return err
		}

	case chain.EventRequestCancelled:
		e.advance(record, StatusCancelled)

	case chain.EventRequestExpired:
		e.advance(record, StatusExpired)
	}

	return e.store.UpsertRequest(ctx, record)
}

// advance moves the cached status forward only. The ledger is authoritative,
// so a later status always wins, but a stale or duplicate event never drags
// the cache backwards.
func (e *Engine) advance(record *Record, next Status) {
	if next.rank() > record.Status.rank() {
		record.Status = next
	}
}

func (e *Engine) recordSettlement(ctx context.Context, record *Record, event chain.Event) error {
	self := e.cfg.Self.Hex()
	if record.Seller == self && event.SellerAmount != nil {
		if err := e.appendEarning(ctx, Earning{
			RequestID: record.ID,
			Role:      RoleSeller,
			Amount:    event.SellerAmount.String(),
			TxHash:    event.TxHash.Hex(),
		}); err != nil {
			return err
		}
	}
	if record.Validator == self && event.ValidatorAmount != nil {
		if err := e.appendEarning(ctx, Earning{
			RequestID: record.ID,
			Role:      RoleValidator,
			Amount:    event.ValidatorAmount.String(),
			TxHash:    event.TxHash.Hex(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// appendEarning writes the store record and the audit trail together.
func (e *Engine) appendEarning(ctx context.Context, earning Earning) error {
	if err := e.store.AppendEarning(ctx, earning); err != nil {
		return err
	}
	logger.Audit().Info("earning recorded",
		slog.Uint64("request_id", earning.RequestID),
		slog.String("role", string(earning.Role)),
		slog.String("amount", earning.Amount),
		slog.String("tx", earning.TxHash))
	return nil
}

func (e *Engine) applyRegistration(ctx context.Context, event chain.Event) error {
	if event.Owner != e.cfg.Self || event.AgentID == nil {
		return nil
	}
	existing, err := e.store.GetRegistration(ctx)
	if err == nil && existing.AgentID == event.AgentID.Uint64() {
		return nil
	}
	return e.store.PutRegistration(ctx, &Registration{
		AgentID:      event.AgentID.Uint64(),
		Address:      event.Owner.Hex(),
		ProfileCID:   event.AgentURI,
		RegisteredAt: time.Now().Unix(),
	})
}

// Sync replays all ledger events since the persisted cursor into the local
// cache and advances the cursor. A failing event stops the batch before the
// cursor moves past it, so nothing is ever skipped.
func (e *Engine) Sync(ctx context.Context) (int, error) {
	cursorValue, err := e.store.GetCursor(ctx, eventCursorName)
	if err != nil {
		return 0, err
	}
	fromBlock := uint64(0)
	if cursorValue != "" {
		parsed, err := strconv.ParseUint(cursorValue, 10, 64)
		if err == nil {
			fromBlock = parsed
		}
	}

	head, err := e.ledger.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < fromBlock {
		return 0, nil
	}

	events, err := e.ledger.QueryEvents(ctx, chain.EventFilter{
		FromBlock: fromBlock,
		ToBlock:   head,
	})
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		if err := e.ApplyEvent(ctx, event); err != nil {
			return 0, err
		}
	}
	if err := e.store.PutCursor(ctx, eventCursorName, strconv.FormatUint(head+1, 10)); err != nil {
		return 0, err
	}
	return len(events), nil
}

// Search refreshes the cache from the ledger and lists open requests, the
// discovery path for sellers looking for work.
func (e *Engine) Search(ctx context.Context, opts ListOptions) ([]*Record, error) {
	if _, err := e.Sync(ctx); err != nil {
		return nil, err
	}
	if len(opts.Statuses) == 0 {
		opts.Statuses = []Status{StatusOpen}
	}
	return e.store.ListRequests(ctx, opts)
}
