package market

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AgentMarketSh/agentmarket-cli/internal/chain"
	"github.com/AgentMarketSh/agentmarket-cli/internal/commitment"
	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/mailbox"
)

var (
	selfAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	otherAddr  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

// fakeLedger scripts submissions and synthesizes creation events the way the
// contract would.
type fakeLedger struct {
	submits      []chain.Call
	fail         map[chain.CallKind]error
	events       []chain.Event
	states       map[uint64]*chain.RequestState
	head         uint64
	nextID       uint64
	beforeSubmit func(chain.Call)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		fail:   make(map[chain.CallKind]error),
		states: make(map[uint64]*chain.RequestState),
	}
}

func (f *fakeLedger) Submit(_ context.Context, call chain.Call) (*chain.Receipt, error) {
	if f.beforeSubmit != nil {
		f.beforeSubmit(call)
	}
	if err := f.fail[call.Kind]; err != nil {
		return nil, err
	}
	f.submits = append(f.submits, call)
	f.head++
	txHash := common.BigToHash(big.NewInt(int64(len(f.submits))))
	if call.Kind == chain.CallCreateRequest {
		f.nextID++
		f.events = append(f.events, chain.Event{
			Kind:        chain.EventRequestCreated,
			BlockNumber: f.head,
			TxHash:      txHash,
			RequestID:   new(big.Int).SetUint64(f.nextID),
			Buyer:       selfAddr,
			PayloadCID:  call.Args[0].(string),
			Price:       call.Args[1].(*big.Int),
			Deadline:    call.Args[2].(uint64),
		})
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: f.head, Attempts: 1}, nil
}

func (f *fakeLedger) QueryEvents(_ context.Context, filter chain.EventFilter) ([]chain.Event, error) {
	var matched []chain.Event
	for _, event := range f.events {
		if event.BlockNumber < filter.FromBlock {
			continue
		}
		if filter.ToBlock > 0 && event.BlockNumber > filter.ToBlock {
			continue
		}
		if len(filter.Kinds) > 0 {
			found := false
			for _, kind := range filter.Kinds {
				if event.Kind == kind {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		matched = append(matched, event)
	}
	return matched, nil
}

func (f *fakeLedger) GetRequest(_ context.Context, requestID *big.Int) (*chain.RequestState, error) {
	state, ok := f.states[requestID.Uint64()]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "no such request")
	}
	return state, nil
}

func (f *fakeLedger) BlockNumber(_ context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeLedger) count(kind chain.CallKind) int {
	total := 0
	for _, call := range f.submits {
		if call.Kind == kind {
			total++
		}
	}
	return total
}

type fakeContent struct {
	blobs map[string][]byte
	pins  map[string]bool
	seq   int
}

func newFakeContent() *fakeContent {
	return &fakeContent{blobs: make(map[string][]byte), pins: make(map[string]bool)}
}

func (c *fakeContent) Add(_ context.Context, content []byte) (string, error) {
	c.seq++
	cid := fmt.Sprintf("bafylocal%d", c.seq)
	c.blobs[cid] = content
	return cid, nil
}

func (c *fakeContent) Cat(_ context.Context, cid string) ([]byte, error) {
	data, ok := c.blobs[cid]
	if !ok {
		return nil, xerrors.New(xerrors.CodeContentUnavailable, "not found")
	}
	return data, nil
}

func (c *fakeContent) Pin(_ context.Context, cid string) error {
	c.pins[cid] = true
	return nil
}

type fakeMail struct {
	published []string // recipient keys in publish order
	seq       int
}

func (m *fakeMail) NewMessage(messageType string, payload []byte) mailbox.Message {
	return mailbox.Message{Type: messageType, Payload: payload}
}

func (m *fakeMail) Publish(_ context.Context, recipient string, _ mailbox.Message) (string, error) {
	m.seq++
	m.published = append(m.published, recipient)
	return fmt.Sprintf("bafymail%d", m.seq), nil
}

func newTestEngine(t *testing.T, ledger *fakeLedger) (*Engine, *MemoryStore, *fakeMail) {
	t.Helper()
	store := NewMemoryStore()
	mail := &fakeMail{}
	engine, err := NewEngine(ledger, newFakeContent(), mail, store, Config{
		Self:            selfAddr,
		Market:          marketAddr,
		ValidatorFeeBps: 500,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, store, mail
}

func futureDeadline() time.Time {
	return time.Now().Add(24 * time.Hour)
}

func TestSplitFeeScenario(t *testing.T) {
	seller, validator := SplitFee(big.NewInt(100), 500)
	if seller.Int64() != 95 || validator.Int64() != 5 {
		t.Fatalf("split(100, 500bps) = %s/%s, want 95/5", seller, validator)
	}
	if sum := new(big.Int).Add(seller, validator); sum.Int64() != 100 {
		t.Fatalf("shares sum to %s, want 100", sum)
	}

	// Rounding dust stays with the seller.
	seller, validator = SplitFee(big.NewInt(101), 500)
	if seller.Int64() != 96 || validator.Int64() != 5 {
		t.Fatalf("split(101, 500bps) = %s/%s, want 96/5", seller, validator)
	}
}

func TestCreateAuthorizesThenCreates(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)

	record, err := engine.Create(context.Background(), CreateSpec{
		Payload:  []byte("translate this document"),
		TaskType: "translate",
		Price:    big.NewInt(5_000_000),
		Deadline: futureDeadline(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if record.ID != 1 || record.Status != StatusOpen {
		t.Fatalf("record wrong: %+v", record)
	}
	if len(ledger.submits) != 2 {
		t.Fatalf("submitted %d calls, want approve then createRequest", len(ledger.submits))
	}
	if ledger.submits[0].Kind != chain.CallApprove || ledger.submits[1].Kind != chain.CallCreateRequest {
		t.Fatalf("call order wrong: %s, %s", ledger.submits[0].Kind, ledger.submits[1].Kind)
	}
	if spender := ledger.submits[0].Args[0].(common.Address); spender != marketAddr {
		t.Fatalf("approve spender = %s, want market", spender.Hex())
	}
	if amount := ledger.submits[0].Args[1].(*big.Int); amount.Int64() != 5_000_000 {
		t.Fatalf("approve amount = %s", amount)
	}
	if _, err := store.GetRequest(context.Background(), 1); err != nil {
		t.Fatalf("record not cached: %v", err)
	}
}

func TestCreateRollsBackAllowanceOnFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fail[chain.CallCreateRequest] = xerrors.New(xerrors.CodeSubmissionFailed, "reverted")
	engine, store, _ := newTestEngine(t, ledger)

	_, err := engine.Create(context.Background(), CreateSpec{
		Payload:  []byte("task"),
		Price:    big.NewInt(100),
		Deadline: futureDeadline(),
	})
	if err == nil {
		t.Fatal("expected combined failure")
	}
	if ledger.count(chain.CallApprove) != 2 {
		t.Fatalf("approve count = %d, want grant plus rollback", ledger.count(chain.CallApprove))
	}
	rollback := ledger.submits[len(ledger.submits)-1]
	if amount := rollback.Args[1].(*big.Int); amount.Sign() != 0 {
		t.Fatalf("rollback amount = %s, want 0", amount)
	}
	if _, err := store.GetRequest(context.Background(), 1); !stdErrors.Is(err, ErrRequestNotFound) {
		t.Fatal("half-created request left in cache")
	}
}

func TestCreateInsufficientFundsSubmitsNothing(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fail[chain.CallApprove] = xerrors.Wrap(xerrors.CodeInsufficientFunds,
		&chain.InsufficientFundsError{Address: selfAddr, Needed: big.NewInt(21_000)}, "")
	engine, _, _ := newTestEngine(t, ledger)

	_, err := engine.Create(context.Background(), CreateSpec{
		Payload:  []byte("task"),
		Price:    big.NewInt(100),
		Deadline: futureDeadline(),
	})
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("code = %s, want %s", xerrors.CodeOf(err), xerrors.CodeInsufficientFunds)
	}
	var funds *chain.InsufficientFundsError
	if !stdErrors.As(err, &funds) {
		t.Fatalf("error %v lost the funds detail", err)
	}
	if len(ledger.submits) != 0 {
		t.Fatalf("submission count = %d, want 0", len(ledger.submits))
	}
}

func TestCreateSealsPayloadForTargetSeller(t *testing.T) {
	ledger := newFakeLedger()
	engine, _, mail := newTestEngine(t, ledger)

	record, err := engine.Create(context.Background(), CreateSpec{
		Payload:         []byte("private task"),
		SellerPublicKey: "02abcd",
		SellerAgentID:   7,
		Price:           big.NewInt(100),
		Deadline:        futureDeadline(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(mail.published) != 1 || mail.published[0] != "02abcd" {
		t.Fatalf("payload not sealed for seller: %+v", mail.published)
	}
	if record.PayloadCID != "bafymail1" {
		t.Fatalf("payload cid = %s", record.PayloadCID)
	}
}

func seedRecord(t *testing.T, store Store, record *Record) {
	t.Helper()
	if err := store.UpsertRequest(context.Background(), record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestRespondPersistsSecretBeforeBroadcast(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()
	seedRecord(t, store, &Record{
		ID: 1, Buyer: otherAddr.Hex(), PayloadCID: "c", Price: "100",
		Deadline: futureDeadline().Unix(), Status: StatusOpen,
	})

	ledger.beforeSubmit = func(call chain.Call) {
		if call.Kind != chain.CallSubmitResponse {
			return
		}
		if _, err := store.GetSecret(ctx, 1); err != nil {
			t.Errorf("secret not persisted before broadcast: %v", err)
		}
	}

	record, err := engine.Respond(ctx, 1, []byte("the answer"), nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if record.Status != StatusResponded || record.Seller != selfAddr.Hex() {
		t.Fatalf("record wrong: %+v", record)
	}

	secretHex, err := store.GetSecret(ctx, 1)
	if err != nil {
		t.Fatalf("secret missing after respond: %v", err)
	}
	secret, err := commitment.SecretFromHex(secretHex)
	if err != nil {
		t.Fatalf("stored secret corrupt: %v", err)
	}
	digest, err := commitment.DigestFromHex(record.SecretDigest)
	if err != nil {
		t.Fatalf("stored digest corrupt: %v", err)
	}
	if !commitment.Verify(secret, digest) {
		t.Fatal("stored secret does not match broadcast digest")
	}
}

func TestRespondGuards(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()
	payload := []byte("answer")

	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusResponded})
	if _, err := engine.Respond(ctx, 1, payload, nil); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("respond to responded = %v, want invalid transition", err)
	}

	seedRecord(t, store, &Record{ID: 2, Buyer: "0xA", PayloadCID: "c", Price: "1",
		Deadline: time.Now().Add(-time.Hour).Unix(), Status: StatusOpen})
	if _, err := engine.Respond(ctx, 2, payload, nil); !stdErrors.Is(err, ErrExpired) {
		t.Fatalf("respond past deadline = %v, want expired", err)
	}

	seedRecord(t, store, &Record{ID: 3, Buyer: "0xA", PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusClaimed})
	if _, err := engine.Respond(ctx, 3, payload, nil); !stdErrors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("respond to claimed = %v, want already claimed", err)
	}

	if got := ledger.count(chain.CallSubmitResponse); got != 0 {
		t.Fatalf("guarded paths still submitted %d calls", got)
	}
}

func TestAttestIssuesSequencedCalls(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()
	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", Seller: "0xS", PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusResponded})

	if err := engine.Attest(ctx, 1, true, 88); err != nil {
		t.Fatalf("attest: %v", err)
	}
	if len(ledger.submits) != 2 ||
		ledger.submits[0].Kind != chain.CallRequestValidation ||
		ledger.submits[1].Kind != chain.CallSubmitValidation {
		t.Fatalf("call sequence wrong: %+v", ledger.submits)
	}
	record, err := store.GetRequest(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusValidated || record.Score != 88 || record.Passed == nil || !*record.Passed {
		t.Fatalf("record wrong after attest: %+v", record)
	}
}

func TestAttestSecondCallNotIssuedIfFirstFails(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fail[chain.CallRequestValidation] = xerrors.New(xerrors.CodeSubmissionFailed, "dropped")
	engine, store, _ := newTestEngine(t, ledger)
	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusResponded})

	if err := engine.Attest(context.Background(), 1, true, 50); err == nil {
		t.Fatal("expected failure")
	}
	if ledger.count(chain.CallSubmitValidation) != 0 {
		t.Fatal("second call issued although first failed")
	}
}

func TestClaimSettlesAndDeletesSecret(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()

	secret, digest, err := commitment.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", Seller: selfAddr.Hex(), PayloadCID: "c",
		Price: "100", Deadline: futureDeadline().Unix(), Status: StatusValidated,
		SecretDigest: digest.Hex()})
	if err := store.PutSecret(ctx, 1, secret.Hex()); err != nil {
		t.Fatalf("put secret: %v", err)
	}

	receipt, err := engine.Claim(ctx, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if receipt.SellerAmount.Int64() != 95 || receipt.ValidatorAmount.Int64() != 5 {
		t.Fatalf("settlement = %s/%s, want 95/5", receipt.SellerAmount, receipt.ValidatorAmount)
	}
	if _, err := store.GetSecret(ctx, 1); !stdErrors.Is(err, ErrSecretNotFound) {
		t.Fatal("secret survived the claim")
	}
	earnings, err := store.ListEarnings(ctx)
	if err != nil || len(earnings) != 1 {
		t.Fatalf("earnings = %+v, %v", earnings, err)
	}
	if earnings[0].Role != RoleSeller || earnings[0].Amount != "95" {
		t.Fatalf("earning wrong: %+v", earnings[0])
	}

	if _, err := engine.Claim(ctx, 1); !stdErrors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second claim = %v, want already claimed", err)
	}
}

func TestClaimGuards(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()

	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", PayloadCID: "c", Price: "100",
		Deadline: futureDeadline().Unix(), Status: StatusResponded})
	if _, err := engine.Claim(ctx, 1); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("claim unvalidated = %v, want invalid transition", err)
	}

	seedRecord(t, store, &Record{ID: 2, Buyer: "0xA", PayloadCID: "c", Price: "100",
		Deadline: time.Now().Add(-time.Hour).Unix(), Status: StatusValidated})
	if _, err := engine.Claim(ctx, 2); !stdErrors.Is(err, ErrExpired) {
		t.Fatalf("claim past deadline = %v, want expired", err)
	}

	seedRecord(t, store, &Record{ID: 3, Buyer: "0xA", PayloadCID: "c", Price: "100",
		Deadline: futureDeadline().Unix(), Status: StatusValidated})
	if _, err := engine.Claim(ctx, 3); !stdErrors.Is(err, ErrSecretNotFound) {
		t.Fatalf("claim without secret = %v, want secret not found", err)
	}

	if got := ledger.count(chain.CallClaim); got != 0 {
		t.Fatalf("guarded paths still submitted %d claims", got)
	}
}

func TestCancelOnlyByBuyerFromOpen(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()

	seedRecord(t, store, &Record{ID: 1, Buyer: otherAddr.Hex(), PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusOpen})
	if err := engine.Cancel(ctx, 1); err == nil {
		t.Fatal("non-buyer cancel accepted")
	}

	seedRecord(t, store, &Record{ID: 2, Buyer: selfAddr.Hex(), PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusResponded})
	if err := engine.Cancel(ctx, 2); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel responded = %v, want invalid transition", err)
	}

	seedRecord(t, store, &Record{ID: 3, Buyer: selfAddr.Hex(), PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusOpen})
	if err := engine.Cancel(ctx, 3); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	record, _ := store.GetRequest(ctx, 3)
	if record.Status != StatusCancelled {
		t.Fatalf("status = %s after cancel", record.Status)
	}
}

func TestExpireRequiresPassedDeadline(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()

	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", PayloadCID: "c", Price: "1",
		Deadline: futureDeadline().Unix(), Status: StatusOpen})
	if err := engine.Expire(ctx, 1); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("early expire = %v, want invalid transition", err)
	}

	seedRecord(t, store, &Record{ID: 2, Buyer: "0xA", PayloadCID: "c", Price: "1",
		Deadline: time.Now().Add(-time.Hour).Unix(), Status: StatusResponded})
	if err := engine.Expire(ctx, 2); err != nil {
		t.Fatalf("expire: %v", err)
	}
	record, _ := store.GetRequest(ctx, 2)
	if record.Status != StatusExpired {
		t.Fatalf("status = %s after expire", record.Status)
	}
}

func claimedEvent(id int64, seller common.Address) chain.Event {
	return chain.Event{
		Kind:            chain.EventRequestClaimed,
		BlockNumber:     10,
		TxHash:          common.BigToHash(big.NewInt(99)),
		RequestID:       big.NewInt(id),
		Seller:          seller,
		SellerAmount:    big.NewInt(95),
		ValidatorAmount: big.NewInt(5),
	}
}

func TestApplyEventIsIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()
	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", Seller: selfAddr.Hex(), PayloadCID: "c",
		Price: "100", Deadline: futureDeadline().Unix(), Status: StatusValidated})

	event := claimedEvent(1, selfAddr)
	if err := engine.ApplyEvent(ctx, event); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, err := store.GetRequest(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Duplicate delivery must not change anything.
	if err := engine.ApplyEvent(ctx, event); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	second, err := store.GetRequest(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Status != second.Status || first.Seller != second.Seller {
		t.Fatalf("state changed on duplicate delivery: %+v vs %+v", first, second)
	}
	earnings, _ := store.ListEarnings(ctx)
	if len(earnings) != 1 {
		t.Fatalf("earnings double-counted: %d entries", len(earnings))
	}
}

func TestApplyEventNeverMovesStatusBackwards(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()
	seedRecord(t, store, &Record{ID: 1, Buyer: "0xA", PayloadCID: "c", Price: "100",
		Deadline: futureDeadline().Unix(), Status: StatusValidated})

	// A late-arriving creation event must not regress the cache.
	if err := engine.ApplyEvent(ctx, chain.Event{
		Kind:      chain.EventRequestCreated,
		RequestID: big.NewInt(1),
		Buyer:     otherAddr,
		Price:     big.NewInt(100),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	record, _ := store.GetRequest(ctx, 1)
	if record.Status != StatusValidated {
		t.Fatalf("status regressed to %s", record.Status)
	}
}

func TestApplyEventCreatesUnknownRequests(t *testing.T) {
	ledger := newFakeLedger()
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()

	if err := engine.ApplyEvent(ctx, chain.Event{
		Kind:       chain.EventRequestCreated,
		RequestID:  big.NewInt(41),
		Buyer:      otherAddr,
		PayloadCID: "bafynew",
		Price:      big.NewInt(250),
		Deadline:   2_000_000_000,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	record, err := store.GetRequest(ctx, 41)
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if record.Status != StatusOpen || record.Price != "250" || record.PayloadCID != "bafynew" {
		t.Fatalf("record wrong: %+v", record)
	}
}

func TestSyncAppliesEventsAndAdvancesCursor(t *testing.T) {
	ledger := newFakeLedger()
	ledger.head = 20
	ledger.events = []chain.Event{
		{Kind: chain.EventRequestCreated, BlockNumber: 5, RequestID: big.NewInt(1),
			Buyer: otherAddr, PayloadCID: "c1", Price: big.NewInt(100), Deadline: 2_000_000_000},
		{Kind: chain.EventResponseSubmitted, BlockNumber: 8, RequestID: big.NewInt(1),
			Seller: selfAddr, PayloadCID: "d1"},
	}
	engine, store, _ := newTestEngine(t, ledger)
	ctx := context.Background()

	applied, err := engine.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied %d events, want 2", applied)
	}
	record, err := store.GetRequest(ctx, 1)
	if err != nil || record.Status != StatusResponded {
		t.Fatalf("record after sync: %+v, %v", record, err)
	}
	cursor, _ := store.GetCursor(ctx, "ledger_events")
	if cursor != "21" {
		t.Fatalf("cursor = %q, want 21", cursor)
	}

	// Second sync sees no new blocks and applies nothing.
	applied, err = engine.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if applied != 0 {
		t.Fatalf("second sync applied %d events", applied)
	}
}

func TestWithdrawSubmitsSingleCall(t *testing.T) {
	ledger := newFakeLedger()
	engine, _, _ := newTestEngine(t, ledger)

	tx, err := engine.Withdraw(context.Background())
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if tx == "" {
		t.Fatal("expected a transaction hash")
	}
	if ledger.count(chain.CallWithdraw) != 1 {
		t.Fatalf("expected one withdraw submission, got %d", ledger.count(chain.CallWithdraw))
	}
}

func TestSearchListsOpenRequests(t *testing.T) {
	ledger := newFakeLedger()
	ledger.head = 10
	ledger.events = []chain.Event{
		{Kind: chain.EventRequestCreated, BlockNumber: 2, RequestID: big.NewInt(1),
			Buyer: otherAddr, PayloadCID: "c1", Price: big.NewInt(100), Deadline: 2_000_000_000},
		{Kind: chain.EventRequestCreated, BlockNumber: 3, RequestID: big.NewInt(2),
			Buyer: otherAddr, PayloadCID: "c2", Price: big.NewInt(200), Deadline: 2_000_000_000},
		{Kind: chain.EventRequestCancelled, BlockNumber: 4, RequestID: big.NewInt(2)},
	}
	engine, _, _ := newTestEngine(t, ledger)

	open, err := engine.Search(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(open) != 1 || open[0].ID != 1 {
		t.Fatalf("search = %+v, want only request 1", open)
	}
}

func TestReputationAggregatesAttestations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	passed, failed := true, false
	seedRecords := []*Record{
		{ID: 1, Buyer: "0xA", Seller: "0xS", PayloadCID: "c", Price: "1",
			Status: StatusClaimed, Passed: &passed, Score: 90},
		{ID: 2, Buyer: "0xA", Seller: "0xS", PayloadCID: "c", Price: "1",
			Status: StatusValidated, Passed: &passed, Score: 70},
		{ID: 3, Buyer: "0xA", Seller: "0xS", PayloadCID: "c", Price: "1",
			Status: StatusResponded, Passed: &failed, Score: 20},
		{ID: 4, Buyer: "0xA", Seller: "0xOther", PayloadCID: "c", Price: "1",
			Status: StatusClaimed, Passed: &passed, Score: 100},
	}
	for _, record := range seedRecords {
		if err := store.UpsertRequest(ctx, record); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rep, err := ReputationOf(ctx, store, "0xS")
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if rep.Validated != 2 || rep.Rejected != 1 || rep.Settled != 1 {
		t.Fatalf("counts wrong: %+v", rep)
	}
	if rep.AvgScore != 60 {
		t.Fatalf("avg score = %v, want 60", rep.AvgScore)
	}
}
