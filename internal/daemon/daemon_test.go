package daemon

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/market"
)

var selfAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

type fakeEngine struct {
	store market.Store

	mu       sync.Mutex
	claims   []uint64
	expires  []uint64
	claimErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{store: market.NewMemoryStore()}
}

func (f *fakeEngine) Sync(context.Context) (int, error) { return 0, nil }

func (f *fakeEngine) Claim(ctx context.Context, id uint64) (*market.SettlementReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	f.claims = append(f.claims, id)
	record, err := f.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Status = market.StatusClaimed
	if err := f.store.UpsertRequest(ctx, record); err != nil {
		return nil, err
	}
	return &market.SettlementReceipt{
		RequestID:       id,
		TxHash:          "0xsettled",
		SellerAmount:    big.NewInt(95),
		ValidatorAmount: big.NewInt(5),
	}, nil
}

func (f *fakeEngine) Expire(ctx context.Context, id uint64) error {
	f.mu.Lock()
	f.expires = append(f.expires, id)
	f.mu.Unlock()
	record, err := f.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	record.Status = market.StatusExpired
	return f.store.UpsertRequest(ctx, record)
}

func (f *fakeEngine) Store() market.Store { return f.store }

func (f *fakeEngine) claimed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.claims...)
}

func (f *fakeEngine) expired() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.expires...)
}

func seed(t *testing.T, store market.Store, record market.Record) {
	t.Helper()
	if err := store.UpsertRequest(context.Background(), &record); err != nil {
		t.Fatalf("seed request %d: %v", record.ID, err)
	}
}

func TestSweepClaimsOwnValidatedSales(t *testing.T) {
	engine := newFakeEngine()
	passed := true
	future := time.Now().Add(time.Hour).Unix()
	seed(t, engine.store, market.Record{
		ID: 1, Seller: selfAddr.Hex(), Status: market.StatusValidated, Passed: &passed, Deadline: future,
	})
	seed(t, engine.store, market.Record{ // someone else's sale
		ID: 2, Seller: "0x2222222222222222222222222222222222222222", Status: market.StatusValidated, Passed: &passed, Deadline: future,
	})
	failed := false
	seed(t, engine.store, market.Record{ // rejected, nothing to claim
		ID: 3, Seller: selfAddr.Hex(), Status: market.StatusValidated, Passed: &failed, Deadline: future,
	})

	d, err := New(engine, nil, Config{Self: selfAddr, AutoClaim: true})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	d.Sweep(context.Background())

	if claims := engine.claimed(); len(claims) != 1 || claims[0] != 1 {
		t.Fatalf("expected only request 1 claimed, got %v", claims)
	}
}

func TestSweepWithoutAutoClaimLeavesSales(t *testing.T) {
	engine := newFakeEngine()
	passed := true
	seed(t, engine.store, market.Record{
		ID: 1, Seller: selfAddr.Hex(), Status: market.StatusValidated, Passed: &passed,
		Deadline: time.Now().Add(time.Hour).Unix(),
	})

	d, _ := New(engine, nil, Config{Self: selfAddr})
	d.Sweep(context.Background())

	if claims := engine.claimed(); len(claims) != 0 {
		t.Fatalf("auto-claim disabled, yet claimed %v", claims)
	}
}

func TestSweepExpiresOwnStaleRequests(t *testing.T) {
	engine := newFakeEngine()
	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	seed(t, engine.store, market.Record{ID: 1, Buyer: selfAddr.Hex(), Status: market.StatusOpen, Deadline: past})
	seed(t, engine.store, market.Record{ID: 2, Buyer: selfAddr.Hex(), Status: market.StatusResponded, Deadline: future})
	seed(t, engine.store, market.Record{ID: 3, Buyer: "0x3333333333333333333333333333333333333333", Status: market.StatusOpen, Deadline: past})
	seed(t, engine.store, market.Record{ID: 4, Buyer: selfAddr.Hex(), Status: market.StatusClaimed, Deadline: past})

	d, _ := New(engine, nil, Config{Self: selfAddr})
	d.Sweep(context.Background())

	if expires := engine.expired(); len(expires) != 1 || expires[0] != 1 {
		t.Fatalf("expected only request 1 expired, got %v", expires)
	}
}

func TestSweepContinuesPastClaimFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.claimErr = xerrors.New(xerrors.CodeSubmissionFailed, "broadcast failed")
	passed := true
	seed(t, engine.store, market.Record{
		ID: 1, Seller: selfAddr.Hex(), Buyer: selfAddr.Hex(), Status: market.StatusValidated, Passed: &passed,
		Deadline: time.Now().Add(-time.Minute).Unix(),
	})

	d, _ := New(engine, nil, Config{Self: selfAddr, AutoClaim: true})
	d.Sweep(context.Background())

	// The failed claim must not block the expiry half of the sweep.
	if expires := engine.expired(); len(expires) != 1 {
		t.Fatalf("expected the stale request to expire despite the claim failure, got %v", expires)
	}
}

type tickingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (r *tickingRunner) Run(ctx context.Context) error {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestRunSweepsAndStops(t *testing.T) {
	engine := newFakeEngine()
	passed := true
	seed(t, engine.store, market.Record{
		ID: 1, Seller: selfAddr.Hex(), Status: market.StatusValidated, Passed: &passed,
		Deadline: time.Now().Add(time.Hour).Unix(),
	})
	runner := &tickingRunner{started: make(chan struct{})}

	d, _ := New(engine, runner, Config{Self: selfAddr, AutoClaim: true, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("companion runner never started")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(engine.claimed()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if len(engine.claimed()) != 1 {
		t.Fatalf("expected one claim from the run loop, got %v", engine.claimed())
	}
}
