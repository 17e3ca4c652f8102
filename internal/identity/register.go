package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AgentMarketSh/agentmarket-cli/internal/chain"
	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/market"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

// Profile is the off-chain agent document the registry URI points at.
type Profile struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	PublicKey string   `json:"public_key"`
	TaskTypes []string `json:"task_types,omitempty"`
	Mailbox   string   `json:"mailbox_topic,omitempty"`
}

// Ledger is the chain surface registration needs.
type Ledger interface {
	Submit(ctx context.Context, call chain.Call) (*chain.Receipt, error)
	AgentOf(ctx context.Context, owner common.Address) (*big.Int, error)
	AgentURI(ctx context.Context, agentID *big.Int) (string, error)
}

// Content stores profile documents on the content network.
type Content interface {
	Add(ctx context.Context, content []byte) (string, error)
	Pin(ctx context.Context, cid string) error
}

// Registrar reconciles the local identity with the on-chain registry.
type Registrar struct {
	ledger  Ledger
	content Content
	store   market.Store
	log     *slog.Logger
}

// NewRegistrar wires the registrar's collaborators together.
func NewRegistrar(ledger Ledger, content Content, store market.Store) (*Registrar, error) {
	if ledger == nil || content == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger, content and store are required")
	}
	return &Registrar{ledger: ledger, content: content, store: store, log: logger.Named("identity")}, nil
}

// EnsureRegistered makes the identity hold a registry entry, registering it
// if the chain has none. The call is idempotent: a cached registration or an
// existing on-chain entry short-circuits before any transaction.
func (r *Registrar) EnsureRegistered(ctx context.Context, id *Identity, profile Profile) (*market.Registration, error) {
	if id == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "an unlocked identity is required")
	}

	if cached, err := r.store.GetRegistration(ctx); err == nil && cached != nil {
		return cached, nil
	}

	agentID, err := r.ledger.AgentOf(ctx, id.Address())
	if err != nil {
		return nil, fmt.Errorf("look up registry entry: %w", err)
	}
	if agentID.Sign() > 0 {
		return r.adopt(ctx, id, agentID)
	}

	profile.Address = id.Address().Hex()
	profile.PublicKey = id.PublicKeyHex()
	cid, err := r.storeProfile(ctx, profile)
	if err != nil {
		return nil, err
	}

	receipt, err := r.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallRegister,
		Args: []any{profileURI(cid)},
	})
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	r.log.Info("agent registered", "tx", receipt.TxHash.Hex(), "address", profile.Address)

	agentID, err = r.ledger.AgentOf(ctx, id.Address())
	if err != nil {
		return nil, fmt.Errorf("read back registry entry: %w", err)
	}
	if agentID.Sign() == 0 {
		return nil, xerrors.New(xerrors.CodeSubmissionFailed, "registry shows no entry after registration")
	}

	registration := &market.Registration{
		AgentID:      agentID.Uint64(),
		Address:      profile.Address,
		PublicKey:    profile.PublicKey,
		ProfileCID:   cid,
		RegisteredAt: time.Now().Unix(),
	}
	if err := r.store.PutRegistration(ctx, registration); err != nil {
		return nil, fmt.Errorf("cache registration: %w", err)
	}
	return registration, nil
}

// UpdateProfile replaces the registry URI with a freshly stored profile.
func (r *Registrar) UpdateProfile(ctx context.Context, id *Identity, profile Profile) (*market.Registration, error) {
	registration, err := r.EnsureRegistered(ctx, id, profile)
	if err != nil {
		return nil, err
	}

	profile.Address = id.Address().Hex()
	profile.PublicKey = id.PublicKeyHex()
	cid, err := r.storeProfile(ctx, profile)
	if err != nil {
		return nil, err
	}
	if cid == registration.ProfileCID {
		return registration, nil
	}

	_, err = r.ledger.Submit(ctx, chain.Call{
		Kind: chain.CallSetAgentURI,
		Args: []any{new(big.Int).SetUint64(registration.AgentID), profileURI(cid)},
	})
	if err != nil {
		return nil, fmt.Errorf("update registry uri: %w", err)
	}

	registration.ProfileCID = cid
	if err := r.store.PutRegistration(ctx, registration); err != nil {
		return nil, fmt.Errorf("cache registration: %w", err)
	}
	return registration, nil
}

// adopt caches a registration that already exists on chain, the recovery
// path after losing local state.
func (r *Registrar) adopt(ctx context.Context, id *Identity, agentID *big.Int) (*market.Registration, error) {
	uri, err := r.ledger.AgentURI(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("read registry uri: %w", err)
	}
	registration := &market.Registration{
		AgentID:      agentID.Uint64(),
		Address:      id.Address().Hex(),
		PublicKey:    id.PublicKeyHex(),
		ProfileCID:   cidFromURI(uri),
		RegisteredAt: time.Now().Unix(),
	}
	if err := r.store.PutRegistration(ctx, registration); err != nil {
		return nil, fmt.Errorf("cache registration: %w", err)
	}
	r.log.Info("adopted existing registry entry", "agent_id", registration.AgentID)
	return registration, nil
}

func (r *Registrar) storeProfile(ctx context.Context, profile Profile) (string, error) {
	document, err := json.Marshal(profile)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode profile")
	}
	cid, err := r.content.Add(ctx, document)
	if err != nil {
		return "", fmt.Errorf("store profile: %w", err)
	}
	if err := r.content.Pin(ctx, cid); err != nil {
		r.log.Warn("profile stored but not pinned", "cid", cid, "error", err)
	}
	return cid, nil
}

func profileURI(cid string) string {
	return "ipfs://" + cid
}

func cidFromURI(uri string) string {
	const scheme = "ipfs://"
	if len(uri) > len(scheme) && uri[:len(scheme)] == scheme {
		return uri[len(scheme):]
	}
	return uri
}
