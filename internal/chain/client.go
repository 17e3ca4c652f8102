package chain

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

// Backend is the subset of an Ethereum RPC client the ledger client needs.
// *ethclient.Client satisfies it; tests provide a fake.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config describes the deployed contract set and submission policy.
type Config struct {
	Market        common.Address
	AgentRegistry common.Address
	Token         common.Address
	BlockInterval time.Duration
	MaxAttempts   int
}

// Client drives the settlement contracts: balance gates, signed submission
// with bounded confirmation waits and gas escalation, and ordered event-log
// queries. All submissions are serialized so the per-identity sequence
// number stays monotonic.
type Client struct {
	backend Backend
	signer  *Signer
	cfg     Config
	log     *slog.Logger

	submitMu  sync.Mutex
	nonce     uint64
	nonceInit bool
}

// Dial connects an RPC backend suitable for NewClient.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, stdErrors.New("chain rpc url is empty")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return client, nil
}

// NewClient builds a ledger client around a backend and an unlocked signer.
func NewClient(backend Backend, signer *Signer, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, stdErrors.New("chain backend is required")
	}
	if signer == nil {
		return nil, stdErrors.New("signer is required")
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Client{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		log:     logger.Named("chain"),
	}, nil
}

// Address returns the local identity's account address.
func (c *Client) Address() common.Address {
	return c.signer.Address()
}

// BalanceAt returns the native balance used to pay for submissions.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "query balance")
	}
	return balance, nil
}

// gasLimitFor returns the fixed gas budget for a call kind. The contract
// methods are known, so estimation round trips are not worth the latency.
func gasLimitFor(kind CallKind) uint64 {
	switch kind {
	case CallRegister:
		return 250_000
	case CallCreateRequest:
		return 220_000
	case CallClaim:
		return 180_000
	case CallSubmitResponse, CallSubmitValidation:
		return 150_000
	default:
		return 100_000
	}
}

func (c *Client) resolve(kind CallKind) (common.Address, *abi.ABI, string, error) {
	switch kind {
	case CallRegister:
		return c.cfg.AgentRegistry, &registryABI, "register", nil
	case CallSetAgentURI:
		return c.cfg.AgentRegistry, &registryABI, "setAgentURI", nil
	case CallApprove:
		return c.cfg.Token, &tokenABI, "approve", nil
	case CallCreateRequest:
		return c.cfg.Market, &marketABI, "createRequest", nil
	case CallSubmitResponse:
		return c.cfg.Market, &marketABI, "submitResponse", nil
	case CallRequestValidation:
		return c.cfg.Market, &marketABI, "requestValidation", nil
	case CallSubmitValidation:
		return c.cfg.Market, &marketABI, "submitValidation", nil
	case CallClaim:
		return c.cfg.Market, &marketABI, "claim", nil
	case CallCancel:
		return c.cfg.Market, &marketABI, "cancel", nil
	case CallExpire:
		return c.cfg.Market, &marketABI, "expire", nil
	case CallWithdraw:
		return c.cfg.Market, &marketABI, "withdraw", nil
	default:
		return common.Address{}, nil, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown call kind %q", kind))
	}
}

// Submit signs and broadcasts one logical call, waits for confirmation, and
// retries dropped or underpriced transactions with an escalated gas price.
// Contract reverts are surfaced immediately and never retried. The balance
// precondition is checked before anything is broadcast; on failure nothing
// is sent and the typed InsufficientFundsError is returned.
func (c *Client) Submit(ctx context.Context, call Call) (*Receipt, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	to, contractABI, method, err := c.resolve(call.Kind)
	if err != nil {
		return nil, err
	}
	data, err := contractABI.Pack(method, call.Args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("pack %s call", call.Kind))
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "query gas price")
	}
	gasLimit := gasLimitFor(call.Kind)

	needed := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	balance, err := c.backend.BalanceAt(ctx, c.signer.Address(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "query balance")
	}
	if balance.Cmp(needed) < 0 {
		return nil, xerrors.Wrap(xerrors.CodeInsufficientFunds,
			&InsufficientFundsError{Address: c.signer.Address(), Needed: needed}, "")
	}

	nonce, err := c.currentNonce(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		tx := coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     data,
		})
		signed, err := c.signer.SignTx(tx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "sign transaction")
		}

		if err := c.backend.SendTransaction(ctx, signed); err != nil {
			lastErr = err
			c.log.Warn("broadcast failed",
				slog.String("call", string(call.Kind)),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			if sleepErr := sleepCtx(ctx, time.Duration(attempt)*500*time.Millisecond); sleepErr != nil {
				return nil, sleepErr
			}
			gasPrice = escalate(gasPrice)
			continue
		}

		receipt, err := c.waitConfirmed(ctx, signed.Hash())
		if err != nil {
			return nil, err
		}
		if receipt == nil {
			// Not mined inside the confirmation window. Replace with a
			// higher gas price on the same nonce.
			lastErr = fmt.Errorf("transaction %s not confirmed", signed.Hash().Hex())
			c.log.Warn("confirmation window elapsed, escalating gas price",
				slog.String("call", string(call.Kind)),
				slog.Int("attempt", attempt),
				slog.String("tx", signed.Hash().Hex()))
			gasPrice = escalate(gasPrice)
			continue
		}

		// The nonce is consumed once a transaction mines, reverted or not.
		c.nonce = nonce + 1

		if receipt.Status == coretypes.ReceiptStatusSuccessful {
			result := &Receipt{
				TxHash:      signed.Hash(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Attempts:    attempt,
			}
			c.log.Debug("call confirmed",
				slog.String("call", string(call.Kind)),
				slog.String("tx", signed.Hash().Hex()),
				slog.Uint64("block", result.BlockNumber))
			return result, nil
		}

		reason := c.revertReason(ctx, signed, receipt.BlockNumber)
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, &SubmissionFailedError{
			Kind:     call.Kind,
			Reason:   reason,
			Attempts: attempt,
			Reverted: true,
		}, "")
	}

	reason := "retries exhausted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, &SubmissionFailedError{
		Kind:     call.Kind,
		Reason:   reason,
		Attempts: c.cfg.MaxAttempts,
	}, "")
}

func (c *Client) currentNonce(ctx context.Context) (uint64, error) {
	if !c.nonceInit {
		nonce, err := c.backend.PendingNonceAt(ctx, c.signer.Address())
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "query account nonce")
		}
		c.nonce = nonce
		c.nonceInit = true
	}
	return c.nonce, nil
}

// waitConfirmed polls for a receipt for up to two block intervals. A nil
// receipt with a nil error means the window elapsed without the transaction
// being mined.
func (c *Client) waitConfirmed(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	deadline := time.Now().Add(2 * c.cfg.BlockInterval)
	tick := c.cfg.BlockInterval / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) {
			c.log.Debug("receipt poll error", slog.Any("error", err))
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		if err := sleepCtx(ctx, tick); err != nil {
			return nil, err
		}
	}
}

// revertReason replays the transaction as a call at its mined block to
// extract the contract's revert string.
func (c *Client) revertReason(ctx context.Context, tx *coretypes.Transaction, blockNumber *big.Int) string {
	msg := gethcore.CallMsg{
		From:     c.signer.Address(),
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, err := c.backend.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return "execution reverted"
	}
	return err.Error()
}

func escalate(gasPrice *big.Int) *big.Int {
	next := new(big.Int).Mul(gasPrice, big.NewInt(125))
	return next.Div(next, big.NewInt(100))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// --- views -----------------------------------------------------------------

func (c *Client) callView(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("pack %s view", method))
	}
	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("call %s", method))
	}
	values, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, fmt.Sprintf("decode %s output", method))
	}
	return values, nil
}

// GetRequest reads the authoritative on-chain state of one request.
func (c *Client) GetRequest(ctx context.Context, requestID *big.Int) (*RequestState, error) {
	values, err := c.callView(ctx, c.cfg.Market, &marketABI, "requests", requestID)
	if err != nil {
		return nil, err
	}
	if len(values) != 7 {
		return nil, xerrors.New(xerrors.CodeSubmissionFailed, "unexpected requests() output arity")
	}
	state := &RequestState{ID: new(big.Int).Set(requestID)}
	var ok bool
	if state.Buyer, ok = values[0].(common.Address); !ok {
		return nil, xerrors.New(xerrors.CodeSubmissionFailed, "decode request buyer")
	}
	state.SellerAgentID, _ = values[1].(*big.Int)
	state.PayloadCID, _ = values[2].(string)
	state.Price, _ = values[3].(*big.Int)
	state.Deadline, _ = values[4].(uint64)
	state.StatusCode, _ = values[5].(uint8)
	if digest, ok := values[6].([32]byte); ok {
		state.SecretDigest = digest
	}
	return state, nil
}

// TokenBalance reads the settlement token balance of an account.
func (c *Client) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	values, err := c.callView(ctx, c.cfg.Token, &tokenABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	balance, _ := values[0].(*big.Int)
	return balance, nil
}

// TokenAllowance reads the allowance granted to the market contract.
func (c *Client) TokenAllowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := c.callView(ctx, c.cfg.Token, &tokenABI, "allowance", owner, c.cfg.Market)
	if err != nil {
		return nil, err
	}
	allowance, _ := values[0].(*big.Int)
	return allowance, nil
}

// AgentOf returns the identity token id owned by an account, zero if none.
func (c *Client) AgentOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := c.callView(ctx, c.cfg.AgentRegistry, &registryABI, "agentOf", owner)
	if err != nil {
		return nil, err
	}
	agentID, _ := values[0].(*big.Int)
	return agentID, nil
}

// AgentURI returns the profile locator recorded for an identity token.
func (c *Client) AgentURI(ctx context.Context, agentID *big.Int) (string, error) {
	values, err := c.callView(ctx, c.cfg.AgentRegistry, &registryABI, "agentURI", agentID)
	if err != nil {
		return "", err
	}
	uri, _ := values[0].(string)
	return uri, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "query block number")
	}
	return height, nil
}
