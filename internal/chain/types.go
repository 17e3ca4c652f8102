package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CallKind identifies one of the state-mutating contract calls.
type CallKind string

const (
	CallRegister          CallKind = "register"
	CallApprove           CallKind = "approve"
	CallCreateRequest     CallKind = "create_request"
	CallSubmitResponse    CallKind = "submit_response"
	CallRequestValidation CallKind = "request_validation"
	CallSubmitValidation  CallKind = "submit_validation"
	CallClaim             CallKind = "claim"
	CallCancel            CallKind = "cancel"
	CallExpire            CallKind = "expire"
	CallWithdraw          CallKind = "withdraw"
	CallSetAgentURI       CallKind = "set_agent_uri"
)

// Call is one logical submission. Args must match the contract method's
// parameter list for the kind.
type Call struct {
	Kind CallKind
	Args []any
}

// Receipt reports a confirmed submission.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Attempts    int
}

// RequestState is the on-chain view of a request, as returned by the
// contract's requests() accessor.
type RequestState struct {
	ID            *big.Int
	Buyer         common.Address
	SellerAgentID *big.Int
	PayloadCID    string
	Price         *big.Int
	Deadline      uint64
	StatusCode    uint8
	SecretDigest  [32]byte
}

// EventKind identifies one of the contract log types the daemon consumes.
type EventKind string

const (
	EventRequestCreated     EventKind = "request_created"
	EventResponseSubmitted  EventKind = "response_submitted"
	EventRequestValidated   EventKind = "request_validated"
	EventValidationRecorded EventKind = "validation_recorded"
	EventRequestClaimed     EventKind = "request_claimed"
	EventRequestCancelled   EventKind = "request_cancelled"
	EventRequestExpired     EventKind = "request_expired"
	EventAgentRegistered    EventKind = "agent_registered"
)

// Event is a decoded contract log. Only the fields relevant to the kind are
// populated; BlockNumber and LogIndex give the total order within a poll.
type Event struct {
	Kind        EventKind
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash

	RequestID       *big.Int
	AgentID         *big.Int
	Buyer           common.Address
	Seller          common.Address
	Validator       common.Address
	Owner           common.Address
	SellerAgentID   *big.Int
	PayloadCID      string
	AgentURI        string
	Price           *big.Int
	Deadline        uint64
	SecretDigest    [32]byte
	Passed          bool
	Score           uint8
	SellerAmount    *big.Int
	ValidatorAmount *big.Int
}

// EventFilter selects a log range. A nil RequestID matches all requests; an
// empty Kinds slice matches every known kind.
type EventFilter struct {
	FromBlock uint64
	ToBlock   uint64 // 0 means latest
	Kinds     []EventKind
	RequestID *big.Int
}
