// Package market mirrors and drives the on-ledger request lifecycle. The
// ledger is the source of truth; everything here is a read-through cache
// plus the local-only material (commitment secrets, earnings) that the
// ledger never sees.
package market

import (
	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
)

// Status is the request lifecycle state. The numeric codes match the
// contract's status enum.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResponded Status = "responded"
	StatusValidated Status = "validated"
	StatusClaimed   Status = "claimed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// StatusFromCode maps the contract's numeric status to the local enum.
func StatusFromCode(code uint8) (Status, bool) {
	switch code {
	case 0:
		return StatusOpen, true
	case 1:
		return StatusResponded, true
	case 2:
		return StatusValidated, true
	case 3:
		return StatusClaimed, true
	case 4:
		return StatusExpired, true
	case 5:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// Code returns the contract's numeric value for the status.
func (s Status) Code() uint8 {
	switch s {
	case StatusOpen:
		return 0
	case StatusResponded:
		return 1
	case StatusValidated:
		return 2
	case StatusClaimed:
		return 3
	case StatusExpired:
		return 4
	case StatusCancelled:
		return 5
	default:
		return 255
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusClaimed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// rank orders statuses along the main progression so that event replay can
// tell "later" from "earlier". All terminal states share the top rank.
func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusResponded:
		return 1
	case StatusValidated:
		return 2
	case StatusClaimed, StatusExpired, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo implements the lifecycle guard table. Cancellation leaves
// only from Open; expiry leaves from any non-terminal state; the main path
// never skips a step.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusResponded || next == StatusCancelled || next == StatusExpired
	case StatusResponded:
		return next == StatusValidated || next == StatusExpired
	case StatusValidated:
		return next == StatusClaimed || next == StatusExpired
	default:
		return false
	}
}

// IsValidStatus checks that a status is one of the supported enum values.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusOpen, StatusResponded, StatusValidated, StatusClaimed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Role distinguishes how this identity earned a settled amount.
type Role string

const (
	RoleSeller    Role = "seller"
	RoleValidator Role = "validator"
)

// Record is the local cache entry for one request. Amounts are decimal
// strings in minor units so no precision is lost in JSON or SQL.
type Record struct {
	ID             uint64 `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller,omitempty"`
	Validator      string `json:"validator,omitempty"`
	SellerAgentID  uint64 `json:"seller_agent_id,omitempty"`
	TaskType       string `json:"task_type,omitempty"`
	PayloadCID     string `json:"payload_cid"`
	DeliverableCID string `json:"deliverable_cid,omitempty"`
	Price          string `json:"price"`
	Deadline       int64  `json:"deadline"`
	Status         Status `json:"status"`
	SecretDigest   string `json:"secret_digest,omitempty"`
	Passed         *bool  `json:"passed,omitempty"`
	Score          uint8  `json:"score,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Earning is one settled amount attributable to this identity. The ledger's
// event history can always rebuild the full set.
type Earning struct {
	RequestID uint64 `json:"request_id"`
	Role      Role   `json:"role"`
	Amount    string `json:"amount"`
	TxHash    string `json:"tx_hash,omitempty"`
	SettledAt int64  `json:"settled_at"`
}

// Registration records the once-minted identity token and profile locator.
type Registration struct {
	AgentID      uint64 `json:"agent_id"`
	Address      string `json:"address"`
	PublicKey    string `json:"public_key"`
	ProfileCID   string `json:"profile_cid,omitempty"`
	RegisteredAt int64  `json:"registered_at"`
}

var (
	// ErrRequestNotFound means no local record exists for the id.
	ErrRequestNotFound = xerrors.New(xerrors.CodeNotFound, "request not found")
	// ErrSecretNotFound means the commitment secret is missing locally.
	ErrSecretNotFound = xerrors.New(xerrors.CodeNotFound, "commitment secret not found")
	// ErrInvalidTransition means the requested change violates the guard table.
	ErrInvalidTransition = xerrors.New(xerrors.CodeInvalidTransition, "")
	// ErrAlreadyClaimed means the request has already settled.
	ErrAlreadyClaimed = xerrors.New(xerrors.CodeAlreadyClaimed, "")
	// ErrExpired means the deadline has passed.
	ErrExpired = xerrors.New(xerrors.CodeExpired, "")
)

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.Passed != nil {
		passed := *record.Passed
		clone.Passed = &passed
	}
	return &clone
}
