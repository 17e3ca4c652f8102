package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InsufficientFundsError is returned when the balance precondition for a
// submission fails. This is the one error that is allowed to carry address
// and amount detail upward; callers translate it for the operator.
type InsufficientFundsError struct {
	Address common.Address
	Needed  *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("account %s needs at least %s wei to submit", e.Address.Hex(), e.Needed)
}

// SubmissionFailedError is returned when a call exhausted its retry budget
// or was rejected by the contract. Reverted is true for contract-level
// rejections, which are never retried.
type SubmissionFailedError struct {
	Kind     CallKind
	Reason   string
	Attempts int
	Reverted bool
}

func (e *SubmissionFailedError) Error() string {
	if e.Reverted {
		return fmt.Sprintf("%s rejected by contract: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s failed after %d attempts: %s", e.Kind, e.Attempts, e.Reason)
}
