package chain

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the secp256k1 key used for transaction signatures. The key
// stays inside the chain package; callers only ever see signed transactions
// and the derived address.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	eip155  coretypes.Signer
}

// NewSigner wraps an unlocked private key for the given chain.
func NewSigner(key *ecdsa.PrivateKey, chainID *big.Int) (*Signer, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		eip155:  coretypes.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the account derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain this signer targets.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs a transaction with the held key.
func (s *Signer) SignTx(tx *coretypes.Transaction) (*coretypes.Transaction, error) {
	return coretypes.SignTx(tx, s.eip155, s.key)
}
