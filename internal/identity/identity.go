// Package identity manages the agent's signing key and its on-chain
// registration. Keys live in an encrypted keystore on disk; the decrypted
// key is handed to the chain signer and the mailbox, never written back out.
package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
)

// Identity is an unlocked signing key.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Key returns the unlocked private key.
func (i *Identity) Key() *ecdsa.PrivateKey {
	return i.key
}

// Address returns the account derived from the key.
func (i *Identity) Address() common.Address {
	return i.address
}

// PublicKeyHex returns the compressed public key as hex, the form peers use
// to seal mailbox messages for this identity.
func (i *Identity) PublicKeyHex() string {
	return hex.EncodeToString(crypto.CompressPubkey(&i.key.PublicKey))
}

// Keystore wraps the encrypted key directory.
type Keystore struct {
	store *keystore.KeyStore
	dir   string
}

// NewKeystore opens (creating if needed) the keystore directory.
func NewKeystore(dir string) (*Keystore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create keystore directory")
	}
	return &Keystore{
		store: keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP),
		dir:   dir,
	}, nil
}

// Accounts lists the addresses held in the keystore.
func (k *Keystore) Accounts() []common.Address {
	stored := k.store.Accounts()
	addresses := make([]common.Address, 0, len(stored))
	for _, account := range stored {
		addresses = append(addresses, account.Address)
	}
	return addresses
}

// Create generates a fresh key encrypted with password and returns it
// unlocked.
func (k *Keystore) Create(password string) (*Identity, error) {
	if password == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore password must not be empty")
	}
	account, err := k.store.NewAccount(password)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create keystore account")
	}
	return k.unlock(account, password)
}

// Unlock decrypts the key for address. An empty address is accepted when the
// keystore holds exactly one account.
func (k *Keystore) Unlock(address, password string) (*Identity, error) {
	account, err := k.find(address)
	if err != nil {
		return nil, err
	}
	return k.unlock(account, password)
}

func (k *Keystore) find(address string) (accounts.Account, error) {
	stored := k.store.Accounts()
	if address == "" {
		switch len(stored) {
		case 0:
			return accounts.Account{}, xerrors.New(xerrors.CodeNotFound, "keystore is empty, create an identity first")
		case 1:
			return stored[0], nil
		default:
			return accounts.Account{}, xerrors.New(xerrors.CodeInvalidArgument, "keystore holds several accounts, an address is required")
		}
	}
	if !common.IsHexAddress(address) {
		return accounts.Account{}, xerrors.New(xerrors.CodeInvalidArgument, "malformed account address "+address)
	}
	want := common.HexToAddress(address)
	for _, account := range stored {
		if account.Address == want {
			return account, nil
		}
	}
	return accounts.Account{}, xerrors.New(xerrors.CodeNotFound, "no keystore entry for "+want.Hex())
}

func (k *Keystore) unlock(account accounts.Account, password string) (*Identity, error) {
	encrypted, err := os.ReadFile(account.URL.Path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read keystore file")
	}
	key, err := keystore.DecryptKey(encrypted, password)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecryptionFailed, err, "decrypt keystore entry, check the password")
	}
	return &Identity{key: key.PrivateKey, address: key.Address}, nil
}
