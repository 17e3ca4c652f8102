// Package mailbox implements encrypted store-and-poll messaging between
// agents. Each agent's inbound channel is a topic derived from its public
// key, so any sender who knows the key can address it without a directory.
package mailbox

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/google/uuid"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/ipfs"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

// Message type identifiers used across the marketplace.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
)

// Message is the plaintext unit of mailbox traffic. It is serialized to
// JSON, sealed for the recipient, and stored on the content network.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"` // hex compressed public key, no 0x
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"message_type"`
	Payload   []byte `json:"payload"`
}

// ContentNetwork is the content-network surface the mailbox needs.
type ContentNetwork interface {
	Add(ctx context.Context, content []byte) (string, error)
	Cat(ctx context.Context, cid string) ([]byte, error)
	Announce(ctx context.Context, topic, cid string) error
	Announcements(ctx context.Context, topic, after string) ([]ipfs.Announcement, error)
}

// TopicFor derives the mailbox topic for a public key: the hex keccak256
// digest of the key bytes. Accepts hex with or without a 0x prefix.
func TopicFor(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(publicKeyHex, "0x"))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode public key hex")
	}
	if len(raw) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "public key is empty")
	}
	return hex.EncodeToString(crypto.Keccak256(raw)), nil
}

// Failure reports one announcement that could not be turned into a message.
// Polling continues past failures; the caller decides whether to retry.
type Failure struct {
	CID string
	Err error
}

// Mailbox is one identity's view of the channel: it seals outbound messages
// for arbitrary recipients and opens inbound ones with the local key.
type Mailbox struct {
	network ContentNetwork
	key     *ecdsa.PrivateKey
	topic   string
	cursor  string
	log     *slog.Logger
}

// New builds a mailbox around the local private key.
func New(network ContentNetwork, key *ecdsa.PrivateKey) (*Mailbox, error) {
	if network == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "content network is required")
	}
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "private key is required")
	}
	selfHex := hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))
	topic, err := TopicFor(selfHex)
	if err != nil {
		return nil, err
	}
	return &Mailbox{
		network: network,
		key:     key,
		topic:   topic,
		log:     logger.Named("mailbox"),
	}, nil
}

// Topic is the own inbound channel address.
func (m *Mailbox) Topic() string {
	return m.topic
}

// PublicKeyHex is the hex compressed public key other agents seal to.
func (m *Mailbox) PublicKeyHex() string {
	return hex.EncodeToString(crypto.CompressPubkey(&m.key.PublicKey))
}

// Cursor returns the poll position, suitable for persisting across restarts.
func (m *Mailbox) Cursor() string {
	return m.cursor
}

// SetCursor repositions polling, typically from persisted state.
func (m *Mailbox) SetCursor(cursor string) {
	m.cursor = cursor
}

// NewMessage stamps a message from this identity.
func (m *Mailbox) NewMessage(messageType string, payload []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    m.PublicKeyHex(),
		Timestamp: time.Now().Unix(),
		Type:      messageType,
		Payload:   payload,
	}
}

// Publish seals a message for the recipient, stores it, and announces it on
// the recipient's topic. Returns the stored content identifier.
func (m *Mailbox) Publish(ctx context.Context, recipientPublicKeyHex string, message Message) (string, error) {
	sealed, err := Seal(recipientPublicKeyHex, message)
	if err != nil {
		return "", err
	}
	cid, err := m.network.Add(ctx, sealed)
	if err != nil {
		return "", err
	}
	topic, err := TopicFor(recipientPublicKeyHex)
	if err != nil {
		return "", err
	}
	if err := m.network.Announce(ctx, topic, cid); err != nil {
		return "", err
	}
	m.log.Debug("message published",
		slog.String("type", message.Type),
		slog.String("cid", cid),
		slog.String("topic", topic))
	return cid, nil
}

// Poll fetches and opens every announcement on the own topic since the last
// cursor. A message that cannot be fetched or decrypted is reported in the
// failures slice and does not stop the rest of the batch. The cursor
// advances past everything seen, including failures.
func (m *Mailbox) Poll(ctx context.Context) ([]Message, []Failure, error) {
	announcements, err := m.network.Announcements(ctx, m.topic, m.cursor)
	if err != nil {
		return nil, nil, err
	}

	var messages []Message
	var failures []Failure
	for _, announcement := range announcements {
		sealed, err := m.network.Cat(ctx, announcement.CID)
		if err != nil {
			failures = append(failures, Failure{CID: announcement.CID, Err: err})
			m.cursor = announcement.Name
			continue
		}
		message, err := m.Open(sealed)
		if err != nil {
			failures = append(failures, Failure{CID: announcement.CID, Err: err})
			m.cursor = announcement.Name
			continue
		}
		messages = append(messages, message)
		m.cursor = announcement.Name
	}
	if len(announcements) > 0 {
		m.log.Debug("mailbox polled",
			slog.Int("messages", len(messages)),
			slog.Int("failures", len(failures)))
	}
	return messages, failures, nil
}

// Seal serializes and encrypts a message so only the holder of the matching
// private key can read it. The sender needs no prior key exchange.
func Seal(recipientPublicKeyHex string, message Message) ([]byte, error) {
	plaintext, err := json.Marshal(message)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode mailbox message")
	}
	publicKey, err := parsePublicKey(recipientPublicKeyHex)
	if err != nil {
		return nil, err
	}
	sealed, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(publicKey), plaintext, nil, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "seal mailbox message")
	}
	return sealed, nil
}

// Open decrypts and decodes a sealed message with the local key.
func (m *Mailbox) Open(sealed []byte) (Message, error) {
	plaintext, err := ecies.ImportECDSA(m.key).Decrypt(sealed, nil, nil)
	if err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeDecryptionFailed, err, "open mailbox message")
	}
	var message Message
	if err := json.Unmarshal(plaintext, &message); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeDecryptionFailed, err, "decode mailbox message")
	}
	return message, nil
}

func parsePublicKey(publicKeyHex string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(publicKeyHex, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode public key hex")
	}
	switch len(raw) {
	case 33:
		key, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decompress public key")
		}
		return key, nil
	case 65:
		key, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse public key")
		}
		return key, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("public key must be 33 or 65 bytes, got %d", len(raw)))
	}
}
