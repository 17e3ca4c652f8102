package chain

import (
	"context"
	"math/big"
	"sort"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
)

var eventSignatures = map[common.Hash]EventKind{
	marketABI.Events["RequestCreated"].ID:      EventRequestCreated,
	marketABI.Events["ResponseSubmitted"].ID:   EventResponseSubmitted,
	marketABI.Events["RequestValidated"].ID:    EventRequestValidated,
	marketABI.Events["ValidationRecorded"].ID:  EventValidationRecorded,
	marketABI.Events["RequestClaimed"].ID:      EventRequestClaimed,
	marketABI.Events["RequestCancelled"].ID:    EventRequestCancelled,
	marketABI.Events["RequestExpired"].ID:      EventRequestExpired,
	registryABI.Events["AgentRegistered"].ID:   EventAgentRegistered,
}

func signatureFor(kind EventKind) (common.Hash, bool) {
	for sig, k := range eventSignatures {
		if k == kind {
			return sig, true
		}
	}
	return common.Hash{}, false
}

// QueryEvents fetches and decodes contract logs for a block range. Results
// are ordered by block number, then by log index within the block, so a
// consumer replaying them reconstructs the exact on-chain sequence.
func (c *Client) QueryEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		Addresses: []common.Address{c.cfg.Market, c.cfg.AgentRegistry},
	}
	if filter.ToBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(filter.ToBlock)
	}

	var sigs []common.Hash
	for _, kind := range filter.Kinds {
		if sig, ok := signatureFor(kind); ok {
			sigs = append(sigs, sig)
		}
	}
	if len(sigs) > 0 {
		query.Topics = [][]common.Hash{sigs}
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "query event logs")
	}

	events := make([]Event, 0, len(logs))
	for _, record := range logs {
		event, ok := parseLog(record)
		if !ok {
			continue
		}
		if filter.RequestID != nil && (event.RequestID == nil || event.RequestID.Cmp(filter.RequestID) != 0) {
			continue
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

func parseLog(record coretypes.Log) (Event, bool) {
	if len(record.Topics) == 0 {
		return Event{}, false
	}
	kind, ok := eventSignatures[record.Topics[0]]
	if !ok {
		return Event{}, false
	}
	event := Event{
		Kind:        kind,
		BlockNumber: record.BlockNumber,
		LogIndex:    record.Index,
		TxHash:      record.TxHash,
	}

	switch kind {
	case EventRequestCreated:
		event.RequestID = topicBig(record, 1)
		event.Buyer = topicAddress(record, 2)
		var body struct {
			SellerAgentId *big.Int
			PayloadCid    string
			Price         *big.Int
			Deadline      uint64
		}
		if err := marketABI.UnpackIntoInterface(&body, "RequestCreated", record.Data); err != nil {
			return Event{}, false
		}
		event.SellerAgentID = body.SellerAgentId
		event.PayloadCID = body.PayloadCid
		event.Price = body.Price
		event.Deadline = body.Deadline

	case EventResponseSubmitted:
		event.RequestID = topicBig(record, 1)
		event.Seller = topicAddress(record, 2)
		var body struct {
			PayloadCid   string
			SecretDigest [32]byte
		}
		if err := marketABI.UnpackIntoInterface(&body, "ResponseSubmitted", record.Data); err != nil {
			return Event{}, false
		}
		event.PayloadCID = body.PayloadCid
		event.SecretDigest = body.SecretDigest

	case EventRequestValidated:
		event.RequestID = topicBig(record, 1)

	case EventValidationRecorded:
		event.RequestID = topicBig(record, 1)
		event.Validator = topicAddress(record, 2)
		var body struct {
			Passed bool
			Score  uint8
		}
		if err := marketABI.UnpackIntoInterface(&body, "ValidationRecorded", record.Data); err != nil {
			return Event{}, false
		}
		event.Passed = body.Passed
		event.Score = body.Score

	case EventRequestClaimed:
		event.RequestID = topicBig(record, 1)
		event.Seller = topicAddress(record, 2)
		var body struct {
			SellerAmount    *big.Int
			ValidatorAmount *big.Int
		}
		if err := marketABI.UnpackIntoInterface(&body, "RequestClaimed", record.Data); err != nil {
			return Event{}, false
		}
		event.SellerAmount = body.SellerAmount
		event.ValidatorAmount = body.ValidatorAmount

	case EventRequestCancelled, EventRequestExpired:
		event.RequestID = topicBig(record, 1)

	case EventAgentRegistered:
		event.AgentID = topicBig(record, 1)
		event.Owner = topicAddress(record, 2)
		var body struct {
			AgentURI string
		}
		if err := registryABI.UnpackIntoInterface(&body, "AgentRegistered", record.Data); err != nil {
			return Event{}, false
		}
		event.AgentURI = body.AgentURI
	}
	return event, true
}

func topicBig(record coretypes.Log, index int) *big.Int {
	if index >= len(record.Topics) {
		return nil
	}
	return new(big.Int).SetBytes(record.Topics[index].Bytes())
}

func topicAddress(record coretypes.Log, index int) common.Address {
	if index >= len(record.Topics) {
		return common.Address{}
	}
	return common.BytesToAddress(record.Topics[index].Bytes())
}

// EventCursor walks the event stream in restartable slices. NextBlock can be
// persisted and fed back through SetNextBlock after a restart so no log is
// delivered twice or skipped.
type EventCursor struct {
	client *Client
	filter EventFilter
	next   uint64
}

// NewEventCursor starts a cursor at filter.FromBlock.
func NewEventCursor(client *Client, filter EventFilter) *EventCursor {
	return &EventCursor{client: client, filter: filter, next: filter.FromBlock}
}

// NextBlock is the first block the next Poll will cover.
func (ec *EventCursor) NextBlock() uint64 {
	return ec.next
}

// SetNextBlock repositions the cursor, typically from persisted state.
func (ec *EventCursor) SetNextBlock(block uint64) {
	ec.next = block
}

// Poll fetches every event between the cursor position and the current head,
// then advances the cursor past the head. An empty slice means no new
// blocks or no matching logs.
func (ec *EventCursor) Poll(ctx context.Context) ([]Event, error) {
	head, err := ec.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	if head < ec.next {
		return nil, nil
	}
	filter := ec.filter
	filter.FromBlock = ec.next
	filter.ToBlock = head
	events, err := ec.client.QueryEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	ec.next = head + 1
	return events, nil
}
