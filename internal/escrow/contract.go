package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ContractABI covers the parts of MetaAggregatorEscrow the relay touches.
const ContractABI = `[
	{"type":"function","name":"releaseWithSignature","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"to","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"signature","type":"bytes"}]},
	{"type":"event","name":"Deposited","anonymous":false,
	 "inputs":[{"name":"depositor","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Released","anonymous":false,
	 "inputs":[{"name":"to","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Refunded","anonymous":false,
	 "inputs":[{"name":"depositor","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const releaseMethod = "releaseWithSignature"

// EventKind names an escrow event.
type EventKind string

const (
	EventDeposited EventKind = "Deposited"
	EventReleased  EventKind = "Released"
	EventRefunded  EventKind = "Refunded"
)

var ErrUnknownEvent = errors.New("unknown escrow event")

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		panic(fmt.Sprintf("escrow abi: %v", err))
	}
	return parsed
}

// Event is a decoded escrow log. Party is the depositor for Deposited and
// Refunded, and the recipient for Released.
type Event struct {
	Kind        EventKind      `json:"kind"`
	Contract    common.Address `json:"contract"`
	Party       common.Address `json:"party"`
	Token       common.Address `json:"token"`
	Amount      *big.Int       `json:"amount"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
}

// PackReleaseWithSignature returns calldata for
// releaseWithSignature(to, token, amount, signature).
func PackReleaseWithSignature(to, token common.Address, amount *big.Int, signature []byte) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be a non-negative integer")
	}
	data, err := parsedABI.Pack(releaseMethod, to, token, amount, signature)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", releaseMethod, err)
	}
	return data, nil
}

// ReleaseSelector is the 4-byte method id of releaseWithSignature.
func ReleaseSelector() []byte {
	return parsedABI.Methods[releaseMethod].ID
}

// EventTopics returns topic0 for every escrow event, for log filters.
func EventTopics() []common.Hash {
	return []common.Hash{
		parsedABI.Events[string(EventDeposited)].ID,
		parsedABI.Events[string(EventReleased)].ID,
		parsedABI.Events[string(EventRefunded)].ID,
	}
}

// DecodeEvent turns a raw escrow log into an Event.
func DecodeEvent(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return Event{}, ErrUnknownEvent
	}
	ev, err := parsedABI.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}
	if len(lg.Topics) != 3 {
		return Event{}, fmt.Errorf("%s log has %d topics, want 3", ev.Name, len(lg.Topics))
	}
	values, err := parsedABI.Unpack(ev.Name, lg.Data)
	if err != nil {
		return Event{}, fmt.Errorf("unpack %s: %w", ev.Name, err)
	}
	if len(values) != 1 {
		return Event{}, fmt.Errorf("%s carries %d data values, want 1", ev.Name, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return Event{}, fmt.Errorf("%s amount has type %T", ev.Name, values[0])
	}
	return Event{
		Kind:        EventKind(ev.Name),
		Contract:    lg.Address,
		Party:       common.BytesToAddress(lg.Topics[1].Bytes()),
		Token:       common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      amount,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}, nil
}
