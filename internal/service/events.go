package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/metaaggregator/escrowgate/internal/escrow"
)

// EventStream opens escrow log subscriptions for one deployment.
type EventStream struct {
	client       escrow.LogFilterer
	contract     common.Address
	pollInterval time.Duration
	maxRange     uint64
}

func NewEventStream(client escrow.LogFilterer, contract common.Address, pollInterval time.Duration, maxRange uint64) *EventStream {
	return &EventStream{
		client:       client,
		contract:     contract,
		pollInterval: pollInterval,
		maxRange:     maxRange,
	}
}

// Subscribe starts at fromBlock, or at the current head when fromBlock is nil.
func (e *EventStream) Subscribe(ctx context.Context, fromBlock *uint64) (*escrow.Subscription, error) {
	start := uint64(0)
	if fromBlock != nil {
		start = *fromBlock
	} else {
		head, err := e.client.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		start = head
	}
	return escrow.Subscribe(ctx, e.client, escrow.SubscriptionQuery{
		Contract:     e.contract,
		FromBlock:    start,
		PollInterval: e.pollInterval,
		MaxRange:     e.maxRange,
	}), nil
}
