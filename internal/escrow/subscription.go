package escrow

import (
	"cmp"
	"context"
	"iter"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxRange     = 2000
)

// LogFilterer is the slice of ethclient.Client a subscription polls.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type SubscriptionQuery struct {
	Contract     common.Address
	FromBlock    uint64
	PollInterval time.Duration
	MaxRange     uint64
}

// Cursor marks the last event a subscription delivered.
type Cursor struct {
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint   `json:"log_index"`
}

func (c Cursor) before(ev Event) bool {
	if ev.BlockNumber != c.BlockNumber {
		return ev.BlockNumber > c.BlockNumber
	}
	return ev.LogIndex > c.LogIndex
}

// Subscription polls escrow logs in block ranges and hands them out as a
// pull iterator. Calling Events again after the consumer stops resumes
// from the last delivered event.
type Subscription struct {
	client LogFilterer
	query  SubscriptionQuery

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu        sync.Mutex
	cursor    *Cursor
	nextBlock uint64
	lastHead  uint64
}

func Subscribe(ctx context.Context, client LogFilterer, q SubscriptionQuery) *Subscription {
	if q.PollInterval <= 0 {
		q.PollInterval = defaultPollInterval
	}
	if q.MaxRange == 0 {
		q.MaxRange = defaultMaxRange
	}
	subCtx, cancel := context.WithCancel(ctx)
	return &Subscription{
		client:    client,
		query:     q,
		ctx:       subCtx,
		cancel:    cancel,
		nextBlock: q.FromBlock,
	}
}

// Events yields decoded logs in (block, index) order. Transient RPC
// errors are yielded with a zero Event and polling continues. The
// sequence ends when the consumer stops, after Unsubscribe, or when the
// parent context is done.
func (s *Subscription) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for s.ctx.Err() == nil {
			events, err := s.poll()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				if !yield(Event{}, err) {
					return
				}
			}
			for _, ev := range events {
				if !s.advance(ev) {
					continue
				}
				if !yield(ev, nil) {
					s.rewind(ev.BlockNumber)
					return
				}
			}
			if err == nil && !s.caughtUp() {
				continue
			}

			timer := time.NewTimer(s.query.PollInterval)
			select {
			case <-s.ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// poll fetches at most MaxRange blocks starting at nextBlock.
func (s *Subscription) poll() ([]Event, error) {
	head, err := s.client.BlockNumber(s.ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	from := s.nextBlock
	s.mu.Unlock()
	if from > head {
		return nil, nil
	}
	to := head
	if to-from+1 > s.query.MaxRange {
		to = from + s.query.MaxRange - 1
	}

	logs, err := s.client.FilterLogs(s.ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.query.Contract},
		Topics:    [][]common.Hash{EventTopics()},
	})
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := DecodeEvent(lg)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	sortEvents(events)

	s.mu.Lock()
	if to+1 > s.nextBlock {
		s.nextBlock = to + 1
	}
	s.lastHead = head
	s.mu.Unlock()
	return events, nil
}

// advance records ev as delivered, reporting false for anything at or
// before the cursor.
func (s *Subscription) advance(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor != nil && !s.cursor.before(ev) {
		return false
	}
	s.cursor = &Cursor{BlockNumber: ev.BlockNumber, LogIndex: ev.LogIndex}
	return true
}

// rewind moves polling back to block so undelivered logs in a batch the
// consumer abandoned are fetched again; advance drops the repeats.
func (s *Subscription) rewind(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block < s.nextBlock {
		s.nextBlock = block
	}
}

func (s *Subscription) caughtUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextBlock > s.lastHead
}

// Restart returns a sequence resuming after the last delivered event.
func (s *Subscription) Restart() iter.Seq2[Event, error] {
	return s.Events()
}

// Cursor returns the last delivered position, if any.
func (s *Subscription) Cursor() (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return Cursor{}, false
	}
	return *s.cursor, true
}

// Unsubscribe stops polling. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

func sortEvents(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.LogIndex, b.LogIndex)
	})
}
