// Package query is the read side of the chat index.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/chatindex/pkg/chat/threadkey"
	"github.com/canopy-network/chatindex/pkg/chat/types"
	chatstore "github.com/canopy-network/chatindex/pkg/db/chat"
	"github.com/canopy-network/chatindex/pkg/metrics"
)

// Options filter and page a query. Limit <= 0 returns everything after Offset.
type Options struct {
	IncludePayments bool
	Limit           int
	Offset          int
}

// Chat is one row of ListChats. Participants[0] is always the requesting account.
type Chat struct {
	Thread          types.ThreadKey      `json:"thread"`
	Participants    [2]types.Participant `json:"participants"`
	LastTransaction *types.TimelineEntry `json:"lastTransaction"`
	MessageCount    uint64               `json:"messageCount"`
	PaymentCount    uint64               `json:"paymentCount"`
}

// ChatList is the result of ListChats. Count is len(Chats); Total counts every chat before paging.
type ChatList struct {
	Count int    `json:"count"`
	Total int    `json:"total"`
	Chats []Chat `json:"chats"`
}

// MessageList is the result of ListMessages. Count is len(Messages); Total counts every
// visible entry before paging. Participants is empty when the two accounts share no visible entries.
type MessageList struct {
	Count        int                   `json:"count"`
	Total        int                   `json:"total"`
	Messages     []types.TimelineEntry `json:"messages"`
	Participants []types.Participant   `json:"participants"`
}

// Service answers chat queries from a Store. It never writes.
type Service struct {
	logger   *zap.Logger
	store    chatstore.Store
	resolver *threadkey.Resolver
	metrics  *metrics.Collector
}

// New returns a query Service. A nil resolver uses threadkey.Default.
func New(logger *zap.Logger, store chatstore.Store, resolver *threadkey.Resolver, m *metrics.Collector) *Service {
	if resolver == nil {
		resolver = threadkey.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger, store: store, resolver: resolver, metrics: m}
}

// ListChats returns every thread address takes part in, most recent activity first and
// ties by thread key.
// Threads holding only payments are listed only when opts.IncludePayments is set.
func (s *Service) ListChats(ctx context.Context, address string, opts Options) (*ChatList, error) {
	defer s.observe("list_chats", time.Now())

	if err := s.resolver.ValidateAddress(address); err != nil {
		return nil, err
	}
	keys, err := s.store.ThreadsFor(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("threads of %s: %w", address, err)
	}

	chats := make([]Chat, 0, len(keys))
	for _, key := range keys {
		thread, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load thread %s: %w", key, err)
		}
		if thread == nil || !key.Has(address) {
			// Neither case can happen with an atomic store.
			s.logger.Warn("Account index points at a missing or foreign thread",
				zap.String("address", address),
				zap.String("thread", string(key)))
			continue
		}
		last := thread.LastActivity(opts.IncludePayments)
		if last == nil {
			continue
		}
		participants, err := s.participants(ctx, thread, address, key.Other(address))
		if err != nil {
			return nil, err
		}
		chats = append(chats, Chat{
			Thread:          key,
			Participants:    participants,
			LastTransaction: last,
			MessageCount:    thread.MessageCount,
			PaymentCount:    thread.PaymentCount,
		})
	}

	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i].LastTransaction.Order, chats[j].LastTransaction.Order
		if c := a.Compare(b); c != 0 {
			return c > 0
		}
		return chats[i].Thread < chats[j].Thread
	})

	lo, hi := window(len(chats), opts)
	return &ChatList{Count: hi - lo, Total: len(chats), Chats: chats[lo:hi]}, nil
}

// ListMessages returns the timeline between address and companion in confirmation order.
// An unknown pair is not an error: it yields an empty list.
func (s *Service) ListMessages(ctx context.Context, address, companion string, opts Options) (*MessageList, error) {
	defer s.observe("list_messages", time.Now())

	key, err := s.resolver.Resolve(address, companion)
	if err != nil {
		return nil, err
	}

	out := &MessageList{
		Messages:     []types.TimelineEntry{},
		Participants: []types.Participant{},
	}

	thread, entries, err := s.store.Timeline(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", key, err)
	}
	if thread == nil {
		return out, nil
	}

	visible := entries[:0]
	for _, e := range entries {
		if e.Kind == types.EntryKindMessage || opts.IncludePayments {
			visible = append(visible, e)
		}
	}

	participants, err := s.participants(ctx, thread, address, companion)
	if err != nil {
		return nil, err
	}

	lo, hi := window(len(visible), opts)
	out.Total = len(visible)
	out.Messages = append(out.Messages, visible[lo:hi]...)
	out.Count = len(out.Messages)
	if out.Total > 0 {
		out.Participants = participants[:]
	}
	return out, nil
}

// participants orders the pair as (first, second) and fills public keys the thread has not
// learned yet from the account directory.
func (s *Service) participants(ctx context.Context, thread *types.Thread, first, second string) ([2]types.Participant, error) {
	var out [2]types.Participant
	for i, addr := range []string{first, second} {
		p, _ := thread.Participant(addr)
		p.Address = addr
		if p.PublicKey == "" {
			pk, err := s.store.PublicKey(ctx, addr)
			if err != nil {
				return out, fmt.Errorf("public key of %s: %w", addr, err)
			}
			p.PublicKey = pk
		}
		out[i] = p
	}
	return out, nil
}

func (s *Service) observe(op string, start time.Time) {
	s.metrics.ObserveQuery(op, time.Since(start))
}

// window converts Offset/Limit into slice bounds over n items.
func window(n int, opts Options) (int, int) {
	lo := opts.Offset
	if lo < 0 {
		lo = 0
	}
	if lo > n {
		lo = n
	}
	hi := n
	if opts.Limit > 0 && lo+opts.Limit < n {
		hi = lo + opts.Limit
	}
	return lo, hi
}
