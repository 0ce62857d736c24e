package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/tradedesk/internal/model"
)

// MemoryStore implements Store in process memory. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	trades   []model.TradeOrder // insertion order
	ids      map[string]struct{}
	snapshot *model.Snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) InsertTrade(_ context.Context, order *model.TradeOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[order.ID]; dup {
		return fmt.Errorf("trade %s already recorded", order.ID)
	}
	s.ids[order.ID] = struct{}{}
	s.trades = append(s.trades, *order)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, filter TradeFilter) ([]model.TradeOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeOrder
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if filter.Ticker != "" && t.Ticker != filter.Ticker {
			continue
		}
		result = append(result, t)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = cloneSnapshot(snap)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return nil, ErrNotFound
	}
	return cloneSnapshot(s.snapshot), nil
}

// cloneSnapshot copies the slices so callers cannot mutate stored state.
func cloneSnapshot(in *model.Snapshot) *model.Snapshot {
	out := *in
	out.Positions = append([]model.Position(nil), in.Positions...)
	out.ClosedPositions = append([]model.ClosedPosition(nil), in.ClosedPositions...)
	return &out
}
