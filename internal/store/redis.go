package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/tradedesk/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  "tradedesk",
	}
}

// --- Write-through ---

func (s *CachedStore) InsertTrade(ctx context.Context, order *model.TradeOrder) error {
	if err := s.primary.InsertTrade(ctx, order); err != nil {
		return err
	}
	// Bumping the generation orphans every cached history page; they expire
	// with the TTL.
	s.rdb.Incr(ctx, s.historyGenKey())
	return nil
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, s.snapshotKey(), data, s.ttl)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, s.snapshotKey()).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, s.snapshotKey(), data, s.ttl)
	}
	return snap, nil
}

// ListTrades caches history pages keyed by ticker, limit and a generation
// counter bumped on every insert.
func (s *CachedStore) ListTrades(ctx context.Context, filter TradeFilter) ([]model.TradeOrder, error) {
	gen, _ := s.rdb.Get(ctx, s.historyGenKey()).Int64()
	key := fmt.Sprintf("%s:%d:%d", s.historyKey(filter.Ticker), gen, filter.Limit)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var orders []model.TradeOrder
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	orders, err := s.primary.ListTrades(ctx, filter)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(orders); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return orders, nil
}

// --- Cache keys ---

func (s *CachedStore) snapshotKey() string   { return s.prefix + ":snapshot" }
func (s *CachedStore) historyGenKey() string { return s.prefix + ":history:gen" }
func (s *CachedStore) historyKey(ticker string) string {
	if ticker == "" {
		ticker = "*"
	}
	return fmt.Sprintf("%s:history:%s", s.prefix, ticker)
}
