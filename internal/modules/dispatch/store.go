// README: Dispatch store mirrors the rider pool and overflow queue into Redis.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	poolKey     = "dispatch:pool"
	overflowKey = "dispatch:overflow"
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

type poolRecord struct {
	MaxCouriers        int       `json:"maxRiders"`
	PerCourierCapacity int       `json:"perRiderMaxOrders"`
	Couriers           []Courier `json:"riders"`
}

// SavePool replaces the stored pool and queue in one transaction.
func (s *Store) SavePool(ctx context.Context, st PoolState) error {
	pool, err := json.Marshal(poolRecord{
		MaxCouriers:        st.MaxCouriers,
		PerCourierCapacity: st.PerCourierCapacity,
		Couriers:           st.Couriers,
	})
	if err != nil {
		return fmt.Errorf("marshal pool: %w", err)
	}
	entries := make([]any, 0, len(st.Queue))
	for _, e := range st.Queue {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		entries = append(entries, b)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, poolKey, pool, 0)
	pipe.Del(ctx, overflowKey)
	if len(entries) > 0 {
		pipe.RPush(ctx, overflowKey, entries...)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// LoadConfig returns the last saved pool dimensions; ok is false when none were saved.
func (s *Store) LoadConfig(ctx context.Context) (maxCouriers, perCourierCapacity int, ok bool, err error) {
	raw, err := s.redis.Get(ctx, poolKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	var rec poolRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, 0, false, fmt.Errorf("decode pool: %w", err)
	}
	return rec.MaxCouriers, rec.PerCourierCapacity, true, nil
}

// Queue reads the mirrored overflow queue, oldest first.
func (s *Store) Queue(ctx context.Context) ([]QueueEntry, error) {
	raw, err := s.redis.LRange(ctx, overflowKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, 0, len(raw))
	for _, r := range raw {
		var e QueueEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
