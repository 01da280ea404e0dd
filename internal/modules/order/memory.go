// README: In-memory order repository for the offline simulator and tests.
package order

import (
	"context"
	"sort"
	"sync"

	"parcelnet/internal/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	orders   map[types.ID]*Order
	timeline map[types.ID][]TimelineEntry
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   map[types.ID]*Order{},
		timeline: map[types.ID][]TimelineEntry{},
	}
}

func cloneOrder(o *Order) *Order {
	c := *o
	if o.RiderIndex != nil {
		v := *o.RiderIndex
		c.RiderIndex = &v
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrConflict
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if f.Status != StatusNone && o.Status != f.Status {
			continue
		}
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, u StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[u.ID]
	if !ok || o.Status != u.From || o.StatusVersion != u.Version {
		return false, nil
	}
	o.Status = u.To
	o.StatusVersion++
	if u.RiderIndex != nil {
		v := *u.RiderIndex
		o.RiderIndex = &v
	}
	at := u.At
	switch u.To {
	case StatusShipping:
		o.ShippedAt = &at
	case StatusDelivered:
		o.DeliveredAt = &at
	case StatusCompleted:
		o.CompletedAt = &at
	case StatusCancelled:
		o.CancelledAt = &at
		o.CancelReason = u.Reason
	}
	return true, nil
}

func (m *MemoryStore) AppendTimeline(_ context.Context, e *TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.timeline[e.OrderID] = append(m.timeline[e.OrderID], *e)
	return nil
}

func (m *MemoryStore) Timeline(_ context.Context, id types.ID) ([]TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TimelineEntry(nil), m.timeline[id]...), nil
}
