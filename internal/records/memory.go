package records

import (
	"context"
	"fmt"
	"sync"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/pkg/types"
)

// MemoryRepository keeps everything in process. Used in development and tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	orders    map[string]engine.Order
	shipments map[string]types.Shipment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:    make(map[string]engine.Order),
		shipments: make(map[string]types.Shipment),
	}
}

func (r *MemoryRepository) GetOrder(ctx context.Context, orderID string) (engine.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[orderID]
	if !ok {
		return engine.Order{}, fmt.Errorf("order %s: %w", orderID, engine.ErrNotFound)
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) CreateOrder(ctx context.Context, o engine.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.ID]; exists {
		return &engine.ValidationError{Field: "id", Reason: fmt.Sprintf("order %s already exists", o.ID)}
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *MemoryRepository) UpdateOrder(ctx context.Context, orderID string, fn func(o *engine.Order) error) (engine.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.orders[orderID]
	if !ok {
		return engine.Order{}, fmt.Errorf("order %s: %w", orderID, engine.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return engine.Order{}, err
	}
	r.orders[orderID] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) GetShipment(ctx context.Context, shipmentID string) (types.Shipment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.shipments[shipmentID]
	if !ok {
		return types.Shipment{}, fmt.Errorf("shipment %s: %w", shipmentID, engine.ErrNotFound)
	}
	return s, nil
}

func (r *MemoryRepository) CreateShipment(ctx context.Context, s types.Shipment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shipments[s.ID] = s
	return nil
}

func (r *MemoryRepository) UpdateShipment(ctx context.Context, shipmentID string, fn func(s *types.Shipment) error) (types.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.shipments[shipmentID]
	if !ok {
		return types.Shipment{}, fmt.Errorf("shipment %s: %w", shipmentID, engine.ErrNotFound)
	}
	if err := fn(&cur); err != nil {
		return types.Shipment{}, err
	}
	r.shipments[shipmentID] = cur
	return cur, nil
}
