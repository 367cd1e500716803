// Package records is the warehouse record service behind the packing API:
// it owns orders and shipments and enforces the rules every client relies
// on, in particular that only the claim owner can change an order.
package records

import (
	"context"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/pkg/types"
)

// Repository stores orders and shipments. Update and UpdateShipment apply fn
// atomically: no other update of the same record interleaves with it, and
// nothing is written when fn fails.
type Repository interface {
	GetOrder(ctx context.Context, orderID string) (engine.Order, error)
	CreateOrder(ctx context.Context, o engine.Order) error
	UpdateOrder(ctx context.Context, orderID string, fn func(o *engine.Order) error) (engine.Order, error)

	GetShipment(ctx context.Context, shipmentID string) (types.Shipment, error)
	CreateShipment(ctx context.Context, s types.Shipment) error
	UpdateShipment(ctx context.Context, shipmentID string, fn func(s *types.Shipment) error) (types.Shipment, error)
}
