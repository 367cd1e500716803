// Package types holds the JSON bodies exchanged with the warehouse record
// service.
package types

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/DoyleJ11/packstation/internal/engine"
)

// Error codes carried in ErrorResponse.Error.
const (
	CodeClaimConflict = "claim_conflict"
	CodeStaleState    = "stale_state"
	CodeValidation    = "validation"
	CodeNotFound      = "not_found"
	CodeForbidden     = "forbidden"
	CodeInternal      = "internal"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Current is the server's verified count when Error is stale_state.
	Current *int `json:"current,omitempty"`
}

type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

type UnclaimRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

type VerifyRequest struct {
	WorkerID string `json:"worker_id"`
	Quantity int    `json:"quantity"`
}

type UndoRequest struct {
	WorkerID string `json:"worker_id"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

type SkipRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

type ItemStatusRequest struct {
	WorkerID string            `json:"worker_id"`
	Status   engine.ItemStatus `json:"status"`
}

type CompleteRequest struct {
	PackerID string `json:"packer_id"`
}

type CreateOrderRequest struct {
	Order engine.Order `json:"order"`
}

type RatesRequest struct {
	Carrier      string          `json:"carrier"`
	ServiceType  string          `json:"service_type"`
	Weight       decimal.Decimal `json:"weight"`
	PackageCount int             `json:"package_count"`
}

type Rate struct {
	ID            string          `json:"id"`
	Carrier       string          `json:"carrier"`
	ServiceType   string          `json:"service_type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	EstimatedDays int             `json:"estimated_days"`
}

type LabelRequest struct {
	RateID string `json:"rate_id"`
}

type Label struct {
	ID             string `json:"id"`
	RateID         string `json:"rate_id"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

type ShipmentRequest struct {
	Carrier      string          `json:"carrier"`
	ServiceType  string          `json:"service_type"`
	ShipFrom     engine.Address  `json:"ship_from"`
	ShipTo       engine.Address  `json:"ship_to"`
	Weight       decimal.Decimal `json:"weight"`
	PackageCount int             `json:"package_count"`
	LabelID      string          `json:"label_id,omitempty"`
}

type Shipment struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	Carrier        string          `json:"carrier"`
	ServiceType    string          `json:"service_type"`
	Weight         decimal.Decimal `json:"weight"`
	PackageCount   int             `json:"package_count"`
	LabelID        string          `json:"label_id,omitempty"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	ShipFrom       engine.Address  `json:"ship_from"`
	ShipTo         engine.Address  `json:"ship_to"`
	CreatedAt      time.Time       `json:"created_at"`
}

type TrackingRequest struct {
	TrackingNumber string `json:"tracking_number"`
}
