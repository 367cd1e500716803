// Package shipping turns a fully verified order into a shipment: it checks
// the operator's shipping draft, buys a label when the carrier is rated
// through the API, records the shipment and finally marks packing complete.
package shipping

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/pkg/types"
)

type Backend interface {
	GetRates(ctx context.Context, orderID string, req types.RatesRequest) ([]types.Rate, error)
	PurchaseLabel(ctx context.Context, orderID, rateID string) (types.Label, error)
	CreateShipment(ctx context.Context, orderID string, req types.ShipmentRequest) (types.Shipment, error)
	AttachTracking(ctx context.Context, shipmentID, trackingNumber string) (types.Shipment, error)
	CompletePacking(ctx context.Context, orderID, packerID string) error
}

// Draft is the operator's shipping input for one order.
type Draft struct {
	Carrier        string
	ServiceType    string
	QuoteID        string
	TrackingNumber string
	Weight         decimal.Decimal
	PackageCount   int
	// Zero addresses fall back to the order's addresses.
	ShipFrom engine.Address
	ShipTo   engine.Address
	// Resume continues a failed Finalize from what it already created.
	Resume *Progress
}

// Progress is what a failed Finalize had already created on the server. A
// purchased label consumes its quote and a created shipment cannot be
// created again, so a retry must carry both forward.
type Progress struct {
	LabelID  string
	Tracking string
	Shipment *types.Shipment
}

const (
	StepLabel    = "purchase label"
	StepShipment = "create shipment"
	StepTracking = "attach tracking"
	StepComplete = "complete packing"
)

// StepError names the finalize step that failed. Steps before it may have
// taken effect; packing completion never has. Progress is set when a label
// or shipment exists; pass it back as Draft.Resume to retry.
type StepError struct {
	Step     string
	Err      error
	Progress *Progress
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

type Finalizer struct {
	backend Backend
	catalog Catalog
	log     *zap.Logger
}

func NewFinalizer(backend Backend, catalog Catalog, log *zap.Logger) *Finalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Finalizer{backend: backend, catalog: catalog, log: log.Named("shipping")}
}

func (f *Finalizer) Catalog() Catalog { return f.catalog }

func invalid(field, reason string) error {
	return &engine.ValidationError{Field: field, Reason: reason}
}

// validateParcel checks everything a rate request needs.
func (f *Finalizer) validateParcel(d Draft) (Carrier, error) {
	if strings.TrimSpace(d.Carrier) == "" {
		return Carrier{}, invalid("carrier", "select a carrier")
	}
	carrier, ok := f.catalog.Lookup(d.Carrier)
	if !ok {
		return Carrier{}, invalid("carrier", fmt.Sprintf("unknown carrier %q", d.Carrier))
	}
	if carrier.RequiresQuote && strings.TrimSpace(d.ServiceType) == "" {
		return carrier, invalid("service_type", fmt.Sprintf("select a %s service", carrier.Name))
	}
	if d.ServiceType != "" && !carrier.SupportsService(d.ServiceType) {
		return carrier, invalid("service_type", fmt.Sprintf("%s does not offer %q", carrier.Name, d.ServiceType))
	}
	if !d.Weight.IsPositive() {
		return carrier, invalid("weight", fmt.Sprintf("must be positive, got %s", d.Weight.String()))
	}
	if d.PackageCount <= 0 {
		return carrier, invalid("package_count", fmt.Sprintf("must be positive, got %d", d.PackageCount))
	}
	return carrier, nil
}

// Validate runs every check that can be made without the network.
func (f *Finalizer) Validate(d Draft) error {
	carrier, err := f.validateParcel(d)
	if err != nil {
		return err
	}
	if carrier.RequiresQuote && strings.TrimSpace(d.QuoteID) == "" {
		return invalid("quote", fmt.Sprintf("select a %s rate quote", carrier.Name))
	}
	if !carrier.RequiresQuote && strings.TrimSpace(d.TrackingNumber) == "" {
		return invalid("tracking_number", fmt.Sprintf("%s shipments need a tracking number", carrier.Name))
	}
	return nil
}

// Quotes fetches rates for a quoted carrier so the operator can pick one.
func (f *Finalizer) Quotes(ctx context.Context, orderID string, d Draft) ([]types.Rate, error) {
	carrier, err := f.validateParcel(d)
	if err != nil {
		return nil, err
	}
	if !carrier.RequiresQuote {
		return nil, invalid("carrier", fmt.Sprintf("%s is not rated automatically", carrier.Name))
	}
	rates, err := f.backend.GetRates(ctx, orderID, types.RatesRequest{
		Carrier:      carrier.Code,
		ServiceType:  d.ServiceType,
		Weight:       d.Weight,
		PackageCount: d.PackageCount,
	})
	if err != nil {
		return nil, fmt.Errorf("get rates: %w", err)
	}
	return rates, nil
}

// Finalize ships the order. Packing is marked complete only after every
// other step succeeded.
func (f *Finalizer) Finalize(ctx context.Context, o engine.Order, packerID string, d Draft) (types.Shipment, error) {
	if err := f.Validate(d); err != nil {
		return types.Shipment{}, err
	}
	carrier, _ := f.catalog.Lookup(d.Carrier)
	log := f.log.With(zap.String("order_id", o.ID), zap.String("carrier", carrier.Code))

	p := Progress{Tracking: strings.TrimSpace(d.TrackingNumber)}
	if d.Resume != nil {
		p = *d.Resume
		if p.Tracking == "" {
			p.Tracking = strings.TrimSpace(d.TrackingNumber)
		}
		log.Debug("resuming finalize", zap.String("label_id", p.LabelID), zap.Bool("has_shipment", p.Shipment != nil))
	}
	fail := func(step string, err error) (types.Shipment, error) {
		se := &StepError{Step: step, Err: err}
		if p.LabelID != "" || p.Shipment != nil {
			done := p
			se.Progress = &done
		}
		return types.Shipment{}, se
	}

	if carrier.RequiresQuote && p.LabelID == "" && p.Shipment == nil {
		label, err := f.backend.PurchaseLabel(ctx, o.ID, d.QuoteID)
		if err != nil {
			return fail(StepLabel, err)
		}
		p.LabelID = label.ID
		p.Tracking = label.TrackingNumber
		log.Debug("label purchased", zap.String("label_id", label.ID))
	}

	if p.Shipment == nil {
		req := types.ShipmentRequest{
			Carrier:      carrier.Code,
			ServiceType:  d.ServiceType,
			ShipFrom:     d.ShipFrom,
			ShipTo:       d.ShipTo,
			Weight:       d.Weight,
			PackageCount: d.PackageCount,
			LabelID:      p.LabelID,
		}
		if req.ShipFrom == (engine.Address{}) {
			req.ShipFrom = o.ShipFrom
		}
		if req.ShipTo == (engine.Address{}) {
			req.ShipTo = o.ShipTo
		}
		created, err := f.backend.CreateShipment(ctx, o.ID, req)
		if err != nil {
			return fail(StepShipment, err)
		}
		p.Shipment = &created
	}

	shp := *p.Shipment
	if p.Tracking != "" && shp.TrackingNumber != p.Tracking {
		tracked, err := f.backend.AttachTracking(ctx, shp.ID, p.Tracking)
		if err != nil {
			return fail(StepTracking, err)
		}
		shp = tracked
		p.Shipment = &tracked
	}

	if err := f.backend.CompletePacking(ctx, o.ID, packerID); err != nil {
		return fail(StepComplete, err)
	}
	log.Info("shipment created", zap.String("shipment_id", shp.ID), zap.String("tracking", shp.TrackingNumber))
	return shp, nil
}
