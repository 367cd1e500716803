package records

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/pkg/types"
)

// Publisher receives every order after a successful mutation.
type Publisher interface {
	Publish(o engine.Order)
}

type nopPublisher struct{}

func (nopPublisher) Publish(engine.Order) {}

// RateCard prices one carrier service: Base per package plus PerKg for each
// kilogram of every package.
type RateCard struct {
	Base          decimal.Decimal
	PerKg         decimal.Decimal
	EstimatedDays int
}

// DefaultRates covers the quoted carriers of the default shipping catalog.
func DefaultRates() map[string]RateCard {
	d := decimal.RequireFromString
	return map[string]RateCard{
		"UPS/GROUND":            {Base: d("8.50"), PerKg: d("1.20"), EstimatedDays: 5},
		"UPS/2DAY":              {Base: d("14.00"), PerKg: d("2.10"), EstimatedDays: 2},
		"UPS/NEXT_DAY":          {Base: d("24.00"), PerKg: d("3.40"), EstimatedDays: 1},
		"FEDEX/GROUND":          {Base: d("8.20"), PerKg: d("1.25"), EstimatedDays: 5},
		"FEDEX/EXPRESS":         {Base: d("19.50"), PerKg: d("2.90"), EstimatedDays: 2},
		"FEDEX/OVERNIGHT":       {Base: d("27.00"), PerKg: d("3.80"), EstimatedDays: 1},
		"USPS/GROUND_ADVANTAGE": {Base: d("6.10"), PerKg: d("0.95"), EstimatedDays: 5},
		"USPS/PRIORITY":         {Base: d("9.80"), PerKg: d("1.40"), EstimatedDays: 3},
	}
}

func rateKey(carrier, service string) string {
	return strings.ToUpper(carrier) + "/" + strings.ToUpper(service)
}

// Service enforces the packing rules on top of a Repository. Its method set
// is the warehouse API a packing client consumes.
type Service struct {
	repo  Repository
	pub   Publisher
	log   *zap.Logger
	rates map[string]RateCard
	now   func() time.Time

	mu     sync.Mutex
	quotes map[string]quote
}

type quote struct {
	orderID string
	rate    types.Rate
}

func NewService(repo Repository, pub Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		pub:    pub,
		log:    log.Named("records"),
		rates:  DefaultRates(),
		now:    time.Now,
		quotes: make(map[string]quote),
	}
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (engine.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// CreateOrder seeds an order. Missing item statuses default to PENDING and
// the order starts at version 1 with no claim.
func (s *Service) CreateOrder(ctx context.Context, o engine.Order) (engine.Order, error) {
	if strings.TrimSpace(o.ID) == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = engine.StatusPicked
	}
	if len(o.Items) == 0 {
		return engine.Order{}, &engine.ValidationError{Field: "items", Reason: "an order needs at least one item"}
	}
	seen := make(map[string]bool, len(o.Items))
	for idx := range o.Items {
		it := &o.Items[idx]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if seen[it.ID] {
			return engine.Order{}, &engine.ValidationError{Field: "items", Reason: fmt.Sprintf("duplicate item id %s", it.ID)}
		}
		seen[it.ID] = true
		if it.Quantity < 1 {
			return engine.Order{}, &engine.ValidationError{Field: "quantity", Reason: fmt.Sprintf("item %s needs a quantity of at least 1", it.ID)}
		}
		if it.Status == "" {
			it.Status = engine.ItemPending
		}
		it.VerifiedQuantity = engine.ClampVerified(*it, it.VerifiedQuantity)
	}
	o.ClaimedBy = ""
	o.Version = 1

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return engine.Order{}, err
	}
	s.log.Info("order created", zap.String("order_id", o.ID), zap.Int("items", len(o.Items)))
	s.pub.Publish(o)
	return o, nil
}

// mutate runs fn under the repository's update lock, bumps the version and
// publishes the result.
func (s *Service) mutate(ctx context.Context, orderID string, fn func(o *engine.Order) error) (engine.Order, error) {
	o, err := s.repo.UpdateOrder(ctx, orderID, func(o *engine.Order) error {
		if err := fn(o); err != nil {
			return err
		}
		o.Version++
		return nil
	})
	if err != nil {
		return engine.Order{}, err
	}
	s.pub.Publish(o)
	return o, nil
}

func requireOwner(o *engine.Order, workerID string) error {
	if o.ClaimedBy == "" || o.ClaimedBy != workerID {
		return fmt.Errorf("order %s: %w", o.ID, engine.ErrNotOwner)
	}
	if engine.IsTerminal(o.Status) {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, engine.ErrNotOwner)
	}
	return nil
}

func item(o *engine.Order, itemID string) (*engine.Item, error) {
	idx := o.ItemIndex(itemID)
	if idx < 0 {
		return nil, fmt.Errorf("item %s: %w", itemID, engine.ErrUnknownItem)
	}
	return &o.Items[idx], nil
}

// ClaimForPacking gives the worker exclusive write access. Claiming an order
// the worker already owns succeeds without a change.
func (s *Service) ClaimForPacking(ctx context.Context, orderID, workerID string) (engine.Order, error) {
	if strings.TrimSpace(workerID) == "" {
		return engine.Order{}, &engine.ValidationError{Field: "worker_id", Reason: "required"}
	}
	var owned bool
	o, err := s.repo.UpdateOrder(ctx, orderID, func(o *engine.Order) error {
		if o.ClaimedBy == workerID && !engine.IsTerminal(o.Status) {
			owned = true
			return nil
		}
		if o.ClaimedBy != "" {
			return &engine.ClaimConflictError{OrderID: o.ID, ClaimedBy: o.ClaimedBy}
		}
		if o.Status != engine.StatusPicked && o.Status != engine.StatusPacking {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, engine.ErrNotClaimable)
		}
		o.ClaimedBy = workerID
		o.Status = engine.StatusPacking
		o.Version++
		return nil
	})
	if err != nil {
		s.log.Warn("claim rejected", zap.String("order_id", orderID), zap.String("worker_id", workerID), zap.Error(err))
		return engine.Order{}, err
	}
	if !owned {
		s.log.Info("order claimed", zap.String("order_id", orderID), zap.String("worker_id", workerID))
		s.pub.Publish(o)
	}
	return o, nil
}

// UnclaimPacking releases the claim. An order the worker moved into PACKING
// goes back to PICKED so the next claim starts from the usual status.
func (s *Service) UnclaimPacking(ctx context.Context, orderID, workerID, reason string) error {
	reason, err := engine.RequireReason(reason)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, orderID, func(o *engine.Order) error {
		if err := engine.CanUnclaim(*o, engine.Identity{WorkerID: workerID}); err != nil {
			return fmt.Errorf("order %s: %w", o.ID, err)
		}
		o.ClaimedBy = ""
		if o.Status == engine.StatusPacking {
			o.Status = engine.StatusPicked
		}
		return nil
	})
	if err != nil {
		s.log.Warn("unclaim rejected", zap.String("order_id", orderID), zap.String("worker_id", workerID), zap.Error(err))
		return err
	}
	s.log.Info("order unclaimed", zap.String("order_id", orderID), zap.String("worker_id", workerID), zap.String("reason", reason))
	return nil
}

// VerifyItem records quantity more verified units. Counting past the
// item's quantity is reported as stale state: the caller's view is behind.
func (s *Service) VerifyItem(ctx context.Context, orderID, itemID, workerID string, quantity int) error {
	if quantity < 1 {
		return &engine.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	_, err := s.mutate(ctx, orderID, func(o *engine.Order) error {
		if err := requireOwner(o, workerID); err != nil {
			return err
		}
		it, err := item(o, itemID)
		if err != nil {
			return err
		}
		if it.Skipped() {
			return fmt.Errorf("item %s: %w", itemID, engine.ErrAlreadySkipped)
		}
		if it.VerifiedQuantity+quantity > it.Quantity {
			return fmt.Errorf("item %s: %d of %d verified, cannot verify %d more: %w",
				itemID, it.VerifiedQuantity, it.Quantity, quantity, engine.ErrStaleState)
		}
		it.VerifiedQuantity += quantity
		return nil
	})
	if err != nil {
		s.log.Warn("verify rejected", zap.String("order_id", orderID), zap.String("item_id", itemID), zap.Error(err))
	}
	return err
}

func (s *Service) SkipItem(ctx context.Context, orderID, itemID, workerID, reason string) error {
	reason, err := engine.RequireReason(reason)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, orderID, func(o *engine.Order) error {
		if err := requireOwner(o, workerID); err != nil {
			return err
		}
		it, err := item(o, itemID)
		if err != nil {
			return err
		}
		if it.Skipped() {
			return fmt.Errorf("item %s: %w", itemID, engine.ErrAlreadySkipped)
		}
		it.Status = engine.ItemSkipped
		it.SkipReason = reason
		return nil
	})
	if err != nil {
		s.log.Warn("skip rejected", zap.String("order_id", orderID), zap.String("item_id", itemID), zap.Error(err))
	}
	return err
}

// UndoVerification removes quantity verified units. Asking for more than
// are verified fails with an *engine.UndoRaceError carrying the current count.
func (s *Service) UndoVerification(ctx context.Context, orderID, itemID, workerID string, quantity int, reason string) error {
	reason, err := engine.RequireReason(reason)
	if err != nil {
		return err
	}
	if quantity < 1 {
		return &engine.ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	_, err = s.mutate(ctx, orderID, func(o *engine.Order) error {
		if err := requireOwner(o, workerID); err != nil {
			return err
		}
		it, err := item(o, itemID)
		if err != nil {
			return err
		}
		if quantity > it.VerifiedQuantity {
			return &engine.UndoRaceError{ItemID: itemID, Requested: quantity, Current: it.VerifiedQuantity}
		}
		it.VerifiedQuantity -= quantity
		return nil
	})
	if err != nil {
		s.log.Warn("undo rejected", zap.String("order_id", orderID), zap.String("item_id", itemID), zap.Error(err))
		return err
	}
	s.log.Info("verification undone",
		zap.String("order_id", orderID), zap.String("item_id", itemID),
		zap.Int("quantity", quantity), zap.String("reason", reason))
	return nil
}

// SetItemStatus moves an item between PENDING and SKIPPED. Returning to
// PENDING clears the skip reason.
func (s *Service) SetItemStatus(ctx context.Context, orderID, itemID, workerID string, status engine.ItemStatus) error {
	if status != engine.ItemPending && status != engine.ItemSkipped {
		return &engine.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown item status %q", status)}
	}
	_, err := s.mutate(ctx, orderID, func(o *engine.Order) error {
		if err := requireOwner(o, workerID); err != nil {
			return err
		}
		it, err := item(o, itemID)
		if err != nil {
			return err
		}
		it.Status = status
		if status == engine.ItemPending {
			it.SkipReason = ""
		}
		return nil
	})
	return err
}

// CompletePacking marks the order PACKED once every item is verified or
// skipped. The claim stays on the record as the packer.
func (s *Service) CompletePacking(ctx context.Context, orderID, packerID string) error {
	_, err := s.mutate(ctx, orderID, func(o *engine.Order) error {
		if err := requireOwner(o, packerID); err != nil {
			return err
		}
		if !engine.ReadyToFinalize(o.Items) {
			return fmt.Errorf("order %s: %w", o.ID, engine.ErrNotComplete)
		}
		o.Status = engine.StatusPacked
		return nil
	})
	if err != nil {
		s.log.Warn("complete rejected", zap.String("order_id", orderID), zap.Error(err))
		return err
	}
	s.log.Info("order packed", zap.String("order_id", orderID), zap.String("packer_id", packerID))
	return nil
}

// GetRates prices the requested service for the parcel. Quotes are kept so a
// label can be bought against them.
func (s *Service) GetRates(ctx context.Context, orderID string, req types.RatesRequest) ([]types.Rate, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if !req.Weight.IsPositive() {
		return nil, &engine.ValidationError{Field: "weight", Reason: "must be greater than zero"}
	}
	if req.PackageCount < 1 {
		return nil, &engine.ValidationError{Field: "package_count", Reason: "must be at least 1"}
	}

	prefix := strings.ToUpper(req.Carrier) + "/"
	var out []types.Rate
	for key, card := range s.rates {
		if req.ServiceType != "" && key != rateKey(req.Carrier, req.ServiceType) {
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		pkgs := decimal.NewFromInt(int64(req.PackageCount))
		amount := card.Base.Mul(pkgs).Add(card.PerKg.Mul(req.Weight).Mul(pkgs)).Round(2)
		out = append(out, types.Rate{
			ID:            uuid.NewString(),
			Carrier:       strings.ToUpper(req.Carrier),
			ServiceType:   strings.TrimPrefix(key, prefix),
			Amount:        amount,
			Currency:      "USD",
			EstimatedDays: card.EstimatedDays,
		})
	}
	if len(out) == 0 {
		return nil, &engine.ValidationError{Field: "carrier", Reason: fmt.Sprintf("no rates for %s %s", req.Carrier, req.ServiceType)}
	}

	slices.SortFunc(out, func(a, b types.Rate) int { return a.Amount.Cmp(b.Amount) })

	s.mu.Lock()
	for _, r := range out {
		s.quotes[r.ID] = quote{orderID: orderID, rate: r}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *Service) PurchaseLabel(ctx context.Context, orderID, rateID string) (types.Label, error) {
	s.mu.Lock()
	q, ok := s.quotes[rateID]
	if ok && q.orderID == orderID {
		delete(s.quotes, rateID)
	}
	s.mu.Unlock()
	if !ok || q.orderID != orderID {
		return types.Label{}, fmt.Errorf("quote %s for order %s: %w", rateID, orderID, engine.ErrNotFound)
	}

	tracking := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:18]
	label := types.Label{
		ID:             uuid.NewString(),
		RateID:         rateID,
		Carrier:        q.rate.Carrier,
		TrackingNumber: q.rate.Carrier[:1] + "Z" + tracking,
	}
	s.log.Info("label purchased", zap.String("order_id", orderID), zap.String("carrier", label.Carrier))
	return label, nil
}

func (s *Service) CreateShipment(ctx context.Context, orderID string, req types.ShipmentRequest) (types.Shipment, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return types.Shipment{}, err
	}
	if strings.TrimSpace(req.Carrier) == "" {
		return types.Shipment{}, &engine.ValidationError{Field: "carrier", Reason: "required"}
	}
	shp := types.Shipment{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		Carrier:      strings.ToUpper(req.Carrier),
		ServiceType:  req.ServiceType,
		Weight:       req.Weight,
		PackageCount: req.PackageCount,
		LabelID:      req.LabelID,
		ShipFrom:     req.ShipFrom,
		ShipTo:       req.ShipTo,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateShipment(ctx, shp); err != nil {
		return types.Shipment{}, err
	}
	s.log.Info("shipment created", zap.String("order_id", orderID), zap.String("shipment_id", shp.ID))
	return shp, nil
}

func (s *Service) AttachTracking(ctx context.Context, shipmentID, trackingNumber string) (types.Shipment, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return types.Shipment{}, &engine.ValidationError{Field: "tracking_number", Reason: "required"}
	}
	return s.repo.UpdateShipment(ctx, shipmentID, func(shp *types.Shipment) error {
		shp.TrackingNumber = trackingNumber
		return nil
	})
}

func (s *Service) GetShipment(ctx context.Context, shipmentID string) (types.Shipment, error) {
	return s.repo.GetShipment(ctx, shipmentID)
}
