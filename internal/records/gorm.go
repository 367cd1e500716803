package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/pkg/types"
)

type orderRow struct {
	ID          string         `gorm:"primaryKey"`
	CustomerRef string         `gorm:"index"`
	Status      string         `gorm:"index"`
	ClaimedBy   string
	ShipFrom    engine.Address `gorm:"serializer:json"`
	ShipTo      engine.Address `gorm:"serializer:json"`
	Version     int
	Items       []itemRow `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (orderRow) TableName() string { return "orders" }

type itemRow struct {
	ID               string `gorm:"primaryKey"`
	OrderID          string `gorm:"index"`
	Position         int
	SKU              string
	Barcode          string
	Name             string
	Quantity         int
	VerifiedQuantity int
	Status           string
	SkipReason       string
}

func (itemRow) TableName() string { return "order_items" }

type shipmentRow struct {
	ID             string          `gorm:"primaryKey"`
	OrderID        string          `gorm:"index"`
	Carrier        string
	ServiceType    string
	Weight         decimal.Decimal `gorm:"type:numeric(12,3)"`
	PackageCount   int
	LabelID        string
	TrackingNumber string
	ShipFrom       engine.Address `gorm:"serializer:json"`
	ShipTo         engine.Address `gorm:"serializer:json"`
	CreatedAt      time.Time
}

func (shipmentRow) TableName() string { return "shipments" }

func toOrderRow(o engine.Order) orderRow {
	row := orderRow{
		ID:          o.ID,
		CustomerRef: o.CustomerRef,
		Status:      string(o.Status),
		ClaimedBy:   o.ClaimedBy,
		ShipFrom:    o.ShipFrom,
		ShipTo:      o.ShipTo,
		Version:     o.Version,
	}
	for pos, it := range o.Items {
		row.Items = append(row.Items, itemRow{
			ID:               it.ID,
			OrderID:          o.ID,
			Position:         pos,
			SKU:              it.SKU,
			Barcode:          it.Barcode,
			Name:             it.Name,
			Quantity:         it.Quantity,
			VerifiedQuantity: it.VerifiedQuantity,
			Status:           string(it.Status),
			SkipReason:       it.SkipReason,
		})
	}
	return row
}

func (row orderRow) toOrder() engine.Order {
	o := engine.Order{
		ID:          row.ID,
		CustomerRef: row.CustomerRef,
		Status:      engine.OrderStatus(row.Status),
		ClaimedBy:   row.ClaimedBy,
		ShipFrom:    row.ShipFrom,
		ShipTo:      row.ShipTo,
		Version:     row.Version,
		Items:       make([]engine.Item, 0, len(row.Items)),
	}
	for _, it := range row.Items {
		o.Items = append(o.Items, engine.Item{
			ID:               it.ID,
			SKU:              it.SKU,
			Barcode:          it.Barcode,
			Name:             it.Name,
			Quantity:         it.Quantity,
			VerifiedQuantity: it.VerifiedQuantity,
			Status:           engine.ItemStatus(it.Status),
			SkipReason:       it.SkipReason,
		})
	}
	return o
}

func toShipmentRow(s types.Shipment) shipmentRow {
	return shipmentRow{
		ID:             s.ID,
		OrderID:        s.OrderID,
		Carrier:        s.Carrier,
		ServiceType:    s.ServiceType,
		Weight:         s.Weight,
		PackageCount:   s.PackageCount,
		LabelID:        s.LabelID,
		TrackingNumber: s.TrackingNumber,
		ShipFrom:       s.ShipFrom,
		ShipTo:         s.ShipTo,
		CreatedAt:      s.CreatedAt,
	}
}

func (row shipmentRow) toShipment() types.Shipment {
	return types.Shipment{
		ID:             row.ID,
		OrderID:        row.OrderID,
		Carrier:        row.Carrier,
		ServiceType:    row.ServiceType,
		Weight:         row.Weight,
		PackageCount:   row.PackageCount,
		LabelID:        row.LabelID,
		TrackingNumber: row.TrackingNumber,
		ShipFrom:       row.ShipFrom,
		ShipTo:         row.ShipTo,
		CreatedAt:      row.CreatedAt,
	}
}

// GormRepository stores records in Postgres. Updates lock the order row for
// the length of the transaction, which is what makes claims exclusive
// across service instances.
type GormRepository struct {
	db *gorm.DB
}

// OpenPostgres connects, pinging with retries, and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*GormRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	const maxRetries = 5
	for attempt := 1; ; attempt++ {
		err = sqlDB.PingContext(ctx)
		if err == nil {
			break
		}
		if attempt == maxRetries {
			return nil, fmt.Errorf("connect to database after %d attempts: %w", maxRetries, err)
		}
		log.Warn("database not reachable yet", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	return NewGormRepository(db)
}

func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&orderRow{}, &itemRow{}, &shipmentRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, engine.ErrNotFound)
	}
	return err
}

// duplicate maps a unique-key violation to the validation error the memory
// repository returns for the same input. It needs TranslateError on the
// gorm config.
func duplicate(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &engine.ValidationError{Field: "id", Reason: fmt.Sprintf("%s %s or one of its items already exists", kind, id)}
	}
	return err
}

func byPosition(db *gorm.DB) *gorm.DB { return db.Order("position") }

func (r *GormRepository) GetOrder(ctx context.Context, orderID string) (engine.Order, error) {
	var row orderRow
	err := r.db.WithContext(ctx).Preload("Items", byPosition).First(&row, "id = ?", orderID).Error
	if err != nil {
		return engine.Order{}, notFound("order", orderID, err)
	}
	return row.toOrder(), nil
}

func (r *GormRepository) CreateOrder(ctx context.Context, o engine.Order) error {
	row := toOrderRow(o)
	return duplicate("order", o.ID, r.db.WithContext(ctx).Create(&row).Error)
}

func (r *GormRepository) UpdateOrder(ctx context.Context, orderID string, fn func(o *engine.Order) error) (engine.Order, error) {
	var out engine.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row orderRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items", byPosition).
			First(&row, "id = ?", orderID).Error
		if err != nil {
			return notFound("order", orderID, err)
		}

		o := row.toOrder()
		if err := fn(&o); err != nil {
			return err
		}

		next := toOrderRow(o)
		if err := tx.Omit(clause.Associations).Save(&next).Error; err != nil {
			return err
		}
		for idx := range next.Items {
			if err := tx.Save(&next.Items[idx]).Error; err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	return out, err
}

func (r *GormRepository) GetShipment(ctx context.Context, shipmentID string) (types.Shipment, error) {
	var row shipmentRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", shipmentID).Error; err != nil {
		return types.Shipment{}, notFound("shipment", shipmentID, err)
	}
	return row.toShipment(), nil
}

func (r *GormRepository) CreateShipment(ctx context.Context, s types.Shipment) error {
	row := toShipmentRow(s)
	return duplicate("shipment", s.ID, r.db.WithContext(ctx).Create(&row).Error)
}

func (r *GormRepository) UpdateShipment(ctx context.Context, shipmentID string, fn func(s *types.Shipment) error) (types.Shipment, error) {
	var out types.Shipment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row shipmentRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", shipmentID).Error
		if err != nil {
			return notFound("shipment", shipmentID, err)
		}
		s := row.toShipment()
		if err := fn(&s); err != nil {
			return err
		}
		next := toShipmentRow(s)
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}
