// Package viewmode keeps a read-only copy of an order current while someone
// else packs it. Observers never write to the order.
package viewmode

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
)

const DefaultInterval = 2 * time.Second

type Fetcher interface {
	GetOrder(ctx context.Context, orderID string) (engine.Order, error)
}

// Poller reads the order right away and then once per Interval. It stops
// after emitting a terminal order or when ctx ends; failed reads are logged
// and the next tick tries again.
type Poller struct {
	Fetcher  Fetcher
	Interval time.Duration
	Logger   *zap.Logger
}

func (p *Poller) Watch(ctx context.Context, orderID string, emit func(engine.Order)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("poller").With(zap.String("order_id", orderID))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastVersion := -1
	for {
		o, err := p.Fetcher.GetOrder(ctx, orderID)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("poll failed", zap.Error(err))
		default:
			if o.Version != lastVersion {
				lastVersion = o.Version
				emit(o)
			}
			if engine.IsTerminal(o.Status) {
				log.Debug("order reached a terminal status, polling stopped", zap.String("status", string(o.Status)))
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
