// Package hub fans order changes out to watchers. One goroutine owns the
// registry of subscribers per order id.
package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
)

type HubMsg interface{ isHubMsg() }

// Subscribe registers Outbox for changes to OrderID. Outbox is closed when the
// subscriber falls behind, unsubscribes or the hub shuts down.
type Subscribe struct {
	OrderID      string
	SubscriberID string
	Outbox       chan engine.Order
}

type Unsubscribe struct {
	OrderID      string
	SubscriberID string
}

type Publish struct {
	Order engine.Order
}

// CountWatchers replies with the number of subscribers of OrderID.
type CountWatchers struct {
	OrderID string
	Reply   chan int
}

type ShutdownHub struct{}

func (Subscribe) isHubMsg()     {}
func (Unsubscribe) isHubMsg()   {}
func (Publish) isHubMsg()       {}
func (CountWatchers) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

type Hub struct {
	inbox    chan HubMsg
	watchers map[string]map[string]chan engine.Order
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		watchers: make(map[string]map[string]chan engine.Order),
		log:      log.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Publish hands an order to the hub without waiting on it. After shutdown the
// order is dropped.
func (h *Hub) Publish(o engine.Order) {
	select {
	case h.inbox <- Publish{Order: o.Clone()}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Subscribe:
				subs := h.watchers[msg.OrderID]
				if subs == nil {
					subs = make(map[string]chan engine.Order)
					h.watchers[msg.OrderID] = subs
				}
				if old := subs[msg.SubscriberID]; old != nil {
					close(old)
				}
				subs[msg.SubscriberID] = msg.Outbox

			case Unsubscribe:
				h.drop(msg.OrderID, msg.SubscriberID)

			case Publish:
				h.fanOut(msg.Order)

			case CountWatchers:
				msg.Reply <- len(h.watchers[msg.OrderID])

			case ShutdownHub:
				h.shutdown()
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) fanOut(o engine.Order) {
	for id, ch := range h.watchers[o.ID] {
		select {
		case ch <- o.Clone():
		default:
			h.log.Warn("dropping slow watcher", zap.String("order_id", o.ID), zap.String("subscriber_id", id))
			h.drop(o.ID, id)
		}
	}
}

func (h *Hub) drop(orderID, subscriberID string) {
	subs := h.watchers[orderID]
	ch, ok := subs[subscriberID]
	if !ok {
		return
	}
	close(ch)
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(h.watchers, orderID)
	}
}

func (h *Hub) shutdown() {
	for orderID, subs := range h.watchers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.watchers, orderID)
	}
}
