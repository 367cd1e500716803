// Package ws streams order snapshots to view-only watchers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/hub"
	"github.com/DoyleJ11/packstation/internal/types"
)

// OrderReader loads the order sent as the first frame.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (engine.Order, error)
}

const writeTimeout = 3 * time.Second

// Handler serves GET /ws/orders/{orderID}. The first frame is the current
// order; every later change follows. The stream closes after a terminal
// order is sent.
func Handler(h *hub.Hub, orders OrderReader, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		orderID := chi.URLParam(r, "orderID")
		if orderID == "" {
			http.Error(w, "missing order id", http.StatusBadRequest)
			return
		}

		current, err := orders.GetOrder(r.Context(), orderID)
		if errors.Is(err, engine.ErrNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("load order for stream", zap.String("order_id", orderID), zap.Error(err))
			http.Error(w, "failed to load order", http.StatusInternalServerError)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		// Subscribe, then re-read, so no change slips in before the first frame.
		out := make(chan engine.Order, 16)
		subscriberID := uuid.NewString()
		h.Inbox() <- hub.Subscribe{OrderID: orderID, SubscriberID: subscriberID, Outbox: out}
		defer func() {
			select {
			case h.Inbox() <- hub.Unsubscribe{OrderID: orderID, SubscriberID: subscriberID}:
			case <-r.Context().Done():
			}
		}()

		// Watchers never send; CloseRead handles control frames and cancels
		// ctx when the peer goes away.
		ctx := conn.CloseRead(r.Context())

		if fresh, err := orders.GetOrder(ctx, orderID); err == nil {
			current = fresh
		}
		last := current.Version
		if err := writeOrder(ctx, conn, current); err != nil {
			return
		}
		if engine.IsTerminal(current.Status) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case o, ok := <-out:
				if !ok {
					_ = writeMessage(ctx, conn, types.StreamMessage{Type: types.MsgError, Error: "stream closed by server"})
					return
				}
				if o.Version <= last {
					continue
				}
				last = o.Version
				if err := writeOrder(ctx, conn, o); err != nil {
					log.Debug("watcher write failed", zap.String("order_id", orderID), zap.Error(err))
					return
				}
				if engine.IsTerminal(o.Status) {
					return
				}
			}
		}
	}
}

func writeOrder(ctx context.Context, conn *websocket.Conn, o engine.Order) error {
	return writeMessage(ctx, conn, types.StreamMessage{Type: types.MsgOrderSnapshot, Version: o.Version, Order: &o})
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg types.StreamMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
