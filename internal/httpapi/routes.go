// Package httpapi exposes the record service over REST.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/hub"
	"github.com/DoyleJ11/packstation/internal/records"
	"github.com/DoyleJ11/packstation/internal/ws"
)

func SetupRoutes(svc *records.Service, h *hub.Hub, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	hd := handlers{svc: svc, log: log.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/ws/orders/{orderID}", ws.Handler(h, svc, log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders", hd.createOrder)
		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", hd.getOrder)
			r.Post("/claim", hd.claim)
			r.Post("/unclaim", hd.unclaim)
			r.Post("/complete", hd.complete)
			r.Post("/rates", hd.rates)
			r.Post("/labels", hd.purchaseLabel)
			r.Post("/shipments", hd.createShipment)

			r.Route("/items/{itemID}", func(r chi.Router) {
				r.Post("/verify", hd.verify)
				r.Post("/undo", hd.undo)
				r.Post("/skip", hd.skip)
				r.Put("/status", hd.setItemStatus)
			})
		})
		r.Get("/shipments/{shipmentID}", hd.getShipment)
		r.Post("/shipments/{shipmentID}/tracking", hd.attachTracking)
	})
	return r
}
