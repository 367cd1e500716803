package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/records"
	"github.com/DoyleJ11/packstation/pkg/types"
)

type handlers struct {
	svc *records.Service
	log *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := types.CodeFor(err)
	resp := types.ErrorResponse{Error: code, Message: err.Error()}

	var race *engine.UndoRaceError
	if errors.As(err, &race) {
		current := race.Current
		resp.Current = &current
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &engine.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (h handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	var req types.CreateOrderRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.svc.CreateOrder(r.Context(), req.Order)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h handlers) claim(w http.ResponseWriter, r *http.Request) {
	var req types.ClaimRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.svc.ClaimForPacking(r.Context(), chi.URLParam(r, "orderID"), req.WorkerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h handlers) unclaim(w http.ResponseWriter, r *http.Request) {
	var req types.UnclaimRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.UnclaimPacking(r.Context(), chi.URLParam(r, "orderID"), req.WorkerID, req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req types.VerifyRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.svc.VerifyItem(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "itemID"), req.WorkerID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) undo(w http.ResponseWriter, r *http.Request) {
	var req types.UndoRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.svc.UndoVerification(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "itemID"), req.WorkerID, req.Quantity, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) skip(w http.ResponseWriter, r *http.Request) {
	var req types.SkipRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.svc.SkipItem(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "itemID"), req.WorkerID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) setItemStatus(w http.ResponseWriter, r *http.Request) {
	var req types.ItemStatusRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.svc.SetItemStatus(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "itemID"), req.WorkerID, req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) complete(w http.ResponseWriter, r *http.Request) {
	var req types.CompleteRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.CompletePacking(r.Context(), chi.URLParam(r, "orderID"), req.PackerID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) rates(w http.ResponseWriter, r *http.Request) {
	var req types.RatesRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rates, err := h.svc.GetRates(r.Context(), chi.URLParam(r, "orderID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

func (h handlers) purchaseLabel(w http.ResponseWriter, r *http.Request) {
	var req types.LabelRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	label, err := h.svc.PurchaseLabel(r.Context(), chi.URLParam(r, "orderID"), req.RateID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, label)
}

func (h handlers) createShipment(w http.ResponseWriter, r *http.Request) {
	var req types.ShipmentRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	shp, err := h.svc.CreateShipment(r.Context(), chi.URLParam(r, "orderID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, shp)
}

func (h handlers) getShipment(w http.ResponseWriter, r *http.Request) {
	shp, err := h.svc.GetShipment(r.Context(), chi.URLParam(r, "shipmentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shp)
}

func (h handlers) attachTracking(w http.ResponseWriter, r *http.Request) {
	var req types.TrackingRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	shp, err := h.svc.AttachTracking(r.Context(), chi.URLParam(r, "shipmentID"), req.TrackingNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shp)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
