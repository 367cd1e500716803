// Package api is the HTTP client of the warehouse record service. Error
// responses are mapped back to the engine sentinels so callers can test
// them with errors.Is on either side of the wire.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/pkg/types"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// New builds a client for baseURL, e.g. "http://localhost:8080". Request
// deadlines come from the caller's context.
func New(baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.Named("api"),
	}
}

// BaseURL is the service root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

func orderPath(orderID string, rest ...string) string {
	parts := append([]string{"/api/v1/orders", url.PathEscape(orderID)}, rest...)
	return strings.Join(parts, "/")
}

func itemPath(orderID, itemID, action string) string {
	return orderPath(orderID, "items", url.PathEscape(itemID), action)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%s %s: %w: %w", method, path, engine.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w: %w", method, path, engine.ErrNetwork, err)
	}
	return nil
}

// Error is a non-2xx response from the service.
type Error struct {
	Status  int
	Code    string
	Message string
	Current *int
	err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (e *Error) Unwrap() error { return e.err }

func (c *Client) decodeError(method, path string, resp *http.Response) error {
	var body types.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)

	e := &Error{Status: resp.StatusCode, Code: body.Error, Message: body.Message, Current: body.Current}
	e.err = types.SentinelFor(body.Error)
	if e.err == nil {
		e.err = sentinelForStatus(resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		c.log.Error("server error", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		e.err = engine.ErrNetwork
	}
	return e
}

func sentinelForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return engine.ErrNotFound
	case status == http.StatusConflict:
		return engine.ErrStaleState
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return engine.ErrNotOwner
	case status >= 500:
		return engine.ErrNetwork
	default:
		return engine.ErrValidation
	}
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (engine.Order, error) {
	var o engine.Order
	if err := c.do(ctx, http.MethodGet, orderPath(orderID), nil, &o); err != nil {
		return engine.Order{}, err
	}
	return o, nil
}

func (c *Client) CreateOrder(ctx context.Context, o engine.Order) (engine.Order, error) {
	var out engine.Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", types.CreateOrderRequest{Order: o}, &out); err != nil {
		return engine.Order{}, err
	}
	return out, nil
}

func (c *Client) ClaimForPacking(ctx context.Context, orderID, workerID string) (engine.Order, error) {
	var o engine.Order
	err := c.do(ctx, http.MethodPost, orderPath(orderID, "claim"), types.ClaimRequest{WorkerID: workerID}, &o)
	if errors.Is(err, engine.ErrClaimConflict) {
		return engine.Order{}, fmt.Errorf("%w: %w", &engine.ClaimConflictError{OrderID: orderID}, err)
	}
	if err != nil {
		return engine.Order{}, err
	}
	return o, nil
}

func (c *Client) UnclaimPacking(ctx context.Context, orderID, workerID, reason string) error {
	return c.do(ctx, http.MethodPost, orderPath(orderID, "unclaim"), types.UnclaimRequest{WorkerID: workerID, Reason: reason}, nil)
}

func (c *Client) VerifyItem(ctx context.Context, orderID, itemID, workerID string, quantity int) error {
	return c.do(ctx, http.MethodPost, itemPath(orderID, itemID, "verify"), types.VerifyRequest{WorkerID: workerID, Quantity: quantity}, nil)
}

func (c *Client) SkipItem(ctx context.Context, orderID, itemID, workerID, reason string) error {
	return c.do(ctx, http.MethodPost, itemPath(orderID, itemID, "skip"), types.SkipRequest{WorkerID: workerID, Reason: reason}, nil)
}

// UndoVerification returns an *engine.UndoRaceError when the server holds
// fewer verified units than requested.
func (c *Client) UndoVerification(ctx context.Context, orderID, itemID, workerID string, quantity int, reason string) error {
	err := c.do(ctx, http.MethodPost, itemPath(orderID, itemID, "undo"),
		types.UndoRequest{WorkerID: workerID, Quantity: quantity, Reason: reason}, nil)

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Code == types.CodeStaleState && apiErr.Current != nil {
		return &engine.UndoRaceError{ItemID: itemID, Requested: quantity, Current: *apiErr.Current}
	}
	return err
}

func (c *Client) SetItemStatus(ctx context.Context, orderID, itemID, workerID string, status engine.ItemStatus) error {
	return c.do(ctx, http.MethodPut, itemPath(orderID, itemID, "status"), types.ItemStatusRequest{WorkerID: workerID, Status: status}, nil)
}

func (c *Client) CompletePacking(ctx context.Context, orderID, packerID string) error {
	return c.do(ctx, http.MethodPost, orderPath(orderID, "complete"), types.CompleteRequest{PackerID: packerID}, nil)
}

func (c *Client) GetRates(ctx context.Context, orderID string, req types.RatesRequest) ([]types.Rate, error) {
	var rates []types.Rate
	if err := c.do(ctx, http.MethodPost, orderPath(orderID, "rates"), req, &rates); err != nil {
		return nil, err
	}
	return rates, nil
}

func (c *Client) PurchaseLabel(ctx context.Context, orderID, rateID string) (types.Label, error) {
	var label types.Label
	if err := c.do(ctx, http.MethodPost, orderPath(orderID, "labels"), types.LabelRequest{RateID: rateID}, &label); err != nil {
		return types.Label{}, err
	}
	return label, nil
}

func (c *Client) CreateShipment(ctx context.Context, orderID string, req types.ShipmentRequest) (types.Shipment, error) {
	var shp types.Shipment
	if err := c.do(ctx, http.MethodPost, orderPath(orderID, "shipments"), req, &shp); err != nil {
		return types.Shipment{}, err
	}
	return shp, nil
}

func (c *Client) AttachTracking(ctx context.Context, shipmentID, trackingNumber string) (types.Shipment, error) {
	var shp types.Shipment
	path := "/api/v1/shipments/" + url.PathEscape(shipmentID) + "/tracking"
	if err := c.do(ctx, http.MethodPost, path, types.TrackingRequest{TrackingNumber: trackingNumber}, &shp); err != nil {
		return types.Shipment{}, err
	}
	return shp, nil
}
