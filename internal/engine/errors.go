package engine

import (
	"errors"
	"fmt"
	"strings"
)

var ErrScanMismatch = errors.New("scan does not match item")
var ErrClaimConflict = errors.New("order is claimed by another worker")
var ErrNothingToUndo = errors.New("no verified units to undo")
var ErrStaleState = errors.New("order changed on the server, please retry")
var ErrValidation = errors.New("invalid input")
var ErrNetwork = errors.New("network error")
var ErrNotFound = errors.New("not found")

var ErrInFlight = errors.New("another request for this order is still in flight")
var ErrReasonRequired = errors.New("a reason is required")
var ErrConfirmationRequired = errors.New("operator confirmation is required")
var ErrViewOnly = errors.New("order is open in view-only mode")
var ErrNotOwner = errors.New("order is not claimed by you")
var ErrNotClaimable = errors.New("order is not ready for packing")
var ErrNotUnclaimable = errors.New("order cannot be unclaimed in its current status")
var ErrUnknownItem = errors.New("item is not part of this order")
var ErrNotSkipped = errors.New("item is not skipped")
var ErrAlreadySkipped = errors.New("item is already skipped")
var ErrNotComplete = errors.New("not every item is verified or skipped")
var ErrSkipsUnconfirmed = errors.New("order has skipped items that were not confirmed")
var ErrSessionClosed = errors.New("packing session is closed")

type ScanMismatchError struct {
	ItemID   string
	Expected string
	Actual   string
}

func (e *ScanMismatchError) Error() string {
	return fmt.Sprintf("scan mismatch on item %s: expected %q, scanned %q", e.ItemID, e.Expected, e.Actual)
}

func (e *ScanMismatchError) Unwrap() error { return ErrScanMismatch }

// UndoRaceError is returned when an undo asks for more units than the server
// currently holds as verified.
type UndoRaceError struct {
	ItemID    string
	Requested int
	Current   int
}

func (e *UndoRaceError) Error() string {
	return fmt.Sprintf("item %s changed since it was read: requested undo of %d, %d verified now, please retry",
		e.ItemID, e.Requested, e.Current)
}

func (e *UndoRaceError) Unwrap() error { return ErrStaleState }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type ClaimConflictError struct {
	OrderID   string
	ClaimedBy string
}

func (e *ClaimConflictError) Error() string {
	if e.ClaimedBy == "" {
		return fmt.Sprintf("order %s was claimed by another worker", e.OrderID)
	}
	return fmt.Sprintf("order %s is claimed by %s", e.OrderID, e.ClaimedBy)
}

func (e *ClaimConflictError) Unwrap() error { return ErrClaimConflict }

// SkipsPendingError lists the skipped items an operator must confirm before
// the order can be finalized.
type SkipsPendingError struct {
	Items []Item
}

func (e *SkipsPendingError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("%s (%s)", it.SKU, it.SkipReason))
	}
	return fmt.Sprintf("complete with skipped items? %s", strings.Join(parts, ", "))
}

func (e *SkipsPendingError) Unwrap() error { return ErrSkipsUnconfirmed }

// RequireReason trims the reason and rejects it when empty.
func RequireReason(reason string) (string, error) {
	r := strings.TrimSpace(reason)
	if r == "" {
		return "", ErrReasonRequired
	}
	return r, nil
}
