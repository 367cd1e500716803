package types

import (
	"errors"
	"net/http"

	"github.com/DoyleJ11/packstation/internal/engine"
)

// Additional codes for ErrorResponse.Error; each names one engine sentinel.
const (
	CodeNotOwner       = "not_owner"
	CodeReasonRequired = "reason_required"
	CodeNothingToUndo  = "nothing_to_undo"
	CodeNotClaimable   = "not_claimable"
	CodeNotUnclaimable = "not_unclaimable"
	CodeNotComplete    = "not_complete"
	CodeAlreadySkipped = "already_skipped"
	CodeNotSkipped     = "not_skipped"
	CodeUnknownItem    = "unknown_item"
)

var codeTable = []struct {
	code   string
	status int
	err    error
}{
	{CodeClaimConflict, http.StatusConflict, engine.ErrClaimConflict},
	{CodeStaleState, http.StatusConflict, engine.ErrStaleState},
	{CodeNotOwner, http.StatusForbidden, engine.ErrNotOwner},
	{CodeReasonRequired, http.StatusBadRequest, engine.ErrReasonRequired},
	{CodeNothingToUndo, http.StatusConflict, engine.ErrNothingToUndo},
	{CodeNotClaimable, http.StatusConflict, engine.ErrNotClaimable},
	{CodeNotUnclaimable, http.StatusConflict, engine.ErrNotUnclaimable},
	{CodeNotComplete, http.StatusConflict, engine.ErrNotComplete},
	{CodeAlreadySkipped, http.StatusConflict, engine.ErrAlreadySkipped},
	{CodeNotSkipped, http.StatusConflict, engine.ErrNotSkipped},
	{CodeUnknownItem, http.StatusNotFound, engine.ErrUnknownItem},
	{CodeNotFound, http.StatusNotFound, engine.ErrNotFound},
	{CodeValidation, http.StatusBadRequest, engine.ErrValidation},
}

// CodeFor classifies a service error for the wire.
func CodeFor(err error) (code string, status int) {
	for _, row := range codeTable {
		if errors.Is(err, row.err) {
			return row.code, row.status
		}
	}
	return CodeInternal, http.StatusInternalServerError
}

// SentinelFor maps a wire code back to its engine sentinel, or nil.
func SentinelFor(code string) error {
	for _, row := range codeTable {
		if row.code == code {
			return row.err
		}
	}
	return nil
}
