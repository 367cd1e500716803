package engine

// ResolveClaim decides what a session may do with the order on entry:
//
//	terminal status               -> VIEW_ONLY
//	claimed by me                 -> OWNED_BY_ME
//	claimed by other, supervisor  -> VIEW_ONLY
//	claimed by other              -> ErrClaimConflict
//	unclaimed, PICKED or PACKING  -> UNCLAIMED (a claim may be issued)
//	unclaimed, anything else      -> ErrNotClaimable
func ResolveClaim(o Order, who Identity) (ClaimState, error) {
	if IsTerminal(o.Status) {
		return ClaimViewOnly, nil
	}

	if o.ClaimedBy != "" {
		if o.ClaimedBy == who.WorkerID {
			return ClaimOwnedByMe, nil
		}
		if who.Supervisor {
			return ClaimViewOnly, nil
		}
		return ClaimOwnedByOther, &ClaimConflictError{OrderID: o.ID, ClaimedBy: o.ClaimedBy}
	}

	switch o.Status {
	case StatusPicked, StatusPacking:
		return ClaimUnclaimed, nil
	default:
		return ClaimUnclaimed, ErrNotClaimable
	}
}

// CanUnclaim allows the claim owner to release an order that has not been
// packed yet.
func CanUnclaim(o Order, who Identity) error {
	if o.ClaimedBy == "" || o.ClaimedBy != who.WorkerID {
		return ErrNotOwner
	}
	switch o.Status {
	case StatusPicking, StatusPicked, StatusPacking:
		return nil
	default:
		return ErrNotUnclaimable
	}
}
