package engine

func eligible(it Item) bool {
	return !it.Skipped() && it.VerifiedQuantity < it.Quantity
}

// NextIncomplete returns the first item strictly after the given index that is
// neither skipped nor complete.
func NextIncomplete(items []Item, after int) (int, bool) {
	for idx := after + 1; idx < len(items); idx++ {
		if eligible(items[idx]) {
			return idx, true
		}
	}
	return 0, false
}

// InitialCursor points at the first incomplete, non-skipped item, or 0.
func InitialCursor(items []Item) int {
	if idx, ok := NextIncomplete(items, -1); ok {
		return idx
	}
	return 0
}

// Advance moves the cursor after the item at cursor changed: first eligible
// item after it, else the first eligible item before it. The cursor stays put
// when nothing is left to verify.
func Advance(items []Item, cursor int) int {
	if idx, ok := NextIncomplete(items, cursor); ok {
		return idx
	}
	if idx, ok := NextIncomplete(items, -1); ok && idx < cursor {
		return idx
	}
	return cursor
}

// Eligible reports whether the cursor may rest on the item.
func Eligible(it Item) bool { return eligible(it) }

// AllVerified is the plain completion predicate: every item, skipped ones
// included, has all of its units verified.
func AllVerified(items []Item) bool {
	done := 0
	for _, it := range items {
		if it.VerifiedQuantity >= it.Quantity {
			done++
		}
	}
	return done == len(items)
}

// ReadyToFinalize holds when every item is complete or skipped. This is the
// gate into shipment creation; skipped items still need operator consent.
func ReadyToFinalize(items []Item) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !it.Complete() && !it.Skipped() {
			return false
		}
	}
	return true
}

func SkippedItems(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if it.Skipped() {
			out = append(out, it)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampVerified keeps a verified count inside [0, quantity].
func ClampVerified(it Item, v int) int {
	return clamp(v, 0, it.Quantity)
}
