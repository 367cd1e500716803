// Package store keeps a packing session's view of one order as two layers:
// the last order the server confirmed, and optimistic edits made since.
// Reads merge the overlay over the authoritative layer. Every authoritative
// refresh drops the overlay.
package store

import "github.com/DoyleJ11/packstation/internal/engine"

type overlayEntry struct {
	verified *int
	status   *engine.ItemStatus
	reason   string
}

// Divergence describes an item whose optimistic value disagreed with the
// authoritative value that replaced it.
type Divergence struct {
	ItemID        string
	Optimistic    int
	Authoritative int
}

type Store struct {
	authoritative engine.Order
	loaded        bool
	overlay       map[string]overlayEntry
}

func New() *Store {
	return &Store{overlay: make(map[string]overlayEntry)}
}

func (s *Store) Loaded() bool { return s.loaded }

// Authoritative returns the last confirmed order, without overlay.
func (s *Store) Authoritative() engine.Order { return s.authoritative.Clone() }

// Reconcile replaces the authoritative layer and clears the overlay. It
// reports the verified counts the overlay had wrong.
func (s *Store) Reconcile(o engine.Order) []Divergence {
	var diffs []Divergence
	for _, it := range o.Items {
		e, ok := s.overlay[it.ID]
		if !ok || e.verified == nil {
			continue
		}
		if *e.verified != it.VerifiedQuantity {
			diffs = append(diffs, Divergence{ItemID: it.ID, Optimistic: *e.verified, Authoritative: it.VerifiedQuantity})
		}
	}
	s.authoritative = o.Clone()
	s.loaded = true
	clear(s.overlay)
	return diffs
}

// SetVerified records an optimistic absolute verified count for the item.
func (s *Store) SetVerified(itemID string, v int) (int, error) {
	it, ok := s.item(itemID)
	if !ok {
		return 0, engine.ErrUnknownItem
	}
	v = engine.ClampVerified(it, v)
	e := s.overlay[itemID]
	e.verified = &v
	s.overlay[itemID] = e
	return v, nil
}

func (s *Store) ApplySkip(itemID, reason string) error {
	if _, ok := s.item(itemID); !ok {
		return engine.ErrUnknownItem
	}
	st := engine.ItemSkipped
	e := s.overlay[itemID]
	e.status = &st
	e.reason = reason
	s.overlay[itemID] = e
	return nil
}

func (s *Store) ApplyUnskip(itemID string) error {
	if _, ok := s.item(itemID); !ok {
		return engine.ErrUnknownItem
	}
	st := engine.ItemPending
	e := s.overlay[itemID]
	e.status = &st
	e.reason = ""
	s.overlay[itemID] = e
	return nil
}

// View returns the merged order.
func (s *Store) View() engine.Order {
	o := s.authoritative.Clone()
	for idx := range o.Items {
		mergeItem(&o.Items[idx], s.overlay[o.Items[idx].ID])
	}
	return o
}

// Item returns the merged value of one item.
func (s *Store) Item(itemID string) (engine.Item, bool) {
	return s.item(itemID)
}

func (s *Store) item(itemID string) (engine.Item, bool) {
	idx := s.authoritative.ItemIndex(itemID)
	if idx < 0 {
		return engine.Item{}, false
	}
	it := s.authoritative.Items[idx]
	mergeItem(&it, s.overlay[itemID])
	return it, true
}

func mergeItem(it *engine.Item, e overlayEntry) {
	if e.verified != nil {
		it.VerifiedQuantity = engine.ClampVerified(*it, *e.verified)
	}
	if e.status != nil {
		it.Status = *e.status
		it.SkipReason = e.reason
	}
}
