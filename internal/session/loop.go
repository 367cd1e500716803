package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/shipping"
)

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				// Register client + send current snapshot immediately
				s.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- Snapshot{Version: s.version, State: s.state()}

			case Leave:
				delete(s.clients, msg.ClientID)

			case GetState:
				msg.Reply <- View{
					Version:    s.version,
					NumClients: len(s.clients),
					State:      s.state(),
				}

			case Shutdown:
				s.shutdown()
				return

			case awaitMsg:
				s.waiters = append(s.waiters, msg.Reply)
				s.settle()
			case refreshMsg:
				s.fetch(msg.Reply)
			case retryClaimMsg:
				s.onRetryClaim(msg)
			case scanMsg:
				s.onScan(msg)
			case skipMsg:
				s.onSkip(msg)
			case unskipMsg:
				s.onUnskip(msg)
			case undoMsg:
				s.onUndo(msg)
			case unclaimMsg:
				s.onUnclaim(msg)
			case finalizeMsg:
				s.onFinalize(msg)

			case fetched:
				s.onFetched(msg)
			case claimed:
				s.onClaimed(msg)
			case verified:
				s.onVerified(msg)
			case skipped:
				s.onSkipped(msg)
			case unskipped:
				s.onUnskipped(msg)
			case undoRead:
				s.onUndoRead(msg)
			case undone:
				s.onUndone(msg)
			case unclaimed:
				s.onUnclaimed(msg)
			case finalized:
				s.onFinalized(msg)
			case observed:
				s.onObserved(msg)
			case watchEnded:
				s.watching = false
				if msg.Err != nil && !errors.Is(msg.Err, context.Canceled) {
					s.log.Warn("order watch ended", zap.Error(msg.Err))
				}
			}
		}
	}
}

// call runs fn on its own goroutine and posts the resulting message back.
// The deadline is detached from the session: closing the session does not
// cancel a mutation that already left, its response is simply dropped.
func (s *Session) call(timeout time.Duration, fn func(ctx context.Context) Msg) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		m := fn(ctx)
		select {
		case s.inbox <- m:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) fetch(reply chan error) {
	s.fetchGen++
	gen := s.fetchGen
	s.call(s.timeout, func(ctx context.Context) Msg {
		o, err := s.backend.GetOrder(ctx, s.orderID)
		return fetched{Gen: gen, Order: o, Err: err, Reply: reply}
	})
}

// markOptimistic makes every fetch issued so far stale.
func (s *Session) markOptimistic() {
	s.optimisticGen = s.fetchGen
}

func (s *Session) fresh(gen int) bool {
	return gen > s.appliedGen && gen > s.optimisticGen
}

func (s *Session) applyAuthoritative(gen int, o engine.Order) {
	if gen > s.appliedGen {
		s.appliedGen = gen
	}
	for _, d := range s.store.Reconcile(o) {
		s.log.Info("optimistic count replaced by server value",
			zap.String("item_id", d.ItemID),
			zap.Int("optimistic", d.Optimistic),
			zap.Int("authoritative", d.Authoritative))
	}
	items := s.store.View().Items
	if !s.cursorInit || s.cursor >= len(items) {
		s.cursor = engine.InitialCursor(items)
		s.cursorInit = true
		return
	}
	s.settleCursor()
}

func (s *Session) onFetched(m fetched) {
	if m.Err != nil {
		s.log.Warn("order fetch failed", zap.Error(m.Err))
		s.notice = fmt.Sprintf("could not load order: %v", m.Err)
		if !s.store.Loaded() {
			s.claimErr = m.Err
		}
		s.publish()
		respond(m.Reply, m.Err)
		return
	}
	if !s.fresh(m.Gen) {
		s.log.Debug("dropping stale order read", zap.Int("gen", m.Gen))
		respond(m.Reply, nil)
		return
	}
	s.applyAuthoritative(m.Gen, m.Order)
	if s.phase == PhaseViewOnly {
		s.cursor = engine.InitialCursor(s.store.View().Items)
	}
	s.evaluateClaim()
	s.publish()
	respond(m.Reply, nil)
}

// evaluateClaim re-runs the claim decision against the authoritative order.
// It fires on every read; the claim guards keep it to one request.
func (s *Session) evaluateClaim() {
	switch s.phase {
	case PhaseViewOnly, PhaseDone, PhaseFinalizing, PhaseReleased:
		return
	}

	state, err := engine.ResolveClaim(s.store.Authoritative(), s.who)
	s.claim = state

	switch {
	case state == engine.ClaimViewOnly:
		s.enterViewOnly()

	case errors.Is(err, engine.ErrClaimConflict):
		s.phase = PhaseConflict
		s.claimErr = err
		s.notice = err.Error()

	case state == engine.ClaimOwnedByMe:
		if s.phase != PhaseVerifying {
			s.phase = PhaseClaimed
		}
		s.claimErr = nil

	case err != nil:
		s.phase = PhaseIdle
		s.claimErr = err
		s.notice = err.Error()

	default:
		if s.phase == PhaseClaimed || s.phase == PhaseVerifying {
			// The server no longer lists us as owner.
			s.phase = PhaseIdle
			s.claimErr = engine.ErrNotOwner
			s.notice = "claim was released elsewhere, claim again to continue"
			s.log.Warn("claim lost")
			return
		}
		s.tryClaim()
	}
}

func (s *Session) tryClaim() {
	if s.claimAttempted || s.claimInFlight {
		return
	}
	s.claimAttempted = true
	s.claimInFlight = true
	s.claimErr = nil
	s.phase = PhaseClaiming
	s.log.Debug("claiming order")

	s.call(s.timeout, func(ctx context.Context) Msg {
		o, err := s.backend.ClaimForPacking(ctx, s.orderID, s.who.WorkerID)
		return claimed{Order: o, Err: err}
	})
}

func (s *Session) onClaimed(m claimed) {
	s.claimInFlight = false
	if m.Err != nil {
		s.log.Warn("claim failed", zap.Error(m.Err))
		if errors.Is(m.Err, engine.ErrClaimConflict) {
			s.phase = PhaseConflict
			s.claim = engine.ClaimOwnedByOther
		} else if s.phase == PhaseClaiming {
			s.phase = PhaseIdle
		}
		s.claimErr = m.Err
		s.notice = fmt.Sprintf("claim failed: %v", m.Err)
		s.fetch(nil)
		s.publish()
		return
	}

	s.fetchGen++
	s.applyAuthoritative(s.fetchGen, m.Order)
	if s.phase == PhaseClaiming || s.phase == PhaseClaimed {
		s.phase = PhaseClaimed
		s.claim = engine.ClaimOwnedByMe
		s.claimErr = nil
		s.notice = ""
		s.log.Info("order claimed")
	}
	s.publish()
}

func (s *Session) onRetryClaim(m retryClaimMsg) {
	if s.claimInFlight {
		respond(m.Reply, engine.ErrInFlight)
		return
	}
	switch s.phase {
	case PhaseClaimed, PhaseVerifying:
		respond(m.Reply, nil)
		return
	case PhaseViewOnly, PhaseDone:
		respond(m.Reply, engine.ErrViewOnly)
		return
	case PhaseFinalizing:
		respond(m.Reply, engine.ErrInFlight)
		return
	}

	s.claimAttempted = false
	s.claimErr = nil
	s.cursorInit = false
	s.notice = ""
	s.phase = PhaseIdle
	if m.Reply != nil {
		s.waiters = append(s.waiters, m.Reply)
	}
	s.fetch(nil)
}

func (s *Session) enterViewOnly() {
	s.phase = PhaseViewOnly
	s.claim = engine.ClaimViewOnly
	s.claimErr = nil
	s.cursor = engine.InitialCursor(s.store.View().Items)
	s.log.Info("opened view-only")

	if s.watcher == nil || s.watching || engine.IsTerminal(s.store.Authoritative().Status) {
		return
	}
	wctx, cancel := context.WithCancel(s.ctx)
	s.stopWatch = cancel
	s.watching = true
	go func() {
		err := s.watcher.Watch(wctx, s.orderID, func(o engine.Order) {
			select {
			case s.inbox <- observed{Order: o}:
			case <-wctx.Done():
			}
		})
		select {
		case s.inbox <- watchEnded{Err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) onObserved(m observed) {
	if s.phase != PhaseViewOnly {
		return
	}
	s.fetchGen++
	s.applyAuthoritative(s.fetchGen, m.Order)
	s.cursor = engine.InitialCursor(s.store.View().Items)
	s.publish()
}

// mutable rejects writes the current phase does not allow.
func (s *Session) mutable() error {
	if s.releasing {
		return engine.ErrInFlight
	}
	switch s.phase {
	case PhaseClaimed, PhaseVerifying:
		return nil
	case PhaseViewOnly, PhaseDone:
		return engine.ErrViewOnly
	case PhaseFinalizing:
		return engine.ErrInFlight
	case PhaseConflict:
		if s.claimErr != nil {
			return s.claimErr
		}
		return engine.ErrClaimConflict
	default:
		return engine.ErrNotOwner
	}
}

// itemGuard checks that no other request targets the item.
func (s *Session) itemGuard(itemID string) (engine.Item, error) {
	it, ok := s.store.Item(itemID)
	if !ok {
		return engine.Item{}, fmt.Errorf("%s: %w", itemID, engine.ErrUnknownItem)
	}
	if s.itemBusy[itemID] || s.verifying == itemID {
		return it, engine.ErrInFlight
	}
	return it, nil
}

func (s *Session) settleCursor() {
	items := s.store.View().Items
	if s.cursor >= 0 && s.cursor < len(items) && engine.Eligible(items[s.cursor]) {
		return
	}
	s.cursor = engine.Advance(items, s.cursor)
}

func (s *Session) onScan(m scanMsg) {
	if s.phase == PhaseVerifying {
		s.log.Debug("scan ignored, verification in flight")
		respond(m.Reply, engine.ErrInFlight)
		return
	}
	if err := s.mutable(); err != nil {
		respond(m.Reply, err)
		return
	}

	view := s.store.View()
	if s.cursor < 0 || s.cursor >= len(view.Items) {
		respond(m.Reply, engine.ErrUnknownItem)
		return
	}
	it := view.Items[s.cursor]
	if s.itemBusy[it.ID] {
		respond(m.Reply, engine.ErrInFlight)
		return
	}
	if err := engine.MatchScan(it, m.Token); err != nil {
		s.log.Info("scan mismatch", zap.String("item_id", it.ID), zap.String("scanned", m.Token))
		s.notice = err.Error()
		s.publish()
		respond(m.Reply, err)
		return
	}
	if it.Skipped() {
		respond(m.Reply, fmt.Errorf("%s: %w", it.ID, engine.ErrAlreadySkipped))
		return
	}
	if it.Complete() {
		s.settleCursor()
		s.publish()
		respond(m.Reply, nil)
		return
	}

	s.phase = PhaseVerifying
	s.verifying = it.ID
	s.notice = ""
	s.publish()

	itemID, expected := it.ID, it.VerifiedQuantity+1
	s.call(s.timeout, func(ctx context.Context) Msg {
		err := s.backend.VerifyItem(ctx, s.orderID, itemID, s.who.WorkerID, 1)
		return verified{ItemID: itemID, Expected: expected, Err: err, Reply: m.Reply}
	})
}

func (s *Session) onVerified(m verified) {
	s.verifying = ""
	if s.phase == PhaseVerifying {
		s.phase = PhaseClaimed
	}
	if m.Err != nil {
		s.log.Warn("verify failed", zap.String("item_id", m.ItemID), zap.Error(m.Err))
		s.notice = fmt.Sprintf("verify failed: %v", m.Err)
		s.fetch(nil)
		s.publish()
		respond(m.Reply, fmt.Errorf("verify item %s: %w", m.ItemID, m.Err))
		return
	}

	if it, ok := s.store.Item(m.ItemID); ok {
		_, _ = s.store.SetVerified(m.ItemID, max(it.VerifiedQuantity, m.Expected))
		s.markOptimistic()
	}
	s.settleCursor()
	s.fetch(nil)
	s.publish()
	respond(m.Reply, nil)
}

func (s *Session) onSkip(m skipMsg) {
	if err := s.mutable(); err != nil {
		respond(m.Reply, err)
		return
	}
	reason, err := engine.RequireReason(m.Reason)
	if err != nil {
		respond(m.Reply, err)
		return
	}
	it, err := s.itemGuard(m.ItemID)
	if err != nil {
		respond(m.Reply, err)
		return
	}
	if it.Skipped() {
		respond(m.Reply, fmt.Errorf("%s: %w", it.ID, engine.ErrAlreadySkipped))
		return
	}

	s.itemBusy[it.ID] = true
	itemID := it.ID
	s.call(s.timeout, func(ctx context.Context) Msg {
		err := s.backend.SkipItem(ctx, s.orderID, itemID, s.who.WorkerID, reason)
		return skipped{ItemID: itemID, Reason: reason, Err: err, Reply: m.Reply}
	})
}

func (s *Session) onSkipped(m skipped) {
	delete(s.itemBusy, m.ItemID)
	if m.Err != nil {
		s.log.Warn("skip failed", zap.String("item_id", m.ItemID), zap.Error(m.Err))
		s.notice = fmt.Sprintf("skip failed: %v", m.Err)
		s.fetch(nil)
		s.publish()
		respond(m.Reply, fmt.Errorf("skip item %s: %w", m.ItemID, m.Err))
		return
	}
	if err := s.store.ApplySkip(m.ItemID, m.Reason); err == nil {
		s.markOptimistic()
	}
	s.log.Info("item skipped", zap.String("item_id", m.ItemID), zap.String("reason", m.Reason))
	s.settleCursor()
	s.fetch(nil)
	s.publish()
	respond(m.Reply, nil)
}

func (s *Session) onUnskip(m unskipMsg) {
	if err := s.mutable(); err != nil {
		respond(m.Reply, err)
		return
	}
	if !m.Confirmed {
		respond(m.Reply, engine.ErrConfirmationRequired)
		return
	}
	it, err := s.itemGuard(m.ItemID)
	if err != nil {
		respond(m.Reply, err)
		return
	}
	if !it.Skipped() {
		respond(m.Reply, fmt.Errorf("%s: %w", it.ID, engine.ErrNotSkipped))
		return
	}

	s.itemBusy[it.ID] = true
	itemID := it.ID
	s.call(s.timeout, func(ctx context.Context) Msg {
		err := s.backend.SetItemStatus(ctx, s.orderID, itemID, s.who.WorkerID, engine.ItemPending)
		return unskipped{ItemID: itemID, Err: err, Reply: m.Reply}
	})
}

func (s *Session) onUnskipped(m unskipped) {
	delete(s.itemBusy, m.ItemID)
	if m.Err != nil {
		s.log.Warn("revert skip failed", zap.String("item_id", m.ItemID), zap.Error(m.Err))
		s.notice = fmt.Sprintf("revert skip failed: %v", m.Err)
		s.fetch(nil)
		s.publish()
		respond(m.Reply, fmt.Errorf("revert skip %s: %w", m.ItemID, m.Err))
		return
	}
	if err := s.store.ApplyUnskip(m.ItemID); err == nil {
		s.markOptimistic()
	}
	view := s.store.View()
	if idx := view.ItemIndex(m.ItemID); idx >= 0 && !view.Items[idx].Complete() {
		s.cursor = idx
	}
	s.fetch(nil)
	s.publish()
	respond(m.Reply, nil)
}

// onUndo starts an undo with a fresh read of the item, so the decision never
// rests on a count the overlay may have invented.
func (s *Session) onUndo(m undoMsg) {
	if err := s.mutable(); err != nil {
		respond(m.Reply, err)
		return
	}
	reason, err := engine.RequireReason(m.Reason)
	if err != nil {
		respond(m.Reply, err)
		return
	}
	it, err := s.itemGuard(m.ItemID)
	if err != nil {
		s.log.Debug("undo ignored, item busy", zap.String("item_id", m.ItemID))
		respond(m.Reply, err)
		return
	}

	s.itemBusy[it.ID] = true
	s.fetchGen++
	gen, itemID := s.fetchGen, it.ID
	s.call(s.timeout, func(ctx context.Context) Msg {
		o, err := s.backend.GetOrder(ctx, s.orderID)
		return undoRead{ItemID: itemID, Reason: reason, Gen: gen, Order: o, Err: err, Reply: m.Reply}
	})
}

func (s *Session) onUndoRead(m undoRead) {
	if m.Err != nil {
		delete(s.itemBusy, m.ItemID)
		s.notice = fmt.Sprintf("undo failed: %v", m.Err)
		s.publish()
		respond(m.Reply, fmt.Errorf("undo item %s: read order: %w", m.ItemID, m.Err))
		return
	}
	if s.fresh(m.Gen) {
		s.applyAuthoritative(m.Gen, m.Order)
	}

	idx := m.Order.ItemIndex(m.ItemID)
	if idx < 0 {
		delete(s.itemBusy, m.ItemID)
		s.publish()
		respond(m.Reply, fmt.Errorf("%s: %w", m.ItemID, engine.ErrUnknownItem))
		return
	}
	it := m.Order.Items[idx]
	if it.VerifiedQuantity == 0 {
		delete(s.itemBusy, m.ItemID)
		s.notice = fmt.Sprintf("nothing to undo on %s: 0 of %d verified", it.SKU, it.Quantity)
		s.publish()
		respond(m.Reply, fmt.Errorf("undo item %s: 0 of %d verified: %w", it.ID, it.Quantity, engine.ErrNothingToUndo))
		return
	}

	current, reason := it.VerifiedQuantity, m.Reason
	s.call(s.timeout, func(ctx context.Context) Msg {
		err := s.backend.UndoVerification(ctx, s.orderID, m.ItemID, s.who.WorkerID, 1, reason)
		return undone{ItemID: m.ItemID, Expected: current - 1, Current: current, Err: err, Reply: m.Reply}
	})
}

func (s *Session) onUndone(m undone) {
	delete(s.itemBusy, m.ItemID)
	if m.Err != nil {
		if errors.Is(m.Err, engine.ErrStaleState) {
			s.log.Warn("undo raced with another change", zap.String("item_id", m.ItemID), zap.Error(m.Err))
			s.notice = "item changed since it was read, please retry the undo"
			var race *engine.UndoRaceError
			if !errors.As(m.Err, &race) {
				m.Err = fmt.Errorf("%w: %w", &engine.UndoRaceError{ItemID: m.ItemID, Requested: 1, Current: m.Current}, m.Err)
			}
		} else {
			s.log.Warn("undo failed", zap.String("item_id", m.ItemID), zap.Error(m.Err))
			s.notice = fmt.Sprintf("undo failed: %v", m.Err)
		}
		s.fetch(nil)
		s.publish()
		respond(m.Reply, fmt.Errorf("undo item %s: %w", m.ItemID, m.Err))
		return
	}

	if it, ok := s.store.Item(m.ItemID); ok {
		_, _ = s.store.SetVerified(m.ItemID, min(it.VerifiedQuantity, m.Expected))
		s.markOptimistic()
	}
	// The cursor stays unless it rests on an item with nothing left to scan.
	s.settleCursor()
	s.notice = ""
	s.fetch(nil)
	s.publish()
	respond(m.Reply, nil)
}

func (s *Session) onUnclaim(m unclaimMsg) {
	if s.phase == PhaseVerifying || len(s.itemBusy) > 0 {
		respond(m.Reply, engine.ErrInFlight)
		return
	}
	if err := s.mutable(); err != nil {
		respond(m.Reply, err)
		return
	}
	reason, err := engine.RequireReason(m.Reason)
	if err != nil {
		respond(m.Reply, err)
		return
	}
	if err := engine.CanUnclaim(s.store.View(), s.who); err != nil {
		respond(m.Reply, err)
		return
	}

	s.releasing = true
	s.call(s.timeout, func(ctx context.Context) Msg {
		err := s.backend.UnclaimPacking(ctx, s.orderID, s.who.WorkerID, reason)
		return unclaimed{Err: err, Reply: m.Reply}
	})
}

func (s *Session) onUnclaimed(m unclaimed) {
	s.releasing = false
	if m.Err != nil {
		s.log.Warn("unclaim failed", zap.Error(m.Err))
		s.notice = fmt.Sprintf("unclaim failed: %v", m.Err)
		s.fetch(nil)
		s.publish()
		respond(m.Reply, fmt.Errorf("unclaim: %w", m.Err))
		return
	}

	s.claimAttempted = false
	s.claimInFlight = false
	s.claimErr = nil
	s.cursorInit = false
	s.phase = PhaseReleased
	s.claim = engine.ClaimUnclaimed
	s.notice = "order released"
	s.log.Info("order unclaimed")
	s.fetch(nil)
	s.publish()
	respond(m.Reply, nil)
}

func (s *Session) onFinalize(m finalizeMsg) {
	reply := func(err error) { m.Reply <- finalizeReply{Err: err} }

	if s.phase == PhaseVerifying || len(s.itemBusy) > 0 {
		reply(engine.ErrInFlight)
		return
	}
	if err := s.mutable(); err != nil {
		reply(err)
		return
	}
	if s.finalizer == nil {
		reply(fmt.Errorf("no shipment finalizer configured: %w", engine.ErrValidation))
		return
	}

	order := s.store.View()
	if !engine.ReadyToFinalize(order.Items) {
		done := 0
		for _, it := range order.Items {
			if it.Complete() || it.Skipped() {
				done++
			}
		}
		reply(fmt.Errorf("%d of %d items verified or skipped: %w", done, len(order.Items), engine.ErrNotComplete))
		return
	}
	if skippedItems := engine.SkippedItems(order.Items); len(skippedItems) > 0 && !m.AcceptSkips {
		err := &engine.SkipsPendingError{Items: skippedItems}
		s.notice = err.Error()
		s.publish()
		reply(err)
		return
	}
	if err := s.finalizer.Validate(m.Draft); err != nil {
		reply(err)
		return
	}

	s.phase = PhaseFinalizing
	s.notice = ""
	s.publish()

	draft := m.Draft
	if draft.Resume == nil {
		draft.Resume = s.resume
	}
	s.call(4*s.timeout, func(ctx context.Context) Msg {
		shp, err := s.finalizer.Finalize(ctx, order, s.who.WorkerID, draft)
		return finalized{Shipment: shp, Err: err, Reply: m.Reply}
	})
}

func (s *Session) onFinalized(m finalized) {
	if m.Err != nil {
		s.log.Warn("finalize failed", zap.Error(m.Err))
		var step *shipping.StepError
		if errors.As(m.Err, &step) && step.Progress != nil {
			s.resume = step.Progress
		}
		if s.phase == PhaseFinalizing {
			s.phase = PhaseClaimed
		}
		s.notice = fmt.Sprintf("shipment failed: %v", m.Err)
		s.fetch(nil)
		s.publish()
		m.Reply <- finalizeReply{Err: m.Err}
		return
	}

	shp := m.Shipment
	s.shipment = &shp
	s.resume = nil
	s.phase = PhaseDone
	s.notice = "order packed"
	s.log.Info("order packed", zap.String("shipment_id", shp.ID))
	s.fetch(nil)
	s.publish()
	m.Reply <- finalizeReply{Shipment: shp}
}

func (s *Session) state() State {
	o := s.store.View()
	return State{
		Phase:           s.phase,
		Claim:           s.claim,
		Order:           o,
		Cursor:          s.cursor,
		AllVerified:     engine.AllVerified(o.Items),
		ReadyToFinalize: engine.ReadyToFinalize(o.Items),
		Skipped:         engine.SkippedItems(o.Items),
		Notice:          s.notice,
		Shipment:        s.shipment,
	}
}

func (s *Session) settled() bool {
	switch s.phase {
	case PhaseClaimed, PhaseVerifying, PhaseViewOnly, PhaseConflict, PhaseReleased, PhaseDone, PhaseFinalizing:
		return true
	case PhaseIdle:
		return s.claimErr != nil
	}
	return false
}

func (s *Session) settle() {
	if len(s.waiters) == 0 || !s.settled() {
		return
	}
	for _, w := range s.waiters {
		w <- s.claimErr
	}
	s.waiters = nil
}

func (s *Session) publish() {
	s.version++
	s.broadcast(Snapshot{Version: s.version, State: s.state()})
	s.settle()
}

func (s *Session) broadcast(snap Snapshot) {
	for id, ch := range s.clients {
		select {
		case ch <- snap:
			//ok
		default:
			// Client is slow/full - drop them.
			close(ch)
			delete(s.clients, id)
		}
	}
}

func (s *Session) shutdown() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	for id, ch := range s.clients {
		close(ch) // Tell client no more snapshots
		delete(s.clients, id)
	}
	for _, w := range s.waiters {
		w <- engine.ErrSessionClosed
	}
	s.waiters = nil
	s.cancel()
}
