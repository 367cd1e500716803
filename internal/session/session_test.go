package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/records"
	"github.com/DoyleJ11/packstation/internal/session"
	"github.com/DoyleJ11/packstation/internal/shipping"
	"github.com/DoyleJ11/packstation/internal/viewmode"
	"github.com/DoyleJ11/packstation/pkg/types"
)

// gatedBackend wraps the record service. A non-nil gate holds the matching
// call until it is closed; counters record how many calls reached it.
type gatedBackend struct {
	session.Backend

	mu         sync.Mutex
	claimGate  chan struct{}
	verifyGate chan struct{}
	undoGate   chan struct{}
	beforeUndo func()
	// readGate holds the next GetOrder response, read before the gate, until
	// closed; readHeld is closed once that read has been taken.
	readGate chan struct{}
	readHeld chan struct{}

	claims   atomic.Int32
	verifies atomic.Int32
	undos    atomic.Int32
	skips    atomic.Int32
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *gatedBackend) gates() (claim, verify, undo chan struct{}, hook func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimGate, b.verifyGate, b.undoGate, b.beforeUndo
}

func (b *gatedBackend) GetOrder(ctx context.Context, orderID string) (engine.Order, error) {
	b.mu.Lock()
	gate, held := b.readGate, b.readHeld
	b.readGate, b.readHeld = nil, nil
	b.mu.Unlock()

	o, err := b.Backend.GetOrder(ctx, orderID)
	if gate != nil {
		close(held)
		if werr := wait(ctx, gate); werr != nil {
			return engine.Order{}, werr
		}
	}
	return o, err
}

func (b *gatedBackend) ClaimForPacking(ctx context.Context, orderID, workerID string) (engine.Order, error) {
	b.claims.Add(1)
	gate, _, _, _ := b.gates()
	if err := wait(ctx, gate); err != nil {
		return engine.Order{}, err
	}
	return b.Backend.ClaimForPacking(ctx, orderID, workerID)
}

func (b *gatedBackend) VerifyItem(ctx context.Context, orderID, itemID, workerID string, quantity int) error {
	b.verifies.Add(1)
	_, gate, _, _ := b.gates()
	if err := wait(ctx, gate); err != nil {
		return err
	}
	return b.Backend.VerifyItem(ctx, orderID, itemID, workerID, quantity)
}

func (b *gatedBackend) UndoVerification(ctx context.Context, orderID, itemID, workerID string, quantity int, reason string) error {
	b.undos.Add(1)
	_, _, gate, hook := b.gates()
	if err := wait(ctx, gate); err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return b.Backend.UndoVerification(ctx, orderID, itemID, workerID, quantity, reason)
}

func (b *gatedBackend) SkipItem(ctx context.Context, orderID, itemID, workerID, reason string) error {
	b.skips.Add(1)
	return b.Backend.SkipItem(ctx, orderID, itemID, workerID, reason)
}

const orderID = "ord-100"

func twoItemOrder() engine.Order {
	return engine.Order{
		ID:       orderID,
		Status:   engine.StatusPicked,
		ShipTo:   engine.Address{Name: "Ada", Line1: "1 Loom St", City: "Leeds", Country: "GB"},
		ShipFrom: engine.Address{Name: "DC1", Line1: "Dock 4", City: "York", Country: "GB"},
		Items: []engine.Item{
			{ID: "i1", SKU: "SKU-1", Barcode: "111", Quantity: 2},
			{ID: "i2", SKU: "SKU-2", Barcode: "222", Quantity: 1},
		},
	}
}

type fixture struct {
	svc     *records.Service
	backend *gatedBackend
	fin     *shipping.Finalizer
}

func newFixture(t *testing.T, o engine.Order) *fixture {
	t.Helper()
	svc := records.NewService(records.NewMemoryRepository(), nil, nil)
	_, err := svc.CreateOrder(context.Background(), o)
	require.NoError(t, err)
	return &fixture{
		svc:     svc,
		backend: &gatedBackend{Backend: svc},
		fin:     shipping.NewFinalizer(svc, shipping.DefaultCatalog(), nil),
	}
}

func (f *fixture) open(t *testing.T, who engine.Identity, watcher session.Watcher) *session.Session {
	t.Helper()
	s := session.New(context.Background(), session.Options{
		OrderID:     orderID,
		Identity:    who,
		Backend:     f.backend,
		Watcher:     watcher,
		Finalizer:   f.fin,
		CallTimeout: 2 * time.Second,
	})
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) serverOrder(t *testing.T) engine.Order {
	t.Helper()
	o, err := f.svc.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func view(t *testing.T, s *session.Session) session.State {
	t.Helper()
	v, err := s.View(testCtx(t))
	require.NoError(t, err)
	return v.State
}

func eventually(t *testing.T, s *session.Session, cond func(session.State) bool, msg string) session.State {
	t.Helper()
	var last session.State
	require.Eventually(t, func() bool {
		v, err := s.View(context.Background())
		if err != nil {
			return false
		}
		last = v.State
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond, msg)
	return last
}

var alice = engine.Identity{WorkerID: "alice"}

func claimed(t *testing.T, f *fixture) *session.Session {
	t.Helper()
	s := f.open(t, alice, nil)
	require.NoError(t, s.AwaitReady(testCtx(t)))
	return s
}

func lsDraft() shipping.Draft {
	return shipping.Draft{Carrier: "LOCAL_COURIER", TrackingNumber: "LC-77", Weight: decimal.NewFromInt(3), PackageCount: 1}
}

func TestClaimOnEntry(t *testing.T) {
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	st := view(t, s)
	assert.Equal(t, session.PhaseClaimed, st.Phase)
	assert.Equal(t, engine.ClaimOwnedByMe, st.Claim)
	assert.Equal(t, 0, st.Cursor)

	o := f.serverOrder(t)
	assert.Equal(t, "alice", o.ClaimedBy)
	assert.Equal(t, engine.StatusPacking, o.Status)
}

func TestScanAdvancesCursorWhenItemCompletes(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	require.NoError(t, s.Scan(ctx, "111"))
	st := view(t, s)
	assert.Equal(t, 1, st.Order.Items[0].VerifiedQuantity, "optimistic count shows right after the ack")
	assert.Equal(t, 0, st.Cursor)

	require.NoError(t, s.Scan(ctx, " 111\n"))
	st = view(t, s)
	assert.Equal(t, 2, st.Order.Items[0].VerifiedQuantity)
	assert.Equal(t, 1, st.Cursor, "cursor moves to the next incomplete item")
	assert.Equal(t, 2, f.serverOrder(t).Items[0].VerifiedQuantity)

	require.NoError(t, s.Scan(ctx, "222"))
	st = eventually(t, s, func(st session.State) bool { return st.ReadyToFinalize }, "order complete")
	assert.True(t, st.AllVerified)
}

func TestScanMismatchMakesNoCall(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	err := s.Scan(ctx, "222")
	var mismatch *engine.ScanMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "111", mismatch.Expected)
	assert.Equal(t, "222", mismatch.Actual)
	assert.ErrorIs(t, err, engine.ErrScanMismatch)

	assert.Zero(t, f.backend.verifies.Load())
	assert.Equal(t, 0, f.serverOrder(t).Items[0].VerifiedQuantity)
	assert.Contains(t, view(t, s).Notice, `expected "111"`)
}

func TestScanOfCompleteItemIsNoop(t *testing.T) {
	ctx := testCtx(t)
	o := twoItemOrder()
	o.Items = o.Items[:1]
	f := newFixture(t, o)
	s := claimed(t, f)

	require.NoError(t, s.Scan(ctx, "111"))
	require.NoError(t, s.Scan(ctx, "111"))
	calls := f.backend.verifies.Load()

	require.NoError(t, s.Scan(ctx, "111"), "matching scan of a complete item succeeds")
	assert.Equal(t, calls, f.backend.verifies.Load())
	assert.Equal(t, 2, f.serverOrder(t).Items[0].VerifiedQuantity)
}

func TestRapidScansAreSingleFlight(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	gate := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.verifyGate = gate
	f.backend.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- s.Scan(ctx, "111") }()
	require.Eventually(t, func() bool { return f.backend.verifies.Load() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Scan(ctx, "111"), engine.ErrInFlight)
	assert.Equal(t, session.PhaseVerifying, view(t, s).Phase)

	close(gate)
	require.NoError(t, <-first)

	assert.Equal(t, int32(1), f.backend.verifies.Load())
	assert.Equal(t, 1, f.serverOrder(t).Items[0].VerifiedQuantity, "exactly one unit, not two")
	assert.Equal(t, session.PhaseClaimed, view(t, s).Phase)
}

func TestConcurrentEntryHasOneClaimRequest(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	gate := make(chan struct{})
	f.backend.claimGate = gate

	s := f.open(t, alice, nil)
	require.Eventually(t, func() bool { return f.backend.claims.Load() == 1 }, time.Second, time.Millisecond)

	// Each read re-evaluates the claim while the first request is pending.
	for range 5 {
		require.NoError(t, s.Refresh(ctx))
	}
	assert.Equal(t, session.PhaseClaiming, view(t, s).Phase)

	close(gate)
	require.NoError(t, s.AwaitReady(ctx))
	assert.Equal(t, int32(1), f.backend.claims.Load())
	assert.Equal(t, session.PhaseClaimed, view(t, s).Phase)
}

func TestClaimConflictAndSupervisorView(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	packer := claimed(t, f)

	bob := f.open(t, engine.Identity{WorkerID: "bob"}, nil)
	err := bob.AwaitReady(ctx)
	var conflict *engine.ClaimConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "alice", conflict.ClaimedBy)
	st := view(t, bob)
	assert.Equal(t, session.PhaseConflict, st.Phase)
	assert.ErrorIs(t, bob.Scan(ctx, "111"), engine.ErrClaimConflict)
	assert.ErrorIs(t, bob.ReportProblem(ctx, "i1", "not mine"), engine.ErrClaimConflict)

	poller := &viewmode.Poller{Fetcher: f.svc, Interval: 10 * time.Millisecond}
	sup := f.open(t, engine.Identity{WorkerID: "sam", Supervisor: true}, poller)
	require.NoError(t, sup.AwaitReady(ctx))
	st = view(t, sup)
	assert.Equal(t, session.PhaseViewOnly, st.Phase)
	assert.Equal(t, engine.ClaimViewOnly, st.Claim)

	// Live progress of the owner shows up in the supervisor's view.
	require.NoError(t, packer.Scan(ctx, "111"))
	eventually(t, sup, func(st session.State) bool { return st.Order.Items[0].VerifiedQuantity == 1 },
		"supervisor sees the verified unit")

	assert.ErrorIs(t, sup.Scan(ctx, "111"), engine.ErrViewOnly)
	assert.ErrorIs(t, sup.Undo(ctx, "i1", "test"), engine.ErrViewOnly)
	assert.ErrorIs(t, sup.ReportProblem(ctx, "i2", "test"), engine.ErrViewOnly)
	assert.ErrorIs(t, sup.Unclaim(ctx, "test"), engine.ErrViewOnly)
	assert.ErrorIs(t, sup.RetryClaim(ctx), engine.ErrViewOnly)
	_, err = sup.Finalize(ctx, lsDraft(), true)
	assert.ErrorIs(t, err, engine.ErrViewOnly)

	assert.Equal(t, int32(1), f.backend.claims.Load(), "only alice ever sent a claim")
	assert.Equal(t, "alice", f.serverOrder(t).ClaimedBy)
}

func TestTerminalOrderOpensViewOnly(t *testing.T) {
	o := twoItemOrder()
	o.Status = engine.StatusPacked
	f := newFixture(t, o)

	s := f.open(t, alice, nil)
	require.NoError(t, s.AwaitReady(testCtx(t)))
	assert.Equal(t, session.PhaseViewOnly, view(t, s).Phase)
	assert.Zero(t, f.backend.claims.Load())
}

func TestOrderNotReadyForPacking(t *testing.T) {
	o := twoItemOrder()
	o.Status = engine.StatusPicking
	f := newFixture(t, o)

	s := f.open(t, alice, nil)
	assert.ErrorIs(t, s.AwaitReady(testCtx(t)), engine.ErrNotClaimable)
	assert.Equal(t, session.PhaseIdle, view(t, s).Phase)
	assert.Zero(t, f.backend.claims.Load())
}

func TestSkipAndRevert(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	assert.ErrorIs(t, s.ReportProblem(ctx, "i1", "   "), engine.ErrReasonRequired)
	assert.Zero(t, f.backend.skips.Load(), "no call without a reason")

	require.NoError(t, s.ReportProblem(ctx, "i1", "label torn"))
	st := view(t, s)
	assert.Equal(t, engine.ItemSkipped, st.Order.Items[0].Status)
	assert.Equal(t, 1, st.Cursor, "cursor leaves the skipped item")
	assert.ErrorIs(t, s.ReportProblem(ctx, "i1", "again"), engine.ErrAlreadySkipped)

	assert.ErrorIs(t, s.RevertSkip(ctx, "i1", false), engine.ErrConfirmationRequired)
	assert.ErrorIs(t, s.RevertSkip(ctx, "i2", true), engine.ErrNotSkipped)

	require.NoError(t, s.RevertSkip(ctx, "i1", true))
	st = view(t, s)
	assert.Equal(t, engine.ItemPending, st.Order.Items[0].Status)
	assert.Equal(t, 0, st.Cursor, "cursor returns to the reverted item")
	assert.Equal(t, engine.ItemPending, f.serverOrder(t).Items[0].Status)

	assert.ErrorIs(t, s.ReportProblem(ctx, "nope", "x"), engine.ErrUnknownItem)
}

func TestUndo(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)
	require.NoError(t, s.Scan(ctx, "111"))
	require.NoError(t, s.Scan(ctx, "111"))
	require.Equal(t, 1, view(t, s).Cursor)

	assert.ErrorIs(t, s.Undo(ctx, "i1", ""), engine.ErrReasonRequired)
	assert.Zero(t, f.backend.undos.Load(), "no call without a reason")

	require.NoError(t, s.Undo(ctx, "i1", "double scan"))
	st := view(t, s)
	assert.Equal(t, 1, st.Order.Items[0].VerifiedQuantity)
	assert.Equal(t, 1, st.Cursor, "undo never moves the cursor")
	assert.Equal(t, 1, f.serverOrder(t).Items[0].VerifiedQuantity)

	require.NoError(t, s.Undo(ctx, "i1", "double scan"))
	assert.Equal(t, 0, f.serverOrder(t).Items[0].VerifiedQuantity)

	undos := f.backend.undos.Load()
	err := s.Undo(ctx, "i1", "double scan")
	assert.ErrorIs(t, err, engine.ErrNothingToUndo)
	assert.Contains(t, err.Error(), "0 of 2")
	assert.Equal(t, undos, f.backend.undos.Load(), "nothing sent when the fresh count is zero")
}

func TestUndoIsNotReentrant(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)
	require.NoError(t, s.Scan(ctx, "111"))
	require.NoError(t, s.Scan(ctx, "111"))

	gate := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.undoGate = gate
	f.backend.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- s.Undo(ctx, "i1", "wrong item") }()
	require.Eventually(t, func() bool { return f.backend.undos.Load() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Undo(ctx, "i1", "wrong item"), engine.ErrInFlight)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), f.backend.undos.Load())
	assert.Equal(t, 1, f.serverOrder(t).Items[0].VerifiedQuantity)
}

func TestUndoRaceRefetches(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)
	require.NoError(t, s.Scan(ctx, "111"))

	// Another device undoes the unit between the fresh read and the undo.
	f.backend.mu.Lock()
	f.backend.beforeUndo = func() {
		_ = f.svc.UndoVerification(context.Background(), orderID, "i1", "alice", 1, "handheld")
	}
	f.backend.mu.Unlock()

	err := s.Undo(ctx, "i1", "miscount")
	var race *engine.UndoRaceError
	require.ErrorAs(t, err, &race)
	assert.Equal(t, 0, race.Current)
	assert.ErrorIs(t, err, engine.ErrStaleState)

	st := eventually(t, s, func(st session.State) bool { return st.Order.Items[0].VerifiedQuantity == 0 },
		"refetch brings the server count")
	assert.Contains(t, st.Notice, "retry")
}

func TestFinalizeWithSkippedItems(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	_, err := s.Finalize(ctx, lsDraft(), true)
	assert.ErrorIs(t, err, engine.ErrNotComplete)

	require.NoError(t, s.Scan(ctx, "111"))
	require.NoError(t, s.Scan(ctx, "111"))
	require.NoError(t, s.ReportProblem(ctx, "i2", "out of stock"))

	_, err = s.Finalize(ctx, lsDraft(), false)
	var pending *engine.SkipsPendingError
	require.ErrorAs(t, err, &pending)
	require.Len(t, pending.Items, 1)
	assert.Equal(t, "i2", pending.Items[0].ID)
	assert.Equal(t, session.PhaseClaimed, view(t, s).Phase, "declining leaves the session packing")
	assert.Equal(t, engine.StatusPacking, f.serverOrder(t).Status)

	_, err = s.Finalize(ctx, shipping.Draft{Carrier: "LOCAL_COURIER", Weight: decimal.NewFromInt(1), PackageCount: 1}, true)
	assert.ErrorIs(t, err, engine.ErrValidation, "validated before any call")
	assert.Equal(t, engine.StatusPacking, f.serverOrder(t).Status)

	shp, err := s.Finalize(ctx, lsDraft(), true)
	require.NoError(t, err)
	assert.Equal(t, "LC-77", shp.TrackingNumber)
	assert.Equal(t, "LOCAL_COURIER", shp.Carrier)

	st := view(t, s)
	assert.Equal(t, session.PhaseDone, st.Phase)
	require.NotNil(t, st.Shipment)
	assert.Equal(t, engine.StatusPacked, f.serverOrder(t).Status)
	assert.ErrorIs(t, s.Scan(ctx, "222"), engine.ErrViewOnly)
}

func TestFinalizeFailureKeepsOrderOpen(t *testing.T) {
	ctx := testCtx(t)
	o := twoItemOrder()
	o.Items = o.Items[1:]
	f := newFixture(t, o)
	s := claimed(t, f)
	require.NoError(t, s.Scan(ctx, "222"))

	draft := shipping.Draft{Carrier: "UPS", ServiceType: "GROUND", QuoteID: "no-such-quote", Weight: decimal.NewFromInt(1), PackageCount: 1}
	_, err := s.Finalize(ctx, draft, false)
	var step *shipping.StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, shipping.StepLabel, step.Step)

	assert.Equal(t, session.PhaseClaimed, view(t, s).Phase)
	assert.Equal(t, engine.StatusPacking, f.serverOrder(t).Status)
}

func TestUnclaimAndRetry(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	assert.ErrorIs(t, s.Unclaim(ctx, ""), engine.ErrReasonRequired)
	require.NoError(t, s.Unclaim(ctx, "end of shift"))

	st := view(t, s)
	assert.Equal(t, session.PhaseReleased, st.Phase)
	o := f.serverOrder(t)
	assert.Empty(t, o.ClaimedBy)
	assert.Equal(t, engine.StatusPicked, o.Status)
	assert.ErrorIs(t, s.Scan(ctx, "111"), engine.ErrNotOwner)

	// No automatic re-claim after a release.
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, int32(1), f.backend.claims.Load())

	require.NoError(t, s.RetryClaim(ctx))
	assert.Equal(t, session.PhaseClaimed, view(t, s).Phase)
	assert.Equal(t, int32(2), f.backend.claims.Load())
	assert.Equal(t, "alice", f.serverOrder(t).ClaimedBy)
}

func TestRetryAfterConflict(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	owner := claimed(t, f)

	bob := f.open(t, engine.Identity{WorkerID: "bob"}, nil)
	require.ErrorIs(t, bob.AwaitReady(ctx), engine.ErrClaimConflict)

	require.NoError(t, owner.Unclaim(ctx, "handing over"))
	require.NoError(t, bob.RetryClaim(ctx))
	assert.Equal(t, session.PhaseClaimed, view(t, bob).Phase)
	assert.Equal(t, "bob", f.serverOrder(t).ClaimedBy)
}

func TestSubscribersGetSnapshots(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	out := make(chan session.Snapshot, 32)
	s.Subscribe("ui", out)
	first := recvSnapshot(t, out)
	assert.Equal(t, session.PhaseClaimed, first.State.Phase)

	require.NoError(t, s.Scan(ctx, "111"))
	for {
		snap := recvSnapshot(t, out)
		require.Greater(t, snap.Version, first.Version)
		if snap.State.Order.Items[0].VerifiedQuantity == 1 {
			break
		}
	}

	s.Close()
	for range out {
		// drain until the session closes the outbox
	}
	assert.ErrorIs(t, s.Scan(ctx, "111"), engine.ErrSessionClosed)
}

func recvSnapshot(t *testing.T, ch <-chan session.Snapshot) session.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed")
		}
		return snap
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for snapshot")
		return session.Snapshot{}
	}
}

func TestUndoBehindCursorReturnsToOpenItem(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)
	for _, token := range []string{"111", "111", "222"} {
		require.NoError(t, s.Scan(ctx, token))
	}
	require.Equal(t, 1, view(t, s).Cursor)

	require.NoError(t, s.Undo(ctx, "i1", "counted twice"))
	st := view(t, s)
	cur, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, "i1", cur.ID, "cursor leaves the complete item for the one with work left")
	assert.False(t, st.ReadyToFinalize)

	require.NoError(t, s.Scan(ctx, "111"))
	eventually(t, s, func(st session.State) bool { return st.ReadyToFinalize }, "order complete again")
	assert.Equal(t, 2, f.serverOrder(t).Items[0].VerifiedQuantity)
}

func TestRefreshMovesCursorOffCompleteItem(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)
	for _, token := range []string{"111", "111", "222"} {
		require.NoError(t, s.Scan(ctx, token))
	}

	// A second handheld retracts a unit behind the session's back.
	require.NoError(t, f.svc.UndoVerification(context.Background(), orderID, "i1", "alice", 1, "handheld"))
	require.NoError(t, s.Refresh(ctx))

	st := eventually(t, s, func(st session.State) bool { return st.Order.Items[0].VerifiedQuantity == 1 }, "server count applied")
	assert.Equal(t, 0, st.Cursor)
	require.NoError(t, s.Scan(ctx, "111"))
}

func TestReadOlderThanAckIsDropped(t *testing.T) {
	ctx := testCtx(t)
	f := newFixture(t, twoItemOrder())
	s := claimed(t, f)

	gate, held := make(chan struct{}), make(chan struct{})
	f.backend.mu.Lock()
	f.backend.readGate, f.backend.readHeld = gate, held
	f.backend.mu.Unlock()

	refreshed := make(chan error, 1)
	go func() { refreshed <- s.Refresh(ctx) }()
	select {
	case <-held:
	case <-ctx.Done():
		t.Fatalf("timeout waiting for the read to start")
	}

	// The held read saw 0 verified; the scan is acknowledged before it lands.
	require.NoError(t, s.Scan(ctx, "111"))
	require.Equal(t, 1, view(t, s).Order.Items[0].VerifiedQuantity)

	close(gate)
	require.NoError(t, <-refreshed)
	assert.Equal(t, 1, view(t, s).Order.Items[0].VerifiedQuantity, "late read must not roll back the verified unit")
	assert.Equal(t, 1, f.serverOrder(t).Items[0].VerifiedQuantity)
}

// flakyCompletion fails CompletePacking while failures is positive and counts
// created shipments.
type flakyCompletion struct {
	*records.Service
	failures  atomic.Int32
	shipments atomic.Int32
}

func (b *flakyCompletion) CreateShipment(ctx context.Context, orderID string, req types.ShipmentRequest) (types.Shipment, error) {
	b.shipments.Add(1)
	return b.Service.CreateShipment(ctx, orderID, req)
}

func (b *flakyCompletion) CompletePacking(ctx context.Context, orderID, packerID string) error {
	if b.failures.Add(-1) >= 0 {
		return engine.ErrNetwork
	}
	return b.Service.CompletePacking(ctx, orderID, packerID)
}

func TestFinalizeRetryReusesShipment(t *testing.T) {
	ctx := testCtx(t)
	o := twoItemOrder()
	o.Items = o.Items[1:]
	f := newFixture(t, o)
	flaky := &flakyCompletion{Service: f.svc}
	flaky.failures.Store(1)
	f.fin = shipping.NewFinalizer(flaky, shipping.DefaultCatalog(), nil)

	s := claimed(t, f)
	require.NoError(t, s.Scan(ctx, "222"))

	_, err := s.Finalize(ctx, lsDraft(), false)
	var step *shipping.StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, shipping.StepComplete, step.Step)
	assert.ErrorIs(t, err, engine.ErrNetwork)
	assert.Equal(t, session.PhaseClaimed, view(t, s).Phase)
	assert.Equal(t, engine.StatusPacking, f.serverOrder(t).Status)

	shp, err := s.Finalize(ctx, lsDraft(), false)
	require.NoError(t, err)
	assert.Equal(t, step.Progress.Shipment.ID, shp.ID)
	assert.Equal(t, "LC-77", shp.TrackingNumber)
	assert.Equal(t, int32(1), flaky.shipments.Load(), "retry does not create a second shipment")
	assert.Equal(t, engine.StatusPacked, f.serverOrder(t).Status)
}
