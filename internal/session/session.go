// Package session runs one packing session per open order. A single goroutine
// owns the session state; callers and backend responses talk to it through
// its inbox, so every decision about claims, scans, skips and undos is made
// against one consistent view.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/shipping"
	"github.com/DoyleJ11/packstation/internal/store"
	"github.com/DoyleJ11/packstation/pkg/types"
)

// Backend is the part of the warehouse API a packing session consumes.
type Backend interface {
	GetOrder(ctx context.Context, orderID string) (engine.Order, error)
	ClaimForPacking(ctx context.Context, orderID, workerID string) (engine.Order, error)
	UnclaimPacking(ctx context.Context, orderID, workerID, reason string) error
	VerifyItem(ctx context.Context, orderID, itemID, workerID string, quantity int) error
	SkipItem(ctx context.Context, orderID, itemID, workerID, reason string) error
	UndoVerification(ctx context.Context, orderID, itemID, workerID string, quantity int, reason string) error
	SetItemStatus(ctx context.Context, orderID, itemID, workerID string, status engine.ItemStatus) error
}

// Watcher observes an order without writing to it. Watch blocks until ctx
// ends or the order reaches a terminal status.
type Watcher interface {
	Watch(ctx context.Context, orderID string, emit func(engine.Order)) error
}

type Finalizer interface {
	Validate(d shipping.Draft) error
	Finalize(ctx context.Context, o engine.Order, packerID string, d shipping.Draft) (types.Shipment, error)
}

type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseClaiming   Phase = "CLAIMING"
	PhaseClaimed    Phase = "CLAIMED"
	PhaseVerifying  Phase = "VERIFYING"
	PhaseFinalizing Phase = "FINALIZING"
	PhaseViewOnly   Phase = "VIEW_ONLY"
	PhaseConflict   Phase = "CONFLICT"
	PhaseReleased   Phase = "RELEASED"
	PhaseDone       Phase = "DONE"
)

// State is what subscribers render.
type State struct {
	Phase           Phase
	Claim           engine.ClaimState
	Order           engine.Order
	Cursor          int
	AllVerified     bool
	ReadyToFinalize bool
	Skipped         []engine.Item
	Notice          string
	Shipment        *types.Shipment
}

// Current returns the item under the cursor.
func (s State) Current() (engine.Item, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Order.Items) {
		return engine.Item{}, false
	}
	return s.Order.Items[s.Cursor], true
}

type Snapshot struct {
	Version int
	State   State
}

type View struct {
	Version    int
	NumClients int
	State      State
}

type Options struct {
	OrderID     string
	Identity    engine.Identity
	Backend     Backend
	Watcher     Watcher
	Finalizer   Finalizer
	Logger      *zap.Logger
	CallTimeout time.Duration
}

type Session struct {
	inbox chan Msg
	done  chan struct{}

	orderID   string
	who       engine.Identity
	backend   Backend
	watcher   Watcher
	finalizer Finalizer
	log       *zap.Logger
	timeout   time.Duration

	store      *store.Store
	phase      Phase
	claim      engine.ClaimState
	cursor     int
	cursorInit bool
	notice     string
	shipment   *types.Shipment
	// Server-side progress of the last failed finalize.
	resume *shipping.Progress

	// Claim guards. Both are set before the claim request leaves the actor.
	claimAttempted bool
	claimInFlight  bool
	claimErr       error

	verifying string
	releasing bool
	itemBusy  map[string]bool

	// Fetch generations: responses to fetches issued before the latest
	// optimistic edit are stale and dropped.
	fetchGen      int
	appliedGen    int
	optimisticGen int

	watching  bool
	stopWatch context.CancelFunc
	waiters   []chan error
	version   int
	clients   map[string]chan Snapshot
	ctx       context.Context
	cancel    context.CancelFunc
}

// New starts the session goroutine and loads the order. The claim is
// resolved as soon as the first authoritative read arrives; use AwaitReady to
// wait for it.
func New(parent context.Context, opts Options) *Session {
	ctx, cancel := context.WithCancel(parent)

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session").With(
		zap.String("order_id", opts.OrderID),
		zap.String("worker_id", opts.Identity.WorkerID))
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Session{
		inbox:     make(chan Msg, 64),
		done:      make(chan struct{}),
		orderID:   opts.OrderID,
		who:       opts.Identity,
		backend:   opts.Backend,
		watcher:   opts.Watcher,
		finalizer: opts.Finalizer,
		log:       log,
		timeout:   timeout,
		store:     store.New(),
		phase:     PhaseIdle,
		claim:     engine.ClaimUnclaimed,
		itemBusy:  make(map[string]bool),
		clients:   make(map[string]chan Snapshot),
		ctx:       ctx,
		cancel:    cancel,
	}

	go s.loop()
	s.inbox <- refreshMsg{}
	return s
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) request(ctx context.Context, m Msg, reply <-chan error) error {
	select {
	case s.inbox <- m:
	case <-s.done:
		return engine.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return engine.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitReady blocks until the claim has been resolved and returns the claim
// outcome: nil when the order is ours or open view-only.
func (s *Session) AwaitReady(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.request(ctx, awaitMsg{Reply: reply}, reply)
}

// Scan verifies one unit of the item under the cursor.
func (s *Session) Scan(ctx context.Context, token string) error {
	reply := make(chan error, 1)
	return s.request(ctx, scanMsg{Token: token, Reply: reply}, reply)
}

// ReportProblem skips an item with the operator's reason.
func (s *Session) ReportProblem(ctx context.Context, itemID, reason string) error {
	reply := make(chan error, 1)
	return s.request(ctx, skipMsg{ItemID: itemID, Reason: reason, Reply: reply}, reply)
}

// RevertSkip moves a skipped item back to PENDING. confirmed carries the
// operator's confirmation.
func (s *Session) RevertSkip(ctx context.Context, itemID string, confirmed bool) error {
	reply := make(chan error, 1)
	return s.request(ctx, unskipMsg{ItemID: itemID, Confirmed: confirmed, Reply: reply}, reply)
}

// Undo retracts one verified unit of an item.
func (s *Session) Undo(ctx context.Context, itemID, reason string) error {
	reply := make(chan error, 1)
	return s.request(ctx, undoMsg{ItemID: itemID, Reason: reason, Reply: reply}, reply)
}

func (s *Session) Unclaim(ctx context.Context, reason string) error {
	reply := make(chan error, 1)
	return s.request(ctx, unclaimMsg{Reason: reason, Reply: reply}, reply)
}

// RetryClaim clears the claim guards and runs a fresh claim cycle.
func (s *Session) RetryClaim(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.request(ctx, retryClaimMsg{Reply: reply}, reply)
}

// Refresh forces an authoritative read.
func (s *Session) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.request(ctx, refreshMsg{Reply: reply}, reply)
}

// Finalize ships the order. Orders with skipped items need acceptSkips.
func (s *Session) Finalize(ctx context.Context, d shipping.Draft, acceptSkips bool) (types.Shipment, error) {
	reply := make(chan finalizeReply, 1)
	select {
	case s.inbox <- finalizeMsg{Draft: d, AcceptSkips: acceptSkips, Reply: reply}:
	case <-s.done:
		return types.Shipment{}, engine.ErrSessionClosed
	case <-ctx.Done():
		return types.Shipment{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Shipment, r.Err
	case <-s.done:
		return types.Shipment{}, engine.ErrSessionClosed
	case <-ctx.Done():
		return types.Shipment{}, ctx.Err()
	}
}

func (s *Session) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case s.inbox <- GetState{Reply: reply}:
	case <-s.done:
		return View{}, engine.ErrSessionClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return View{}, engine.ErrSessionClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Subscribe registers a snapshot outbox. The current snapshot is delivered
// immediately. Outboxes that fall behind are closed and dropped.
func (s *Session) Subscribe(clientID string, outbox chan Snapshot) {
	select {
	case s.inbox <- Join{ClientID: clientID, Outbox: outbox}:
	case <-s.done:
		close(outbox)
	}
}

func (s *Session) Unsubscribe(clientID string) {
	select {
	case s.inbox <- Leave{ClientID: clientID}:
	case <-s.done:
	}
}

// Close stops the session. In-flight backend calls are left to finish; their
// responses are dropped.
func (s *Session) Close() {
	select {
	case s.inbox <- Shutdown{}:
	case <-s.done:
	}
	<-s.done
}
