package session

import (
	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/shipping"
	"github.com/DoyleJ11/packstation/pkg/types"
)

type Msg interface{ isSessionMsg() }

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Join) isSessionMsg() {}

type Leave struct{ ClientID string }

func (Leave) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSessionMsg() {}

// Operator requests. Reply may be nil for fire-and-forget use.

type awaitMsg struct{ Reply chan error }

type scanMsg struct {
	Token string
	Reply chan error
}

type skipMsg struct {
	ItemID string
	Reason string
	Reply  chan error
}

type unskipMsg struct {
	ItemID    string
	Confirmed bool
	Reply     chan error
}

type undoMsg struct {
	ItemID string
	Reason string
	Reply  chan error
}

type unclaimMsg struct {
	Reason string
	Reply  chan error
}

type retryClaimMsg struct{ Reply chan error }

type refreshMsg struct{ Reply chan error }

type finalizeReply struct {
	Shipment types.Shipment
	Err      error
}

type finalizeMsg struct {
	Draft       shipping.Draft
	AcceptSkips bool
	Reply       chan finalizeReply
}

func (awaitMsg) isSessionMsg()      {}
func (scanMsg) isSessionMsg()       {}
func (skipMsg) isSessionMsg()       {}
func (unskipMsg) isSessionMsg()     {}
func (undoMsg) isSessionMsg()       {}
func (unclaimMsg) isSessionMsg()    {}
func (retryClaimMsg) isSessionMsg() {}
func (refreshMsg) isSessionMsg()    {}
func (finalizeMsg) isSessionMsg()   {}

// Backend responses, posted back by the goroutine that made the call.

type fetched struct {
	Gen   int
	Order engine.Order
	Err   error
	Reply chan error
}

type claimed struct {
	Order engine.Order
	Err   error
}

type verified struct {
	ItemID   string
	Expected int
	Err      error
	Reply    chan error
}

type skipped struct {
	ItemID string
	Reason string
	Err    error
	Reply  chan error
}

type unskipped struct {
	ItemID string
	Err    error
	Reply  chan error
}

type undoRead struct {
	ItemID string
	Reason string
	Gen    int
	Order  engine.Order
	Err    error
	Reply  chan error
}

type undone struct {
	ItemID   string
	Expected int
	Current  int
	Err      error
	Reply    chan error
}

type unclaimed struct {
	Err   error
	Reply chan error
}

type finalized struct {
	Shipment types.Shipment
	Err      error
	Reply    chan finalizeReply
}

type observed struct{ Order engine.Order }

type watchEnded struct{ Err error }

func (fetched) isSessionMsg()    {}
func (claimed) isSessionMsg()    {}
func (verified) isSessionMsg()   {}
func (skipped) isSessionMsg()    {}
func (unskipped) isSessionMsg()  {}
func (undoRead) isSessionMsg()   {}
func (undone) isSessionMsg()     {}
func (unclaimed) isSessionMsg()  {}
func (finalized) isSessionMsg()  {}
func (observed) isSessionMsg()   {}
func (watchEnded) isSessionMsg() {}

func respond(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}
