package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/session"
	"github.com/DoyleJ11/packstation/internal/shipping"
	"github.com/DoyleJ11/packstation/pkg/types"
)

const helpText = `commands:
  <token>                                   scan the current item
  skip <item> <reason...>                   report a problem and skip the item
  unskip <item>                             put a skipped item back to pending
  undo <item> <reason...>                   retract one verified unit
  unclaim <reason...>                       release the order
  retry                                     claim again
  refresh                                   reload the order
  status                                    print the order
  quotes <carrier> <service> <kg> <pkgs>    list rates
  ship <carrier> <service> <kg> <pkgs> <quote|tracking> [--accept-skips]
  quit
`

type packingSession interface {
	Scan(ctx context.Context, token string) error
	ReportProblem(ctx context.Context, itemID, reason string) error
	RevertSkip(ctx context.Context, itemID string, confirmed bool) error
	Undo(ctx context.Context, itemID, reason string) error
	Unclaim(ctx context.Context, reason string) error
	RetryClaim(ctx context.Context) error
	Refresh(ctx context.Context) error
	Finalize(ctx context.Context, d shipping.Draft, acceptSkips bool) (types.Shipment, error)
	View(ctx context.Context) (session.View, error)
	Subscribe(clientID string, outbox chan session.Snapshot)
	Unsubscribe(clientID string)
}

type quoter interface {
	Quotes(ctx context.Context, orderID string, d shipping.Draft) ([]types.Rate, error)
}

type station struct {
	sess    packingSession
	quotes  quoter
	orderID string

	mu  sync.Mutex
	out io.Writer
}

func newStation(sess packingSession, q quoter, orderID string, out io.Writer) *station {
	return &station{sess: sess, quotes: q, orderID: orderID, out: out}
}

func (st *station) printf(format string, args ...any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fmt.Fprintf(st.out, format, args...)
}

// follow prints every snapshot the session publishes until the returned stop
// func is called.
func (st *station) follow(clientID string) (stop func()) {
	outbox := make(chan session.Snapshot, 16)
	st.sess.Subscribe(clientID, outbox)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := ""
		for {
			select {
			case <-quit:
				return
			case snap, ok := <-outbox:
				if !ok {
					return
				}
				text := renderState(snap.State)
				if text == last {
					continue
				}
				last = text
				st.printf("%s", text)
			}
		}
	}()
	return func() {
		st.sess.Unsubscribe(clientID)
		close(quit)
		<-done
	}
}

type command struct {
	name        string
	itemID      string
	reason      string
	token       string
	draft       shipping.Draft
	acceptSkips bool
}

var errUsage = errors.New("usage")

func usage(format string) error { return fmt.Errorf("%w: %s", errUsage, format) }

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{name: "noop"}, nil
	}
	rest := fields[1:]
	switch name := strings.ToLower(fields[0]); name {
	case "skip", "undo":
		if len(rest) < 2 {
			return command{}, usage(name + " <item> <reason...>")
		}
		return command{name: name, itemID: rest[0], reason: strings.Join(rest[1:], " ")}, nil
	case "unskip":
		if len(rest) != 1 {
			return command{}, usage("unskip <item>")
		}
		return command{name: name, itemID: rest[0]}, nil
	case "unclaim":
		if len(rest) == 0 {
			return command{}, usage("unclaim <reason...>")
		}
		return command{name: name, reason: strings.Join(rest, " ")}, nil
	case "retry", "refresh", "status", "help", "quit", "exit":
		return command{name: name}, nil
	case "quotes":
		if len(rest) != 4 {
			return command{}, usage("quotes <carrier> <service> <kg> <pkgs>")
		}
		d, err := parseParcel(rest)
		if err != nil {
			return command{}, err
		}
		return command{name: name, draft: d}, nil
	case "ship":
		c := command{name: name}
		var args []string
		for _, f := range rest {
			if f == "--accept-skips" {
				c.acceptSkips = true
				continue
			}
			args = append(args, f)
		}
		if len(args) < 4 || len(args) > 5 {
			return command{}, usage("ship <carrier> <service> <kg> <pkgs> <quote|tracking> [--accept-skips]")
		}
		d, err := parseParcel(args[:4])
		if err != nil {
			return command{}, err
		}
		if len(args) == 5 {
			// The last argument is a quote id for rated carriers and a
			// tracking number otherwise; the finalizer decides which counts.
			d.QuoteID = args[4]
			d.TrackingNumber = args[4]
		}
		c.draft = d
		return c, nil
	default:
		return command{name: "scan", token: strings.TrimSpace(line)}, nil
	}
}

func parseParcel(args []string) (shipping.Draft, error) {
	weight, err := decimal.NewFromString(args[2])
	if err != nil {
		return shipping.Draft{}, usage(fmt.Sprintf("weight %q is not a number", args[2]))
	}
	pkgs, err := strconv.Atoi(args[3])
	if err != nil {
		return shipping.Draft{}, usage(fmt.Sprintf("package count %q is not a whole number", args[3]))
	}
	service := strings.ToUpper(args[1])
	if service == "-" {
		service = ""
	}
	return shipping.Draft{
		Carrier:      strings.ToUpper(args[0]),
		ServiceType:  service,
		Weight:       weight,
		PackageCount: pkgs,
	}, nil
}

// run reads commands until quit, EOF or ctx ends.
func (st *station) run(ctx context.Context, in io.Reader) error {
	lines := bufio.NewScanner(in)
	ask := func(question string) bool {
		st.printf("%s [y/N] ", question)
		if !lines.Scan() {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(lines.Text()))
		return answer == "y" || answer == "yes"
	}

	for lines.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		c, err := parseCommand(lines.Text())
		if err != nil {
			st.printf("%v\n", err)
			continue
		}
		if c.name == "quit" || c.name == "exit" {
			return nil
		}
		st.exec(ctx, c, ask)
	}
	return lines.Err()
}

func (st *station) exec(ctx context.Context, c command, ask func(string) bool) {
	var err error
	switch c.name {
	case "noop":
		return
	case "help":
		st.printf("%s", helpText)
		return
	case "scan":
		err = st.sess.Scan(ctx, c.token)
	case "skip":
		err = st.sess.ReportProblem(ctx, c.itemID, c.reason)
	case "unskip":
		if !ask(fmt.Sprintf("put %s back to pending?", c.itemID)) {
			st.printf("kept skipped\n")
			return
		}
		err = st.sess.RevertSkip(ctx, c.itemID, true)
	case "undo":
		err = st.sess.Undo(ctx, c.itemID, c.reason)
	case "unclaim":
		err = st.sess.Unclaim(ctx, c.reason)
	case "retry":
		err = st.sess.RetryClaim(ctx)
	case "refresh":
		err = st.sess.Refresh(ctx)
	case "status":
		var v session.View
		v, err = st.sess.View(ctx)
		if err == nil {
			st.printf("%s", renderState(v.State))
		}
	case "quotes":
		var rates []types.Rate
		rates, err = st.quotes.Quotes(ctx, st.orderID, c.draft)
		for _, r := range rates {
			st.printf("  %s  %s %-18s %s %s  %d day(s)\n", r.ID, r.Carrier, r.ServiceType, r.Amount.StringFixed(2), r.Currency, r.EstimatedDays)
		}
	case "ship":
		err = st.ship(ctx, c, ask)
	}
	if err != nil {
		st.printf("! %v\n", err)
	}
}

func (st *station) ship(ctx context.Context, c command, ask func(string) bool) error {
	shp, err := st.sess.Finalize(ctx, c.draft, c.acceptSkips)
	var pending *engine.SkipsPendingError
	if errors.As(err, &pending) {
		if !ask(pending.Error()) {
			return nil
		}
		shp, err = st.sess.Finalize(ctx, c.draft, true)
	}
	if err != nil {
		return err
	}
	st.printf("shipped %s with %s, tracking %s\n", st.orderID, shp.Carrier, shp.TrackingNumber)
	return nil
}

func renderState(s session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] order %s (%s)", s.Phase, s.Order.ID, s.Order.Status)
	if s.Order.ClaimedBy != "" {
		fmt.Fprintf(&b, " claimed by %s", s.Order.ClaimedBy)
	}
	b.WriteString("\n")
	cursor := s.Cursor
	if s.Phase == session.PhaseViewOnly || s.Phase == session.PhaseDone {
		cursor = -1
	}
	b.WriteString(renderItems(s.Order.Items, cursor))
	if s.ReadyToFinalize {
		b.WriteString("  all items done, ready to ship\n")
	}
	if s.Notice != "" {
		fmt.Fprintf(&b, "  %s\n", s.Notice)
	}
	return b.String()
}

func renderOrder(o engine.Order, cursor int) string {
	return fmt.Sprintf("order %s (%s) v%d\n", o.ID, o.Status, o.Version) + renderItems(o.Items, cursor)
}

func renderItems(items []engine.Item, cursor int) string {
	var b strings.Builder
	for idx, it := range items {
		marker := " "
		if idx == cursor {
			marker = ">"
		}
		state := fmt.Sprintf("%d/%d", it.VerifiedQuantity, it.Quantity)
		if it.Skipped() {
			state = "skipped: " + it.SkipReason
		}
		fmt.Fprintf(&b, " %s %-10s %-14s %s\n", marker, it.ID, engine.ExpectedToken(it), state)
	}
	return b.String()
}
