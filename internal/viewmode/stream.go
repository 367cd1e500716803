package viewmode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/packstation/internal/engine"
	"github.com/DoyleJ11/packstation/internal/types"
)

// Stream receives order snapshots pushed over the record service websocket.
// A dropped connection is redialled after RetryDelay until ctx ends.
type Stream struct {
	BaseURL      string
	HTTPClient   *http.Client
	RetryDelay   time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
}

var errTerminal = errors.New("order reached a terminal status")

// StreamURL turns an http(s) service root into the watch endpoint of orderID.
func StreamURL(baseURL, orderID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", &engine.ValidationError{Field: "base_url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return u.JoinPath("ws", "orders", orderID).String(), nil
}

func (s *Stream) Watch(ctx context.Context, orderID string, emit func(engine.Order)) error {
	target, err := StreamURL(s.BaseURL, orderID)
	if err != nil {
		return err
	}
	retry := s.RetryDelay
	if retry <= 0 {
		retry = DefaultInterval
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("stream").With(zap.String("order_id", orderID))

	lastVersion := -1
	for {
		err := s.session(ctx, target, log, func(o engine.Order) bool {
			if o.Version != lastVersion {
				lastVersion = o.Version
				emit(o)
			}
			return engine.IsTerminal(o.Status)
		})
		if errors.Is(err, errTerminal) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("order stream interrupted, reconnecting", zap.Error(err), zap.Duration("retry_in", retry))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// session runs one connection. It returns errTerminal once handle reports a
// terminal order.
func (s *Stream) session(ctx context.Context, target string, log *zap.Logger, handle func(engine.Order) bool) error {
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: s.HTTPClient})
	if err != nil {
		return fmt.Errorf("dial %s: %w: %w", target, engine.ErrNetwork, err)
	}
	defer conn.CloseNow()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return fmt.Errorf("server closed the stream: %w", engine.ErrNetwork)
				}
				return fmt.Errorf("read: %w: %w", engine.ErrNetwork, err)
			}

			var msg types.StreamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("bad frame", zap.Error(err))
				continue
			}
			switch msg.Type {
			case types.MsgOrderSnapshot:
				if msg.Order == nil {
					continue
				}
				if handle(*msg.Order) {
					return errTerminal
				}
			case types.MsgError:
				log.Warn("stream error frame", zap.String("error", msg.Error))
			}
		}
	})

	if s.PingInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					pctx, cancel := context.WithTimeout(gctx, s.PingInterval)
					err := conn.Ping(pctx)
					cancel()
					if err != nil && gctx.Err() == nil {
						return fmt.Errorf("ping: %w: %w", engine.ErrNetwork, err)
					}
				}
			}
		})
	}

	return g.Wait()
}
