// Package hermes subscribes to a Pyth Hermes websocket and pushes every price
// update into an observer, reconnecting with exponential backoff.
package hermes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/telemetry"
)

const (
	sourceName          = "hermes"
	readLimit           = 1 << 20
	writeTimeout        = 5 * time.Second
	defaultInitialRetry = 500 * time.Millisecond
	defaultMaxRetry     = 30 * time.Second
)

// Observer receives decoded quotes. *oracle.Client satisfies it.
type Observer interface {
	Observe(bundle.PriceQuote)
}

type subscribeRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type priceFields struct {
	Price       int64  `json:"price,string"`
	Conf        uint64 `json:"conf,string"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type message struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	PriceFeed *struct {
		ID    string      `json:"id"`
		Price priceFields `json:"price"`
	} `json:"price_feed"`
}

// Option customises a Stream.
type Option func(*Stream)

// WithLogger sets the stream logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMeter sets the meter used for stream instruments.
func WithMeter(meter metric.Meter) Option {
	return func(s *Stream) {
		if meter != nil {
			s.meter = meter
		}
	}
}

// WithReconnectBackoff tunes the delay between reconnect attempts.
func WithReconnectBackoff(initial, ceiling time.Duration) Option {
	return func(s *Stream) {
		if initial > 0 {
			s.initialRetry = initial
		}
		if ceiling > 0 {
			s.maxRetry = ceiling
		}
	}
}

// Stream keeps one websocket session alive and forwards price updates.
type Stream struct {
	url      string
	feeds    map[string]string
	ids      []string
	observer Observer
	logger   *log.Logger
	meter    metric.Meter

	initialRetry time.Duration
	maxRetry     time.Duration

	messages    metric.Int64Counter
	connections metric.Int64Counter

	ready     chan struct{}
	readyOnce sync.Once
	received  atomic.Uint64
	sessions  atomic.Uint64
}

// NewStream creates a stream for the symbol → feed id mapping.
func NewStream(url string, feeds map[string]string, observer Observer, opts ...Option) (*Stream, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errs.New("hermes", errs.CodeInvalidConfig, errs.WithMessage("stream url required"))
	}
	if observer == nil {
		return nil, errs.New("hermes", errs.CodeNullInput, errs.WithMessage("observer required"))
	}
	if len(feeds) == 0 {
		return nil, errs.New("hermes", errs.CodeInvalidConfig, errs.WithMessage("at least one feed required"))
	}
	s := &Stream{
		url:          url,
		feeds:        make(map[string]string, len(feeds)),
		observer:     observer,
		logger:       log.New(io.Discard, "", 0),
		meter:        otel.Meter("relay.oracle.hermes"),
		initialRetry: defaultInitialRetry,
		maxRetry:     defaultMaxRetry,
		ready:        make(chan struct{}),
	}
	for symbol, id := range feeds {
		key := normaliseFeedID(id)
		if key == "" || symbol == "" {
			return nil, errs.New("hermes", errs.CodeInvalidConfig,
				errs.WithSymbol(symbol), errs.WithMessage("feed id required"))
		}
		s.feeds[key] = symbol
		s.ids = append(s.ids, key)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.messages, _ = s.meter.Int64Counter("relay.oracle.stream.messages",
		metric.WithDescription("Price stream messages received"),
		metric.WithUnit("{message}"))
	s.connections, _ = s.meter.Int64Counter("relay.oracle.stream.connections",
		metric.WithDescription("Price stream connection attempts by outcome"),
		metric.WithUnit("{connection}"))
	return s, nil
}

// Ready is closed after the first successful subscription.
func (s *Stream) Ready() <-chan struct{} { return s.ready }

// Received reports how many price updates were forwarded.
func (s *Stream) Received() uint64 { return s.received.Load() }

// Sessions reports how many connections were established.
func (s *Stream) Sessions() uint64 { return s.sessions.Load() }

// Run dials, subscribes and reads until ctx is cancelled. Dropped sessions are
// re-dialled with exponential backoff. It returns ctx's error.
func (s *Stream) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialRetry
	policy.MaxInterval = s.maxRetry

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			s.recordConnection("error")
			s.logger.Printf("hermes dial failed: url=%s err=%v", s.url, err)
		} else {
			s.recordConnection("connected")
			s.sessions.Add(1)
			conn.SetReadLimit(readLimit)
			err = s.session(ctx, conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Printf("hermes session ended: err=%v", err)
			}
			policy.Reset()
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.maxRetry
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Stream) session(ctx context.Context, conn *websocket.Conn) error {
	payload, err := json.Marshal(subscribeRequest{Type: "subscribe", IDs: s.ids})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, payload)
	cancel()
	if err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := s.handle(ctx, data); err != nil {
			s.logger.Printf("hermes message rejected: err=%v", err)
		}
	}
}

func (s *Stream) handle(ctx context.Context, data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return errs.New("hermes", errs.CodeOracleParseFailure, errs.WithCause(err))
	}
	switch msg.Type {
	case "response":
		if msg.Status != "success" {
			return errs.New("hermes", errs.CodeOracleInvalidAccount,
				errs.WithMessage(fmt.Sprintf("subscription rejected: %s", msg.Error)))
		}
		s.readyOnce.Do(func() { close(s.ready) })
		return nil
	case "price_update":
	default:
		return nil
	}
	if msg.PriceFeed == nil {
		return errs.New("hermes", errs.CodeOracleParseFailure, errs.WithMessage("price_update without price_feed"))
	}
	symbol, ok := s.feeds[normaliseFeedID(msg.PriceFeed.ID)]
	if !ok {
		return nil
	}
	p := msg.PriceFeed.Price
	s.observer.Observe(bundle.PriceQuote{
		Symbol:      symbol,
		Price:       p.Price,
		Conf:        p.Conf,
		Expo:        p.Expo,
		PublishedAt: time.Unix(p.PublishTime, 0).UTC(),
		Source:      sourceName,
	})
	s.received.Add(1)
	if s.messages != nil {
		s.messages.Add(ctx, 1, metric.WithAttributes(
			telemetry.OracleAttributes(telemetry.Environment(), sourceName, telemetry.ResultOK)...))
	}
	return nil
}

func (s *Stream) recordConnection(state string) {
	if s.connections == nil {
		return
	}
	s.connections.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.ConnectionAttributes(telemetry.Environment(), sourceName, state)...))
}

func normaliseFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}
