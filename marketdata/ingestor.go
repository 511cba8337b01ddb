package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/infra/backoff"
	"bourse/infra/metrics"
	"bourse/infra/store"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TickSink receives every valid tick in arrival order.
type TickSink interface {
	OnTick(ctx context.Context, t market.Tick)
}

type TickerPublisher interface {
	PublishTicker(t market.Ticker)
}

type GapRecorder interface {
	RecordGap(ctx context.Context, g store.Gap) error
}

type Config struct {
	URL          string
	Symbols      []string
	Backoff      backoff.Config
	ReadTimeout  time.Duration
	PingInterval time.Duration
	Supply       map[string]decimal.Decimal
	Dialer       *websocket.Dialer
}

// Ingestor owns the feed connection. Run is its only goroutine besides the
// pinger of the live connection.
type Ingestor struct {
	cfg     Config
	parser  *Parser
	stats   *statsBook
	ticks   TickSink
	tickers TickerPublisher
	gaps    GapRecorder
	log     *zap.Logger
	now     func() time.Time

	symbols map[string]struct{}
	state   atomic.Int32
}

func NewIngestor(cfg Config, ticks TickSink, tickers TickerPublisher, gaps GapRecorder, log *zap.Logger) *Ingestor {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	set := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		set[strings.ToUpper(s)] = struct{}{}
	}
	return &Ingestor{
		cfg:     cfg,
		parser:  NewParser(),
		stats:   newStatsBook(cfg.Supply),
		ticks:   ticks,
		tickers: tickers,
		gaps:    gaps,
		log:     log.Named("feed"),
		now:     time.Now,
		symbols: set,
	}
}

func (i *Ingestor) State() State { return State(i.state.Load()) }

func (i *Ingestor) setState(s State) {
	if State(i.state.Swap(int32(s))) != s {
		metrics.FeedState.Set(float64(s))
		i.log.Debug("feed state", zap.Stringer("state", s))
	}
}

// Run keeps the feed connected until ctx is done. A shutdown closes the
// connection without reconnecting.
func (i *Ingestor) Run(ctx context.Context) error {
	defer i.setState(StateDisconnected)

	var (
		attempt int
		lostAt  time.Time
	)
	for {
		if attempt == 0 {
			i.setState(StateConnecting)
		}
		conn, err := i.connect(ctx)
		if err == nil {
			attempt = 0
			i.setState(StateConnected)
			if !lostAt.IsZero() {
				i.recordGap(ctx, lostAt, i.now())
				lostAt = time.Time{}
			}

			err = i.read(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			i.log.Warn("feed connection lost", zap.Error(err))
			lostAt = i.now()
		} else {
			if ctx.Err() != nil {
				return nil
			}
			i.log.Warn("feed connect failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if lostAt.IsZero() {
				lostAt = i.now()
			}
		}

		attempt++
		i.setState(StateReconnecting)
		metrics.FeedReconnects.Inc()
		if backoff.Sleep(ctx, i.cfg.Backoff.Delay(attempt)) != nil {
			return nil
		}
		i.setState(StateConnecting)
	}
}

func (i *Ingestor) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := i.cfg.Dialer.DialContext(ctx, i.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	params := make([]string, 0, 2*len(i.cfg.Symbols))
	for _, s := range i.cfg.Symbols {
		s = strings.ToLower(s)
		params = append(params, s+"@trade", s+"@ticker")
	}
	sub := map[string]any{"method": "SUBSCRIBE", "params": params, "id": 1}
	_ = conn.SetWriteDeadline(time.Now().Add(i.cfg.ReadTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

// read consumes frames until the connection fails or ctx ends.
func (i *Ingestor) read(ctx context.Context, conn *websocket.Conn) error {
	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
		wg.Wait()
	}()

	extend := func(string) error {
		return conn.SetReadDeadline(time.Now().Add(i.cfg.ReadTimeout))
	}
	_ = extend("")
	conn.SetPongHandler(extend)
	conn.SetPingHandler(func(data string) error {
		_ = extend(data)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(i.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = extend("")
		i.handle(ctx, raw)
	}
}

func (i *Ingestor) handle(ctx context.Context, raw []byte) {
	f, err := i.parser.Parse(raw)
	if err != nil {
		if errors.Is(err, ErrIgnoredFrame) {
			return
		}
		kind := "unknown"
		var pe *ParseError
		if errors.As(err, &pe) {
			kind = pe.Kind
		}
		metrics.FeedParseFailures.WithLabelValues(kind).Inc()
		i.log.Debug("feed frame dropped", zap.String("kind", kind), zap.Error(err))
		return
	}

	switch {
	case f.Tick != nil:
		if !i.tracked(f.Tick.Symbol) {
			return
		}
		metrics.TicksReceived.WithLabelValues(f.Tick.Symbol).Inc()
		ticker := i.stats.apply(*f.Tick)
		i.ticks.OnTick(ctx, *f.Tick)
		i.tickers.PublishTicker(ticker)
	case f.Ticker != nil:
		if i.tracked(f.Ticker.Symbol) {
			i.tickers.PublishTicker(*f.Ticker)
		}
	}
}

func (i *Ingestor) tracked(symbol string) bool {
	_, ok := i.symbols[symbol]
	return ok
}

func (i *Ingestor) recordGap(ctx context.Context, from, to time.Time) {
	i.log.Info("feed gap", zap.Time("from", from), zap.Time("to", to), zap.Duration("length", to.Sub(from)))
	if i.gaps == nil {
		return
	}
	for _, s := range i.cfg.Symbols {
		if err := i.gaps.RecordGap(ctx, store.Gap{Symbol: strings.ToUpper(s), From: from.UTC(), To: to.UTC()}); err != nil {
			i.log.Error("record gap", zap.String("symbol", s), zap.Error(err))
		}
	}
}
