package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantfold/riskengine/internal/observ"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WSConfig tunes the websocket connector.
type WSConfig struct {
	URL            string        `yaml:"url"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	SubscribeRate  float64       `yaml:"subscribe_rate"`  // messages per second
	SubscribeBurst int           `yaml:"subscribe_burst"`
}

// DefaultWSConfig returns the reconnect and rate settings used without
// overrides. Backoff doubles from 2s up to 16s.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:            url,
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		StaleAfter:     5 * time.Minute,
		SubscribeRate:  5,
		SubscribeBurst: 10,
	}
}

const (
	wsDisconnected int32 = iota
	wsConnecting
	wsConnected
	wsReconnecting
	wsClosed
)

// wireTick is the frame the upstream feed sends for price updates.
type wireTick struct {
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Volume    string `json:"volume"`
	Timestamp int64  `json:"timestamp"` // ms
}

type wireSubscribe struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

type lastTick struct {
	price decimal.Decimal
	at    time.Time
}

// WSConnector streams live ticks over a websocket feed. It reconnects with
// exponential backoff and replays subscriptions after reconnecting.
// Historical data is not served; pair it with a REST-capable connector in
// the manager for candle fetches.
type WSConnector struct {
	source  string
	cfg     WSConfig
	log     *zap.Logger
	limiter *rate.Limiter

	state   int32
	retries int32

	mu      sync.RWMutex
	conn    *websocket.Conn
	closeCh chan struct{}
	subs    map[string]Subscription
	ticks   map[string]lastTick
}

// NewWS builds a websocket connector for the named source.
func NewWS(source string, cfg WSConfig) *WSConnector {
	return &WSConnector{
		source:  source,
		cfg:     cfg,
		log:     observ.Named("marketdata.ws").With(zap.String("source", source)),
		limiter: rate.NewLimiter(rate.Limit(cfg.SubscribeRate), cfg.SubscribeBurst),
		closeCh: make(chan struct{}),
		subs:    make(map[string]Subscription),
		ticks:   make(map[string]lastTick),
	}
}

func (w *WSConnector) Source() string { return w.source }

// Connect dials the feed and starts the read and ping pumps.
func (w *WSConnector) Connect(ctx context.Context) error {
	select {
	case <-w.closeCh:
		return fmt.Errorf("connector is closed")
	default:
	}

	atomic.StoreInt32(&w.state, wsConnecting)
	if err := w.dial(ctx); err != nil {
		atomic.StoreInt32(&w.state, wsDisconnected)
		return err
	}
	atomic.StoreInt32(&w.state, wsConnected)
	atomic.StoreInt32(&w.retries, 0)

	go w.readPump()
	go w.pingPump()

	w.log.Info("websocket connected", zap.String("url", w.cfg.URL))
	return nil
}

func (w *WSConnector) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dctx, w.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.resubscribe(); err != nil {
		w.log.Warn("resubscribe failed", zap.Error(err))
	}
	return nil
}

func (w *WSConnector) resubscribe() error {
	w.mu.RLock()
	subs := make([]Subscription, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("no connection")
	}
	for _, s := range subs {
		msg := wireSubscribe{Op: "subscribe", Channel: string(s.Kind), Symbol: s.Symbol}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("resubscribe %s: %w", s.Symbol, err)
		}
	}
	if len(subs) > 0 {
		w.log.Info("resubscribed", zap.Int("channels", len(subs)))
	}
	return nil
}

func (w *WSConnector) readPump() {
	for {
		select {
		case <-w.closeCh:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			w.handleDisconnect(err)
			return
		}
		w.handleFrame(frame)
	}
}

func (w *WSConnector) handleFrame(frame []byte) {
	var tick wireTick
	if err := json.Unmarshal(frame, &tick); err != nil {
		observ.ConnectorErrors.WithLabelValues(w.source, "decode").Inc()
		w.log.Debug("undecodable frame", zap.Error(err))
		return
	}
	if tick.Symbol == "" || tick.Price == "" {
		return
	}
	price, err := decimal.NewFromString(tick.Price)
	if err != nil {
		observ.ConnectorErrors.WithLabelValues(w.source, "decode").Inc()
		return
	}

	ts := time.Now().UTC()
	if tick.Timestamp > 0 {
		ts = time.UnixMilli(tick.Timestamp).UTC()
	}

	w.mu.Lock()
	w.ticks[tick.Symbol] = lastTick{price: price, at: ts}
	sub, ok := w.subs[subKey(tick.Symbol, KindTicker)]
	w.mu.Unlock()

	if ok && sub.Handler != nil {
		point := Point{
			Symbol:    tick.Symbol,
			Timestamp: ts,
			Source:    w.source,
			Kind:      KindTicker,
			Close:     D(price),
		}
		if vol, err := decimal.NewFromString(tick.Volume); err == nil {
			point.Volume = D(vol)
		}
		sub.Handler(point)
	}
}

func (w *WSConnector) pingPump() {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil || atomic.LoadInt32(&w.state) != wsConnected {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(w.cfg.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.handleDisconnect(err)
				return
			}
		}
	}
}

func (w *WSConnector) handleDisconnect(err error) {
	select {
	case <-w.closeCh:
		return
	default:
	}
	state := atomic.LoadInt32(&w.state)
	if state == wsReconnecting || state == wsClosed {
		return
	}
	atomic.StoreInt32(&w.state, wsReconnecting)

	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()

	observ.ConnectorErrors.WithLabelValues(w.source, "disconnect").Inc()
	if err != nil {
		w.log.Warn("websocket disconnected", zap.Error(err))
	}
	go w.reconnectLoop()
}

func (w *WSConnector) reconnectLoop() {
	delay := w.cfg.InitialDelay
	for {
		select {
		case <-w.closeCh:
			return
		default:
		}

		attempt := atomic.AddInt32(&w.retries, 1)
		if w.cfg.MaxRetries > 0 && int(attempt) > w.cfg.MaxRetries {
			w.log.Error("reconnect attempts exhausted", zap.Int("max_retries", w.cfg.MaxRetries))
			atomic.StoreInt32(&w.state, wsDisconnected)
			return
		}
		w.log.Info("reconnecting",
			zap.Duration("delay", delay),
			zap.Int32("attempt", attempt))

		select {
		case <-w.closeCh:
			return
		case <-time.After(delay):
		}

		if err := w.dial(context.Background()); err != nil {
			w.log.Warn("reconnect failed", zap.Error(err))
			delay *= 2
			if delay > w.cfg.MaxDelay {
				delay = w.cfg.MaxDelay
			}
			continue
		}

		atomic.StoreInt32(&w.state, wsConnected)
		atomic.StoreInt32(&w.retries, 0)
		go w.readPump()
		go w.pingPump()
		w.log.Info("websocket reconnected")
		return
	}
}

// Historical is not served over the stream.
func (w *WSConnector) Historical(context.Context, string, Timeframe, time.Time, time.Time) ([]Point, error) {
	return nil, fmt.Errorf("source %s: historical data not available over websocket", w.source)
}

// CurrentPrice returns the latest streamed tick, failing when no tick has
// arrived or the last one is stale.
func (w *WSConnector) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	if atomic.LoadInt32(&w.state) != wsConnected {
		return decimal.Zero, ErrNotConnected
	}
	w.mu.RLock()
	tick, ok := w.ticks[symbol]
	w.mu.RUnlock()
	if !ok || time.Since(tick.at) > w.cfg.StaleAfter {
		return decimal.Zero, ErrPriceUnavailable
	}
	return tick.price, nil
}

// Subscribe sends a rate-limited subscribe frame and remembers it for replay
// after reconnects.
func (w *WSConnector) Subscribe(ctx context.Context, sub Subscription) error {
	if atomic.LoadInt32(&w.state) != wsConnected {
		return ErrNotConnected
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("subscribe rate limit: %w", err)
	}

	w.mu.Lock()
	w.subs[subKey(sub.Symbol, sub.Kind)] = sub
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	msg := wireSubscribe{Op: "subscribe", Channel: string(sub.Kind), Symbol: sub.Symbol}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", sub.Symbol, sub.Kind, err)
	}
	return nil
}

// Unsubscribe drops the live subscription.
func (w *WSConnector) Unsubscribe(ctx context.Context, symbol string, kind DataKind) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("unsubscribe rate limit: %w", err)
	}

	w.mu.Lock()
	delete(w.subs, subKey(symbol, kind))
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := wireSubscribe{Op: "unsubscribe", Channel: string(kind), Symbol: symbol}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("unsubscribe %s/%s: %w", symbol, kind, err)
	}
	return nil
}

// Disconnect closes the feed and stops reconnecting.
func (w *WSConnector) Disconnect(context.Context) error {
	select {
	case <-w.closeCh:
		return nil
	default:
		close(w.closeCh)
	}
	atomic.StoreInt32(&w.state, wsClosed)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}
