// Package alerts delivers risk notifications to a Slack-compatible webhook.
// Delivery is asynchronous through a bounded queue with retry, dedupe and
// rate limiting so a webhook outage never blocks the assessment path.
package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantfold/riskengine/internal/observ"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AlertKind classifies what triggered a notification.
type AlertKind string

const (
	KindRiskLevel     AlertKind = "risk_level"
	KindStreamEvent   AlertKind = "stream_event"
	KindTradeRejected AlertKind = "trade_rejected"
)

// Alert is one notification to deliver.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Severity  float64   `json:"severity"`
	Title     string    `json:"title"`
	Details   []string  `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config controls alert delivery.
type Config struct {
	Enabled                bool          `yaml:"enabled"`
	WebhookURL             string        `yaml:"webhook_url"`
	Channel                string        `yaml:"channel"`
	MinSeverity            float64       `yaml:"min_severity"`
	RateLimitPerMin        int           `yaml:"rate_limit_per_min"`
	RateLimitPerSymbolsMin int           `yaml:"rate_limit_per_symbol_per_min"`
	DedupeWindow           time.Duration `yaml:"dedupe_window"`
	QueueSize              int           `yaml:"queue_size"`
	MaxRetries             int           `yaml:"max_retries"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns alerting defaults with delivery disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:                false,
		Channel:                "#risk-alerts",
		MinSeverity:            0.5,
		RateLimitPerMin:        10,
		RateLimitPerSymbolsMin: 3,
		DedupeWindow:           time.Minute,
		QueueSize:              1000,
		MaxRetries:             3,
		RequestTimeout:         10 * time.Second,
	}
}

type queued struct {
	alert     Alert
	attempts  int
	nextRetry time.Time
}

// Client posts alerts to the configured webhook.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger

	queue  chan queued
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	seen     map[string]time.Time
	global   *rate.Limiter
	perSym   map[string]*rate.Limiter
	lastSync time.Time
}

// NewClient builds a client and starts its delivery worker.
func NewClient(cfg Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		log:    observ.Named("alerts"),
		queue:  make(chan queued, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]time.Time),
		global: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60), cfg.RateLimitPerMin),
		perSym: make(map[string]*rate.Limiter),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// Close stops the delivery worker. Queued alerts are dropped.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

// Send enqueues an alert. It never blocks; alerts below the severity floor,
// duplicates within the dedupe window and rate-limited symbols are dropped.
func (c *Client) Send(a Alert) {
	if !c.cfg.Enabled || c.cfg.WebhookURL == "" {
		return
	}
	if a.Severity < c.cfg.MinSeverity {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	if c.isDuplicate(a) {
		observ.AlertsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	if !c.allow(a.Symbol) {
		observ.AlertsDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	select {
	case c.queue <- queued{alert: a, nextRetry: time.Now()}:
	default:
		observ.AlertsDropped.WithLabelValues("queue_full").Inc()
	}
}

func (c *Client) isDuplicate(a Alert) bool {
	key := dedupeKey(a)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.seen[key]; ok && now.Sub(last) < c.cfg.DedupeWindow {
		return true
	}
	c.seen[key] = now

	// Piggyback stale-entry cleanup on writes instead of a dedicated loop.
	if now.Sub(c.lastSync) > 5*time.Minute {
		cutoff := now.Add(-c.cfg.DedupeWindow)
		for k, t := range c.seen {
			if t.Before(cutoff) {
				delete(c.seen, k)
			}
		}
		c.lastSync = now
	}
	return false
}

func (c *Client) allow(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.global.Allow() {
		return false
	}
	if symbol == "" {
		return true
	}
	lim, ok := c.perSym[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(c.cfg.RateLimitPerSymbolsMin)/60), c.cfg.RateLimitPerSymbolsMin)
		c.perSym[symbol] = lim
	}
	return lim.Allow()
}

func dedupeKey(a Alert) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%.2f:%s", a.Kind, a.Symbol, a.Severity, a.Title)))
	return fmt.Sprintf("%x", sum[:8])
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case q := <-c.queue:
			if wait := time.Until(q.nextRetry); wait > 0 {
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			if err := c.post(q.alert); err == nil {
				observ.AlertsSent.WithLabelValues(string(q.alert.Kind)).Inc()
				continue
			} else {
				c.log.Warn("webhook delivery failed",
					zap.String("kind", string(q.alert.Kind)),
					zap.Int("attempt", q.attempts+1),
					zap.Error(err))
			}
			q.attempts++
			if q.attempts >= c.cfg.MaxRetries {
				observ.AlertWebhookErrors.Inc()
				continue
			}
			q.nextRetry = time.Now().Add(time.Duration(math.Pow(2, float64(q.attempts))) * time.Second)
			select {
			case c.queue <- q:
			default:
				observ.AlertsDropped.WithLabelValues("queue_full").Inc()
			}
		}
	}
}

func (c *Client) post(a Alert) error {
	payload, err := json.Marshal(c.message(a))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	resp, err := c.http.Post(c.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Webhook message shapes follow the Slack attachment format.

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type attachment struct {
	Color  string  `json:"color"`
	Fields []field `json:"fields"`
}

type message struct {
	Channel     string       `json:"channel,omitempty"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

func (c *Client) message(a Alert) message {
	color := "good"
	switch {
	case a.Severity >= 0.9:
		color = "danger"
	case a.Severity >= 0.7:
		color = "warning"
	}

	fields := []field{
		{Title: "Kind", Value: string(a.Kind), Short: true},
		{Title: "Severity", Value: fmt.Sprintf("%.2f", a.Severity), Short: true},
		{Title: "Time", Value: a.Timestamp.Format("15:04:05 MST"), Short: true},
	}
	if a.Symbol != "" {
		fields = append(fields, field{Title: "Symbol", Value: a.Symbol, Short: true})
	}
	if len(a.Details) > 0 {
		details := a.Details
		if len(details) > 5 {
			details = append(details[:4:4], "...")
		}
		fields = append(fields, field{Title: "Details", Value: strings.Join(details, "\n"), Short: false})
	}

	return message{
		Channel: c.cfg.Channel,
		Text:    a.Title,
		Attachments: []attachment{{
			Color:  color,
			Fields: fields,
		}},
	}
}
