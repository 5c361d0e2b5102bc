// Package stream provides real-time data distribution: a single-upstream
// fan-out hub and a server-sent-events push endpoint.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pricepulse/internal/models"
)

// HubConfig holds configuration for the upstream fan-out hub.
type HubConfig struct {
	// URL is the upstream websocket endpoint.
	URL string
	// ReconnectDelay is the fixed backoff before a reconnect attempt.
	ReconnectDelay time.Duration
	// DialTimeout bounds the websocket dial.
	DialTimeout time.Duration
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ReconnectDelay: 5 * time.Second,
		DialTimeout:    15 * time.Second,
	}
}

// Conn is the slice of websocket behavior the hub needs. *websocket.Conn
// satisfies it; tests substitute an in-memory implementation.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens the upstream connection.
type DialFunc func(ctx context.Context) (Conn, error)

// TickerSink receives ticker events for a subscriber's products.
type TickerSink func(models.CryptoTicker)

type subscriber struct {
	id       string
	products map[string]struct{}
	sink     TickerSink
}

// subscribeRequest is the outbound upstream subscription message.
type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// tickerMessage is the inbound upstream ticker frame. Numeric fields
// arrive as strings on the wire.
type tickerMessage struct {
	Type      string    `json:"type"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	BestBid   string    `json:"best_bid"`
	BestAsk   string    `json:"best_ask"`
	Volume24h string    `json:"volume_24h"`
	Open24h   string    `json:"open_24h"`
	Low24h    string    `json:"low_24h"`
	High24h   string    `json:"high_24h"`
	Time      time.Time `json:"time"`
}

// Hub multiplexes one persistent upstream streaming connection to many
// dynamic subscribers. The upstream subscription always covers the union
// of all subscribers' product sets; broadcasts are filtered per product.
// The connection opens lazily on the first subscriber, closes eagerly when
// the last one leaves, and reconnects on failure with at most one pending
// reconnect timer.
type Hub struct {
	cfg    HubConfig
	dial   DialFunc
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriber
	snapshots   map[string]models.CryptoTicker
	conn        Conn
	requested   map[string]struct{} // products covered by the current upstream subscription
	reconnect   *time.Timer
	backoff     backoff.BackOff
	gen         uint64 // connection generation, guards stale read-loop exits
	stopped     bool
}

// NewHub creates a hub that dials cfg.URL with gorilla/websocket.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	h := newHub(cfg, logger)
	h.dial = func(ctx context.Context) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
		conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
		}
		return conn, nil
	}
	return h
}

// NewHubWithDialer creates a hub with a custom dialer.
func NewHubWithDialer(cfg HubConfig, dial DialFunc, logger zerolog.Logger) *Hub {
	h := newHub(cfg, logger)
	h.dial = dial
	return h
}

func newHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultHubConfig().ReconnectDelay
	}
	return &Hub{
		cfg:         cfg,
		logger:      logger.With().Str("component", "hub").Logger(),
		subscribers: make(map[string]*subscriber),
		snapshots:   make(map[string]models.CryptoTicker),
		backoff:     backoff.NewConstantBackOff(cfg.ReconnectDelay),
	}
}

// Subscribe registers sink for the given products and returns an
// unsubscribe func. Registering may open the upstream connection or widen
// its subscription; unsubscribing the last subscriber closes it.
func (h *Hub) Subscribe(products []string, sink TickerSink) (unsubscribe func()) {
	sub := &subscriber{
		id:       uuid.NewString(),
		products: make(map[string]struct{}, len(products)),
		sink:     sink,
	}
	for _, p := range products {
		sub.products[p] = struct{}{}
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	if h.conn == nil {
		h.connectLocked()
	} else if h.unionGrewLocked() {
		h.sendSubscriptionLocked()
	}
	h.mu.Unlock()

	return func() { h.remove(sub.id) }
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[id]; !ok {
		return
	}
	delete(h.subscribers, id)

	if len(h.subscribers) > 0 {
		// Shrinking the union needs no upstream notification; stray
		// products are filtered at broadcast time.
		return
	}

	h.cancelReconnectLocked()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		h.gen++
	}
	h.requested = nil
}

// Snapshot returns the last-known ticker for a product, independent of
// connection liveness. Snapshots survive having zero subscribers so new
// subscribers can be primed without waiting for the next live tick.
func (h *Hub) Snapshot(productID string) (models.CryptoTicker, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.snapshots[productID]
	return t, ok
}

// union computes the set of products any current subscriber wants.
func (h *Hub) unionLocked() map[string]struct{} {
	union := make(map[string]struct{})
	for _, sub := range h.subscribers {
		for p := range sub.products {
			union[p] = struct{}{}
		}
	}
	return union
}

// unionGrewLocked reports whether the union now contains products the
// current upstream subscription does not cover.
func (h *Hub) unionGrewLocked() bool {
	for p := range h.unionLocked() {
		if _, ok := h.requested[p]; !ok {
			return true
		}
	}
	return false
}

func (h *Hub) sendSubscriptionLocked() {
	if h.conn == nil {
		return
	}
	union := h.unionLocked()
	products := make([]string, 0, len(union))
	for p := range union {
		products = append(products, p)
	}

	req := subscribeRequest{Type: "subscribe", ProductIDs: products, Channels: []string{"ticker"}}
	if err := h.conn.WriteJSON(req); err != nil {
		h.logger.Warn().Err(err).Msg("upstream subscribe failed")
		h.dropConnLocked()
		return
	}
	h.requested = union
	h.logger.Debug().Strs("products", products).Msg("upstream subscription sent")
}

func (h *Hub) connectLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DialTimeout)
	conn, err := h.dial(ctx)
	cancel()
	if err != nil {
		h.logger.Warn().Err(err).Msg("upstream connect failed")
		h.scheduleReconnectLocked()
		return
	}

	h.conn = conn
	h.gen++
	h.requested = nil
	h.sendSubscriptionLocked()
	if h.conn != nil {
		go h.readLoop(conn, h.gen)
		h.logger.Info().Msg("upstream connected")
	}
}

func (h *Hub) readLoop(conn Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.mu.Lock()
			if h.gen == gen {
				h.logger.Warn().Err(err).Msg("upstream connection lost")
				h.dropConnLocked()
			}
			h.mu.Unlock()
			return
		}
		h.handleMessage(raw)
	}
}

// handleMessage parses an inbound frame, updates the snapshot, and
// broadcasts to interested subscribers only.
func (h *Hub) handleMessage(raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Debug().Err(err).Msg("malformed upstream message")
		return
	}
	if msg.Type != "ticker" || msg.ProductID == "" {
		return
	}

	ticker, err := msg.toTicker()
	if err != nil {
		h.logger.Debug().Err(err).Str("product", msg.ProductID).Msg("unparseable ticker fields")
		return
	}

	h.mu.Lock()
	h.snapshots[ticker.ProductID] = ticker
	sinks := make([]TickerSink, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if _, ok := sub.products[ticker.ProductID]; ok {
			sinks = append(sinks, sub.sink)
		}
	}
	h.mu.Unlock()

	for _, sink := range sinks {
		h.safeDeliver(sink, ticker)
	}
}

// safeDeliver isolates one subscriber's panic from the rest of the
// broadcast.
func (h *Hub) safeDeliver(sink TickerSink, t models.CryptoTicker) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("subscriber sink panicked")
		}
	}()
	sink(t)
}

// dropConnLocked tears down the current connection and schedules a
// reconnect if subscribers remain.
func (h *Hub) dropConnLocked() {
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		h.gen++
	}
	h.requested = nil
	h.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms at most one reconnect timer, and only
// while subscribers remain.
func (h *Hub) scheduleReconnectLocked() {
	if h.stopped || h.reconnect != nil || len(h.subscribers) == 0 {
		return
	}
	delay := h.backoff.NextBackOff()
	h.reconnect = time.AfterFunc(delay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.reconnect = nil
		if h.stopped || len(h.subscribers) == 0 || h.conn != nil {
			return
		}
		h.connectLocked()
	})
}

func (h *Hub) cancelReconnectLocked() {
	if h.reconnect != nil {
		h.reconnect.Stop()
		h.reconnect = nil
	}
}

// Stop closes the upstream connection and prevents further reconnects.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.cancelReconnectLocked()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
		h.gen++
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Connected reports whether an upstream connection is currently open.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

func (m *tickerMessage) toTicker() (models.CryptoTicker, error) {
	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil {
		return models.CryptoTicker{}, fmt.Errorf("price %q: %w", m.Price, err)
	}

	t := models.CryptoTicker{
		ProductID: m.ProductID,
		Price:     price,
		BestBid:   parseOptionalFloat(m.BestBid),
		BestAsk:   parseOptionalFloat(m.BestAsk),
		Volume24h: parseOptionalFloat(m.Volume24h),
		Open24h:   parseOptionalFloat(m.Open24h),
		Low24h:    parseOptionalFloat(m.Low24h),
		High24h:   parseOptionalFloat(m.High24h),
		Time:      m.Time,
	}
	return t.WithDerived(), nil
}

func parseOptionalFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
