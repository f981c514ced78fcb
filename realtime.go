package tideline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// changeEnvelope is the wire format for row-level change events.
type changeEnvelope struct {
	Type   string          `json:"type"` // "INSERT" or "UPDATE"
	Topic  string          `json:"topic"`
	Record json.RawMessage `json:"record"`
}

// feedCommand is a client-to-server subscription command.
type feedCommand struct {
	Type   string `json:"type"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
	Table  string `json:"table,omitempty"`
	Filter Filter `json:"filter,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures the realtime change-feed client.
type FeedConfig struct {
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// FeedOption customizes a Feed.
type FeedOption func(*Feed)

func WithFeedLogger(log *slog.Logger) FeedOption {
	return func(f *Feed) { f.log = log }
}

func WithReconnectPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) FeedOption {
	return func(f *Feed) {
		f.config.MaxReconnectAttempts = maxAttempts
		f.config.ReconnectBaseDelay = baseDelay
		f.config.ReconnectMaxDelay = maxDelay
	}
}

func WithHeartbeatInterval(interval time.Duration) FeedOption {
	return func(f *Feed) { f.config.HeartbeatInterval = interval }
}

// WithoutReconnect disables automatic reconnection; any read failure
// drops all subscriptions immediately.
func WithoutReconnect() FeedOption {
	return func(f *Feed) { f.config.AutoReconnect = false }
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Feed
// ============================================================================

// ChangeHandlers receives raw row-change callbacks for one subscription.
// Handlers run on the feed's read loop, in arrival order. OnDrop fires
// once when the subscription cannot be kept alive.
type ChangeHandlers struct {
	OnInsert func(json.RawMessage)
	OnUpdate func(json.RawMessage)
	OnDrop   func(error)
}

// Subscription is a live registration on the change feed. Duplicate
// delivery is allowed by the transport; deduplication is the consumer's
// job.
type Subscription struct {
	feed   *Feed
	topic  string
	table  string
	filter Filter
	h      ChangeHandlers
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() error {
	return s.feed.unsubscribe(s)
}

// Feed is a websocket client delivering row-level INSERT/UPDATE events
// with auto-reconnect and a heartbeat watchdog.
type Feed struct {
	config FeedConfig
	log    *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	cancelFn         context.CancelFunc
	subSeq           int
	subs             map[string]*Subscription

	recon *reconnector
}

// NewFeed creates a feed client. Call Connect to establish the
// connection; Subscribe may be called before or after.
func NewFeed(config FeedConfig, opts ...FeedOption) *Feed {
	f := &Feed{
		config: config,
		log:    slog.Default(),
		state:  FeedDisconnected,
		subs:   make(map[string]*Subscription),
	}
	// Reconnect is on unless the WithoutReconnect option turns it off.
	f.config.AutoReconnect = true
	for _, opt := range opts {
		opt(f)
	}
	f.config.defaults()
	f.recon = newReconnector(&f.config)
	return f
}

// State returns the current connection state.
func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect establishes the websocket connection and replays any
// subscriptions registered while disconnected.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	wsURL := f.config.URL
	if f.config.Token != "" {
		wsURL += "?token=" + f.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = FeedDisconnected
		f.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	// Stop the loops of any previous connection before the new ones
	// start, otherwise each reconnect leaks a heartbeat goroutine.
	if f.cancelFn != nil {
		f.cancelFn()
	}
	f.conn = conn
	f.state = FeedConnected
	f.cancelFn = cancel
	resubs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		resubs = append(resubs, s)
	}
	f.mu.Unlock()
	f.recon.markConnected()

	for _, s := range resubs {
		if err := f.sendCommand(connCtx, feedCommand{
			Type: "subscribe", Topic: s.topic, Table: s.table, Filter: s.filter,
		}); err != nil {
			f.log.Warn("resubscribe failed", "topic", s.topic, "error", err)
		}
	}

	go f.readLoop(connCtx)
	go f.heartbeatLoop(connCtx)

	return nil
}

// Close gracefully shuts the connection down. Registered subscriptions
// are discarded without an OnDrop callback.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.intentionalClose = true
	conn := f.conn
	f.conn = nil
	cancel := f.cancelFn
	f.cancelFn = nil
	f.state = FeedDisconnected
	f.subs = make(map[string]*Subscription)
	f.mu.Unlock()

	// Close the conn while the read loop is still alive: the close
	// handshake needs a reader servicing the peer's close frame. Only
	// then cancel the loops.
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// Subscribe registers handlers for row changes on table matching filter.
func (f *Feed) Subscribe(table string, filter Filter, h ChangeHandlers) (*Subscription, error) {
	f.mu.Lock()
	f.subSeq++
	sub := &Subscription{
		feed:   f,
		topic:  fmt.Sprintf("%s:%d", table, f.subSeq),
		table:  table,
		filter: filter,
		h:      h,
	}
	f.subs[sub.topic] = sub
	connected := f.state == FeedConnected
	f.mu.Unlock()

	if connected {
		if err := f.sendCommand(context.Background(), feedCommand{
			Type: "subscribe", Topic: sub.topic, Table: table, Filter: filter,
		}); err != nil {
			f.mu.Lock()
			delete(f.subs, sub.topic)
			f.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", table, err)
		}
	}
	return sub, nil
}

// MessageHandlers receives typed message-row callbacks.
type MessageHandlers struct {
	OnInsert func(MessageRecord)
	OnUpdate func(MessageRecord)
	OnDrop   func(error)
}

// SubscribeMessages registers for message rows belonging to one
// conversation. Rows outside the participant pair are filtered out
// client-side as well, in case the server-side filter is broader.
func (f *Feed) SubscribeMessages(key ConversationKey, h MessageHandlers) (*Subscription, error) {
	decode := func(raw json.RawMessage, fn func(MessageRecord)) {
		if fn == nil {
			return
		}
		var rec MessageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			f.log.Warn("bad change record", "error", err)
			return
		}
		if !key.Contains(rec.SenderID) || !key.Contains(rec.RecipientID) {
			return
		}
		fn(rec)
	}
	return f.Subscribe("messages", conversationFilter(key), ChangeHandlers{
		OnInsert: func(raw json.RawMessage) { decode(raw, h.OnInsert) },
		OnUpdate: func(raw json.RawMessage) { decode(raw, h.OnUpdate) },
		OnDrop:   h.OnDrop,
	})
}

func (f *Feed) unsubscribe(s *Subscription) error {
	f.mu.Lock()
	_, ok := f.subs[s.topic]
	delete(f.subs, s.topic)
	connected := f.state == FeedConnected
	f.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return f.sendCommand(context.Background(), feedCommand{Type: "unsubscribe", Topic: s.topic})
}

func (f *Feed) sendCommand(ctx context.Context, cmd feedCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop delivers change events to subscription handlers in arrival
// order.
func (f *Feed) readLoop(ctx context.Context) {
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			f.state = FeedDisconnected
			f.conn = nil
			cancel := f.cancelFn
			f.cancelFn = nil
			f.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if intentional {
				return
			}

			f.log.Warn("feed disconnected", "error", err)
			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect()
			} else {
				f.dropAll()
			}
			return
		}

		var env changeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		f.mu.Lock()
		sub := f.subs[env.Topic]
		f.mu.Unlock()
		if sub == nil {
			continue
		}

		switch env.Type {
		case "INSERT":
			if sub.h.OnInsert != nil {
				sub.h.OnInsert(env.Record)
			}
		case "UPDATE":
			if sub.h.OnUpdate != nil {
				sub.h.OnUpdate(env.Record)
			}
		}
	}
}

func (f *Feed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			f.mu.Unlock()
			if conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force close on a failed ping; the read loop
				// handles reconnection.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (f *Feed) scheduleReconnect() {
	delay := f.recon.nextDelay()
	f.mu.Lock()
	f.state = FeedReconnecting
	f.mu.Unlock()
	f.log.Info("feed reconnecting", "attempt", f.recon.attempt, "delay", delay)

	time.Sleep(delay)

	f.mu.Lock()
	if f.intentionalClose {
		f.mu.Unlock()
		return
	}
	f.state = FeedDisconnected
	f.mu.Unlock()

	if err := f.Connect(context.Background()); err != nil {
		if f.config.AutoReconnect && f.recon.shouldReconnect() {
			f.scheduleReconnect()
			return
		}
		f.dropAll()
	}
}

// dropAll notifies every subscription that the feed is gone for good and
// clears the registry.
func (f *Feed) dropAll() {
	f.mu.Lock()
	dropped := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		dropped = append(dropped, s)
	}
	f.subs = make(map[string]*Subscription)
	f.recon.reset()
	f.mu.Unlock()

	for _, s := range dropped {
		if s.h.OnDrop != nil {
			s.h.OnDrop(ErrSubscriptionDropped)
		}
	}
}
