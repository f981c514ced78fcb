package tideline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// MessageFeed delivers realtime message-row changes. *Feed satisfies it.
type MessageFeed interface {
	SubscribeMessages(key ConversationKey, h MessageHandlers) (*Subscription, error)
}

// LocalStore is an optional persistent cache of confirmed messages, used
// to render a reopened conversation before the network fetch lands.
// localdb.Store satisfies it.
type LocalStore interface {
	PutMessage(key string, m Message) error
	Messages(key string) ([]Message, error)
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is the lifecycle controller for one open direct
// conversation: it owns the cache and sync engine, holds the realtime
// subscription, and exposes the merged view plus an event stream.
type Conversation struct {
	key   ConversationKey
	self  string
	peer  string
	store DataStore
	feed  MessageFeed
	local LocalStore
	log   *slog.Logger

	cache  *MessageCache
	engine *SyncEngine

	fetchRetries int
	fetchBackoff time.Duration

	mu        sync.Mutex
	sub       *Subscription
	closed    bool
	events    chan Event
	encrypted bool
	typing    bool
}

// ConversationOption customizes OpenConversation.
type ConversationOption func(*Conversation)

// WithLocalStore seeds the cache from store on open and mirrors
// confirmed messages back into it.
func WithLocalStore(store LocalStore) ConversationOption {
	return func(c *Conversation) { c.local = store }
}

func WithConversationLogger(log *slog.Logger) ConversationOption {
	return func(c *Conversation) { c.log = log }
}

// WithFetchRetry bounds the history-fetch retry loop. retries is the
// number of attempts after the first; backoff doubles per attempt.
func WithFetchRetry(retries int, backoff time.Duration) ConversationOption {
	return func(c *Conversation) {
		c.fetchRetries = retries
		c.fetchBackoff = backoff
	}
}

// OpenConversation opens the conversation between self and peer: seed
// from the local store when present, fetch history, subscribe to
// realtime changes, then re-query anything newer than the last row seen
// so nothing falls into the fetch/subscribe gap.
//
// A history fetch that fails all its retries does not abort the open;
// the failure is surfaced on the event stream and the worst case is a
// stale view until realtime traffic arrives. A failed subscription does
// abort it.
func OpenConversation(ctx context.Context, store DataStore, feed MessageFeed, self, peer string, opts ...ConversationOption) (*Conversation, error) {
	c := &Conversation{
		key:          NewConversationKey(self, peer),
		self:         self,
		peer:         peer,
		store:        store,
		feed:         feed,
		log:          slog.Default(),
		fetchRetries: 3,
		fetchBackoff: 500 * time.Millisecond,
		events:       make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = NewMessageCache()
	c.engine = NewSyncEngine(store, c.cache, c.key, self, c.log)
	c.engine.OnEvent(c.onEngineEvent)

	if c.local != nil {
		seed, err := c.local.Messages(c.key.String())
		if err != nil {
			c.log.Warn("local seed failed", "key", c.key, "error", err)
		}
		for _, m := range seed {
			if m.Delivery == DeliveryConfirmed {
				c.cache.Upsert(m)
			}
		}
	}

	if err := c.fetchHistory(ctx); err != nil {
		if !errors.Is(err, ErrFetchFailed) {
			err = fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		c.emit(Event{Type: EventFetchFailed, Err: err})
	}

	sub, err := feed.SubscribeMessages(c.key, c.handlers())
	if err != nil {
		c.engine.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.closeGap(ctx)
	return c, nil
}

func (c *Conversation) handlers() MessageHandlers {
	return MessageHandlers{
		OnInsert: c.engine.HandleInsert,
		OnUpdate: c.engine.HandleUpdate,
		OnDrop: func(err error) {
			c.mu.Lock()
			c.sub = nil
			c.mu.Unlock()
			c.emit(Event{Type: EventSubscriptionDropped, Err: err})
		},
	}
}

// Key returns the conversation key.
func (c *Conversation) Key() ConversationKey { return c.key }

// Peer returns the other participant's id.
func (c *Conversation) Peer() string { return c.peer }

// Events returns the conversation's event stream. The channel is closed
// by Close; events are dropped rather than blocking a slow consumer.
func (c *Conversation) Events() <-chan Event { return c.events }

// Messages returns the merged view, sorted by createdAt.
func (c *Conversation) Messages() []Message { return c.engine.Snapshot() }

// Send inserts an optimistic text message and returns its local id
// without waiting for the network.
func (c *Conversation) Send(ctx context.Context, content string) MessageID {
	return c.engine.Send(ctx, content)
}

// SendFile uploads the attachment, then sends a message carrying its
// URL. An upload failure is returned directly and nothing enters the
// cache.
func (c *Conversation) SendFile(ctx context.Context, name string, data []byte, kind Kind) (MessageID, error) {
	return c.engine.SendAttachment(ctx, name, data, kind)
}

// Resend retries a failed message.
func (c *Conversation) Resend(ctx context.Context, id MessageID) error {
	return c.engine.Resend(ctx, id)
}

// MarkRead flips unread peer messages to read locally and persists the
// receipts.
func (c *Conversation) MarkRead(ctx context.Context) error {
	return c.engine.MarkConversationRead(ctx)
}

// Focus re-establishes the realtime subscription, typically after an
// EventSubscriptionDropped, and closes any gap that opened meanwhile.
func (c *Conversation) Focus(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("conversation closed")
	}
	old := c.sub
	c.sub = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	sub, err := c.feed.SubscribeMessages(c.key, c.handlers())
	if err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.closeGap(ctx)
	return nil
}

// Close tears the conversation down: unsubscribe, detach the engine so
// in-flight callbacks no longer mutate anything, and close the event
// stream. The cache is discarded with the controller.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	c.engine.Close()
	close(c.events)
	return nil
}

// ============================================================================
// Cosmetic flags
// ============================================================================

// SetEncryptionHint toggles the UI-only encryption badge. It never
// affects what goes over the wire.
func (c *Conversation) SetEncryptionHint(on bool) {
	c.mu.Lock()
	c.encrypted = on
	c.mu.Unlock()
}

// EncryptionHint reports the UI-only encryption badge state.
func (c *Conversation) EncryptionHint() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted
}

// SetTyping toggles the local typing indicator. Nothing is broadcast.
func (c *Conversation) SetTyping(on bool) {
	c.mu.Lock()
	c.typing = on
	c.mu.Unlock()
}

// Typing reports the local typing indicator state.
func (c *Conversation) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// ============================================================================
// Internals
// ============================================================================

func (c *Conversation) fetchHistory(ctx context.Context) error {
	var err error
	backoff := c.fetchBackoff
	for attempt := 0; attempt <= c.fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		var recs []MessageRecord
		recs, err = c.store.QueryMessages(ctx, c.key, time.Time{})
		if err == nil {
			c.engine.MergeHistory(recs)
			return nil
		}
		c.log.Warn("history fetch failed", "attempt", attempt+1, "error", err)
	}
	return err
}

// closeGap re-queries rows newer than the last confirmed row, covering
// anything the server committed between the history fetch and the
// subscription going live.
func (c *Conversation) closeGap(ctx context.Context) {
	recs, err := c.store.QueryMessages(ctx, c.key, c.engine.LastSeen())
	if err != nil {
		c.log.Warn("gap query failed", "key", c.key, "error", err)
		if !errors.Is(err, ErrFetchFailed) {
			err = fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		c.emit(Event{Type: EventFetchFailed, Err: err})
		return
	}
	c.engine.MergeHistory(recs)
}

// onEngineEvent mirrors confirmed entries to the local store and
// forwards the event. Runs on the engine's mutating goroutine.
func (c *Conversation) onEngineEvent(ev Event) {
	if c.local != nil {
		switch ev.Type {
		case EventMessageAdded, EventMessageUpdated, EventMessageConfirmed:
			if m, ok := c.cache.Get(ev.ID); ok && m.Delivery == DeliveryConfirmed {
				if err := c.local.PutMessage(c.key.String(), m); err != nil {
					c.log.Warn("local mirror failed", "id", ev.ID, "error", err)
				}
			}
		}
	}
	c.emit(ev)
}

func (c *Conversation) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event dropped", "type", ev.Type)
	}
}
