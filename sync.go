package tideline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Data store contract
// ============================================================================

// DataStore is the remote persistence surface the sync engine needs.
// *Client satisfies it; tests supply fakes.
type DataStore interface {
	QueryMessages(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error)
	InsertMessage(ctx context.Context, rec MessageRecord) (MessageRecord, error)
	MarkMessagesRead(ctx context.Context, ids []string) error
	UploadBlob(ctx context.Context, bucket, path string, data []byte) (string, error)
}

// ============================================================================
// Events
// ============================================================================

// EventType labels a sync event.
type EventType string

const (
	// EventMessageAdded fires when a new entry lands in the cache: an
	// optimistic send, a realtime insert, or a history row.
	EventMessageAdded EventType = "message.added"
	// EventMessageUpdated fires when an existing entry changes in place.
	EventMessageUpdated EventType = "message.updated"
	// EventMessageConfirmed fires when the server echo replaces an
	// optimistic entry. Event.ID is the server id.
	EventMessageConfirmed EventType = "message.confirmed"
	// EventMessageFailed fires when an insert is rejected; the entry is
	// kept with a failed delivery state. Event.Err wraps ErrSendFailed.
	EventMessageFailed EventType = "message.failed"
	// EventReadReceiptFailed fires when a background read receipt could
	// not be written. Event.Err wraps ErrUpdateFailed.
	EventReadReceiptFailed EventType = "read_receipt.failed"
	// EventFetchFailed fires when the history fetch gives up after its
	// retries. Event.Err wraps ErrFetchFailed.
	EventFetchFailed EventType = "fetch.failed"
	// EventSubscriptionDropped fires when the realtime feed exhausts its
	// reconnect attempts. Event.Err wraps ErrSubscriptionDropped.
	EventSubscriptionDropped EventType = "subscription.dropped"
)

// Event is one entry on a conversation's event stream. ID is set for
// message-level events; Err for failures.
type Event struct {
	Type EventType
	ID   MessageID
	Err  error
}

// ============================================================================
// Sync Engine
// ============================================================================

// SyncEngine keeps one conversation's cache consistent across optimistic
// sends, server echoes, and realtime change events.
//
// A single mutex serializes every cache mutation, and event handlers run
// synchronously under it, so dispatch order always matches mutation
// order. Once Close is called no further mutation or dispatch happens;
// callbacks from in-flight work are dropped.
type SyncEngine struct {
	store  DataStore
	cache  *MessageCache
	key    ConversationKey
	self   string
	bucket string
	log    *slog.Logger

	mu       sync.Mutex
	closed   bool
	handlers []func(Event)
	wg       sync.WaitGroup
	// ids read locally whose is_read write has not been confirmed yet;
	// MarkConversationRead retries them
	receipts map[MessageID]struct{}

	// test seams
	now   func() time.Time
	newID func() MessageID
}

// NewSyncEngine creates an engine for the conversation between self and
// the other participant of key. The store is injected; the engine never
// reaches for ambient state.
func NewSyncEngine(store DataStore, cache *MessageCache, key ConversationKey, self string, log *slog.Logger) *SyncEngine {
	if log == nil {
		log = slog.Default()
	}
	return &SyncEngine{
		store:    store,
		cache:    cache,
		key:      key,
		self:     self,
		bucket:   MediaBucket,
		log:      log,
		receipts: make(map[MessageID]struct{}),
		now:      time.Now,
		newID:    NewLocalID,
	}
}

// OnEvent registers a handler. Handlers run synchronously on the
// mutating goroutine and must not call back into the engine.
func (e *SyncEngine) OnEvent(h func(Event)) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func (e *SyncEngine) emitLocked(ev Event) {
	for _, h := range e.handlers {
		h(ev)
	}
}

// Snapshot returns the conversation's messages sorted by createdAt.
func (e *SyncEngine) Snapshot() []Message {
	return e.cache.Snapshot()
}

// Close detaches the engine. In-flight sends and receipts may still
// finish against the network but no longer touch the cache.
func (e *SyncEngine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// ============================================================================
// Outgoing path
// ============================================================================

// Send inserts an optimistic text entry and returns its local id
// immediately; delivery happens in the background. The returned id is
// zero when the engine is already closed.
func (e *SyncEngine) Send(ctx context.Context, content string) MessageID {
	return e.send(ctx, Message{Content: content, Kind: KindText})
}

// SendAttachment uploads the blob first and only inserts the optimistic
// entry once a URL exists. An upload failure is returned synchronously
// and leaves no trace in the cache.
func (e *SyncEngine) SendAttachment(ctx context.Context, name string, data []byte, kind Kind) (MessageID, error) {
	path := fmt.Sprintf("%s/%s-%s", e.self, generateUUID(), name)
	url, err := e.store.UploadBlob(ctx, e.bucket, path, data)
	if err != nil {
		e.log.Warn("attachment upload failed", "name", name, "error", err)
		return MessageID{}, err
	}
	return e.send(ctx, Message{Content: name, MediaURL: url, Kind: kind}), nil
}

func (e *SyncEngine) send(ctx context.Context, msg Message) MessageID {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return MessageID{}
	}
	msg.ID = e.newID()
	msg.SenderID = e.self
	msg.RecipientID = e.key.Other(e.self)
	msg.CreatedAt = e.now()
	msg.Delivery = DeliveryPending
	e.cache.Upsert(msg)
	e.emitLocked(Event{Type: EventMessageAdded, ID: msg.ID})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.deliver(ctx, msg.ID, msg.record())
	return msg.ID
}

// Resend retries a failed entry. Entries in any other delivery state are
// left alone.
func (e *SyncEngine) Resend(ctx context.Context, id MessageID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("conversation closed")
	}
	msg, ok := e.cache.Get(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown message %s", id)
	}
	if msg.Delivery != DeliveryFailed {
		e.mu.Unlock()
		return fmt.Errorf("message %s is %s, not failed", id, msg.Delivery)
	}
	msg.Delivery = DeliveryPending
	e.cache.Upsert(msg)
	e.emitLocked(Event{Type: EventMessageUpdated, ID: id})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.deliver(ctx, id, msg.record())
	return nil
}

func (e *SyncEngine) deliver(ctx context.Context, localID MessageID, rec MessageRecord) {
	defer e.wg.Done()

	echo, err := e.store.InsertMessage(ctx, rec)
	if err != nil {
		e.fail(localID, err)
		return
	}
	e.confirm(localID, echo)
}

func (e *SyncEngine) confirm(localID MessageID, echo MessageRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	msg := messageFromRecord(echo)
	e.cache.Replace(localID, msg)
	e.emitLocked(Event{Type: EventMessageConfirmed, ID: msg.ID})
}

func (e *SyncEngine) fail(localID MessageID, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	msg, ok := e.cache.Get(localID)
	if !ok {
		return
	}
	msg.Delivery = DeliveryFailed
	e.cache.Upsert(msg)
	e.log.Warn("message delivery failed", "id", localID, "error", cause)
	if !errors.Is(cause, ErrSendFailed) {
		cause = fmt.Errorf("%w: %v", ErrSendFailed, cause)
	}
	e.emitLocked(Event{Type: EventMessageFailed, ID: localID, Err: cause})
}

// ============================================================================
// Incoming path
// ============================================================================

// HandleInsert merges a realtime INSERT. Duplicate deliveries of an id
// already in the cache are ignored; a peer-authored insert schedules a
// read receipt since the conversation is open.
func (e *SyncEngine) HandleInsert(rec MessageRecord) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	id := ServerID(rec.ID)
	if e.cache.Contains(id) {
		e.mu.Unlock()
		return
	}
	msg := messageFromRecord(rec)
	fromPeer := rec.SenderID != e.self
	if fromPeer {
		msg.Read = true
	}
	e.cache.Upsert(msg)
	needsReceipt := fromPeer && !rec.IsRead
	if needsReceipt {
		e.receipts[id] = struct{}{}
	}
	e.emitLocked(Event{Type: EventMessageAdded, ID: id})
	e.mu.Unlock()

	if needsReceipt {
		e.wg.Add(1)
		go e.sendReadReceipt(rec.ID)
	}
}

// HandleUpdate merges a realtime UPDATE, last write wins. The cache
// keeps read entries read regardless of the incoming row.
func (e *SyncEngine) HandleUpdate(rec MessageRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	id := ServerID(rec.ID)
	existed := e.cache.Contains(id)
	e.cache.Upsert(messageFromRecord(rec))
	if rec.IsRead {
		delete(e.receipts, id)
	}
	if existed {
		e.emitLocked(Event{Type: EventMessageUpdated, ID: id})
	} else {
		e.emitLocked(Event{Type: EventMessageAdded, ID: id})
	}
}

// MergeHistory folds fetched rows into the cache. Rows already present
// are merged in place, so replaying an overlapping window is harmless.
func (e *SyncEngine) MergeHistory(recs []MessageRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, rec := range recs {
		id := ServerID(rec.ID)
		existed := e.cache.Contains(id)
		e.cache.Upsert(messageFromRecord(rec))
		if rec.IsRead {
			delete(e.receipts, id)
		}
		if existed {
			e.emitLocked(Event{Type: EventMessageUpdated, ID: id})
		} else {
			e.emitLocked(Event{Type: EventMessageAdded, ID: id})
		}
	}
}

// MarkConversationRead flips every unread peer-authored entry to read
// locally, then writes the receipts remotely, including receipts from
// earlier reads that never reached the server. The local flips are kept
// even when the remote write fails; the returned error wraps
// ErrUpdateFailed in that case and the next call retries the write.
func (e *SyncEngine) MarkConversationRead(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("conversation closed")
	}
	var ids []MessageID
	for _, m := range e.cache.Snapshot() {
		if m.SenderID != e.self && !m.Read && m.Delivery == DeliveryConfirmed {
			ids = append(ids, m.ID)
			e.receipts[m.ID] = struct{}{}
		}
	}
	e.cache.MarkRead(ids...)
	for _, id := range ids {
		e.emitLocked(Event{Type: EventMessageUpdated, ID: id})
	}
	raw := make([]string, 0, len(e.receipts))
	for id := range e.receipts {
		raw = append(raw, id.String())
	}
	e.mu.Unlock()

	if len(raw) == 0 {
		return nil
	}
	sort.Strings(raw)
	if err := e.store.MarkMessagesRead(ctx, raw); err != nil {
		e.log.Warn("read receipts not persisted", "count", len(raw), "error", err)
		if !errors.Is(err, ErrUpdateFailed) {
			err = fmt.Errorf("%w: %v", ErrUpdateFailed, err)
		}
		return err
	}
	e.mu.Lock()
	for _, id := range raw {
		delete(e.receipts, ServerID(id))
	}
	e.mu.Unlock()
	return nil
}

// LastSeen returns the newest createdAt among confirmed entries, the
// high-water mark for gap-closing queries. Zero when nothing confirmed
// is cached.
func (e *SyncEngine) LastSeen() time.Time {
	var last time.Time
	for _, m := range e.cache.Snapshot() {
		if m.Delivery == DeliveryConfirmed && m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last
}

func (e *SyncEngine) sendReadReceipt(ids ...string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	err := e.store.MarkMessagesRead(ctx, ids)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		for _, id := range ids {
			delete(e.receipts, ServerID(id))
		}
		return
	}
	// the ids stay in the retry set for the next MarkConversationRead
	if !errors.Is(err, ErrUpdateFailed) {
		err = fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	if !e.closed {
		e.log.Warn("read receipt failed", "ids", ids, "error", err)
		e.emitLocked(Event{Type: EventReadReceiptFailed, Err: err})
	}
}
