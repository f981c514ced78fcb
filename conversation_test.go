package tideline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// fakeFeed implements MessageFeed and hands the registered handlers back
// to the test so it can inject realtime traffic.
type fakeFeed struct {
	mu         sync.Mutex
	handlers   MessageHandlers
	subscribes int
	err        error
}

func (f *fakeFeed) SubscribeMessages(key ConversationKey, h MessageHandlers) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.err != nil {
		return nil, f.err
	}
	f.handlers = h
	// a detached feed so Subscription.Close is a no-op
	return &Subscription{feed: NewFeed(FeedConfig{})}, nil
}

func (f *fakeFeed) current() MessageHandlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

// memStore is an in-memory LocalStore.
type memStore struct {
	mu   sync.Mutex
	msgs map[string][]Message
}

func newMemStore() *memStore {
	return &memStore{msgs: make(map[string][]Message)}
}

func (s *memStore) PutMessage(key string, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, old := range s.msgs[key] {
		if old.ID == m.ID {
			s.msgs[key][i] = m
			return nil
		}
	}
	s.msgs[key] = append(s.msgs[key], m)
	return nil
}

func (s *memStore) Messages(key string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs[key]...), nil
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, tp EventType) bool {
	for _, ev := range events {
		if ev.Type == tp {
			return true
		}
	}
	return false
}

func TestOpenConversationFetchesAndSubscribes(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var queries []time.Time
	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		queries = append(queries, newerThan)
		if newerThan.IsZero() {
			return []MessageRecord{
				serverRecord("m1", "bob", "alice", "one", at),
				serverRecord("m2", "alice", "bob", "two", at.Add(time.Second)),
			}, nil
		}
		// the gap query returns a row committed after the fetch
		return []MessageRecord{
			serverRecord("m3", "bob", "alice", "late", at.Add(2*time.Second)),
		}, nil
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	if len(queries) != 2 {
		t.Fatalf("queries = %d, want history + gap", len(queries))
	}
	if !queries[0].IsZero() {
		t.Error("history fetch should start from zero time")
	}
	if !queries[1].Equal(at.Add(time.Second)) {
		t.Errorf("gap query newerThan = %v, want %v", queries[1], at.Add(time.Second))
	}

	msgs := conv.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != ServerID(want) {
			t.Errorf("msgs[%d].ID = %s, want %s", i, msgs[i].ID, want)
		}
	}
	if feed.subscribeCount() != 1 {
		t.Errorf("subscribes = %d, want 1", feed.subscribeCount())
	}
}

func TestOpenConversationFetchFailureStillOpens(t *testing.T) {
	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		return nil, errors.New("backend down")
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)),
		WithFetchRetry(1, time.Millisecond))
	if err != nil {
		t.Fatalf("fetch failure must not abort the open: %v", err)
	}
	defer conv.Close()

	events := drainEvents(conv.Events())
	if !hasEvent(events, EventFetchFailed) {
		t.Error("no fetch.failed event surfaced")
	}
	for _, ev := range events {
		if ev.Type == EventFetchFailed && !errors.Is(ev.Err, ErrFetchFailed) {
			t.Errorf("event error = %v, want ErrFetchFailed", ev.Err)
		}
	}
	if len(conv.Messages()) != 0 {
		t.Error("messages appeared despite total fetch failure")
	}
}

func TestOpenConversationGapQueryFailure(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		if newerThan.IsZero() {
			return []MessageRecord{serverRecord("m1", "bob", "alice", "one", at)}, nil
		}
		return nil, errors.New("backend down")
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	events := drainEvents(conv.Events())
	found := false
	for _, ev := range events {
		if ev.Type == EventFetchFailed {
			found = true
			if !errors.Is(ev.Err, ErrFetchFailed) {
				t.Errorf("gap failure error = %v, want ErrFetchFailed", ev.Err)
			}
		}
	}
	if !found {
		t.Error("gap query failure not surfaced")
	}
	// history is still there
	if len(conv.Messages()) != 1 {
		t.Errorf("len(Messages()) = %d, want 1", len(conv.Messages()))
	}
}

func TestOpenConversationFetchRetries(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	attempts := 0
	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		if newerThan.IsZero() {
			attempts++
			if attempts < 3 {
				return nil, errors.New("flaky")
			}
			return []MessageRecord{serverRecord("m1", "bob", "alice", "one", at)}, nil
		}
		return nil, nil
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)),
		WithFetchRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(conv.Messages()) != 1 {
		t.Errorf("len(Messages()) = %d, want 1", len(conv.Messages()))
	}
	if hasEvent(drainEvents(conv.Events()), EventFetchFailed) {
		t.Error("fetch.failed emitted even though a retry succeeded")
	}
}

func TestOpenConversationSubscribeFailureAborts(t *testing.T) {
	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		return nil, nil
	}

	feed := &fakeFeed{err: errors.New("socket refused")}
	_, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err == nil {
		t.Fatal("subscribe failure must abort the open")
	}
}

func TestConversationRealtimeFlow(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		return nil, nil
	}
	store.markMessagesRead = func(ctx context.Context, ids []string) error { return nil }

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	h := feed.current()
	rec := serverRecord("srv-1", "bob", "alice", "hey", at)
	h.OnInsert(rec)
	h.OnInsert(rec) // duplicate delivery

	msgs := conv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(Messages()) = %d, want 1", len(msgs))
	}

	rec.Content = "hey (edited)"
	h.OnUpdate(rec)
	msgs = conv.Messages()
	if msgs[0].Content != "hey (edited)" {
		t.Errorf("Content = %q after update", msgs[0].Content)
	}

	events := drainEvents(conv.Events())
	if !hasEvent(events, EventMessageAdded) || !hasEvent(events, EventMessageUpdated) {
		t.Errorf("events = %+v, want added and updated", events)
	}
}

func TestConversationLocalStoreSeedAndMirror(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	key := NewConversationKey("alice", "bob")

	local := newMemStore()
	seeded := textMessage(ServerID("old-1"), "bob", at)
	if err := local.PutMessage(key.String(), seeded); err != nil {
		t.Fatal(err)
	}
	// pending entries must never be seeded into a fresh view
	stale := textMessage(NewLocalID(), "alice", at)
	stale.Delivery = DeliveryPending
	_ = local.PutMessage(key.String(), stale)

	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		return nil, nil
	}
	store.markMessagesRead = func(ctx context.Context, ids []string) error { return nil }

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithLocalStore(local), WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	msgs := conv.Messages()
	if len(msgs) != 1 || msgs[0].ID != ServerID("old-1") {
		t.Fatalf("seeded view = %+v, want only old-1", msgs)
	}

	// a confirmed realtime row is mirrored back
	feed.current().OnInsert(serverRecord("srv-2", "bob", "alice", "new", at.Add(time.Second)))
	stored, _ := local.Messages(key.String())
	found := false
	for _, m := range stored {
		if m.ID == ServerID("srv-2") {
			found = true
		}
	}
	if !found {
		t.Error("confirmed realtime row not mirrored to the local store")
	}
}

func TestConversationFocusAfterDrop(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	gapRows := []MessageRecord{}
	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]MessageRecord(nil), gapRows...), nil
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	feed.current().OnDrop(ErrSubscriptionDropped)
	events := drainEvents(conv.Events())
	if !hasEvent(events, EventSubscriptionDropped) {
		t.Fatal("no subscription.dropped event")
	}

	// a row committed while we were dark shows up after Focus
	mu.Lock()
	gapRows = []MessageRecord{serverRecord("missed", "bob", "alice", "psst", at)}
	mu.Unlock()

	if err := conv.Focus(context.Background()); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	if feed.subscribeCount() != 2 {
		t.Errorf("subscribes = %d, want 2", feed.subscribeCount())
	}
	msgs := conv.Messages()
	if len(msgs) != 1 || msgs[0].ID != ServerID("missed") {
		t.Errorf("gap row missing after Focus: %+v", msgs)
	}
}

func TestConversationSendAndMarkRead(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var receipts []string
	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		if newerThan.IsZero() {
			return []MessageRecord{serverRecord("m1", "bob", "alice", "unread", at)}, nil
		}
		return nil, nil
	}
	store.insertMessage = func(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
		return serverRecord("srv-1", rec.SenderID, rec.RecipientID, rec.Content, at.Add(time.Second)), nil
	}
	store.markMessagesRead = func(ctx context.Context, ids []string) error {
		receipts = append(receipts, ids...)
		return nil
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	if err := conv.MarkRead(context.Background()); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(receipts) != 1 || receipts[0] != "m1" {
		t.Errorf("receipts = %v, want [m1]", receipts)
	}

	id := conv.Send(context.Background(), "hello")
	if !id.IsLocal() {
		t.Fatal("Send should return a local id")
	}
	waitFor(t, "confirm", func() bool {
		for _, m := range conv.Messages() {
			if m.ID == ServerID("srv-1") {
				return true
			}
		}
		return false
	})
}

func TestConversationCloseStopsEvents(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		return nil, nil
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}

	h := feed.current()
	if err := conv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// a late realtime callback after close must be inert, not panic
	rec := serverRecord("late", "bob", "alice", "too late", at)
	rec.IsRead = true
	h.OnInsert(rec)
	h.OnDrop(ErrSubscriptionDropped)

	if _, ok := <-conv.Events(); ok {
		t.Error("events channel delivered after close")
	}
	if err := conv.Focus(context.Background()); err == nil {
		t.Error("Focus after close should error")
	}
}

func TestConversationCosmeticFlags(t *testing.T) {
	store := &fakeStore{t: t}
	store.queryMessages = func(ctx context.Context, key ConversationKey, newerThan time.Time) ([]MessageRecord, error) {
		return nil, nil
	}

	feed := &fakeFeed{}
	conv, err := OpenConversation(context.Background(), store, feed, "alice", "bob",
		WithConversationLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	defer conv.Close()

	if conv.EncryptionHint() || conv.Typing() {
		t.Error("cosmetic flags should start off")
	}
	conv.SetEncryptionHint(true)
	conv.SetTyping(true)
	if !conv.EncryptionHint() || !conv.Typing() {
		t.Error("cosmetic flags did not stick")
	}
	if conv.Peer() != "bob" {
		t.Errorf("Peer() = %q", conv.Peer())
	}
	if conv.Key() != NewConversationKey("bob", "alice") {
		t.Errorf("Key() = %v", conv.Key())
	}
}
