package localdb

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tideline "github.com/tideline-app/tideline-go"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	store := New(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func confirmedMessage(id, sender string, at time.Time) tideline.Message {
	return tideline.Message{
		ID:          tideline.ServerID(id),
		SenderID:    sender,
		RecipientID: "other",
		Content:     "hi from " + sender,
		Kind:        tideline.KindText,
		CreatedAt:   at,
		Delivery:    tideline.DeliveryConfirmed,
	}
}

func TestPutAndGetMessages(t *testing.T) {
	store := newTestStore(t)
	key := tideline.NewConversationKey("alice", "bob").String()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// written out of order; read back oldest first
	require.NoError(t, store.PutMessage(key, confirmedMessage("m2", "bob", at.Add(time.Second))))
	require.NoError(t, store.PutMessage(key, confirmedMessage("m1", "alice", at)))

	msgs, err := store.Messages(key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, tideline.ServerID("m1"), msgs[0].ID)
	assert.Equal(t, tideline.ServerID("m2"), msgs[1].ID)
	assert.Equal(t, tideline.DeliveryConfirmed, msgs[0].Delivery)
	assert.True(t, msgs[0].CreatedAt.Equal(at))
}

func TestPutMessageOverwrites(t *testing.T) {
	store := newTestStore(t)
	key := "alice:bob"
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m := confirmedMessage("m1", "bob", at)
	require.NoError(t, store.PutMessage(key, m))

	m.Read = true
	require.NoError(t, store.PutMessage(key, m))

	msgs, err := store.Messages(key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestPutMessageSkipsUnconfirmed(t *testing.T) {
	store := newTestStore(t)
	key := "alice:bob"
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	pending := tideline.Message{
		ID:        tideline.NewLocalID(),
		SenderID:  "alice",
		Content:   "not yet",
		Kind:      tideline.KindText,
		CreatedAt: at,
		Delivery:  tideline.DeliveryPending,
	}
	require.NoError(t, store.PutMessage(key, pending))

	failed := pending
	failed.Delivery = tideline.DeliveryFailed
	require.NoError(t, store.PutMessage(key, failed))

	msgs, err := store.Messages(key)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMessagesIsolatedPerConversation(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutMessage("alice:bob", confirmedMessage("m1", "bob", at)))
	require.NoError(t, store.PutMessage("alice:carol", confirmedMessage("m2", "carol", at)))

	msgs, err := store.Messages("alice:bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, tideline.ServerID("m1"), msgs[0].ID)
}

func TestMessagesEmptyConversation(t *testing.T) {
	store := newTestStore(t)
	msgs, err := store.Messages("alice:bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestProfileRoundTrip(t *testing.T) {
	store := newTestStore(t)

	p := tideline.ProfileRecord{
		UserID:      "user-1",
		Username:    "alice",
		DisplayName: "Alice",
		Bio:         "hello",
	}
	require.NoError(t, store.PutProfile(p))

	got, found, err := store.Profile("user-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p, got)
}

func TestProfileNotFound(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.Profile("ghost")
	require.NoError(t, err)
	assert.False(t, found)
}
