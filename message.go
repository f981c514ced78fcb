package tideline

import "time"

// ============================================================================
// Message model
// ============================================================================

// Kind classifies a message body.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// DeliveryState tracks the client-local lifecycle of an outgoing message.
// Incoming and fetched messages are always confirmed.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is the in-memory view of a message, as held by the cache.
type Message struct {
	ID          MessageID
	SenderID    string
	RecipientID string
	Content     string
	MediaURL    string
	Kind        Kind
	CreatedAt   time.Time
	Read        bool
	Delivery    DeliveryState
}

// Key returns the conversation key for the message's participant pair.
func (m Message) Key() ConversationKey {
	return NewConversationKey(m.SenderID, m.RecipientID)
}

// messageFromRecord converts a server row into a confirmed cache entry.
func messageFromRecord(rec MessageRecord) Message {
	kind := Kind(rec.MessageType)
	if kind == "" {
		kind = KindText
	}
	return Message{
		ID:          ServerID(rec.ID),
		SenderID:    rec.SenderID,
		RecipientID: rec.RecipientID,
		Content:     rec.Content,
		MediaURL:    rec.MediaURL,
		Kind:        kind,
		CreatedAt:   rec.CreatedAt,
		Read:        rec.IsRead,
		Delivery:    DeliveryConfirmed,
	}
}

// record converts a message into the wire shape for insert. The id and
// timestamp are omitted; the server assigns both.
func (m Message) record() MessageRecord {
	return MessageRecord{
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		MediaURL:    m.MediaURL,
		MessageType: string(m.Kind),
		IsRead:      m.Read,
	}
}
