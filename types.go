package tideline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Row types
// ============================================================================

// MessageRecord is the wire shape of a row in the messages table.
type MessageRecord struct {
	ID          string    `json:"id,omitempty"`
	SenderID    string    `json:"sender_id" validate:"required"`
	RecipientID string    `json:"recipient_id" validate:"required"`
	Content     string    `json:"content"`
	MediaURL    string    `json:"media_url,omitempty"`
	MessageType string    `json:"message_type" validate:"required,oneof=text image file"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// FriendRecord is a row in the friendships table. Status is one of
// pending, accepted, declined.
type FriendRecord struct {
	ID          string    `json:"id,omitempty"`
	RequesterID string    `json:"requester_id" validate:"required"`
	AddresseeID string    `json:"addressee_id" validate:"required"`
	Status      string    `json:"status" validate:"required,oneof=pending accepted declined"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// ProfileRecord is a row in the profiles table.
type ProfileRecord struct {
	UserID          string `json:"user_id" validate:"required"`
	Username        string `json:"username" validate:"required"`
	DisplayName     string `json:"display_name"`
	Bio             string `json:"bio,omitempty"`
	ProfilePhotoURL string `json:"profile_photo_url,omitempty"`
}

// PostRecord is a row in the posts table.
type PostRecord struct {
	ID        string    `json:"id,omitempty"`
	AuthorID  string    `json:"author_id" validate:"required"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	LikeCount int       `json:"like_count"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Friendship status values.
const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
	FriendDeclined = "declined"
)

// ============================================================================
// Filters
// ============================================================================

// Filter is a set of row conditions rendered as query parameters in the
// backend's REST dialect (eq., gt., in., or=(...)).
type Filter map[string]string

// NewFilter returns an empty filter.
func NewFilter() Filter { return Filter{} }

// Eq adds an equality condition on a column.
func (f Filter) Eq(column, value string) Filter {
	f[column] = "eq." + value
	return f
}

// Gt adds a strictly-greater-than condition on a column.
func (f Filter) Gt(column, value string) Filter {
	f[column] = "gt." + value
	return f
}

// In adds a membership condition on a column.
func (f Filter) In(column string, values ...string) Filter {
	f[column] = "in.(" + strings.Join(values, ",") + ")"
	return f
}

// Or adds a raw disjunction expression.
func (f Filter) Or(expr string) Filter {
	f["or"] = "(" + expr + ")"
	return f
}

// conversationFilter matches rows sent in either direction between the two
// participants of key.
func conversationFilter(key ConversationKey) Filter {
	a, b := key.Participants()
	return NewFilter().Or(fmt.Sprintf(
		"and(sender_id.eq.%s,recipient_id.eq.%s),and(sender_id.eq.%s,recipient_id.eq.%s)",
		a, b, b, a,
	))
}

// Order describes a result ordering for Query.
type Order struct {
	Column    string
	Ascending bool
}

// Asc returns an ascending order on column.
func Asc(column string) *Order { return &Order{Column: column, Ascending: true} }

// Desc returns a descending order on column.
func Desc(column string) *Order { return &Order{Column: column} }

func (o *Order) param() string {
	dir := "desc"
	if o.Ascending {
		dir = "asc"
	}
	return o.Column + "." + dir
}

// ============================================================================
// Conversation keys
// ============================================================================

// ConversationKey identifies a direct conversation as an unordered pair of
// participant ids. NewConversationKey(a, b) == NewConversationKey(b, a).
type ConversationKey struct {
	lo, hi string
}

// NewConversationKey builds the key for a conversation between two users.
func NewConversationKey(a, b string) ConversationKey {
	pair := []string{a, b}
	sort.Strings(pair)
	return ConversationKey{lo: pair[0], hi: pair[1]}
}

// Participants returns both participant ids in canonical order.
func (k ConversationKey) Participants() (string, string) { return k.lo, k.hi }

// Contains reports whether userID is one of the participants.
func (k ConversationKey) Contains(userID string) bool {
	return userID == k.lo || userID == k.hi
}

// Other returns the participant that is not userID.
func (k ConversationKey) Other(userID string) string {
	if userID == k.lo {
		return k.hi
	}
	return k.lo
}

// String renders the key in canonical "lo:hi" form, suitable as a storage
// prefix.
func (k ConversationKey) String() string { return k.lo + ":" + k.hi }
