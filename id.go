package tideline

import (
	"crypto/rand"
	"fmt"
	"time"
)

// ============================================================================
// Message IDs
// ============================================================================

// MessageID identifies a message in the cache. An id is either local
// (assigned optimistically before the server echo) or a server row id.
// The zero value is no id at all.
//
// MessageID is comparable and safe to use as a map key.
type MessageID struct {
	value string
	local bool
}

// NewLocalID returns a fresh client-assigned id for an optimistic entry.
func NewLocalID() MessageID {
	return MessageID{value: generateUUID(), local: true}
}

// ServerID wraps a server-assigned row id.
func ServerID(id string) MessageID {
	return MessageID{value: id}
}

// IsLocal reports whether the id was assigned client-side.
func (id MessageID) IsLocal() bool { return id.local }

// IsZero reports whether the id is unset.
func (id MessageID) IsZero() bool { return id.value == "" }

// String returns the raw id value.
func (id MessageID) String() string { return id.value }

// generateUUID returns a random v4 UUID string.
func generateUUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().UnixMilli())
	}
	b[6] = (b[6] & 0x0f) | 0x40 // Version 4
	b[8] = (b[8] & 0x3f) | 0x80 // Variant 10
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
